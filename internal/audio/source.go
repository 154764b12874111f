// Package audio holds the capture and playback edges of a voice session:
// sources that produce raw audio frames, sinks that play synthesized
// speech, and the chunker that forwards captured audio on a fixed cadence.
package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrSourceClosed is returned when pushing into a closed source
var ErrSourceClosed = errors.New("audio source closed")

// Source is a capture device. Open acquires it exclusively; frames are
// delivered on Frames until Close. Frames is closed when the source stops.
type Source interface {
	Open(ctx context.Context) error
	Frames() <-chan []byte
	Close() error
}

// Sink plays synthesized audio. Play blocks until the audio has been handed
// to the output or ctx is cancelled. Stop discards anything queued.
type Sink interface {
	Play(ctx context.Context, audio []byte) error
	Stop()
}

// EncodingInfo describes raw audio sent to transcription
type EncodingInfo struct {
	Encoding   string // e.g. "linear16"; empty lets the provider detect a container format
	SampleRate int
	Channels   int
}

// PushSource is a Source fed by the caller, used when audio arrives over a
// network connection instead of a local device. A PushSource can be opened
// again after Close, which makes it reusable across voice sessions on the
// same connection.
type PushSource struct {
	encoding EncodingInfo
	depth    int

	mu     sync.Mutex
	frames chan []byte
	open   bool
}

// NewPushSource creates a push source buffering up to depth frames
func NewPushSource(encoding EncodingInfo, depth int) *PushSource {
	if depth <= 0 {
		depth = 64
	}
	return &PushSource{encoding: encoding, depth: depth}
}

// Encoding reports the format of pushed frames
func (s *PushSource) Encoding() EncodingInfo {
	return s.encoding
}

func (s *PushSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return errors.New("audio source already open")
	}
	s.frames = make(chan []byte, s.depth)
	s.open = true
	return nil
}

func (s *PushSource) Frames() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Push delivers a frame. Frames are dropped while the consumer lags behind
// so the network reader never blocks.
func (s *PushSource) Push(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrSourceClosed
	}
	select {
	case s.frames <- frame:
	default:
	}
	return nil
}

// Active reports whether the source is open
func (s *PushSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *PushSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	close(s.frames)
	return nil
}
