package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/voice-chat/internal/audio"
)

// ErrClosedByProvider reports that the provider ended the stream while the
// session was still wanted
var ErrClosedByProvider = errors.New("transcription stream closed by provider")

// Transcript is one transcription fragment from the provider
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Session is one live transcription stream bound to one audio source.
//
// Transcripts is closed exactly once, after the session terminates; no
// fragment is delivered after Done is closed. Err reports why the session
// ended and is nil when it was ended by Stop.
type Session interface {
	ID() string
	Transcripts() <-chan Transcript
	Done() <-chan struct{}
	Err() error
	Stop()
}

// Transcriber starts transcription sessions
type Transcriber interface {
	// Start opens src and connects to the provider. A failure to open src is
	// returned as *DeviceError and nothing is dialed; a failure to connect is
	// returned as *ConnectionError after src has been closed again.
	Start(ctx context.Context, src audio.Source) (Session, error)
}

// DeviceError reports that the capture device could not be acquired
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio capture unavailable: %v", e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// ConnectionError reports that the provider connection failed
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transcription connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
