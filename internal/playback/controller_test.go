package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/tts"
)

type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	gate  chan struct{} // when non-nil, synthesis waits for it
	err   error
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string) (*tts.Audio, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &tts.Audio{Data: []byte(text)}, nil
}

func (s *fakeSynth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// fakeSink plays until released or cancelled and tracks overlap
type fakeSink struct {
	mu        sync.Mutex
	played    []string
	active    int
	maxActive int
	stops     int
	release   chan struct{}
	playing   chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{release: make(chan struct{}), playing: make(chan string, 16)}
}

func (s *fakeSink) Play(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.played = append(s.played, string(audio))
	s.mu.Unlock()
	s.playing <- string(audio)

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSink) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func waitPlaying(t *testing.T, s *fakeSink) string {
	t.Helper()
	select {
	case text := <-s.playing:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("sink never started playing")
	}
	return ""
}

func TestSpeakPlaysOnce(t *testing.T) {
	synth := &fakeSynth{}
	sink := newFakeSink()
	var stopped []string
	var mu sync.Mutex
	c := NewController(synth, sink, zerolog.Nop(), WithStopHook(func(turnID string) {
		mu.Lock()
		stopped = append(stopped, turnID)
		mu.Unlock()
	}))

	if !c.Speak("turn-1", "hello") {
		t.Fatal("first Speak should start playback")
	}
	if got := waitPlaying(t, sink); got != "hello" {
		t.Errorf("unexpected audio %q", got)
	}

	if c.Speak("turn-1", "hello") {
		t.Error("the same turn must not be spoken twice")
	}

	close(sink.release)
	c.Wait()

	if synth.callCount() != 1 {
		t.Errorf("expected one synthesis, got %d", synth.callCount())
	}
	if c.Speaking() {
		t.Error("controller should be idle after playback")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stopped) != 1 || stopped[0] != "turn-1" {
		t.Errorf("expected stop hook for turn-1, got %v", stopped)
	}
}

func TestSpeakNeverOverlaps(t *testing.T) {
	synth := &fakeSynth{}
	sink := newFakeSink()
	c := NewController(synth, sink, zerolog.Nop())

	c.Speak("turn-1", "first")
	waitPlaying(t, sink)

	c.Speak("turn-2", "second")
	if got := waitPlaying(t, sink); got != "second" {
		t.Errorf("expected second utterance, got %q", got)
	}

	close(sink.release)
	c.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.maxActive != 1 {
		t.Errorf("utterances overlapped: %d active at once", sink.maxActive)
	}
}

func TestStopCancelsSynthesis(t *testing.T) {
	synth := &fakeSynth{gate: make(chan struct{})}
	sink := newFakeSink()
	c := NewController(synth, sink, zerolog.Nop())

	c.Speak("turn-1", "hello")
	c.Stop()
	c.Stop()
	c.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.played) != 0 {
		t.Errorf("nothing should play after Stop, got %v", sink.played)
	}
	if c.Speaking() {
		t.Error("controller should be idle after Stop")
	}
}

func TestStopWhenIdleIsSafe(t *testing.T) {
	sink := newFakeSink()
	c := NewController(&fakeSynth{}, sink, zerolog.Nop())
	c.Stop()

	if sink.stops != 0 {
		t.Error("idle Stop should not touch the sink")
	}
}

func TestSynthesisFailureIsSilent(t *testing.T) {
	synth := &fakeSynth{err: errors.New("status 400")}
	sink := newFakeSink()
	c := NewController(synth, sink, zerolog.Nop())

	c.Speak("turn-1", "hello")
	c.Wait()

	if len(sink.played) != 0 {
		t.Error("failed synthesis must not play")
	}
	if c.Speaking() {
		t.Error("controller should be idle after a failure")
	}
	if c.Speak("turn-1", "hello") {
		t.Error("a failed turn still counts as spoken")
	}
}
