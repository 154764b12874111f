// Package playback speaks completed assistant turns, one at a time, and
// can be interrupted at any moment.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/tts"
)

// Option customises a Controller
type Option func(*Controller)

// WithStartHook is called when synthesized audio is handed to the sink
func WithStartHook(fn func(turnID string, a *tts.Audio)) Option {
	return func(c *Controller) { c.onStart = fn }
}

// WithStopHook is called when playback of a turn ends, either naturally or
// because it was stopped
func WithStopHook(fn func(turnID string)) Option {
	return func(c *Controller) { c.onStop = fn }
}

// Controller plays at most one utterance at a time. Speak and Stop may be
// called from any goroutine.
type Controller struct {
	synth  tts.Synthesizer
	sink   audio.Sink
	logger zerolog.Logger

	onStart func(turnID string, a *tts.Audio)
	onStop  func(turnID string)

	mu         sync.Mutex
	current    *utterance
	lastSpoken string
	wg         sync.WaitGroup
}

type utterance struct {
	turnID string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a playback controller
func NewController(synth tts.Synthesizer, sink audio.Sink, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		synth:  synth,
		sink:   sink,
		logger: logger.With().Str("component", "playback").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Speak stops whatever is playing and speaks text for turnID. A turn that
// was already spoken is skipped; Speak then returns false. Synthesis or
// playback failures are logged and otherwise ignored.
func (c *Controller) Speak(turnID, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if turnID == c.lastSpoken {
		return false
	}
	c.lastSpoken = turnID

	var prev <-chan struct{}
	if c.current != nil {
		prev = c.current.done
	}
	c.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	u := &utterance{turnID: turnID, cancel: cancel, done: make(chan struct{})}
	c.current = u

	c.wg.Add(1)
	go c.run(ctx, u, text, prev)
	return true
}

// Stop cancels synthesis in flight and silences the sink. It is safe to
// call at any time, any number of times.
func (c *Controller) Stop() {
	c.mu.Lock()
	wasPlaying := c.current != nil
	c.stopLocked()
	c.mu.Unlock()

	if wasPlaying {
		c.sink.Stop()
	}
}

// Speaking reports whether an utterance is being synthesized or played
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Wait blocks until every utterance goroutine has returned
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) stopLocked() {
	if c.current == nil {
		return
	}
	c.current.cancel()
	c.current = nil
}

func (c *Controller) run(ctx context.Context, u *utterance, text string, prev <-chan struct{}) {
	defer c.wg.Done()
	defer close(u.done)
	defer u.cancel()

	start := time.Now()
	spoken, err := c.synth.Synthesize(ctx, text)
	if ctx.Err() != nil {
		return
	}
	observability.RecordTTS(err == nil, time.Since(start))
	if err != nil {
		observability.RecordError("synthesis", "playback")
		c.logger.Warn().Err(err).Str("turn_id", u.turnID).Msg("Speech synthesis failed")
		c.finish(u)
		return
	}

	// The previous utterance must release the sink before this one starts
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	c.mu.Lock()
	current := c.current == u
	c.mu.Unlock()
	if !current {
		return
	}

	if c.onStart != nil {
		c.onStart(u.turnID, spoken)
	}
	observability.RecordAudioBytes("out", len(spoken.Data))

	err = c.sink.Play(ctx, spoken.Data)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Str("turn_id", u.turnID).Msg("Playback failed")
	}

	if c.onStop != nil {
		c.onStop(u.turnID)
	}
	c.finish(u)
}

// finish clears u if it is still the current utterance
func (c *Controller) finish(u *utterance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == u {
		c.current = nil
	}
}
