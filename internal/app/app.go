// Package app wires the service's providers, breakers and storage from
// configuration. Both the HTTP server and the local CLI start from here.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/completion"
	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/conversation"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/resilience"
	"github.com/lexiqai/voice-chat/internal/stt"
	"github.com/lexiqai/voice-chat/internal/tts"
)

// App holds the long-lived collaborators of a voice chat process
type App struct {
	Config *config.Config
	Store  *conversation.BadgerStore
	Chats  *conversation.Session

	Transcriber *stt.DeepgramTranscriber
	Streamer    *completion.GroqStreamer
	Titles      *completion.OpenAITitleDeriver
	Synthesizer *tts.DeepgramClient

	Breakers []*resilience.CircuitBreaker

	logger     zerolog.Logger
	ttsBreaker *resilience.CircuitBreaker
}

// New builds an App. Close releases the store.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	store, err := conversation.NewBadgerStore(conversation.BadgerOptions{
		Dir:      cfg.StoreDir,
		InMemory: cfg.StoreDir == "",
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.StoreRetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.StoreRetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open chat store: %w", err)
	}

	chats, err := conversation.NewSession(ctx, store, nil, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	ttsBreaker := newBreaker(cfg, "tts")
	completionBreaker := newBreaker(cfg, "completion")
	titleBreaker := newBreaker(cfg, "title")

	return &App{
		Config:      cfg,
		Store:       store,
		Chats:       chats,
		Transcriber: stt.NewDeepgramTranscriber(stt.OptionsFromConfig(cfg), logger),
		Streamer:    completion.NewGroqStreamer(completion.GroqOptionsFromConfig(cfg, completionBreaker), logger),
		Titles:      completion.NewTitleDeriver(completion.TitleOptionsFromConfig(cfg, titleBreaker), logger),
		Synthesizer: tts.NewDeepgramClient(tts.OptionsFromConfig(cfg, ttsBreaker), logger),
		Breakers:    []*resilience.CircuitBreaker{ttsBreaker, completionBreaker, titleBreaker},
		logger:      logger,
		ttsBreaker:  ttsBreaker,
	}, nil
}

// newBreaker creates a circuit breaker that reports to Prometheus
func newBreaker(cfg *config.Config, name string) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(name,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		resilience.WithStateChangeHook(func(name string, state resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(state))
			logger := observability.ComponentLogger("resilience")
			logger.Warn().
				Str("breaker", name).
				Str("state", state.String()).
				Msg("Circuit breaker state changed")
		}),
		resilience.WithFailureHook(observability.IncrementCircuitBreakerFailures),
	)
}

// RawSynthesizer returns a synthesizer producing headerless PCM at
// sampleRate, sharing the TTS breaker with Synthesizer. Local speakers
// cannot decode the provider's default container.
func (a *App) RawSynthesizer(sampleRate int) *tts.DeepgramClient {
	opts := tts.OptionsFromConfig(a.Config, a.ttsBreaker)
	opts.Encoding = "linear16"
	opts.SampleRate = sampleRate
	return tts.NewDeepgramClient(opts, a.logger)
}

// ReadinessChecks reports the store and every provider breaker. An open
// breaker means the provider is currently being refused.
func (a *App) ReadinessChecks() []observability.NamedCheck {
	checks := []observability.NamedCheck{{
		Name: "store",
		Check: func(ctx context.Context) (bool, error) {
			if err := a.Store.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	}}
	for _, b := range a.Breakers {
		b := b
		checks = append(checks, observability.NamedCheck{
			Name: b.Name(),
			Check: func(ctx context.Context) (bool, error) {
				if state := b.GetState(); state == resilience.StateOpen {
					return false, fmt.Errorf("circuit %s", state)
				}
				return true, nil
			},
		})
	}
	return checks
}

// Close releases the store
func (a *App) Close() error {
	return a.Store.Close()
}
