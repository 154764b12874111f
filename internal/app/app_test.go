package app

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/observability"
)

func testConfig() *config.Config {
	return &config.Config{
		DeepgramAPIKey:             "dg-key",
		GroqAPIKey:                 "groq-key",
		SilenceWindowMs:            2000,
		ChunkIntervalMs:            250,
		AudioBufferSize:            1024,
		CircuitBreakerMaxFailures:  1,
		CircuitBreakerResetTimeout: 30,
		StoreRetryMaxAttempts:      3,
		StoreRetryInitialBackoff:   1,
	}
}

func TestNewWiresInMemoryStore(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if a.Chats.ActiveID() == "" {
		t.Error("Expected an active chat after startup")
	}
	if len(a.Breakers) != 3 {
		t.Fatalf("Expected 3 breakers, got %d", len(a.Breakers))
	}
	if a.RawSynthesizer(16000) == nil {
		t.Error("Expected a raw synthesizer")
	}
}

func TestReadinessFollowsBreakers(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	statuses, ready := observability.RunChecks(ctx, a.ReadinessChecks())
	if !ready {
		t.Fatalf("Expected ready, got %+v", statuses)
	}
	if _, ok := statuses["store"]; !ok {
		t.Error("Expected a store check")
	}

	// One failure opens a breaker with max failures 1
	_ = a.Breakers[1].Execute(ctx, func(context.Context) error { return errors.New("boom") })

	statuses, ready = observability.RunChecks(ctx, a.ReadinessChecks())
	if ready {
		t.Fatal("Expected not ready with an open breaker")
	}
	if got := statuses["completion"].Status; got != "unhealthy" {
		t.Errorf("Expected completion unhealthy, got %q", got)
	}
	if got := statuses["store"].Status; got != "healthy" {
		t.Errorf("Expected store healthy, got %q", got)
	}
}
