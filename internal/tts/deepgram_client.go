package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/resilience"
)

var tracer = otel.Tracer("github.com/lexiqai/voice-chat/internal/tts")

// DeepgramOptions configures the Aura speak client
type DeepgramOptions struct {
	APIKey     string
	SpeakURL   string
	Model      string
	Encoding   string // empty = provider default (mp3)
	SampleRate int    // only sent with an explicit encoding
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
}

// OptionsFromConfig builds DeepgramOptions from service configuration
func OptionsFromConfig(cfg *config.Config, breaker *resilience.CircuitBreaker) DeepgramOptions {
	return DeepgramOptions{
		APIKey:     cfg.DeepgramAPIKey,
		SpeakURL:   cfg.DeepgramSpeakURL,
		Model:      cfg.TTSModel,
		Encoding:   cfg.TTSEncoding,
		SampleRate: cfg.TTSSampleRate,
		HTTPClient: observability.NewHTTPClient(time.Duration(cfg.TTSTimeout) * time.Second),
		Breaker:    breaker,
	}
}

// DeepgramClient implements Synthesizer using Deepgram's speak API
type DeepgramClient struct {
	opts   DeepgramOptions
	logger zerolog.Logger
}

// speakRequest represents the request payload for the speak API
type speakRequest struct {
	Text string `json:"text"`
}

// NewDeepgramClient creates a new Deepgram TTS client
func NewDeepgramClient(opts DeepgramOptions, logger zerolog.Logger) *DeepgramClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = observability.NewHTTPClient(0)
	}
	return &DeepgramClient{
		opts:   opts,
		logger: logger.With().Str("component", "tts").Logger(),
	}
}

// Synthesize converts text to audio
func (c *DeepgramClient) Synthesize(ctx context.Context, text string) (*Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.model", c.opts.Model),
		attribute.Int("request.characters", len(text)),
	)

	endpoint, err := c.speakURL()
	if err != nil {
		observability.RecordSpanError(span, err)
		return nil, err
	}
	jsonData, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var result *Audio
	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Token "+c.opts.APIKey)

		resp, err := c.opts.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("deepgram speak API returned status %d", resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("deepgram speak API returned empty audio")
		}

		result = &Audio{
			Data:        data,
			ContentType: resp.Header.Get("Content-Type"),
			SampleRate:  c.opts.SampleRate,
		}
		return nil
	}

	if c.opts.Breaker != nil {
		err = c.opts.Breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSynthesis, err)
		observability.RecordSpanError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("response.bytes", len(result.Data)))
	c.logger.Debug().Int("bytes", len(result.Data)).Msg("Synthesized speech")
	return result, nil
}

func (c *DeepgramClient) speakURL() (string, error) {
	u, err := url.Parse(c.opts.SpeakURL)
	if err != nil {
		return "", fmt.Errorf("invalid speak url: %w", err)
	}
	q := u.Query()
	if c.opts.Model != "" {
		q.Set("model", c.opts.Model)
	}
	if c.opts.Encoding != "" {
		q.Set("encoding", c.opts.Encoding)
		if c.opts.SampleRate > 0 {
			q.Set("sample_rate", strconv.Itoa(c.opts.SampleRate))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
