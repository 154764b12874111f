package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/resilience"
)

const (
	chunkPrefix = "data:"
	endMessage  = "[DONE]"

	completionsPath = "/chat/completions"
	maxLineSize     = 1 << 20
)

// Streamer opens a reply stream for an ordered message history
type Streamer interface {
	Stream(ctx context.Context, messages []Message) (*Stream, error)
}

// GroqOptions configures the streaming completion client
type GroqOptions struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	HTTPClient   *http.Client
	Breaker      *resilience.CircuitBreaker
}

// GroqOptionsFromConfig builds GroqOptions from service configuration
func GroqOptionsFromConfig(cfg *config.Config, breaker *resilience.CircuitBreaker) GroqOptions {
	return GroqOptions{
		APIKey:       cfg.GroqAPIKey,
		BaseURL:      cfg.GroqBaseURL,
		Model:        cfg.GroqModel,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.CompletionTemperature,
		MaxTokens:    cfg.CompletionMaxTokens,
		HTTPClient:   observability.NewHTTPClient(time.Duration(cfg.CompletionTimeout) * time.Second),
		Breaker:      breaker,
	}
}

// GroqStreamer streams chat completions from an OpenAI-compatible endpoint
// using server-sent events
type GroqStreamer struct {
	opts   GroqOptions
	logger zerolog.Logger
}

// NewGroqStreamer creates a streamer
func NewGroqStreamer(opts GroqOptions, logger zerolog.Logger) *GroqStreamer {
	if opts.HTTPClient == nil {
		opts.HTTPClient = observability.NewHTTPClient(0)
	}
	return &GroqStreamer{
		opts:   opts,
		logger: logger.With().Str("component", "completion").Logger(),
	}
}

// Stream sends messages and returns once the provider has accepted the
// request. The circuit breaker, when configured, guards this step only;
// failures while reading fragments are reported by the returned Stream.
func (g *GroqStreamer) Stream(ctx context.Context, messages []Message) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "completion stream")
	span.SetAttributes(
		attribute.String("request.model", g.opts.Model),
		attribute.Int("request.messages", len(messages)),
	)

	history := make([]Message, 0, len(messages)+1)
	if g.opts.SystemPrompt != "" {
		history = append(history, Message{Role: RoleSystem, Content: g.opts.SystemPrompt})
	}
	history = append(history, messages...)

	payload, err := json.Marshal(requestBody{
		Model:       g.opts.Model,
		Messages:    history,
		Stream:      true,
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
	})
	if err != nil {
		err = fmt.Errorf("error marshalling JSON: %w", err)
		observability.RecordSpanError(span, err)
		span.End()
		return nil, err
	}

	var resp *http.Response
	send := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimSuffix(g.opts.BaseURL, "/")+completionsPath, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("error creating HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+g.opts.APIKey)

		r, err := g.opts.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("error sending request: %w", err)
		}
		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			span.SetAttributes(attribute.String("response.error", string(body)))
			return fmt.Errorf("non-OK HTTP status: %s", r.Status)
		}
		resp = r
		return nil
	}

	if g.opts.Breaker != nil {
		err = g.opts.Breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		observability.RecordSpanError(span, err)
		span.End()
		g.logger.Warn().Err(err).Msg("Completion request failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	span.AddEvent("request accepted")
	return newStream(resp.Body, span, g.logger), nil
}

// Stream yields reply fragments in order. Use it like bufio.Scanner:
//
//	for s.Next() {
//		fmt.Print(s.Text())
//	}
//	err := s.Err()
//
// Malformed fragments are skipped. The stream ends at the explicit end
// marker, or when the body ends without one.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	span    trace.Span
	logger  zerolog.Logger

	text      string
	err       error
	done      bool
	fragments int
	skipped   int

	closeOnce sync.Once
}

// NewStream reads server-sent completion events from body. It is used for
// bodies that did not come from GroqStreamer, such as replayed responses.
func NewStream(body io.ReadCloser) *Stream {
	return newStream(body, trace.SpanFromContext(context.Background()), zerolog.Nop())
}

func newStream(body io.ReadCloser, span trace.Span, logger zerolog.Logger) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Stream{
		body:    body,
		scanner: scanner,
		span:    span,
		logger:  logger,
	}
}

// Next advances to the next non-empty fragment
func (s *Stream) Next() bool {
	if s.done {
		return false
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, chunkPrefix) {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, chunkPrefix))
		if data == "" {
			continue
		}
		if data == endMessage {
			s.finish(nil)
			return false
		}

		var body streamingResponseBody
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			s.skipped++
			continue
		}
		if body.Error != nil {
			s.finish(fmt.Errorf("provider error: %s", body.Error.Message))
			return false
		}
		if len(body.Choices) == 0 || body.Choices[0].Delta.Content == "" {
			continue
		}

		if s.fragments == 0 {
			s.span.AddEvent("received first chunk")
		}
		s.fragments++
		s.text = body.Choices[0].Delta.Content
		return true
	}

	err := s.scanner.Err()
	if err != nil {
		err = fmt.Errorf("error reading streamed response: %w", err)
	}
	s.finish(err)
	return false
}

// Text returns the fragment produced by the last successful Next
func (s *Stream) Text() string {
	return s.text
}

// Err returns the error that ended the stream, if any
func (s *Stream) Err() error {
	return s.err
}

// Close releases the response body. It is safe to call more than once and
// before the stream is exhausted.
func (s *Stream) Close() error {
	if !s.done {
		s.span.AddEvent("closed early")
		s.finish(nil)
	}
	return nil
}

func (s *Stream) finish(err error) {
	s.done = true
	s.text = ""
	s.err = err
	s.closeOnce.Do(func() {
		_ = s.body.Close()
		s.span.SetAttributes(
			attribute.Int("response.fragments", s.fragments),
			attribute.Int("response.skipped_fragments", s.skipped),
		)
		observability.RecordSpanError(s.span, err)
		s.span.End()
		if s.skipped > 0 {
			s.logger.Debug().Int("skipped", s.skipped).Msg("Skipped malformed stream fragments")
		}
	})
}
