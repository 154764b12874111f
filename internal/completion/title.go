package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/resilience"
)

// DefaultTitle names a chat before, or instead of, a derived title
const DefaultTitle = "New Chat"

// ErrTitleDerivation wraps every failed title request
var ErrTitleDerivation = errors.New("title derivation failed")

const (
	titlePrompt   = "Give a concise chat topic title (max 8 words, no punctuation, no quotes):\n"
	titleMaxWords = 8
)

// TitleDeriver produces a short chat title from the first user message
type TitleDeriver interface {
	// DeriveTitle always returns a usable title. On failure it returns
	// DefaultTitle together with the error.
	DeriveTitle(ctx context.Context, message string) (string, error)
}

// TitleOptions configures the title client
type TitleOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
}

// TitleOptionsFromConfig builds TitleOptions from service configuration
func TitleOptionsFromConfig(cfg *config.Config, breaker *resilience.CircuitBreaker) TitleOptions {
	return TitleOptions{
		APIKey:     cfg.GroqAPIKey,
		BaseURL:    cfg.GroqBaseURL,
		Model:      cfg.GroqModel,
		HTTPClient: observability.NewHTTPClient(time.Duration(cfg.CompletionTimeout) * time.Second),
		Breaker:    breaker,
	}
}

// OpenAITitleDeriver derives titles through the OpenAI-compatible chat API
type OpenAITitleDeriver struct {
	client  *openai.Client
	model   string
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewTitleDeriver creates a title deriver. The client never retries on its
// own; a failed title simply falls back to DefaultTitle.
func NewTitleDeriver(opts TitleOptions, logger zerolog.Logger) *OpenAITitleDeriver {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(0)
	}
	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAITitleDeriver{
		client:  &client,
		model:   opts.Model,
		breaker: opts.Breaker,
		logger:  logger.With().Str("component", "title").Logger(),
	}
}

func (d *OpenAITitleDeriver) DeriveTitle(ctx context.Context, message string) (string, error) {
	ctx, span := tracer.Start(ctx, "derive title")
	defer span.End()
	span.SetAttributes(attribute.String("request.model", d.model))

	var raw string
	call := func(ctx context.Context) error {
		resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: d.model,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(titlePrompt + message),
			},
			Temperature: param.NewOpt(0.3),
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("no choices")
		}
		raw = resp.Choices[0].Message.Content
		return nil
	}

	var err error
	if d.breaker != nil {
		err = d.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTitleDerivation, err)
		observability.RecordSpanError(span, err)
		return DefaultTitle, err
	}

	title := CleanTitle(raw)
	span.SetAttributes(attribute.String("response.title", title))
	return title, nil
}

// CleanTitle normalises a model-produced title: quotes and periods are
// removed, whitespace collapsed and the result capped at eight words. An
// empty result becomes DefaultTitle.
func CleanTitle(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '.':
			return -1
		}
		return r
	}, raw)

	words := strings.Fields(cleaned)
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	if len(words) == 0 {
		return DefaultTitle
	}
	return strings.Join(words, " ")
}
