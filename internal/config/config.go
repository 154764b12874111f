package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice chat service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health service

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Only used for logging the browser WebSocket endpoint.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram streaming STT configuration
	DeepgramAPIKey         string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramListenURL      string `envconfig:"DEEPGRAM_LISTEN_URL" default:"wss://api.deepgram.com/v1/listen"`
	DeepgramModel          string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage       string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-IN"`
	DeepgramPunctuate      bool   `envconfig:"DEEPGRAM_PUNCTUATE" default:"true"`
	DeepgramUtteranceEndMs int    `envconfig:"DEEPGRAM_UTTERANCE_END_MS" default:"1500"`
	DeepgramInterimResults bool   `envconfig:"DEEPGRAM_INTERIM_RESULTS" default:"true"`

	// Deepgram Aura TTS configuration
	DeepgramSpeakURL string `envconfig:"DEEPGRAM_SPEAK_URL" default:"https://api.deepgram.com/v1/speak"`
	TTSModel         string `envconfig:"TTS_MODEL" default:"aura-asteria-en"`
	TTSEncoding      string `envconfig:"TTS_ENCODING" default:""`      // empty = provider default (mp3)
	TTSSampleRate    int    `envconfig:"TTS_SAMPLE_RATE" default:"0"`  // only sent with an explicit encoding
	TTSTimeout       int    `envconfig:"TTS_TIMEOUT" default:"15"`     // seconds

	// Groq (OpenAI-compatible) completion configuration
	GroqAPIKey            string  `envconfig:"GROQ_API_KEY" required:"true"`
	GroqBaseURL           string  `envconfig:"GROQ_BASE_URL" default:"https://api.groq.com/openai/v1"`
	GroqModel             string  `envconfig:"GROQ_MODEL" default:"llama-3.3-70b-versatile"`
	CompletionTemperature float64 `envconfig:"COMPLETION_TEMPERATURE" default:"0.7"`
	CompletionMaxTokens   int     `envconfig:"COMPLETION_MAX_TOKENS" default:"300"`
	CompletionTimeout     int     `envconfig:"COMPLETION_TIMEOUT" default:"60"` // seconds
	SystemPrompt          string  `envconfig:"SYSTEM_PROMPT" default:"Never reply with more than 900 characters. If you reach that, stop your answer immediately."`

	// Turn detection and audio capture
	SilenceWindowMs int `envconfig:"SILENCE_WINDOW_MS" default:"2000"` // quiet period after the last final fragment
	ChunkIntervalMs int `envconfig:"CHUNK_INTERVAL_MS" default:"250"`  // audio forwarding cadence
	AudioSampleRate int `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"` // local microphone only
	AudioBufferSize int `envconfig:"AUDIO_BUFFER_SIZE" default:"32768"` // Ring buffer size in bytes

	// Chat storage; empty directory keeps chats in memory
	StoreDir string `envconfig:"STORE_DIR" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	StoreRetryMaxAttempts      int `envconfig:"STORE_RETRY_MAX_ATTEMPTS" default:"3"`       // Transaction conflict retries
	StoreRetryInitialBackoff   int `envconfig:"STORE_RETRY_INITIAL_BACKOFF" default:"10"`   // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.GroqAPIKey == "" {
		return fmt.Errorf("GROQ_API_KEY is required")
	}
	if c.SilenceWindowMs <= 0 {
		return fmt.Errorf("SILENCE_WINDOW_MS must be positive, got %d", c.SilenceWindowMs)
	}
	if c.ChunkIntervalMs <= 0 {
		return fmt.Errorf("CHUNK_INTERVAL_MS must be positive, got %d", c.ChunkIntervalMs)
	}
	if c.AudioBufferSize < 2 {
		return fmt.Errorf("AUDIO_BUFFER_SIZE must be at least 2, got %d", c.AudioBufferSize)
	}
	return nil
}

// SilenceWindow is the quiet period that ends a spoken turn
func (c *Config) SilenceWindow() time.Duration {
	return time.Duration(c.SilenceWindowMs) * time.Millisecond
}

// ChunkInterval is how often captured audio is forwarded to transcription
func (c *Config) ChunkInterval() time.Duration {
	return time.Duration(c.ChunkIntervalMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
