// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SinkKind selects the conversation event backend.
type SinkKind string

const (
	SinkNop      SinkKind = "nop"
	SinkLog      SinkKind = "log"
	SinkWS       SinkKind = "ws"
	SinkPostgres SinkKind = "postgres"
)

type Config struct {
	Addr string

	// Conversation defaults applied to every call.
	Model           string
	SystemPrompt    string
	MaxOutputTokens int
	TurnTimeout     time.Duration
	IdleTimeout     time.Duration

	// Turn providers. A provider is registered only when its key is
	// set.
	GeminiAPIKey  string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Speech-to-text websocket vendor.
	SpeechWSURL   string
	SpeechAPIKey  string
	SpeechModel   string
	SpeechLang    string
	AudioEncoding string
	SampleRate    int

	// Idempotency cache. Empty CacheDir keeps the cache in memory.
	CacheDir string

	// IntentTablePath optionally overrides the built-in signal table
	// with a YAML file.
	IntentTablePath string

	// Event sink.
	Sink        SinkKind
	SinkWSURL   string
	PostgresDSN string

	// WebSocket limits.
	WSMaxMessageBytes int64
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	HandshakeTimeout  time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	MetricsNamespace    string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CALLENGINE_ADDR", ":8080"),
		Model:               envOr("CALLENGINE_MODEL", "gemini/gemini-2.5-flash"),
		SystemPrompt:        os.Getenv("CALLENGINE_SYSTEM_PROMPT"),
		MaxOutputTokens:     envIntOr("CALLENGINE_MAX_OUTPUT_TOKENS", 256),
		TurnTimeout:         envDurationOr("CALLENGINE_TURN_TIMEOUT", 10*time.Second),
		IdleTimeout:         envDurationOr("CALLENGINE_IDLE_TIMEOUT", 2*time.Minute),
		GeminiAPIKey:        os.Getenv("CALLENGINE_GEMINI_API_KEY"),
		OpenAIAPIKey:        os.Getenv("CALLENGINE_OPENAI_API_KEY"),
		OpenAIBaseURL:       os.Getenv("CALLENGINE_OPENAI_BASE_URL"),
		SpeechWSURL:         envOr("CALLENGINE_SPEECH_WS_URL", "wss://api.cartesia.ai/stt/websocket"),
		SpeechAPIKey:        os.Getenv("CALLENGINE_SPEECH_API_KEY"),
		SpeechModel:         envOr("CALLENGINE_SPEECH_MODEL", "ink-whisper"),
		SpeechLang:          envOr("CALLENGINE_SPEECH_LANGUAGE", "en"),
		AudioEncoding:       envOr("CALLENGINE_AUDIO_ENCODING", "pcm_mulaw"),
		SampleRate:          envIntOr("CALLENGINE_SAMPLE_RATE", 8000),
		CacheDir:            os.Getenv("CALLENGINE_CACHE_DIR"),
		IntentTablePath:     os.Getenv("CALLENGINE_INTENT_TABLE"),
		Sink:                SinkKind(envOr("CALLENGINE_SINK", string(SinkNop))),
		SinkWSURL:           os.Getenv("CALLENGINE_SINK_WS_URL"),
		PostgresDSN:         os.Getenv("CALLENGINE_POSTGRES_DSN"),
		WSMaxMessageBytes:   envInt64Or("CALLENGINE_WS_MAX_MESSAGE_BYTES", 64*1024),
		WSPingInterval:      envDurationOr("CALLENGINE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("CALLENGINE_WS_WRITE_TIMEOUT", 5*time.Second),
		HandshakeTimeout:    envDurationOr("CALLENGINE_HANDSHAKE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("CALLENGINE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("CALLENGINE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsNamespace:    envOr("CALLENGINE_METRICS_NAMESPACE", "callengine"),
	}

	switch cfg.Sink {
	case SinkNop, SinkLog, SinkWS, SinkPostgres:
	default:
		return Config{}, fmt.Errorf("CALLENGINE_SINK must be one of nop|log|ws|postgres")
	}
	if cfg.Sink == SinkWS && strings.TrimSpace(cfg.SinkWSURL) == "" {
		return Config{}, fmt.Errorf("CALLENGINE_SINK_WS_URL must be set when CALLENGINE_SINK=ws")
	}
	if cfg.Sink == SinkPostgres && strings.TrimSpace(cfg.PostgresDSN) == "" {
		return Config{}, fmt.Errorf("CALLENGINE_POSTGRES_DSN must be set when CALLENGINE_SINK=postgres")
	}
	if cfg.MaxOutputTokens <= 0 {
		return Config{}, fmt.Errorf("CALLENGINE_MAX_OUTPUT_TOKENS must be > 0")
	}
	if cfg.TurnTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLENGINE_TURN_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout < 0 {
		return Config{}, fmt.Errorf("CALLENGINE_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("CALLENGINE_SAMPLE_RATE must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLENGINE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CALLENGINE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLENGINE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLENGINE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLENGINE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLENGINE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
