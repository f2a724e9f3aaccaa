package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the process configuration loaded from the environment at
// startup and threaded through explicitly; there is no package-level
// singleton beyond the static mode registry.
type Config struct {
	// Upstream endpoint (OpenRouter-compatible chat completions API).
	UpstreamURL    string
	UpstreamAPIKey string

	// Per-call upstream timeouts.
	RequestTimeout time.Duration
	ConnectTimeout time.Duration

	// HTTP listen port.
	HTTPPort string

	// MaxQuestionLength bounds submitted question text.
	MaxQuestionLength int
}

// Load reads configuration from the environment. The upstream API key is
// the only required value.
func Load() (*Config, error) {
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is required")
	}

	return &Config{
		UpstreamURL:       getEnvOrDefault("OPENROUTER_API_URL", "https://openrouter.ai/api/v1/chat/completions"),
		UpstreamAPIKey:    apiKey,
		RequestTimeout:    120 * time.Second,
		ConnectTimeout:    10 * time.Second,
		HTTPPort:          getEnvOrDefault("HTTP_PORT", "8080"),
		MaxQuestionLength: 100_000,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
