package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort               = "8000"
	defaultOpenAIBaseURL      = "https://api.openai.com/v1"
	defaultModel              = "gpt-4"
	defaultTemperature        = 0.7
	defaultTopP               = 1.0
	defaultKeepAliveSecs      = 15
	defaultPersistTimeoutSecs = 30
)

type Config struct {
	Port               string
	Environment        string
	AllowedOrigins     []string
	DatabaseURL        string
	DatabaseAuthToken  string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	DefaultModel       string
	DefaultTemperature float64
	DefaultTopP        float64
	KeepAliveInterval  time.Duration
	PersistTimeout     time.Duration
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func Load() (Config, error) {
	cfg := Config{
		Port:               envOrDefault("PORT", defaultPort),
		Environment:        envOrDefault("APP_ENV", "development"),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseAuthToken:  strings.TrimSpace(os.Getenv("DATABASE_AUTH_TOKEN")),
		OpenAIAPIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:      envOrDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL),
		DefaultModel:       envOrDefault("DEFAULT_MODEL", defaultModel),
		DefaultTemperature: floatOrDefault("DEFAULT_TEMPERATURE", defaultTemperature),
		DefaultTopP:        floatOrDefault("DEFAULT_TOP_P", defaultTopP),
	}

	keepAliveSecs := intOrDefault("SSE_KEEPALIVE_SECONDS", defaultKeepAliveSecs)
	if keepAliveSecs <= 0 {
		return Config{}, errors.New("SSE_KEEPALIVE_SECONDS must be > 0")
	}
	cfg.KeepAliveInterval = time.Duration(keepAliveSecs) * time.Second

	persistTimeoutSecs := intOrDefault("PERSIST_TIMEOUT_SECONDS", defaultPersistTimeoutSecs)
	if persistTimeoutSecs <= 0 {
		return Config{}, errors.New("PERSIST_TIMEOUT_SECONDS must be > 0")
	}
	cfg.PersistTimeout = time.Duration(persistTimeoutSecs) * time.Second

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.DatabaseURL, "libsql://") && cfg.DatabaseAuthToken == "" {
		return Config{}, errors.New("DATABASE_AUTH_TOKEN is required for libsql:// URLs")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, errors.New("OPENAI_API_KEY is required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func floatOrDefault(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
