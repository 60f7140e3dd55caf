package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat routing service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// ProviderMode selects the backing clients: "auto" uses whatever API
	// keys are present, "mock" forces the scripted in-process client.
	ProviderMode string

	GeminiAPIKey        string
	GeminiModel         string
	GeminiBaseURL       string
	GeminiPriority      int
	GeminiMaxTokens     int
	GeminiRatePerMinute int

	OpenAIAPIKey        string
	OpenAIModel         string
	OpenAIBaseURL       string
	OpenAIPriority      int
	OpenAIMaxTokens     int
	OpenAIRatePerMinute int

	AttemptTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	DefaultTier    string
	DefaultPersona string
	HistoryLimit   int
	MemoryLimit    int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "dualis"),
		AllowAnyOrigin:   false,
		ProviderMode:     envOrDefault("PROVIDER_MODE", "auto"),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:      envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiBaseURL:    envOrDefault("GEMINI_BASE_URL", ""),
		// Gemini is the primary backend; OpenAI takes over on fallback.
		GeminiPriority:      1,
		GeminiMaxTokens:     30000,
		GeminiRatePerMinute: 60,
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:         envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:       envOrDefault("OPENAI_BASE_URL", ""),
		OpenAIPriority:      2,
		OpenAIMaxTokens:     16000,
		OpenAIRatePerMinute: 60,
		AttemptTimeout:      30 * time.Second,
		MaxAttempts:         3,
		BackoffBase:         250 * time.Millisecond,
		BackoffCap:          4 * time.Second,
		BreakerThreshold:    5,
		BreakerCooldown:     30 * time.Second,
		DefaultTier:         envOrDefault("QUOTA_DEFAULT_TIER", "free"),
		DefaultPersona:      envOrDefault("APP_DEFAULT_PERSONA", "companion"),
		HistoryLimit:        100,
		MemoryLimit:         3,
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.GeminiPriority, err = intFromEnv("GEMINI_PRIORITY", cfg.GeminiPriority)
	if err != nil {
		return Config{}, err
	}
	cfg.GeminiMaxTokens, err = intFromEnv("GEMINI_MAX_TOKENS", cfg.GeminiMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.GeminiRatePerMinute, err = intFromEnv("GEMINI_RATE_PER_MINUTE", cfg.GeminiRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIPriority, err = intFromEnv("OPENAI_PRIORITY", cfg.OpenAIPriority)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIMaxTokens, err = intFromEnv("OPENAI_MAX_TOKENS", cfg.OpenAIMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIRatePerMinute, err = intFromEnv("OPENAI_RATE_PER_MINUTE", cfg.OpenAIRatePerMinute)
	if err != nil {
		return Config{}, err
	}

	cfg.AttemptTimeout, err = durationFromEnv("PROVIDER_ATTEMPT_TIMEOUT", cfg.AttemptTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxAttempts, err = intFromEnv("PROVIDER_MAX_ATTEMPTS", cfg.MaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.BackoffBase, err = durationFromEnv("PROVIDER_BACKOFF_BASE", cfg.BackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.BackoffCap, err = durationFromEnv("PROVIDER_BACKOFF_CAP", cfg.BackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerThreshold, err = intFromEnv("BREAKER_FAILURE_THRESHOLD", cfg.BreakerThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerCooldown, err = durationFromEnv("BREAKER_COOLDOWN", cfg.BreakerCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("CONVO_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryLimit, err = intFromEnv("CONVO_MEMORY_LIMIT", cfg.MemoryLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.ProviderMode != "auto" && cfg.ProviderMode != "mock" {
		return Config{}, fmt.Errorf("PROVIDER_MODE must be auto or mock")
	}
	if cfg.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("PROVIDER_MAX_ATTEMPTS must be positive")
	}
	if cfg.GeminiMaxTokens <= 0 || cfg.OpenAIMaxTokens <= 0 {
		return Config{}, fmt.Errorf("provider max tokens must be positive")
	}
	if cfg.GeminiRatePerMinute <= 0 || cfg.OpenAIRatePerMinute <= 0 {
		return Config{}, fmt.Errorf("provider rate per minute must be positive")
	}
	if cfg.BreakerThreshold <= 0 {
		return Config{}, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if cfg.BreakerCooldown < time.Second {
		return Config{}, fmt.Errorf("BREAKER_COOLDOWN must be at least 1s")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("CONVO_HISTORY_LIMIT must be positive")
	}
	if cfg.MemoryLimit < 0 {
		return Config{}, fmt.Errorf("CONVO_MEMORY_LIMIT must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
