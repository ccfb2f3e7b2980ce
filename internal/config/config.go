package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port            int
	DatabaseURL     string
	NatsURL         string
	NatsToken       string
	LogLevel        string
	AnthropicAPIKey string
	Model           string
	LLMMode         string // "mock" or "real"

	ChunkSize             int
	MaxRetries            int
	CallTimeoutSeconds    int
	RateLimitRPS          float64
	RateBurst             int
	RateWaitSeconds       int
	BreakerThreshold      int
	BreakerCooldownSecond int
}

func Load() Config {
	return Config{
		Port:            envInt("REQFORGE_PORT", 8760),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		NatsURL:         envStr("NATS_URL", ""),
		NatsToken:       envStr("NATS_TOKEN", ""),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		Model:           envStr("REQFORGE_MODEL", "claude-sonnet-4-20250514"),
		LLMMode:         envStr("REQFORGE_LLM_MODE", "mock"),

		ChunkSize:             envInt("REQFORGE_CHUNK_SIZE", 1000),
		MaxRetries:            envInt("REQFORGE_MAX_RETRIES", 3),
		CallTimeoutSeconds:    envInt("REQFORGE_CALL_TIMEOUT_SECONDS", 60),
		RateLimitRPS:          envFloat("REQFORGE_RATE_LIMIT_RPS", 2),
		RateBurst:             envInt("REQFORGE_RATE_BURST", 4),
		RateWaitSeconds:       envInt("REQFORGE_RATE_WAIT_SECONDS", 30),
		BreakerThreshold:      envInt("REQFORGE_BREAKER_THRESHOLD", 5),
		BreakerCooldownSecond: envInt("REQFORGE_BREAKER_COOLDOWN_SECONDS", 30),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
