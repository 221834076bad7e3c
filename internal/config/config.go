package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port         string
	DatabasePath string // SQLite session index path
	MongoURI     string // blob storage; empty means local filesystem
	RedisURL     string
	StoragePath  string // root for the local filesystem store

	// LLM provider (OpenAI-compatible)
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Agent prompt overrides
	AgentConfigPath string

	// Context assembly
	HistoryLimit       int // live conversation tail, in messages
	ContextBudgetBytes int
	MemoryLookbackDays int

	// Generation
	GenerationTimeout time.Duration
	StreamEmitGrace   time.Duration
	LeaseTTL          time.Duration

	// Consolidation schedule
	ConsolidateHourUTC int

	// Auth
	JWTSecret string
	DevMode   bool
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "3001"),
		DatabasePath: getEnv("DATABASE_PATH", "data/healthguard.db"),
		MongoURI:     getEnv("MONGODB_URI", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		StoragePath:  getEnv("STORAGE_PATH", "data/storage"),

		LLMBaseURL: getEnv("LLM_BASE_URL", ""),
		LLMAPIKey:  getEnv("LLM_API_KEY", ""),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),

		AgentConfigPath: getEnv("AGENT_CONFIG_PATH", "config/agents.yaml"),

		HistoryLimit:       getIntEnv("HISTORY_LIMIT", 20),
		ContextBudgetBytes: getIntEnv("CONTEXT_BUDGET_BYTES", 24000),
		MemoryLookbackDays: getIntEnv("MEMORY_LOOKBACK_DAYS", 7),

		GenerationTimeout: getDurationEnv("GENERATION_TIMEOUT", 120*time.Second),
		StreamEmitGrace:   getDurationEnv("STREAM_EMIT_GRACE", 5*time.Second),
		LeaseTTL:          getDurationEnv("LEASE_TTL", 3*time.Minute),

		ConsolidateHourUTC: getIntEnv("CONSOLIDATE_HOUR_UTC", 3),

		JWTSecret: getEnv("JWT_SECRET", ""),
		DevMode:   getBoolEnv("DEV_MODE", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
