// Package config loads runtime configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	// Redis-backed job store. Empty Addr selects the in-process store,
	// useful for tests and single-binary development.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Embedding
	EmbedProvider  string
	EmbedModel     string
	EmbedDimension int
	OllamaHost     string
	OpenAIAPIKey   string

	// Field extraction LLM
	LLMProvider string
	LLMModel    string

	// Geocoding service, Nominatim-compatible. Empty selects the public
	// OpenStreetMap instance.
	GeocoderURL string

	// Worker loop
	PollInterval time.Duration
	Concurrency  int
	JobTimeout   time.Duration

	// Retention
	RetentionMaxAge   time.Duration
	RetentionSchedule string

	// Cache
	CacheTTL        time.Duration
	CacheCapacity   int
	CacheHeapBudget uint64

	// HTTP API
	ListenAddr string

	// Step templates override file (YAML), empty for built-ins.
	StepTemplatesPath string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		RedisAddr:     getEnv("EVENTCORE_REDIS_ADDR", ""),
		RedisPassword: getEnv("EVENTCORE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("EVENTCORE_REDIS_DB", 0),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "communiday"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "events"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		EmbedProvider:  getEnv("EVENTCORE_EMBED_PROVIDER", "ollama"),
		EmbedModel:     getEnv("EVENTCORE_EMBED_MODEL", "all-minilm:l6-v2"),
		EmbedDimension: getEnvInt("EVENTCORE_EMBED_DIMENSION", 384),
		OllamaHost:     getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),

		LLMProvider: getEnv("EVENTCORE_LLM_PROVIDER", "ollama"),
		LLMModel:    getEnv("EVENTCORE_LLM_MODEL", "llama3.2-vision"),

		GeocoderURL: getEnv("EVENTCORE_GEOCODER_URL", ""),

		PollInterval: getEnvDuration("EVENTCORE_POLL_INTERVAL", time.Second),
		Concurrency:  getEnvInt("EVENTCORE_CONCURRENCY", 5),
		JobTimeout:   getEnvDuration("EVENTCORE_JOB_TIMEOUT", 5*time.Minute),

		RetentionMaxAge:   getEnvDuration("EVENTCORE_RETENTION_MAX_AGE", 7*24*time.Hour),
		RetentionSchedule: getEnv("EVENTCORE_RETENTION_SCHEDULE", "0 3 * * *"),

		CacheTTL:        getEnvDuration("EVENTCORE_CACHE_TTL", 5*time.Minute),
		CacheCapacity:   getEnvInt("EVENTCORE_CACHE_CAPACITY", 1000),
		CacheHeapBudget: uint64(getEnvInt("EVENTCORE_CACHE_HEAP_BUDGET_MB", 512)) << 20,

		ListenAddr: getEnv("EVENTCORE_LISTEN_ADDR", ":8585"),

		StepTemplatesPath: getEnv("EVENTCORE_STEP_TEMPLATES", ""),

		LogFile:  getEnv("EVENTCORE_LOG_FILE", "/tmp/eventcore.log"),
		LogLevel: parseLogLevel(getEnv("EVENTCORE_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
