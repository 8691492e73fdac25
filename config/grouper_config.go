package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique consumer name using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "grouper"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage
	StorageDriver          string // postgres | memory
	DatabaseURL            string
	RedisURL               string
	RedisPrefix            string
	MongoDBURL             string
	MongoDBName            string
	ExtractionLogRetention time.Duration

	// Neo4j
	Neo4jURL      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string

	// JWT
	JWTSecret string
	JWTIssuer string

	// OpenAI
	OpenAIAPIKey  string
	OpenAIBaseURL string
	LLMModel      string
	LLMTimeoutSec int
	LLMMaxRetries int

	// Gmail OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	TokenEncryptionKey string

	// Worker
	WorkerID                string
	WorkerCount             int
	WorkerQueueSize         int
	WorkerMaxRetries        int
	JobTimeout              time.Duration
	ScanJobTimeout          time.Duration
	StreamMaxLen            int64
	ConsumerGroup           string
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int

	// Grouping
	AutoGroupingThreshold    float64
	HighConfidenceThreshold  float64
	LowConfidenceThreshold   float64
	ManualReviewThreshold    float64
	ProjectCreationThreshold float64
	ExtractionConcurrency    int

	// Scan
	ScanBatchSize int
	ScanPageSize  int

	// API
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration

	// Sentry
	SentryDSN        string
	SentrySampleRate float64

	// TuningFile points at the optional YAML tuning overrides.
	TuningFile string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Storage
		StorageDriver:          strings.ToLower(getEnv("STORAGE_DRIVER", "postgres")),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisPrefix:            getEnv("REDIS_PREFIX", "grouper"),
		MongoDBURL:             getEnv("MONGODB_URL", ""),
		MongoDBName:            getEnv("MONGODB_DATABASE", "grouper"),
		ExtractionLogRetention: getEnvDuration("EXTRACTION_LOG_RETENTION", 30*24*time.Hour),

		// Neo4j
		Neo4jURL:      getEnv("NEO4J_URL", ""),
		Neo4jUsername: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),
		Neo4jDatabase: getEnv("NEO4J_DATABASE", "neo4j"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", ""),

		// OpenAI
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		LLMModel:      getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeoutSec: getEnvInt("LLM_TIMEOUT_SEC", 60),
		LLMMaxRetries: getEnvInt("LLM_MAX_RETRIES", 3),

		// Gmail OAuth
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		// Worker
		WorkerID:                getEnv("WORKER_ID", generateWorkerID()),
		WorkerCount:             getEnvInt("WORKER_COUNT", 4),
		WorkerQueueSize:         getEnvInt("WORKER_QUEUE_SIZE", 16),
		WorkerMaxRetries:        getEnvInt("WORKER_MAX_RETRIES", 3),
		JobTimeout:              getEnvDuration("JOB_TIMEOUT", 5*time.Minute),
		ScanJobTimeout:          getEnvDuration("SCAN_JOB_TIMEOUT", time.Hour),
		StreamMaxLen:            int64(getEnvInt("STREAM_MAX_LEN", 10000)),
		ConsumerGroup:           getEnv("CONSUMER_GROUP", "grouper-workers"),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 30),

		// Grouping
		AutoGroupingThreshold:    getEnvFloat("AUTO_GROUPING_THRESHOLD", 0.8),
		HighConfidenceThreshold:  getEnvFloat("HIGH_CONFIDENCE_THRESHOLD", 0.9),
		LowConfidenceThreshold:   getEnvFloat("LOW_CONFIDENCE_THRESHOLD", 0.5),
		ManualReviewThreshold:    getEnvFloat("MANUAL_REVIEW_THRESHOLD", 0.6),
		ProjectCreationThreshold: getEnvFloat("PROJECT_CREATION_THRESHOLD", 0.7),
		ExtractionConcurrency:    getEnvInt("EXTRACTION_CONCURRENCY", 4),

		// Scan
		ScanBatchSize: getEnvInt("SCAN_BATCH_SIZE", 50),
		ScanPageSize:  getEnvInt("SCAN_PAGE_SIZE", 100),

		// API
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		RateLimit:      getEnvInt("RATE_LIMIT", 60),
		RateWindow:     getEnvDuration("RATE_WINDOW", time.Minute),

		// Sentry
		SentryDSN:        getEnv("SENTRY_DSN", ""),
		SentrySampleRate: getEnvFloat("SENTRY_SAMPLE_RATE", 1.0),

		TuningFile: getEnv("TUNING_FILE", "config/tuning.yaml"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// UseMemoryStore reports whether repositories live in process memory.
func (c *Config) UseMemoryStore() bool {
	return c.StorageDriver == "memory"
}

// Debug enables verbose logging outside production.
func (c *Config) Debug() bool {
	return getEnvBool("DEBUG", c.IsDevelopment())
}
