package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// GitHub credentials (comma-separated in GITHUB_TOKENS, or a single
	// GITHUB_TOKEN)
	GitHubTokens []string

	// Job store
	StoreType   string // "file", "sqlite" or "postgres"
	StatePath   string
	SQLitePath  string
	PostgresURL string

	// Result blob store
	BlobType  string // "fs" or "s3"
	DataDir   string
	S3Bucket  string
	AWSRegion string

	// Continuation
	ContinuationMode string // "loop", "sqs" or "none"
	SQSQueueURL      string

	// Rate gate
	MinRemaining    int
	CallsPerProject int
	WaitBuffer      time.Duration
	MaxWait         time.Duration

	// Collection
	CollectionDays  int
	CommitBatchSize int
	TimeBudget      time.Duration

	// API Server
	APIPort string
	APIHost string

	// CLI
	APIEndpoint string
}

// Load loads the configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	return &Config{
		GitHubTokens: loadTokens(),

		StoreType:   getEnv("STORE_TYPE", "file"),
		StatePath:   getEnv("STATE_PATH", "./data/collection_state.json"),
		SQLitePath:  getEnv("SQLITE_PATH", "./collector.db"),
		PostgresURL: getEnv("POSTGRES_URL", ""),

		BlobType:  getEnv("BLOB_TYPE", "fs"),
		DataDir:   getEnv("DATA_DIR", "./data/raw"),
		S3Bucket:  getEnv("S3_BUCKET", ""),
		AWSRegion: getEnv("AWS_REGION", "us-east-1"),

		ContinuationMode: getEnv("CONTINUATION_MODE", "loop"),
		SQSQueueURL:      getEnv("SQS_QUEUE_URL", ""),

		MinRemaining:    getEnvInt("MIN_REMAINING", 500),
		CallsPerProject: getEnvInt("CALLS_PER_PROJECT", 350),
		WaitBuffer:      getEnvDuration("WAIT_BUFFER", 60*time.Second),
		MaxWait:         getEnvDuration("MAX_WAIT", 3700*time.Second),

		CollectionDays:  getEnvInt("COLLECTION_DAYS", 365),
		CommitBatchSize: getEnvInt("COMMIT_BATCH_SIZE", 500),
		TimeBudget:      getEnvDuration("TIME_BUDGET", 0),

		APIPort: getEnv("API_PORT", "8080"),
		APIHost: getEnv("API_HOST", "localhost"),

		APIEndpoint: getEnv("API_ENDPOINT", ""),
	}, nil
}

// loadTokens reads GITHUB_TOKENS (comma-separated) with GITHUB_TOKEN as
// a single-token fallback
func loadTokens() []string {
	var tokens []string
	if multi := os.Getenv("GITHUB_TOKENS"); multi != "" {
		for _, t := range strings.Split(multi, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	if len(tokens) == 0 {
		if single := os.Getenv("GITHUB_TOKEN"); single != "" {
			tokens = append(tokens, single)
		}
	}
	return tokens
}

// getEnv returns the value of an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration reads a duration given in seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.GitHubTokens) == 0 {
		return &ConfigError{Field: "GITHUB_TOKENS", Message: "at least one GitHub token is required (GITHUB_TOKENS or GITHUB_TOKEN)"}
	}
	switch c.StoreType {
	case "file", "sqlite", "postgres":
	default:
		return &ConfigError{Field: "STORE_TYPE", Message: "must be 'file', 'sqlite' or 'postgres'"}
	}
	if c.StoreType == "postgres" && c.PostgresURL == "" {
		return &ConfigError{Field: "POSTGRES_URL", Message: "PostgreSQL URL is required when STORE_TYPE is 'postgres'"}
	}
	switch c.BlobType {
	case "fs", "s3":
	default:
		return &ConfigError{Field: "BLOB_TYPE", Message: "must be 'fs' or 's3'"}
	}
	if c.BlobType == "s3" && c.S3Bucket == "" {
		return &ConfigError{Field: "S3_BUCKET", Message: "bucket name is required when BLOB_TYPE is 's3'"}
	}
	switch c.ContinuationMode {
	case "loop", "sqs", "none":
	default:
		return &ConfigError{Field: "CONTINUATION_MODE", Message: "must be 'loop', 'sqs' or 'none'"}
	}
	if c.ContinuationMode == "sqs" && c.SQSQueueURL == "" {
		return &ConfigError{Field: "SQS_QUEUE_URL", Message: "queue URL is required when CONTINUATION_MODE is 'sqs'"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
