// Package config provides configuration management for leaselockd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kneutral-org/leaselock/internal/lock"
)

const (
	// DefaultMaxPayloadSize is the default max request body size for the API (64KB).
	DefaultMaxPayloadSize int64 = 64 * 1024

	// DefaultGRPCMaxMessageSize is the default max message size for gRPC (4MB).
	DefaultGRPCMaxMessageSize int = 4 << 20

	// DefaultLeaseDuration is how long an acquired lease lasts unless refreshed.
	DefaultLeaseDuration = lock.DefaultLeaseDuration

	// DefaultStaleMultiplier is how many lease durations an expired lease is kept.
	DefaultStaleMultiplier = lock.DefaultStaleMultiplier

	// DefaultAcquireBackoff is the pause between acquisition attempts.
	DefaultAcquireBackoff = lock.DefaultBackoff
)

// Supported lock backends.
const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendS3       = "s3"
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the port of the gRPC health service.
	GRPCPort string

	// LogLevel is a zerolog level name.
	LogLevel string

	// LogPretty switches to console output.
	LogPretty bool

	// Backend selects the document store: memory, mongo, postgres, redis or s3.
	Backend string

	LeaseDuration   time.Duration
	StaleMultiplier int
	AcquireBackoff  time.Duration

	// MaxPayloadSize is the maximum API request body size in bytes.
	MaxPayloadSize int64

	// GRPCMaxMessageSize is the maximum message size for gRPC in bytes.
	GRPCMaxMessageSize int

	Mongo    MongoConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	S3       S3Config
}

// MongoConfig configures the MongoDB backend.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN   string
	Table string
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr   string
	Prefix string
}

// S3Config configures the S3 backend. Credentials and region come from the
// standard AWS environment.
type S3Config struct {
	Bucket string
	Prefix string
}

// LoadDotEnv loads variables from the given files (default .env and .env.local)
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:               getEnvOrDefault("PORT", "8080"),
		GRPCPort:           getEnvOrDefault("GRPC_PORT", "9090"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:          getEnvBoolOrDefault("LOG_PRETTY", false),
		Backend:            getEnvOrDefault("LOCK_BACKEND", BackendMemory),
		LeaseDuration:      getEnvDurationOrDefault("LEASE_DURATION", DefaultLeaseDuration),
		StaleMultiplier:    getEnvIntOrDefault("STALE_MULTIPLIER", DefaultStaleMultiplier),
		AcquireBackoff:     getEnvDurationOrDefault("ACQUIRE_BACKOFF", DefaultAcquireBackoff),
		MaxPayloadSize:     getEnvInt64OrDefault("MAX_PAYLOAD_SIZE", DefaultMaxPayloadSize),
		GRPCMaxMessageSize: getEnvIntOrDefault("GRPC_MAX_MESSAGE_SIZE", DefaultGRPCMaxMessageSize),
		Mongo: MongoConfig{
			URI:        getEnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
			Database:   getEnvOrDefault("MONGO_DATABASE", "leaselock"),
			Collection: getEnvOrDefault("MONGO_COLLECTION", "resources"),
		},
		Postgres: PostgresConfig{
			DSN:   os.Getenv("POSTGRES_DSN"),
			Table: getEnvOrDefault("POSTGRES_TABLE", "lease_documents"),
		},
		Redis: RedisConfig{
			Addr:   getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Prefix: getEnvOrDefault("REDIS_PREFIX", "leaselock:doc:"),
		},
		S3: S3Config{
			Bucket: os.Getenv("S3_BUCKET"),
			Prefix: getEnvOrDefault("S3_PREFIX", "leaselock/"),
		},
	}

	return cfg
}

// Validate checks that the selected backend is known and has what it needs.
func (c *Config) Validate() error {
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("LEASE_DURATION must be positive, got %s", c.LeaseDuration)
	}
	if c.StaleMultiplier < 1 {
		return fmt.Errorf("STALE_MULTIPLIER must be at least 1, got %d", c.StaleMultiplier)
	}

	switch c.Backend {
	case BackendMemory, BackendRedis, BackendMongo:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the %s backend", c.Backend)
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the %s backend", c.Backend)
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.Backend)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable value as int64 or the default if not set or invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go duration strings ("30s", "1m").
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
