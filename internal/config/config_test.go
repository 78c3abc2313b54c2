package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kneutral-org/leaselock/internal/lock"
)

var configEnvVars = []string{
	"PORT", "GRPC_PORT", "LOG_LEVEL", "LOG_PRETTY", "LOCK_BACKEND", "LEASE_DURATION",
	"STALE_MULTIPLIER", "ACQUIRE_BACKOFF", "MAX_PAYLOAD_SIZE", "GRPC_MAX_MESSAGE_SIZE",
	"MONGO_URI", "MONGO_DATABASE", "MONGO_COLLECTION", "POSTGRES_DSN", "POSTGRES_TABLE",
	"REDIS_ADDR", "REDIS_PREFIX", "S3_BUCKET", "S3_PREFIX",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvVars {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port '8080', got '%s'", cfg.Port)
	}
	if cfg.GRPCPort != "9090" {
		t.Errorf("expected default gRPC port '9090', got '%s'", cfg.GRPCPort)
	}
	if cfg.Backend != BackendMemory {
		t.Errorf("expected default backend %q, got %q", BackendMemory, cfg.Backend)
	}
	if cfg.LeaseDuration != DefaultLeaseDuration {
		t.Errorf("expected default lease duration %s, got %s", DefaultLeaseDuration, cfg.LeaseDuration)
	}
	if cfg.StaleMultiplier != DefaultStaleMultiplier {
		t.Errorf("expected default stale multiplier %d, got %d", DefaultStaleMultiplier, cfg.StaleMultiplier)
	}
	if cfg.AcquireBackoff != DefaultAcquireBackoff {
		t.Errorf("expected default backoff %s, got %s", DefaultAcquireBackoff, cfg.AcquireBackoff)
	}
	if cfg.MaxPayloadSize != DefaultMaxPayloadSize {
		t.Errorf("expected default payload size %d, got %d", DefaultMaxPayloadSize, cfg.MaxPayloadSize)
	}
	if cfg.LogPretty {
		t.Error("expected JSON logging by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9091")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("LOCK_BACKEND", "postgres")
	t.Setenv("LEASE_DURATION", "1m30s")
	t.Setenv("STALE_MULTIPLIER", "2")
	t.Setenv("ACQUIRE_BACKOFF", "250ms")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/leases")
	t.Setenv("REDIS_PREFIX", "custom:")

	cfg := Load()

	if cfg.Port != "9091" {
		t.Errorf("expected port '9091', got '%s'", cfg.Port)
	}
	if !cfg.LogPretty {
		t.Error("expected pretty logging")
	}
	if cfg.Backend != BackendPostgres {
		t.Errorf("expected postgres backend, got %q", cfg.Backend)
	}
	if cfg.LeaseDuration != 90*time.Second {
		t.Errorf("expected lease duration 90s, got %s", cfg.LeaseDuration)
	}
	if cfg.StaleMultiplier != 2 {
		t.Errorf("expected stale multiplier 2, got %d", cfg.StaleMultiplier)
	}
	if cfg.AcquireBackoff != 250*time.Millisecond {
		t.Errorf("expected backoff 250ms, got %s", cfg.AcquireBackoff)
	}
	if cfg.Redis.Prefix != "custom:" {
		t.Errorf("expected redis prefix 'custom:', got %q", cfg.Redis.Prefix)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected config to validate, got %v", err)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEASE_DURATION", "forever")
	t.Setenv("MAX_PAYLOAD_SIZE", "not-a-number")
	t.Setenv("GRPC_MAX_MESSAGE_SIZE", "invalid")
	t.Setenv("LOG_PRETTY", "sometimes")

	cfg := Load()

	if cfg.LeaseDuration != DefaultLeaseDuration {
		t.Errorf("expected default for invalid lease duration, got %s", cfg.LeaseDuration)
	}
	if cfg.MaxPayloadSize != DefaultMaxPayloadSize {
		t.Errorf("expected default for invalid payload size, got %d", cfg.MaxPayloadSize)
	}
	if cfg.GRPCMaxMessageSize != DefaultGRPCMaxMessageSize {
		t.Errorf("expected default for invalid gRPC message size, got %d", cfg.GRPCMaxMessageSize)
	}
	if cfg.LogPretty {
		t.Error("expected default for invalid bool")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"memory", func(c *Config) {}, false},
		{"redis", func(c *Config) { c.Backend = BackendRedis }, false},
		{"mongo", func(c *Config) { c.Backend = BackendMongo }, false},
		{"postgres without dsn", func(c *Config) { c.Backend = BackendPostgres }, true},
		{"s3 without bucket", func(c *Config) { c.Backend = BackendS3 }, true},
		{"s3 with bucket", func(c *Config) { c.Backend = BackendS3; c.S3.Bucket = "leases" }, false},
		{"unknown backend", func(c *Config) { c.Backend = "etcd" }, true},
		{"zero lease", func(c *Config) { c.LeaseDuration = 0 }, true},
		{"zero multiplier", func(c *Config) { c.StaleMultiplier = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg := Load()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("LOCK_BACKEND=redis\nPORT=7070\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("PORT", "6060")

	LoadDotEnv(path, filepath.Join(dir, "missing.env"))
	t.Cleanup(func() { _ = os.Unsetenv("LOCK_BACKEND") })

	cfg := Load()
	if cfg.Backend != BackendRedis {
		t.Errorf("expected backend from env file, got %q", cfg.Backend)
	}
	if cfg.Port != "6060" {
		t.Errorf("expected existing env to win over env file, got %q", cfg.Port)
	}
}

func TestGetEnvDurationOrDefault(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue time.Duration
		expected     time.Duration
	}{
		{"valid duration", "TEST_DURATION", "45s", 0, 45 * time.Second},
		{"invalid duration", "TEST_DURATION_INVALID", "soon", time.Second, time.Second},
		{"not set", "TEST_DURATION_MISSING", "", time.Minute, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = os.Unsetenv(tt.key)
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			result := getEnvDurationOrDefault(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestGetEnvIntOrDefault(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue int
		expected     int
	}{
		{"valid int", "TEST_INT", "12345", 0, 12345},
		{"invalid int", "TEST_INT_INVALID", "abc", 999, 999},
		{"not set", "TEST_INT_MISSING", "", 888, 888},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = os.Unsetenv(tt.key)
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			result := getEnvIntOrDefault(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestLoad_DefaultsMatchLockHandle(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	store := lock.NewMemoryStore[lock.Record]()
	l := lock.New[lock.Record](store, lock.Self(func(r *lock.Record) *lock.Record { return r }))
	if cfg.LeaseDuration != l.LeaseDuration() {
		t.Errorf("expected lease duration %s to match the lock default %s", cfg.LeaseDuration, l.LeaseDuration())
	}
	if cfg.StaleMultiplier != l.StaleMultiplier() {
		t.Errorf("expected stale multiplier %d to match the lock default %d", cfg.StaleMultiplier, l.StaleMultiplier())
	}
	if cfg.AcquireBackoff != lock.DefaultBackoff {
		t.Errorf("expected backoff %s to match the lock default %s", cfg.AcquireBackoff, lock.DefaultBackoff)
	}
}
