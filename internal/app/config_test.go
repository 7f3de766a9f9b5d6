package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.GRPCAddr != ":50051" {
		t.Errorf("expected GRPCAddr :50051, got %s", cfg.GRPCAddr)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected MetricsAddr :9090, got %s", cfg.MetricsAddr)
	}
	if cfg.StorageDriver != StorageDriverMemory {
		t.Errorf("expected StorageDriver %s, got %s", StorageDriverMemory, cfg.StorageDriver)
	}
	if !cfg.PostgresAutoMigrate {
		t.Error("expected PostgresAutoMigrate to be true")
	}
	if cfg.OutboxPollInterval <= 0 {
		t.Error("expected OutboxPollInterval to be > 0")
	}
	if cfg.OutboxBatchSize <= 0 {
		t.Error("expected OutboxBatchSize to be > 0")
	}
	if cfg.OutboxMaxAttempts <= 0 {
		t.Error("expected OutboxMaxAttempts to be > 0")
	}
	if cfg.OutboxRetryDelay < 0 {
		t.Error("expected OutboxRetryDelay to be >= 0")
	}
	if cfg.OutboxMaxPending <= 0 {
		t.Error("expected OutboxMaxPending to be > 0")
	}
	if cfg.IdempotencyCleanupInterval <= 0 {
		t.Error("expected IdempotencyCleanupInterval to be > 0")
	}
	if cfg.IdempotencyCleanupBatchSize <= 0 {
		t.Error("expected IdempotencyCleanupBatchSize to be > 0")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must be valid: %v", err)
	}
}

func TestConfig_Comparison(t *testing.T) {
	cfg1 := DefaultConfig()
	cfg2 := DefaultConfig()

	if cfg1 != cfg2 {
		t.Error("two DefaultConfig instances should be equal")
	}

	cfg2.GRPCAddr = ":8080"
	if cfg1 == cfg2 {
		t.Error("modified config should not be equal to original")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "postgres without dsn", mutate: func(c *Config) { c.StorageDriver = StorageDriverPostgres }, wantErr: "postgres_dsn"},
		{name: "unknown driver", mutate: func(c *Config) { c.StorageDriver = "sqlite" }, wantErr: "unsupported storage driver"},
		{name: "bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, wantErr: "timezone"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Location(t *testing.T) {
	cfg := DefaultConfig()
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	cfg.Timezone = "UTC"
	loc, err = cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}

func TestConfig_Brokers(t *testing.T) {
	cfg := Config{KafkaBrokers: " broker1:9092, ,broker2:9092 "}
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Brokers())
	assert.Empty(t, Config{}.Brokers())
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bakery.yaml")
	content := []byte(`
grpc_addr: ":6000"
http_addr: ":6001"
storage_driver: memory
outbox_poll_interval: 3s
outbox_batch_size: 25
timezone: UTC
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("BAKERY_GRPC_ADDR", ":7000")
	t.Setenv("BAKERY_KAFKA_BROKERS", "localhost:9092")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.GRPCAddr, "env wins over file")
	assert.Equal(t, ":6001", cfg.HTTPAddr)
	assert.Equal(t, 3*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 25, cfg.OutboxBatchSize)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "localhost:9092", cfg.KafkaBrokers)
	assert.Equal(t, ":9090", cfg.MetricsAddr, "unset values keep defaults")
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grpc_addr: [unclosed"), 0o600))
	t.Setenv(ConfigFileEnv, path)
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv(ConfigFileEnv, "")
	t.Setenv("BAKERY_STORAGE_DRIVER", "postgres")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("BAKERY_STORAGE_DRIVER", "memory")
	t.Setenv("BAKERY_OUTBOX_BATCH_SIZE", "many")
	_, err = LoadConfig()
	require.Error(t, err)
}
