package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/bakery/internal/messaging/kafka"
)

const (
	// StorageDriverMemory хранит заказы в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит заказы в PostgreSQL.
	StorageDriverPostgres = "postgres"

	// ConfigFileEnv: переменная с путём к YAML-файлу конфигурации.
	ConfigFileEnv = "BAKERY_CONFIG_FILE"
	envPrefix     = "BAKERY"
)

// Config описывает настройки запуска приложения.
// Порядок источников: DefaultConfig, затем YAML-файл, затем переменные окружения BAKERY_*.
type Config struct {
	GRPCAddr    string `yaml:"grpc_addr" envconfig:"GRPC_ADDR"`
	HTTPAddr    string `yaml:"http_addr" envconfig:"HTTP_ADDR"`
	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
	LogLevel    string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	// Timezone определяет границы календарного дня для фильтра по дате.
	Timezone string `yaml:"timezone" envconfig:"TIMEZONE"`

	StorageDriver       string `yaml:"storage_driver" envconfig:"STORAGE_DRIVER"`
	PostgresDSN         string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `yaml:"postgres_auto_migrate" envconfig:"POSTGRES_AUTO_MIGRATE"`

	// KafkaBrokers: список через запятую; пустое значение отключает публикацию событий.
	KafkaBrokers  string `yaml:"kafka_brokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string `yaml:"kafka_topic" envconfig:"KAFKA_TOPIC"`
	KafkaDLQTopic string `yaml:"kafka_dlq_topic" envconfig:"KAFKA_DLQ_TOPIC"`
	KafkaClientID string `yaml:"kafka_client_id" envconfig:"KAFKA_CLIENT_ID"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval" envconfig:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size" envconfig:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts" envconfig:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay" envconfig:"OUTBOX_RETRY_DELAY"`
	// OutboxMaxPending: порог backlog, после которого /readyz отдаёт degraded.
	OutboxMaxPending int `yaml:"outbox_max_pending" envconfig:"OUTBOX_MAX_PENDING"`

	// IdempotencyTTL: сколько хранится ответ по ключу Idempotency-Key.
	IdempotencyTTL              time.Duration `yaml:"idempotency_ttl" envconfig:"IDEMPOTENCY_TTL"`
	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval" envconfig:"IDEMPOTENCY_CLEANUP_INTERVAL"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size" envconfig:"IDEMPOTENCY_CLEANUP_BATCH_SIZE"`

	SnapshotLoadTimeout time.Duration `yaml:"snapshot_load_timeout" envconfig:"SNAPSHOT_LOAD_TIMEOUT"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		Timezone:    "Local",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaTopic:    kafka.TopicOrderEvents,
		KafkaDLQTopic: kafka.TopicDeadLetterQueue,
		KafkaClientID: "bakery-server",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		SnapshotLoadTimeout: 5 * time.Second,
	}
}

// LoadConfig собирает конфигурацию из файла BAKERY_CONFIG_FILE (если задан) и окружения.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres_dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	return errors.Join(errs...)
}

// Location возвращает часовой пояс для границ дня.
func (c Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Timezone) {
	case "", "Local":
		return time.Local, nil
	default:
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
		}
		return loc, nil
	}
}

// Brokers разбирает KafkaBrokers в список адресов.
func (c Config) Brokers() []string {
	return splitBrokers(c.KafkaBrokers)
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
