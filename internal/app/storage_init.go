package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/bakery/internal/health"
	"github.com/vladislavdragonenkov/bakery/internal/metrics"
	"github.com/vladislavdragonenkov/bakery/internal/storage/feed"
	"github.com/vladislavdragonenkov/bakery/internal/storage/memory"
	"github.com/vladislavdragonenkov/bakery/internal/storage/postgres"
)

const storagePingTimeout = 2 * time.Second

// runtimeDependencies — хранилища, выбранные драйвером из конфигурации.
type runtimeDependencies struct {
	store           domain.OrderStore
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	metrics         *metrics.OrderMetrics
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	orderMetrics := metrics.NewOrderMetrics()
	feedOpts := []feed.Option{
		feed.WithObserver(orderMetrics),
		feed.WithLoadTimeout(cfg.SnapshotLoadTimeout),
		feed.WithLogger(logger.WithField("layer", "feed")),
	}

	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		store := memory.NewOrderStore(feedOpts...)
		return &runtimeDependencies{
			store:           store,
			outboxRepo:      memory.NewOutboxRepository(),
			timelineRepo:    memory.NewTimelineRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			metrics:         orderMetrics,
			storageChecker:  healthcheck.NewPingChecker("storage", store, storagePingTimeout),
			closeFn:         store.Close,
		}, nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}

		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		store := postgres.NewOrderStore(pg,
			postgres.WithOrderStoreLogger(logger.WithField("layer", "postgres")),
			postgres.WithFeedOptions(feedOpts...),
		)
		return &runtimeDependencies{
			store:           store,
			outboxRepo:      postgres.NewOutboxRepository(pg),
			timelineRepo:    postgres.NewTimelineRepository(pg),
			idempotencyRepo: postgres.NewIdempotencyRepository(pg),
			metrics:         orderMetrics,
			storageChecker:  healthcheck.NewPingChecker("storage", pg, storagePingTimeout),
			closeFn: func() error {
				return errors.Join(store.Close(), pg.Close())
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}
