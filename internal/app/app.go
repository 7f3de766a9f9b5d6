package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/bakery/internal/health"
	"github.com/vladislavdragonenkov/bakery/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bakery/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/bakery/internal/service/grpc"
	"github.com/vladislavdragonenkov/bakery/internal/service/httpapi"
	"github.com/vladislavdragonenkov/bakery/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bakery/internal/service/orders"
	"github.com/vladislavdragonenkov/bakery/internal/service/outbox"
	"github.com/vladislavdragonenkov/bakery/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает хранилище, gRPC и HTTP API, метрики и фоновые воркеры и ждёт отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	producer, err := initKafkaProducer(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("order events will not be published")
	}
	defer closeKafka(producer, logger)

	outboxWorker := newOutboxWorker(cfg, deps, producer, logger)
	repo := newOrderRepository(deps, outboxWorker, logger)
	guard := idempotency.NewGuard(deps.idempotencyRepo,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithGuardLogger(logger.WithField("layer", "idempotency")),
	)

	healthHandler := healthcheck.NewHandler(version.Get().Version)
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	if outboxWorker != nil {
		healthHandler.RegisterChecker("outbox", outboxBacklogChecker(deps, cfg.OutboxMaxPending))
	}

	grpcServer, grpcHealth := newGRPCServer(repo, guard, loc, logger)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	api := httpapi.NewServer(repo,
		httpapi.WithLocation(loc),
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithIdempotency(guard),
	)
	// Контекст запросов отменяется вместе с gctx, поэтому SSE-потоки завершаются при остановке.
	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	metricsSrv := startMetricsServer(gctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopGRPC(grpcServer, logger)
		return nil
	})

	g.Go(func() error {
		logger.Infof("HTTP API слушает %s", apiLis.Addr())
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownHTTP(apiSrv, logger)
		return nil
	})

	if outboxWorker != nil {
		g.Go(func() error {
			outboxWorker.Run(gctx)
			return nil
		})
	}

	cleanup := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithCleanupMetrics(metrics.NewCleanupMetrics(nil)),
		idempotency.WithLogger(logger.WithField("layer", "idempotency-cleanup")),
	)
	g.Go(func() error {
		cleanup.Run(gctx)
		return nil
	})

	err = g.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// newOutboxWorker возвращает nil, если Kafka не настроена: события тогда не копятся в outbox.
func newOutboxWorker(cfg Config, deps *runtimeDependencies, producer *kafka.Producer, logger *log.Entry) *outbox.Worker {
	if producer == nil {
		return nil
	}
	workerCfg := outbox.Config{
		PollInterval:   cfg.OutboxPollInterval,
		BatchSize:      cfg.OutboxBatchSize,
		MaxAttempts:    cfg.OutboxMaxAttempts,
		RetryBaseDelay: cfg.OutboxRetryDelay,
	}
	return outbox.NewWorker(
		deps.outboxRepo,
		kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
		workerCfg,
		outbox.WithDeadLetters(kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)),
		outbox.WithMetrics(metrics.NewOutboxMetrics(nil)),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
	)
}

func newOrderRepository(deps *runtimeDependencies, worker *outbox.Worker, logger *log.Entry) *orders.Repository {
	opts := []orders.Option{
		orders.WithTimeline(deps.timelineRepo),
		orders.WithMetrics(deps.metrics),
		orders.WithLogger(logger.WithField("layer", "repository")),
	}
	if worker != nil {
		opts = append(opts, orders.WithOutbox(deps.outboxRepo), orders.WithOutboxKick(worker.Kick))
	}
	return orders.NewRepository(deps.store, opts...)
}

func outboxBacklogChecker(deps *runtimeDependencies, maxPending int) healthcheck.Checker {
	return healthcheck.NewDegradedChecker("outbox", func(ctx context.Context) error {
		stats, err := deps.outboxRepo.Stats(ctx)
		if err != nil {
			return err
		}
		if maxPending > 0 && stats.Pending > maxPending {
			return fmt.Errorf("outbox backlog %d exceeds %d", stats.Pending, maxPending)
		}
		return nil
	})
}

func newGRPCServer(repo *orders.Repository, guard *idempotency.Guard, loc *time.Location, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcMetrics.UnaryServerInterceptor(),
			grpcsvc.IdempotencyInterceptor(guard),
		),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	orderService := grpcsvc.NewOrderService(repo, loc, logger.WithField("layer", "grpc"))
	grpcsvc.RegisterOrderServiceServer(grpcServer, orderService)
	grpcMetrics.InitializeMetrics(grpcServer)

	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return grpcServer, healthServer
}

// stopGRPC ждёт завершения текущих вызовов, но не дольше shutdownTimeout.
// Потоки WatchOrders живут до отмены клиентом, поэтому после таймаута остановка принудительная.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-проверки.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
