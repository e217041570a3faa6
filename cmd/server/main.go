// Command server runs the audit HTTP API plus its background workers: the
// outbox relay, the export processor, and retention enforcement.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"auditcore/internal/audit/analytics"
	"auditcore/internal/audit/cache"
	audithandler "auditcore/internal/audit/handler"
	auditmetrics "auditcore/internal/audit/metrics"
	"auditcore/internal/audit/outbox"
	"auditcore/internal/audit/publisher"
	auditservice "auditcore/internal/audit/service"
	"auditcore/internal/audit/store/event"
	exporthandler "auditcore/internal/export/handler"
	exportservice "auditcore/internal/export/service"
	"auditcore/internal/export/store/request"
	"auditcore/internal/export/token"
	exportworker "auditcore/internal/export/worker"
	"auditcore/internal/health"
	"auditcore/internal/platform/config"
	"auditcore/internal/platform/httpserver"
	"auditcore/internal/platform/kafka"
	"auditcore/internal/platform/logger"
	platformmetrics "auditcore/internal/platform/metrics"
	"auditcore/internal/platform/middleware"
	"auditcore/internal/platform/postgres"
	platformredis "auditcore/internal/platform/redis"
	"auditcore/internal/retention"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "auditcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	// Redis is optional. Without it, aggregate reads go straight to the
	// store on every request.
	var (
		redisClient *platformredis.Client
		queryCache  *cache.Cache
	)
	if cfg.Redis.URL != "" {
		redisClient, err = platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		queryCache = cache.New(redisClient, cfg.Audit.CacheTTL, log)
	} else {
		log.Warn("redis not configured, query cache disabled")
	}

	m := auditmetrics.New()
	eventStore := event.NewPostgres(db)

	svcOpts := []auditservice.Option{
		auditservice.WithLogger(log),
		auditservice.WithMetrics(m),
		auditservice.WithPIIRedaction(cfg.Audit.EnablePIIRedact),
		auditservice.WithRetentionDays(cfg.Audit.RetentionDays),
	}
	if queryCache != nil {
		svcOpts = append(svcOpts, auditservice.WithCache(queryCache))
	}
	auditSvc := auditservice.New(eventStore, svcOpts...)
	analyticsSvc := analytics.New(eventStore, analytics.WithLogger(log))

	sampler := publisher.NewSampler(cfg.Audit.OpsSampleRate)
	pub := publisher.NewPublisher(auditSvc,
		publisher.WithLogger(log),
		publisher.WithMetrics(m),
		publisher.WithSampler(sampler),
		publisher.WithCircuitBreaker(publisher.NewCircuitBreaker(5, time.Minute)),
	)
	defer pub.Close()

	signer := token.NewSigner(cfg.Export.TokenSecret, cfg.Export.TokenLifetime)
	exportStore := request.NewPostgres(db)
	exportSvc := exportservice.New(exportStore, eventStore, signer,
		exportservice.WithLogger(log),
		exportservice.WithRecorder(pub),
		exportservice.WithMaxRecords(cfg.Export.MaxRecords),
		exportservice.WithMaxDownloads(cfg.Export.MaxDownloads),
	)
	exportWorker := exportworker.New(exportStore, eventStore, signer, cfg.Export.Dir,
		exportworker.WithLogger(log),
		exportworker.WithPollInterval(cfg.Export.PollInterval),
	)

	retentionWorker := retention.New(eventStore, exportStore,
		retention.WithLogger(log),
		retention.WithMetrics(m),
		retention.WithInterval(cfg.Audit.RetentionInterval),
	)

	healthHandler := health.New(log)
	healthHandler.Add("postgres", func(ctx context.Context) error {
		return postgres.Health(ctx, db)
	})
	if redisClient != nil {
		healthHandler.Add("redis", redisClient.Health)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestTime)
	router.Use(middleware.ClientMetadata)
	router.Use(middleware.Metrics)
	healthHandler.Register(router)
	router.Method(http.MethodGet, "/metrics", platformmetrics.Handler())
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Tenant(log))
		audithandler.New(auditSvc, analyticsSvc, log).Register(r)
		exporthandler.New(exportSvc, log).Register(r)
	})

	srv := httpserver.New(cfg.Addr, router, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return ignoreCancel(exportWorker.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCancel(retentionWorker.Run(ctx))
	})

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(ctx, cfg.Kafka)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		relay := outbox.NewRelay(outbox.NewPostgres(db), producer,
			outbox.WithLogger(log),
			outbox.WithMetrics(m),
			outbox.WithPollInterval(cfg.Kafka.PollInterval),
			outbox.WithBatchSize(cfg.Kafka.BatchSize),
		)
		g.Go(func() error {
			return ignoreCancel(relay.Run(ctx))
		})
	} else {
		log.Warn("kafka brokers not configured, outbox relay disabled")
	}

	log.Info("auditcore started", "addr", cfg.Addr)
	return ignoreCancel(g.Wait())
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
