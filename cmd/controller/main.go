// Package main is the entry point for the docflow controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docflow/internal/config"
	"docflow/internal/controller"
	"docflow/internal/controller/handlers"
	"docflow/internal/controller/middleware"
	"docflow/internal/dispatch"
	"docflow/internal/dispatch/rabbitmq"
	"docflow/internal/logger"
	"docflow/internal/observability"
	"docflow/internal/orchestrator"
	"docflow/internal/progress"
	"docflow/internal/stage"
	"docflow/internal/stage/builtin"
	"docflow/internal/stage/runtime"
	"docflow/internal/storage"
	"docflow/internal/store/postgres"
	"docflow/internal/tenant"
)

const meterName = "docflow/controller"

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run catalog migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: docflow.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	base := logger.NewWithLevel(os.Stdout, cfg.LogLevel)
	slog.SetDefault(base)

	if err := run(cfg, *migrateFlag, base); err != nil {
		base.Error("controller stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, migrate bool, logger *slog.Logger) error {
	ctx := context.Background()

	// Catalog database: tenants, dispatch queue and DLQ.
	catalog, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to catalog: %w", err)
	}
	defer catalog.Close()

	if migrate {
		logger.Info("running catalog migrations")
		if err := postgres.Migrate(catalog.DB()); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("migrations completed")
	}

	telemetry, err := observability.Setup(ctx, observability.Config{
		ServiceName:  "docflow-controller",
		InstanceID:   cfg.WorkerID,
		OTLPEndpoint: cfg.OTELEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown telemetry", "error", err)
		}
	}()

	connector := postgres.NewConnector(cfg.TenantDSNTemplate)
	defer connector.Close()
	router := tenant.NewRouter(catalog, catalog.Provisioner(cfg.TenantDSNTemplate), connector, logger)

	var checks []handlers.ReadinessCheck

	var (
		queue       dispatch.Enqueuer
		deadLetters handlers.DeadLetters
	)
	switch cfg.QueueBackend {
	case "rabbitmq":
		q, conn, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer q.Close()
		queue = q
		checks = append(checks, handlers.ReadinessCheck{Name: "rabbitmq", Check: func(ctx context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}})
	default:
		q := catalog.Queue(cfg.VisibilityTimeout)
		queue = q
		deadLetters = catalog
		if err := observability.RegisterGauge(meterName, "docflow.dispatch.depth",
			"Messages waiting in the dispatch queue", q.Depth, logger); err != nil {
			logger.Warn("failed to register metric", "error", err)
		}
		if err := observability.RegisterGauge(meterName, "docflow.dispatch.dead_letters",
			"Messages in the dispatch dead letter queue", catalog.CountDLQ, logger); err != nil {
			logger.Warn("failed to register metric", "error", err)
		}
	}

	var documents handlers.DocumentStore
	if cfg.S3Endpoint != "" {
		objects, err := storage.NewMinIO(storage.MinIOConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return err
		}
		if err := objects.EnsureBucket(ctx, cfg.S3Region); err != nil {
			return err
		}
		documents = objects
		checks = append(checks, handlers.ReadinessCheck{Name: "storage", Check: objects.Ping})
	} else {
		logger.Warn("no s3 endpoint configured; document uploads are disabled")
	}

	var tracker progress.Tracker = progress.Noop{}
	if cfg.RedisAddr != "" {
		client, err := progress.NewRedisClient(ctx, progress.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		redisTracker := progress.NewRedis(client, 0)
		tracker = redisTracker
		checks = append(checks, handlers.ReadinessCheck{Name: "redis", Check: redisTracker.Ping})
	}

	// The controller validates pipelines against the registry but never runs a stage,
	// so the command stage is backed by the exec runtime whatever the workers use.
	stages := stage.NewRegistry()
	var rt runtime.Runtime
	if cfg.StageRuntime != "none" {
		rt = runtime.NewExecRuntime(cfg.RuntimeWorkDir)
	}
	if err := builtin.Register(stages, rt); err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		StageTimeout:       cfg.StageTimeout,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		LeaseDuration:      cfg.JobLeaseDuration,
		LeaseRenewInterval: cfg.JobLeaseRenewInterval,
	}, stages, queue, nil, logger, orchestrator.WithProgress(tracker))

	h := handlers.New(handlers.Deps{
		Catalog:     catalog,
		DeadLetters: deadLetters,
		Router:      router,
		Jobs:        orch,
		Stages:      stages,
		Documents:   documents,
		Progress:    tracker,
		Descriptor:  postgres.DescriptorFor,
		Checks:      checks,
		Logger:      logger,
		Config: handlers.Config{
			MaxDocumentBytes:      cfg.MaxDocumentBytes,
			DefaultRateLimit:      cfg.DefaultRateLimit,
			DefaultRateLimitBurst: cfg.DefaultRateLimitBurst,
		},
	})

	if cfg.InternalSecret == "" {
		logger.Warn("internal_secret is empty; admin endpoints reject every request")
	}

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(controller.Options{
		Addr:           addr,
		Handlers:       h,
		Tenants:        catalog,
		InternalSecret: cfg.InternalSecret,
		Limiter:        middleware.NewRateLimiter(),
		Metrics:        telemetry.MetricsHandler(),
		Logger:         logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("docflow controller starting", "addr", addr, "queue_backend", cfg.QueueBackend)
		serverErr <- srv.Run(ctx)
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited properly")
	return nil
}
