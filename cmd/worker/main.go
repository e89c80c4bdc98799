// Package main is the entry point for the docflow worker.
// The worker consumes dispatch messages and advances jobs one stage at a time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docflow/internal/config"
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
	"docflow/internal/worker"

	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: docflow.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	base := logger.NewWithLevel(os.Stdout, cfg.LogLevel)
	slog.SetDefault(base)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, base); err != nil {
		base.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetry, err := observability.Setup(ctx, observability.Config{
		ServiceName:  "docflow-worker",
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

	catalog, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to catalog: %w", err)
	}
	defer catalog.Close()

	connector := postgres.NewConnector(cfg.TenantDSNTemplate)
	defer connector.Close()
	router := tenant.NewRouter(catalog, catalog.Provisioner(cfg.TenantDSNTemplate), connector, logger)

	var queue dispatch.Queue
	switch cfg.QueueBackend {
	case "rabbitmq":
		q, conn, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer q.Close()
		queue = q
	default:
		queue = catalog.Queue(cfg.VisibilityTimeout)
	}

	var reader storage.Reader
	if cfg.S3Endpoint != "" {
		objects, err := storage.NewMinIO(storage.MinIOConfig{
			Endpoint:       cfg.S3Endpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Bucket:         cfg.S3Bucket,
			Region:         cfg.S3Region,
			UseSSL:         cfg.S3UseSSL,
			MaxObjectBytes: cfg.MaxDocumentBytes,
		})
		if err != nil {
			return err
		}
		reader = objects
	} else {
		logger.Warn("no s3 endpoint configured; stages that read document content will fail")
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
		tracker = progress.NewRedis(client, 0)
	}

	// Select runtime based on configuration
	var rt runtime.Runtime
	if cfg.StageRuntime != "none" {
		rt, err = runtime.New(runtime.Config{
			Kind:    cfg.StageRuntime,
			WorkDir: cfg.RuntimeWorkDir,
			Kubernetes: runtime.KubernetesConfig{
				Namespace:          cfg.KubeNamespace,
				ServiceAccount:     cfg.KubeServiceAccount,
				DefaultCPULimit:    cfg.KubeCPULimit,
				DefaultMemoryLimit: cfg.KubeMemoryLimit,
			},
		})
		if err != nil {
			return fmt.Errorf("create %s runtime: %w", cfg.StageRuntime, err)
		}
		logger.Info("command stage enabled", "runtime", cfg.StageRuntime)
	}

	stages := stage.NewRegistry()
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
		WorkerID:           cfg.WorkerID,
	}, stages, queue, reader, logger, orchestrator.WithProgress(tracker))

	agent := worker.New(queue, router, orch, worker.AgentConfig{
		ID:                  cfg.WorkerID,
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.WorkerPollInterval,
		MaxBackoff:          cfg.WorkerMaxBackoff,
		HeartbeatInterval:   cfg.WorkerHeartbeatInterval,
		VisibilityExtension: cfg.VisibilityExtension,
		ErrorRetryBase:      cfg.RetryBaseDelay,
		ErrorRetryMax:       cfg.RetryMaxDelay,
	}, logger)

	// Dedicated metrics server
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	metricsSrv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := agent.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("worker metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down worker")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
