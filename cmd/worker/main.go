// Package main is the Worker entry point: it pulls Jobs from the queue,
// executes them in the Docker sandbox, and publishes JobResults, while
// exposing the RPC surface the scheduler heartbeats and cancels through.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fairyhunter13/contest-core/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/contest-core/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/contest-core/internal/blobstore"
	"github.com/fairyhunter13/contest-core/internal/config"
	"github.com/fairyhunter13/contest-core/internal/observability"
	"github.com/fairyhunter13/contest-core/internal/sandbox"
	"github.com/fairyhunter13/contest-core/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Worker metrics get their own port so Prometheus can scrape sandbox
	// and job counters independently of the RPC surface.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	workerID := worker.NewWorkerID()
	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("worker_id", workerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	blobs, err := blobstore.New(cfg.BlobDir)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	box, err := sandbox.New(cfg.SandboxImage, cfg.HeartbeatSlack)
	if err != nil {
		slog.Error("sandbox init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := box.Close(); err != nil {
			slog.Error("failed to close sandbox client", slog.Any("error", err))
		}
	}()

	recipes, err := worker.LoadRecipes(cfg.LanguageRecipesPath)
	if err != nil {
		slog.Error("language recipes load failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		slog.Error("temp dir init failed", slog.Any("error", err))
		os.Exit(1)
	}

	w := &worker.Worker{
		ID:          workerID,
		Blobs:       blobs,
		Box:         box,
		Recipes:     recipes,
		TempDir:     cfg.TempDir,
		KeepSandbox: cfg.KeepSandbox,
		Submissions: postgres.NewSubmissionRepo(pool),
		Datasets:    postgres.NewDatasetRepo(pool),
		Executables: postgres.NewExecutableRepo(pool),
		UserTests:   postgres.NewUserTestRepo(pool),
	}
	rpcServer := worker.NewRPCServer(w)

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, "contest-core-worker-producer-"+workerID)
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	// The RPC server's tracked Process keeps get_status heartbeats honest
	// for queue-delivered jobs too.
	consumer, err := kafka.NewJobConsumer(cfg.KafkaBrokers, "contest-core-workers", "contest-core-worker-"+workerID, rpcServer, producer)
	if err != nil {
		slog.Error("job consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close job consumer", slog.Any("error", err))
		}
	}()

	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("job consumer error", slog.Any("error", err))
			stop()
		}
	}()

	mux := http.NewServeMux()
	rpcServer.Routes(mux)
	httpSrv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("worker rpc listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker rpc server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("worker rpc shutdown error", slog.Any("error", err))
	}
	slog.Info("worker stopped")
}
