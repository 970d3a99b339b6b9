// Package main is the EvaluationService entry point. The process hosts the
// scheduler, the ScoringService, and the web-tier RPC surface; Workers and
// the ProxyService run as their own processes.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fairyhunter13/contest-core/internal/adapter/httpserver"
	"github.com/fairyhunter13/contest-core/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/contest-core/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/contest-core/internal/app"
	"github.com/fairyhunter13/contest-core/internal/config"
	"github.com/fairyhunter13/contest-core/internal/observability"
	"github.com/fairyhunter13/contest-core/internal/scheduler"
	"github.com/fairyhunter13/contest-core/internal/scoring"
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

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting evaluation service", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	resultRepo := postgres.NewSubmissionResultRepo(pool)
	evaluationRepo := postgres.NewEvaluationRepo(pool)
	submissionRepo := postgres.NewSubmissionRepo(pool)
	datasetRepo := postgres.NewDatasetRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	executableRepo := postgres.NewExecutableRepo(pool)
	userTestRepo := postgres.NewUserTestRepo(pool)
	participationRepo := postgres.NewParticipationRepo(pool)

	kafka.EnsureTopics(ctx, cfg.KafkaBrokers)

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, "contest-core-scheduler-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	scorer := &scoring.Service{
		Results:        resultRepo,
		Evaluations:    evaluationRepo,
		Submissions:    submissionRepo,
		Datasets:       datasetRepo,
		Tasks:          taskRepo,
		Participations: participationRepo,
		Notifier:       kafka.NewScoreChangeNotifier(producer),
	}

	svc := &scheduler.Service{
		Queue:               scheduler.NewMemoryQueue(),
		Dispatch:            producer,
		Scorer:              scorer,
		Results:             resultRepo,
		Evaluations:         evaluationRepo,
		Submissions:         submissionRepo,
		Datasets:            datasetRepo,
		Tasks:               taskRepo,
		Executables:         executableRepo,
		UserTests:           userTestRepo,
		Participations:      participationRepo,
		MaxCompilationTries: cfg.MaxCompilationTries,
		MaxEvaluationTries:  cfg.MaxEvaluationTries,
		MaxQueueDepth:       cfg.MaxQueueDepth,
	}
	svc.Pool = scheduler.NewWorkerPool(cfg.WorkerAddrs, cfg.HeartbeatSlack, svc.ReclaimLostJob)

	resultConsumer, err := kafka.NewResultConsumer(cfg.KafkaBrokers, "contest-core-scheduler", "contest-core-scheduler-consumer", svc)
	if err != nil {
		slog.Error("result consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := resultConsumer.Close(); err != nil {
			slog.Error("failed to close result consumer", slog.Any("error", err))
		}
	}()

	sweeper := scheduler.NewResultSweeper(resultRepo, svc, cfg.SweepMaxProcessingAge, cfg.SweepInterval)
	if err := sweeper.RecoverAtStartup(ctx); err != nil {
		slog.Error("startup recovery failed", slog.Any("error", err))
		os.Exit(1)
	}

	go svc.Run(ctx)
	go svc.Pool.Run(ctx, cfg.WorkerScalingInterval)
	go sweeper.Run(ctx)
	go func() {
		if err := resultConsumer.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("result consumer error", slog.Any("error", err))
		}
	}()

	srv := httpserver.NewServer(svc, svc.Pool, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	httpSrv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      app.BuildRouter(cfg, srv),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("web tier listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", slog.Any("error", err))
	}
	slog.Info("evaluation service stopped")
}
