// Package main is the ProxyService entry point: it mirrors score changes
// and metadata to the configured external ranking endpoints, resyncing a
// complete snapshot on startup before draining the live queue.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/contest-core/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/contest-core/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/contest-core/internal/config"
	"github.com/fairyhunter13/contest-core/internal/observability"
	"github.com/fairyhunter13/contest-core/internal/proxy"
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

	if len(cfg.Rankings) == 0 {
		slog.Error("no ranking endpoints configured; set RANKINGS")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	clients := make([]*proxy.Client, 0, len(cfg.Rankings))
	for _, base := range cfg.Rankings {
		clients = append(clients, proxy.NewClient(base, cfg.RankingUsername, cfg.RankingPassword))
	}
	maxElapsed, initial, maxInterval, multiplier := cfg.GetProxyBackoffConfig()
	svc := proxy.New(clients, proxy.BackoffConfig{
		MaxElapsedTime:  maxElapsed,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		Multiplier:      multiplier,
	}, cfg.ProxyShutdownGrace)

	snapshot, err := buildSnapshot(ctx, pool)
	if err != nil {
		slog.Error("snapshot build failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := svc.Resync(ctx, snapshot); err != nil {
		slog.Error("resync failed", slog.Any("error", err))
		os.Exit(1)
	}

	consumer, err := kafka.NewScoreChangeConsumer(cfg.KafkaBrokers, "contest-core-proxy", "contest-core-proxy-consumer", svc)
	if err != nil {
		slog.Error("score change consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close score change consumer", slog.Any("error", err))
		}
	}()

	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("score change consumer error", slog.Any("error", err))
			stop()
		}
	}()

	slog.Info("proxy service started",
		slog.Int("endpoints", len(clients)),
		slog.String("env", cfg.AppEnv))

	<-ctx.Done()
	slog.Info("signal received, shutting down")
	svc.Shutdown()
	slog.Info("proxy service stopped")
}

// buildSnapshot loads the complete mirror state from the database: every
// contest, its tasks, and their submissions.
func buildSnapshot(ctx context.Context, pool postgres.PgxPool) (proxy.Snapshot, error) {
	contests := postgres.NewContestRepo(pool)
	tasks := postgres.NewTaskRepo(pool)
	submissions := postgres.NewSubmissionRepo(pool)

	snap := proxy.Snapshot{
		Contests:    map[string]proxy.ContestResource{},
		Tasks:       map[string]proxy.TaskResource{},
		Teams:       map[string]proxy.TeamResource{},
		Users:       map[string]proxy.UserResource{},
		Submissions: map[string]proxy.SubmissionResource{},
	}

	allContests, err := contests.List(ctx)
	if err != nil {
		return proxy.Snapshot{}, err
	}
	for _, c := range allContests {
		snap.Contests[c.ID] = proxy.ContestResource{
			Name:  c.Name,
			Begin: c.Start.Unix(),
			End:   c.Stop.Unix(),
		}
		contestTasks, err := tasks.ListByContest(ctx, c.ID)
		if err != nil {
			return proxy.Snapshot{}, err
		}
		for _, t := range contestTasks {
			snap.Tasks[t.ID] = proxy.TaskResource{
				Name:           t.Name,
				Contest:        c.ID,
				MaxScore:       t.MaxScore,
				ScorePrecision: t.ScorePrecision,
			}
			taskSubmissions, err := submissions.ListByTask(ctx, t.ID)
			if err != nil {
				return proxy.Snapshot{}, err
			}
			for _, s := range taskSubmissions {
				snap.Submissions[s.ID] = proxy.SubmissionResource{
					User: s.ParticipationID,
					Task: t.ID,
					Time: s.Timestamp.Unix(),
				}
				snap.Users[s.ParticipationID] = proxy.UserResource{FirstName: s.ParticipationID}
			}
		}
	}
	return snap, nil
}
