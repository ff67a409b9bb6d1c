package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vsla-platform/vsla-ledger/internal/app"
	jobmetrics "github.com/vsla-platform/vsla-ledger/internal/jobs"
	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/meetings"
	"github.com/vsla-platform/vsla-ledger/internal/platform/cache"
	"github.com/vsla-platform/vsla-ledger/internal/platform/db"
	"github.com/vsla-platform/vsla-ledger/internal/shared"
	"github.com/vsla-platform/vsla-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, "vsla-worker")
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client := jobs.NewClient(redisOpts)
	defer client.Close()

	processor := app.NewMeetingProcessor(cfg, logger, pool, redisClient, shared.NewAuditLogger(pool))
	processJob := jobs.NewMeetingProcessJob(processor, logger, metrics)
	sweepJob := jobs.NewMeetingSweepJob(meetings.NewRepository(pool), client, logger, metrics).
		WithKeyPruner(shared.NewIdempotencyStore(pool), cfg.IdempotencyRetention)
	integrityJob := jobs.NewLedgerIntegrityJob(ledger.NewRepository(pool), logger, metrics)

	sweepTask, err := jobs.NewMeetingSweepTask(100, cfg.SystemActorID)
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskMeetingProcess, Handler: processJob.Handle},
			{Type: jobs.TaskMeetingSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IntegrityCron, Task: jobs.NewLedgerIntegrityTask(), Options: []asynq.Option{asynq.MaxRetry(2)}},
			{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		return err
	}
	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency))
	return worker.Run(ctx)
}
