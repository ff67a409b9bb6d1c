package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vsla-platform/vsla-ledger/cmd/vsla/cli"
	"github.com/vsla-platform/vsla-ledger/internal/app"
	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	loanshttp "github.com/vsla-platform/vsla-ledger/internal/loans/http"
	meetingshttp "github.com/vsla-platform/vsla-ledger/internal/meetings/http"
	"github.com/vsla-platform/vsla-ledger/internal/observability"
	"github.com/vsla-platform/vsla-ledger/internal/platform/cache"
	"github.com/vsla-platform/vsla-ledger/internal/platform/db"
	"github.com/vsla-platform/vsla-ledger/internal/shareout"
	shareouthttp "github.com/vsla-platform/vsla-ledger/internal/shareout/http"
	"github.com/vsla-platform/vsla-ledger/internal/shared"
	"github.com/vsla-platform/vsla-ledger/jobs"
)

const usage = `usage: vsla <command> [flags]

commands:
  serve                      run the HTTP API (default)
  enqueue -actor ID ID...    queue meetings for background processing
  integrity [-inline]        queue or run the ledger integrity scan
  queues                     show worker queue state
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	command, args := "serve", os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		if err := serve(ctx, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "enqueue", "integrity", "queues":
		os.Exit(runOps(ctx, cfg, command, args))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(cli.ExitFailure)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, "vsla-api")
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

	metrics := observability.NewMetrics()
	audit := shared.NewAuditLogger(pool)
	format := ledger.NewAmountFormatter(cfg.CurrencyCode)

	processor := app.NewMeetingProcessor(cfg, logger, pool, redisClient, audit)
	processor.WithMetrics(metrics)

	loanService := ledger.NewLoanService(ledger.NewRepository(pool), ledger.NewLoanBook(format), audit)
	loanService.WithMetrics(metrics)

	shareoutService := shareout.NewService(shareout.NewRepository(pool), audit, logger)
	shareoutService.WithCache(shareout.NewCache(redisClient, cfg.ShareoutCacheTTL))
	shareoutService.WithMetrics(metrics)
	shareoutService.WithTimeout(cfg.ShareoutTimeout)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer jobClient.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		Metrics: metrics,
		HealthChecks: []app.HealthCheck{
			{Name: "postgres", Check: pool.Ping},
			{Name: "redis", Check: cache.Probe(redisClient)},
		},
		MeetingsHandler: meetingshttp.NewHandler(logger, processor, jobClient),
		ShareoutHandler: shareouthttp.NewHandler(logger, shareoutService),
		LoansHandler:    loanshttp.NewHandler(logger, loanService, shared.NewIdempotencyStore(pool), format),
		JobHandler:      jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runOps(ctx context.Context, cfg *app.Config, command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "write JSON output")
	actor := fs.Int64("actor", cfg.SystemActorID, "actor id recorded on processed meetings")
	inline := fs.Bool("inline", false, "run the integrity scan in-process")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFailure
	}
	out := cli.Output{JSON: *jsonOut, Stdout: os.Stdout, Stderr: os.Stderr}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer jobClient.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	switch command {
	case "enqueue":
		ids := make([]int64, 0, fs.NArg())
		for _, raw := range fs.Args() {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				fmt.Fprintf(os.Stderr, "invalid meeting id %q\n", raw)
				return cli.ExitFailure
			}
			ids = append(ids, id)
		}
		return cli.NewOpsCLI(jobClient, inspector, nil).EnqueueCommand(ctx, cli.EnqueueOptions{Output: out, MeetingIDs: ids, ActorID: *actor})
	case "integrity":
		var scanner jobs.IntegrityScanner
		if *inline {
			pool, err := db.New(ctx, cfg.PGDSN, "vsla-cli")
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return cli.ExitFailure
			}
			defer pool.Close()
			scanner = ledger.NewRepository(pool)
		}
		return cli.NewOpsCLI(jobClient, inspector, scanner).IntegrityCommand(ctx, cli.IntegrityOptions{Output: out, Inline: *inline})
	default:
		return cli.NewOpsCLI(jobClient, inspector, nil).QueuesCommand(ctx, out)
	}
}
