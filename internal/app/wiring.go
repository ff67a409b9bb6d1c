package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vsla-platform/vsla-ledger/internal/directory"
	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/meetings"
	"github.com/vsla-platform/vsla-ledger/internal/shared"
)

// NewMeetingProcessor wires the meeting pipeline against Postgres with the
// Redis group lock. The API and the worker share it.
func NewMeetingProcessor(cfg *Config, logger *slog.Logger, pool *pgxpool.Pool, redisClient *redis.Client, audit *shared.AuditLogger) *meetings.Processor {
	format := ledger.NewAmountFormatter(cfg.CurrencyCode)
	pipeline := meetings.NewPipeline(
		directory.NewRepository(pool),
		ledger.NewLoanBook(format),
		format,
		meetings.PipelineOptions{ActionPlansEnabled: cfg.ActionPlansEnabled},
		logger,
	)
	lock := shared.NewGroupLock(redisClient, cfg.GroupLockTTL)
	return meetings.NewProcessor(meetings.NewRepository(pool), pipeline, lock, audit, logger)
}
