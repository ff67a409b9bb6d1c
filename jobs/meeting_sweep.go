package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/vsla-platform/vsla-ledger/internal/jobs"
)

// PendingLister lists meetings still waiting for processing.
type PendingLister interface {
	ListPending(ctx context.Context, limit int) ([]int64, error)
}

// MeetingEnqueuer queues a processing task.
type MeetingEnqueuer interface {
	EnqueueMeeting(ctx context.Context, meetingID, actorID int64) (string, error)
}

// KeyPruner drops expired idempotency keys.
type KeyPruner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// MeetingSweepJob re-enqueues meetings that were synced but never processed,
// for example when the API enqueue failed.
type MeetingSweepJob struct {
	pending  PendingLister
	enqueuer MeetingEnqueuer
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics

	keys      KeyPruner
	retention time.Duration
}

// NewMeetingSweepJob constructs the handler.
func NewMeetingSweepJob(pending PendingLister, enqueuer MeetingEnqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics) *MeetingSweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeetingSweepJob{pending: pending, enqueuer: enqueuer, logger: logger, metrics: metrics}
}

// WithKeyPruner makes every sweep also drop idempotency keys older than retention.
func (j *MeetingSweepJob) WithKeyPruner(keys KeyPruner, retention time.Duration) *MeetingSweepJob {
	j.keys = keys
	j.retention = retention
	return j
}

// Handle is the asynq entry point.
func (j *MeetingSweepJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.pending == nil || j.enqueuer == nil {
		return errors.New("meeting sweep: handler not configured")
	}
	var payload MeetingSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("meeting sweep: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskMeetingSweep)
	defer func() {
		err = tracker.End(err)
	}()
	queued, err := j.Sweep(ctx, payload.Limit, payload.ActorID)
	if err != nil {
		return err
	}
	j.logger.Info("meeting sweep completed", slog.Int("queued", queued))
	j.pruneKeys(ctx)
	return nil
}

func (j *MeetingSweepJob) pruneKeys(ctx context.Context) {
	if j.keys == nil || j.retention <= 0 {
		return
	}
	removed, err := j.keys.Cleanup(ctx, j.retention)
	if err != nil {
		j.logger.Warn("idempotency key cleanup failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		j.logger.Info("idempotency keys pruned", slog.Int64("removed", removed))
	}
}

// Sweep enqueues up to limit pending meetings. Meetings already queued are
// skipped silently.
func (j *MeetingSweepJob) Sweep(ctx context.Context, limit int, actorID int64) (int, error) {
	ids, err := j.pending.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("meeting sweep: list pending: %w", err)
	}
	queued := 0
	for _, id := range ids {
		_, err := j.enqueuer.EnqueueMeeting(ctx, id, actorID)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, ErrAlreadyQueued):
		default:
			return queued, fmt.Errorf("meeting sweep: enqueue %d: %w", id, err)
		}
	}
	return queued, nil
}
