package meetings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vsla-platform/vsla-ledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetMeeting(ctx context.Context, id int64) (Meeting, error)
}

// AuditPort records processing attempts.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Locker serialises processing per savings group.
type Locker interface {
	Acquire(ctx context.Context, groupID int64) (func(context.Context) error, error)
}

// MetricsPort observes processing outcomes.
type MetricsPort interface {
	ObserveMeeting(outcome string, warnings, failures int, took time.Duration)
}

// Processing outcomes reported to metrics and audit.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

var errPipelineFailed = errors.New("meetings: pipeline reported errors")

// Processor owns the transaction around the pipeline: it commits when the
// pipeline succeeds and records the failure otherwise.
type Processor struct {
	repo     RepositoryPort
	pipeline *Pipeline
	lock     Locker
	audit    AuditPort
	metrics  MetricsPort
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor constructs the processor. lock, audit and metrics are optional.
func NewProcessor(repo RepositoryPort, pipeline *Pipeline, lock Locker, audit AuditPort, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{repo: repo, pipeline: pipeline, lock: lock, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (p *Processor) WithNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// WithMetrics attaches a metrics sink.
func (p *Processor) WithMetrics(m MetricsPort) {
	p.metrics = m
}

// GetMeeting returns the stored meeting with its processing outcome.
func (p *Processor) GetMeeting(ctx context.Context, id int64) (Meeting, error) {
	return p.repo.GetMeeting(ctx, id)
}

// Process runs the pipeline for one meeting. A failed pipeline is reported in the
// Result, not as an error; errors are returned only when nothing was recorded.
func (p *Processor) Process(ctx context.Context, meetingID, actorID int64) (Result, error) {
	if actorID <= 0 {
		return Result{}, shared.ErrActorRequired
	}
	started := p.now()
	meeting, err := p.repo.GetMeeting(ctx, meetingID)
	if err != nil {
		return Result{}, err
	}
	if !meeting.Status.CanTransition(StatusProcessing) {
		return Result{}, transitionError(meeting.Status, StatusProcessing)
	}
	if p.lock != nil {
		release, err := p.lock.Acquire(ctx, meeting.GroupID)
		if err != nil {
			if errors.Is(err, shared.ErrLockHeld) {
				return Result{}, fmt.Errorf("%w: group %d", ErrGroupBusy, meeting.GroupID)
			}
			return Result{}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("release group lock", slog.Int64("group_id", meeting.GroupID), slog.Any("error", err))
			}
		}()
	}

	var result Result
	err = p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetMeetingForUpdate(ctx, meetingID)
		if err != nil {
			return err
		}
		if !current.Status.CanTransition(StatusProcessing) {
			return transitionError(current.Status, StatusProcessing)
		}
		result = p.pipeline.Process(ctx, tx, current, actorID)
		if !result.Success {
			return errPipelineFailed
		}
		return tx.UpdateMeetingStatus(ctx, StatusUpdate{
			MeetingID:   meetingID,
			Status:      StatusCompleted,
			Warnings:    result.Warnings,
			ProcessedAt: p.now(),
			ProcessedBy: actorID,
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrMeetingNotFound), errors.Is(err, ErrInvalidTransition):
		return Result{}, err
	default:
		if !errors.Is(err, errPipelineFailed) {
			result.Success = false
			result.Errors = append(result.Errors, Issue{Type: IssueDatabase, Message: err.Error()})
		}
		if markErr := p.markFailed(ctx, meetingID, actorID, result); markErr != nil {
			return result, errors.Join(err, markErr)
		}
	}
	p.observe(ctx, meeting, actorID, result, p.now().Sub(started))
	return result, nil
}

// markFailed records errors and warnings in a fresh transaction after the
// processing transaction was rolled back.
func (p *Processor) markFailed(ctx context.Context, meetingID, actorID int64, result Result) error {
	return p.repo.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetMeetingForUpdate(ctx, meetingID)
		if err != nil {
			return err
		}
		if !current.Status.CanTransition(StatusProcessing) {
			return transitionError(current.Status, StatusFailed)
		}
		return tx.UpdateMeetingStatus(ctx, StatusUpdate{
			MeetingID:   meetingID,
			Status:      StatusFailed,
			Errors:      result.Errors,
			Warnings:    result.Warnings,
			ProcessedAt: p.now(),
			ProcessedBy: actorID,
		})
	})
}

// Reset moves a failed meeting back to pending so it can be edited and retried.
func (p *Processor) Reset(ctx context.Context, meetingID, actorID int64) error {
	if actorID <= 0 {
		return shared.ErrActorRequired
	}
	return p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetMeetingForUpdate(ctx, meetingID)
		if err != nil {
			return err
		}
		if !current.Status.CanTransition(StatusPending) {
			return transitionError(current.Status, StatusPending)
		}
		return tx.UpdateMeetingStatus(ctx, StatusUpdate{
			MeetingID:   meetingID,
			Status:      StatusPending,
			Errors:      current.Errors,
			Warnings:    current.Warnings,
			ProcessedAt: p.now(),
			ProcessedBy: actorID,
		})
	})
}

func (p *Processor) observe(ctx context.Context, m Meeting, actorID int64, result Result, took time.Duration) {
	outcome := OutcomeCompleted
	if !result.Success {
		outcome = OutcomeFailed
	}
	if p.metrics != nil {
		p.metrics.ObserveMeeting(outcome, len(result.Warnings), len(result.Errors), took)
	}
	p.logger.Info("meeting processed",
		slog.Int64("meeting_id", m.ID),
		slog.Int64("group_id", m.GroupID),
		slog.String("outcome", outcome),
		slog.Int("warnings", len(result.Warnings)),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("took", took))
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "meeting.process",
		Entity:   shared.AuditMeeting,
		EntityID: m.ID,
		Meta: map[string]any{
			"local_id": m.LocalID,
			"outcome":  outcome,
			"warnings": len(result.Warnings),
			"errors":   len(result.Errors),
		},
		At: p.now(),
	}); err != nil {
		p.logger.Warn("audit meeting processing", slog.Int64("meeting_id", m.ID), slog.Any("error", err))
	}
}
