package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/vsla-platform/vsla-ledger/internal/jobs"
	"github.com/vsla-platform/vsla-ledger/internal/meetings"
)

// MeetingProcessor is the processing entry point used by the job.
type MeetingProcessor interface {
	Process(ctx context.Context, meetingID, actorID int64) (meetings.Result, error)
}

// MeetingProcessJob handles TaskMeetingProcess.
type MeetingProcessJob struct {
	processor MeetingProcessor
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewMeetingProcessJob constructs the handler.
func NewMeetingProcessJob(processor MeetingProcessor, logger *slog.Logger, metrics *jobmetrics.Metrics) *MeetingProcessJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeetingProcessJob{processor: processor, logger: logger, metrics: metrics}
}

// Handle processes one meeting. A pipeline failure is recorded on the meeting
// and is not retried; only a busy group or an infrastructure error is.
func (j *MeetingProcessJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.processor == nil {
		return errors.New("meeting process: handler not configured")
	}
	var payload MeetingProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("meeting process: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskMeetingProcess)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger.With(slog.Int64("meeting_id", payload.MeetingID), slog.Int64("actor_id", payload.ActorID))
	result, err := j.processor.Process(ctx, payload.MeetingID, payload.ActorID)
	switch {
	case err == nil:
	case errors.Is(err, meetings.ErrGroupBusy):
		logger.Info("group busy, retrying later")
		return err
	case errors.Is(err, meetings.ErrMeetingNotFound), errors.Is(err, meetings.ErrInvalidTransition):
		logger.Warn("meeting not processable", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		logger.Error("meeting processing failed", slog.Any("error", err))
		return err
	}
	if !result.Success {
		logger.Warn("meeting marked failed", slog.Int("errors", len(result.Errors)), slog.Int("warnings", len(result.Warnings)))
		return nil
	}
	logger.Info("meeting processed", slog.Int("warnings", len(result.Warnings)))
	return nil
}
