package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault carries maintenance work.
	QueueDefault = "default"
	// QueueMeetings carries meeting processing so a backlog of syncs does not
	// starve the integrity scan.
	QueueMeetings = "meetings"

	// TaskMeetingProcess runs the processing pipeline for one meeting.
	TaskMeetingProcess = "meeting:process"
	// TaskMeetingSweep enqueues processing for meetings left pending.
	TaskMeetingSweep = "meeting:sweep"
	// TaskLedgerIntegrity scans contra pairing and loan balances.
	TaskLedgerIntegrity = "ledger:integrity"
)

// MeetingProcessPayload identifies the meeting and the actor processing it.
type MeetingProcessPayload struct {
	MeetingID int64 `json:"meeting_id"`
	ActorID   int64 `json:"actor_id"`
}

// MeetingSweepPayload bounds one sweep.
type MeetingSweepPayload struct {
	Limit   int   `json:"limit"`
	ActorID int64 `json:"actor_id"`
}

// MeetingTaskID is the asynq task id for a meeting. Reusing it keeps at most
// one processing task per meeting in the queue.
func MeetingTaskID(meetingID int64) string {
	return fmt.Sprintf("meeting:%d", meetingID)
}

// NewMeetingProcessTask builds a unique processing task.
func NewMeetingProcessTask(payload MeetingProcessPayload) (*asynq.Task, error) {
	if payload.MeetingID <= 0 {
		return nil, errors.New("jobs: meeting id required")
	}
	if payload.ActorID <= 0 {
		return nil, errors.New("jobs: actor id required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMeetingProcess, data,
		asynq.TaskID(MeetingTaskID(payload.MeetingID)),
		asynq.Queue(QueueMeetings),
		asynq.MaxRetry(5),
		asynq.Retention(24*time.Hour),
	), nil
}

// NewMeetingSweepTask builds the periodic sweep task.
func NewMeetingSweepTask(limit int, actorID int64) (*asynq.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	data, err := json.Marshal(MeetingSweepPayload{Limit: limit, ActorID: actorID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMeetingSweep, data, asynq.Queue(QueueDefault)), nil
}

// NewLedgerIntegrityTask builds the integrity scan task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil, asynq.Queue(QueueDefault), asynq.Timeout(10*time.Minute))
}
