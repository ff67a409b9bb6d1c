package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/vsla-platform/vsla-ledger/internal/jobs"
	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/meetings"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProcessor struct {
	result meetings.Result
	err    error
	calls  []MeetingProcessPayload
}

func (s *stubProcessor) Process(ctx context.Context, meetingID, actorID int64) (meetings.Result, error) {
	s.calls = append(s.calls, MeetingProcessPayload{MeetingID: meetingID, ActorID: actorID})
	return s.result, s.err
}

func meetingTask(t *testing.T, meetingID, actorID int64) *asynq.Task {
	t.Helper()
	task, err := NewMeetingProcessTask(MeetingProcessPayload{MeetingID: meetingID, ActorID: actorID})
	require.NoError(t, err)
	return task
}

func TestNewMeetingProcessTask(t *testing.T) {
	task := meetingTask(t, 42, 7)
	require.Equal(t, TaskMeetingProcess, task.Type())
	var payload MeetingProcessPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, MeetingProcessPayload{MeetingID: 42, ActorID: 7}, payload)
	require.Equal(t, "meeting:42", MeetingTaskID(42))

	_, err := NewMeetingProcessTask(MeetingProcessPayload{MeetingID: 42})
	require.Error(t, err)
}

func TestMeetingProcessJobOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		result    meetings.Result
		err       error
		wantErr   bool
		skipRetry bool
	}{
		{name: "completed", result: meetings.Result{Success: true}},
		{name: "pipeline failed", result: meetings.Result{Errors: []meetings.Issue{{Type: "database_error"}}}},
		{name: "busy", err: fmt.Errorf("%w: group 2", meetings.ErrGroupBusy), wantErr: true},
		{name: "missing", err: meetings.ErrMeetingNotFound, wantErr: true, skipRetry: true},
		{name: "completed already", err: meetings.ErrInvalidTransition, wantErr: true, skipRetry: true},
		{name: "infrastructure", err: errors.New("connection reset"), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proc := &stubProcessor{result: tc.result, err: tc.err}
			job := NewMeetingProcessJob(proc, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

			err := job.Handle(context.Background(), meetingTask(t, 5, 9))

			require.Equal(t, []MeetingProcessPayload{{MeetingID: 5, ActorID: 9}}, proc.calls)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestMeetingProcessJobRejectsBadPayload(t *testing.T) {
	job := NewMeetingProcessJob(&stubProcessor{}, quietLogger(), nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskMeetingProcess, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type stubScanner struct {
	report ledger.IntegrityReport
	err    error
}

func (s stubScanner) ScanIntegrity(context.Context) (ledger.IntegrityReport, error) {
	return s.report, s.err
}

func TestLedgerIntegrityJob(t *testing.T) {
	job := NewLedgerIntegrityJob(stubScanner{report: ledger.IntegrityReport{UnpairedEntries: 2}}, quietLogger(), nil)
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Healthy())
	require.NoError(t, job.Handle(context.Background(), NewLedgerIntegrityTask()))

	failing := NewLedgerIntegrityJob(stubScanner{err: errors.New("timeout")}, quietLogger(), nil)
	require.Error(t, failing.Handle(context.Background(), NewLedgerIntegrityTask()))
}

type stubPending struct {
	ids   []int64
	limit int
}

func (s *stubPending) ListPending(ctx context.Context, limit int) ([]int64, error) {
	s.limit = limit
	return s.ids, nil
}

type stubEnqueuer struct {
	queued map[int64]bool
	fail   int64
}

func (s *stubEnqueuer) EnqueueMeeting(ctx context.Context, meetingID, actorID int64) (string, error) {
	if meetingID == s.fail {
		return "", errors.New("redis down")
	}
	if s.queued[meetingID] {
		return MeetingTaskID(meetingID), ErrAlreadyQueued
	}
	s.queued[meetingID] = true
	return MeetingTaskID(meetingID), nil
}

func TestMeetingSweep(t *testing.T) {
	pending := &stubPending{ids: []int64{1, 2, 3}}
	enq := &stubEnqueuer{queued: map[int64]bool{2: true}}
	job := NewMeetingSweepJob(pending, enq, quietLogger(), nil)

	task, err := NewMeetingSweepTask(0, 1)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 100, pending.limit)
	require.True(t, enq.queued[1])
	require.True(t, enq.queued[3])

	enq.fail = 1
	enq.queued = map[int64]bool{}
	queued, err := job.Sweep(context.Background(), 10, 1)
	require.Error(t, err)
	require.Zero(t, queued)
}

type stubPruner struct {
	retention time.Duration
	err       error
}

func (s *stubPruner) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	s.retention = retention
	return 3, s.err
}

func TestMeetingSweepPrunesKeys(t *testing.T) {
	pruner := &stubPruner{}
	job := NewMeetingSweepJob(&stubPending{}, &stubEnqueuer{queued: map[int64]bool{}}, quietLogger(), nil).
		WithKeyPruner(pruner, 72*time.Hour)

	task, err := NewMeetingSweepTask(10, 1)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 72*time.Hour, pruner.retention)

	pruner.err = errors.New("db down")
	require.NoError(t, job.Handle(context.Background(), task))
}

type stubInspector map[string]*asynq.QueueInfo

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := s[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthEndpoint(t *testing.T) {
	inspector := stubInspector{QueueMeetings: {Queue: QueueMeetings, Pending: 4, Retry: 1}}
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, quietLogger()).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []queueHealth{
		{Queue: QueueMeetings, Pending: 4, Retry: 1},
		{Queue: QueueDefault},
	}, body.Queues)
}
