package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/hibiken/asynq"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/jobs"
)

// Exit codes shared by every command.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitViolations = 2
)

// Queue submits background work.
type Queue interface {
	EnqueueMeeting(ctx context.Context, meetingID, actorID int64) (string, error)
	EnqueueIntegrityScan(ctx context.Context) (string, error)
}

// OpsCLI bundles operator commands for meeting processing and ledger health.
type OpsCLI struct {
	queue     Queue
	inspector jobs.QueueInspector
	scanner   jobs.IntegrityScanner
}

// NewOpsCLI constructs the helper. Any dependency may be nil; commands needing
// a missing one fail with ExitFailure.
func NewOpsCLI(queue Queue, inspector jobs.QueueInspector, scanner jobs.IntegrityScanner) *OpsCLI {
	return &OpsCLI{queue: queue, inspector: inspector, scanner: scanner}
}

// Output configures where a command writes.
type Output struct {
	JSON   bool
	Stdout io.Writer
	Stderr io.Writer
}

func (o Output) normalized() Output {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

func (o Output) fail(err error) int {
	fmt.Fprintf(o.Stderr, "error: %v\n", err)
	return ExitFailure
}

func (o Output) writeJSON(v any) int {
	enc := json.NewEncoder(o.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return o.fail(err)
	}
	return ExitOK
}

// EnqueueOptions configures the enqueue command.
type EnqueueOptions struct {
	Output
	MeetingIDs []int64
	ActorID    int64
}

// EnqueueResult reports one meeting.
type EnqueueResult struct {
	MeetingID     int64  `json:"meeting_id"`
	TaskID        string `json:"task_id,omitempty"`
	AlreadyQueued bool   `json:"already_queued"`
	Error         string `json:"error,omitempty"`
}

// EnqueueCommand queues processing for each meeting. It exits non-zero when any
// meeting could not be queued.
func (c *OpsCLI) EnqueueCommand(ctx context.Context, opts EnqueueOptions) int {
	out := opts.Output.normalized()
	if c == nil || c.queue == nil {
		return out.fail(errors.New("queue not configured"))
	}
	if len(opts.MeetingIDs) == 0 {
		return out.fail(errors.New("at least one meeting id required"))
	}
	if opts.ActorID <= 0 {
		return out.fail(errors.New("actor id required"))
	}
	results := make([]EnqueueResult, 0, len(opts.MeetingIDs))
	code := ExitOK
	for _, id := range opts.MeetingIDs {
		taskID, err := c.queue.EnqueueMeeting(ctx, id, opts.ActorID)
		res := EnqueueResult{MeetingID: id, TaskID: taskID}
		switch {
		case err == nil:
		case errors.Is(err, jobs.ErrAlreadyQueued):
			res.AlreadyQueued = true
		default:
			res.Error = err.Error()
			code = ExitFailure
		}
		results = append(results, res)
	}
	if out.JSON {
		if rc := out.writeJSON(results); rc != ExitOK {
			return rc
		}
		return code
	}
	tw := tabwriter.NewWriter(out.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MEETING\tTASK\tSTATUS")
	for _, res := range results {
		status := "queued"
		if res.AlreadyQueued {
			status = "already queued"
		}
		if res.Error != "" {
			status = "error: " + res.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", res.MeetingID, res.TaskID, status)
	}
	if err := tw.Flush(); err != nil {
		return out.fail(err)
	}
	return code
}

// IntegrityOptions configures the integrity command.
type IntegrityOptions struct {
	Output
	// Inline runs the scan in-process instead of queueing it for the worker.
	Inline bool
}

// IntegrityCommand either queues a scan or runs it and reports the findings.
// Inline scans exit with ExitViolations when the ledger is inconsistent.
func (c *OpsCLI) IntegrityCommand(ctx context.Context, opts IntegrityOptions) int {
	out := opts.Output.normalized()
	if c == nil {
		return out.fail(errors.New("cli not configured"))
	}
	if !opts.Inline {
		if c.queue == nil {
			return out.fail(errors.New("queue not configured"))
		}
		taskID, err := c.queue.EnqueueIntegrityScan(ctx)
		if err != nil {
			return out.fail(err)
		}
		if out.JSON {
			return out.writeJSON(map[string]string{"task_id": taskID})
		}
		fmt.Fprintf(out.Stdout, "integrity scan queued as %s\n", taskID)
		return ExitOK
	}
	if c.scanner == nil {
		return out.fail(errors.New("scanner not configured"))
	}
	report, err := c.scanner.ScanIntegrity(ctx)
	if err != nil {
		return out.fail(err)
	}
	code := ExitOK
	if !report.Healthy() {
		code = ExitViolations
	}
	if out.JSON {
		if rc := out.writeJSON(integrityView(report)); rc != ExitOK {
			return rc
		}
		return code
	}
	tw := tabwriter.NewWriter(out.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "unpaired entries\t%d\n", report.UnpairedEntries)
	fmt.Fprintf(tw, "mismatched pairs\t%d\n", report.MismatchedPairs)
	fmt.Fprintf(tw, "loan balance drift\t%d\n", report.LoanBalanceDrift)
	fmt.Fprintf(tw, "loan status drift\t%d\n", report.LoanStatusDrift)
	if err := tw.Flush(); err != nil {
		return out.fail(err)
	}
	return code
}

func integrityView(r ledger.IntegrityReport) map[string]any {
	return map[string]any{
		"healthy":            r.Healthy(),
		"unpaired_entries":   r.UnpairedEntries,
		"mismatched_pairs":   r.MismatchedPairs,
		"loan_balance_drift": r.LoanBalanceDrift,
		"loan_status_drift":  r.LoanStatusDrift,
	}
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// QueuesCommand prints the state of the worker queues.
func (c *OpsCLI) QueuesCommand(ctx context.Context, opts Output) int {
	out := opts.normalized()
	if c == nil || c.inspector == nil {
		return out.fail(errors.New("inspector not configured"))
	}
	stats := make([]QueueStats, 0, 2)
	for _, name := range []string{jobs.QueueMeetings, jobs.QueueDefault} {
		info, err := c.inspector.GetQueueInfo(name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			stats = append(stats, QueueStats{Queue: name})
			continue
		}
		if err != nil {
			return out.fail(fmt.Errorf("inspect %s: %w", name, err))
		}
		stats = append(stats, QueueStats{
			Queue:     name,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
		})
	}
	if out.JSON {
		return out.writeJSON(stats)
	}
	tw := tabwriter.NewWriter(out.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	if err := tw.Flush(); err != nil {
		return out.fail(err)
	}
	return ExitOK
}
