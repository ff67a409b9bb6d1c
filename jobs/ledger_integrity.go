package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/vsla-platform/vsla-ledger/internal/jobs"
	"github.com/vsla-platform/vsla-ledger/internal/ledger"
)

// IntegrityScanner runs the ledger invariant queries.
type IntegrityScanner interface {
	ScanIntegrity(ctx context.Context) (ledger.IntegrityReport, error)
}

// LedgerIntegrityJob reports contra pairing and loan balance violations.
type LedgerIntegrityJob struct {
	scanner IntegrityScanner
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob constructs the handler.
func NewLedgerIntegrityJob(scanner IntegrityScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerIntegrityJob{scanner: scanner, logger: logger, metrics: metrics, clock: time.Now}
}

// Handle is the asynq entry point.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) error {
	_, err := j.Run(ctx)
	return err
}

// Run scans once and publishes the findings. Violations are reported, not
// returned as errors, so the cron does not retry a scan that succeeded.
func (j *LedgerIntegrityJob) Run(ctx context.Context) (report ledger.IntegrityReport, err error) {
	if j == nil || j.scanner == nil {
		return ledger.IntegrityReport{}, errors.New("ledger integrity: scanner not configured")
	}
	start := j.clock()
	tracker := j.metrics.Track(TaskLedgerIntegrity)
	defer func() {
		err = tracker.End(err)
	}()

	report, err = j.scanner.ScanIntegrity(ctx)
	if err != nil {
		j.logger.Error("ledger integrity scan failed", slog.Any("error", err))
		return ledger.IntegrityReport{}, err
	}
	j.metrics.SetIntegrityFindings("unpaired_entries", int(report.UnpairedEntries))
	j.metrics.SetIntegrityFindings("mismatched_pairs", int(report.MismatchedPairs))
	j.metrics.SetIntegrityFindings("loan_balance_drift", int(report.LoanBalanceDrift))
	j.metrics.SetIntegrityFindings("loan_status_drift", int(report.LoanStatusDrift))

	attrs := []any{
		slog.Int64("unpaired_entries", report.UnpairedEntries),
		slog.Int64("mismatched_pairs", report.MismatchedPairs),
		slog.Int64("loan_balance_drift", report.LoanBalanceDrift),
		slog.Int64("loan_status_drift", report.LoanStatusDrift),
		slog.Duration("duration", j.clock().Sub(start)),
	}
	if report.Healthy() {
		j.logger.Info("ledger integrity ok", attrs...)
	} else {
		j.logger.Warn("ledger integrity violations found", attrs...)
	}
	return report, nil
}
