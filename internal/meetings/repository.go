package meetings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/platform/db"
)

// Repository persists meetings and the rows produced while processing them.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	*ledger.PGStore
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("meetings repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{PGStore: ledger.NewStore(tx), tx: tx})
	})
}

const meetingColumns = `id, local_id, cycle_id, group_id, meeting_date, meeting_number,
attendance_data, transactions_data, loan_repayments_data, social_fund_contributions_data, loans_data,
share_purchases_data, previous_action_plans_data, upcoming_action_plans_data,
total_savings_collected, total_loans_disbursed, total_social_fund, total_fines_collected,
processing_status, has_errors, has_warnings, errors, warnings, processed_at, processed_by_id,
created_by_id, created_at, updated_at`

func scanMeeting(row pgx.Row) (Meeting, error) {
	var (
		m             Meeting
		errorsRaw     []byte
		warningsRaw   []byte
		attendance    []byte
		transactions  []byte
		repayments    []byte
		socialFund    []byte
		loans         []byte
		shares        []byte
		previousPlans []byte
		upcomingPlans []byte
	)
	err := row.Scan(&m.ID, &m.LocalID, &m.CycleID, &m.GroupID, &m.MeetingDate, &m.MeetingNumber,
		&attendance, &transactions, &repayments, &socialFund, &loans,
		&shares, &previousPlans, &upcomingPlans,
		&m.TotalSavingsCollected, &m.TotalLoansDisbursed, &m.TotalSocialFund, &m.TotalFinesCollected,
		&m.Status, &m.HasErrors, &m.HasWarnings, &errorsRaw, &warningsRaw, &m.ProcessedAt, &m.ProcessedByID,
		&m.CreatedByID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Meeting{}, ErrMeetingNotFound
		}
		return Meeting{}, err
	}
	m.AttendanceData = attendance
	m.TransactionsData = transactions
	m.LoanRepaymentsData = repayments
	m.SocialFundContributionsData = socialFund
	m.LoansData = loans
	m.SharePurchasesData = shares
	m.PreviousActionPlansData = previousPlans
	m.UpcomingActionPlansData = upcomingPlans
	if err := decodeIssues(errorsRaw, &m.Errors); err != nil {
		return Meeting{}, fmt.Errorf("meetings: decode errors: %w", err)
	}
	if err := decodeIssues(warningsRaw, &m.Warnings); err != nil {
		return Meeting{}, fmt.Errorf("meetings: decode warnings: %w", err)
	}
	return m, nil
}

func decodeIssues(raw []byte, dest *[]Issue) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func encodeIssues(issues []Issue) ([]byte, error) {
	if issues == nil {
		issues = []Issue{}
	}
	return json.Marshal(issues)
}

// GetMeeting loads a meeting without locking it.
func (r *Repository) GetMeeting(ctx context.Context, id int64) (Meeting, error) {
	return scanMeeting(r.pool.QueryRow(ctx, `SELECT `+meetingColumns+` FROM vsla_meetings WHERE id=$1`, id))
}

// ListPending returns ids of meetings waiting to be processed, oldest first.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM vsla_meetings WHERE processing_status=$1 ORDER BY created_at, id LIMIT $2`, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepository) GetMeetingForUpdate(ctx context.Context, id int64) (Meeting, error) {
	return scanMeeting(r.tx.QueryRow(ctx, `SELECT `+meetingColumns+` FROM vsla_meetings WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateMeetingStatus(ctx context.Context, update StatusUpdate) error {
	errs, err := encodeIssues(update.Errors)
	if err != nil {
		return err
	}
	warnings, err := encodeIssues(update.Warnings)
	if err != nil {
		return err
	}
	cmd, err := r.tx.Exec(ctx, `UPDATE vsla_meetings SET processing_status=$2, has_errors=$3, has_warnings=$4, errors=$5, warnings=$6,
processed_at=$7, processed_by_id=$8, updated_at=NOW() WHERE id=$1`,
		update.MeetingID, update.Status, len(update.Errors) > 0, len(update.Warnings) > 0, errs, warnings,
		update.ProcessedAt, update.ProcessedBy)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

func (r *txRepository) HasCompletedLocalID(ctx context.Context, localID string, excludeMeetingID int64) (bool, error) {
	if localID == "" {
		return false, nil
	}
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM vsla_meetings WHERE local_id=$1 AND processing_status=$2 AND id<>$3)`,
		localID, StatusCompleted, excludeMeetingID).Scan(&exists)
	return exists, err
}

func (r *txRepository) UpsertAttendance(ctx context.Context, a Attendance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO vsla_meeting_attendance (meeting_id, member_id, is_present, absent_reason)
VALUES ($1,$2,$3,$4)
ON CONFLICT ON CONSTRAINT uq_meeting_attendance DO UPDATE SET is_present=EXCLUDED.is_present, absent_reason=EXCLUDED.absent_reason, updated_at=NOW()`,
		a.MeetingID, a.MemberID, a.IsPresent, a.AbsentReason)
	return err
}

func (r *txRepository) InsertProjectShare(ctx context.Context, share ProjectShare) (ProjectShare, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO project_shares (cycle_id, investor_id, meeting_id, number_of_shares, share_value, total_amount_paid, created_by_id)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at`,
		share.CycleID, share.InvestorID, share.MeetingID, share.NumberOfShares, share.ShareValue, share.TotalAmountPaid, share.CreatedByID).
		Scan(&share.ID, &share.CreatedAt)
	if err != nil {
		return ProjectShare{}, err
	}
	return share, nil
}

func (r *txRepository) InsertSocialFundTransaction(ctx context.Context, txn SocialFundTransaction) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO social_fund_transactions (group_id, cycle_id, meeting_id, member_id, amount, transaction_type, description, transaction_date, created_by_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		txn.GroupID, txn.CycleID, txn.MeetingID, txn.MemberID, txn.Amount, txn.TransactionType, txn.Description, txn.TransactionDate, txn.CreatedByID)
	return err
}

// ActionPlansAvailable reports whether the action plan table is provisioned.
func (r *txRepository) ActionPlansAvailable(ctx context.Context) (bool, error) {
	var ok bool
	err := r.tx.QueryRow(ctx, `SELECT to_regclass('vsla_action_plans') IS NOT NULL`).Scan(&ok)
	return ok, err
}

const planColumns = `id, local_id, meeting_id, cycle_id, action, description, assigned_to_member_id, priority, due_date,
status, completion_notes, completed_at, created_by_id`

func (r *txRepository) FindActionPlanByLocalID(ctx context.Context, localID string) (ActionPlan, bool, error) {
	var (
		p         ActionPlan
		meetingID *int64
	)
	err := r.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM vsla_action_plans WHERE local_id=$1 FOR UPDATE`, localID).
		Scan(&p.ID, &p.LocalID, &meetingID, &p.CycleID, &p.Action, &p.Description, &p.AssignedToMemberID, &p.Priority,
			&p.DueDate, &p.Status, &p.CompletionNotes, &p.CompletedAt, &p.CreatedByID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ActionPlan{}, false, nil
		}
		return ActionPlan{}, false, err
	}
	if meetingID != nil {
		p.MeetingID = *meetingID
	}
	return p, true, nil
}

func (r *txRepository) UpdateActionPlan(ctx context.Context, plan ActionPlan) error {
	_, err := r.tx.Exec(ctx, `UPDATE vsla_action_plans SET status=$2, completion_notes=$3, completed_at=$4, updated_at=NOW() WHERE id=$1`,
		plan.ID, plan.Status, plan.CompletionNotes, plan.CompletedAt)
	return err
}

// InsertActionPlan runs inside a savepoint so a rejected plan does not abort
// the surrounding transaction.
func (r *txRepository) InsertActionPlan(ctx context.Context, plan ActionPlan) (ActionPlan, error) {
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return ActionPlan{}, err
	}
	err = sp.QueryRow(ctx, `INSERT INTO vsla_action_plans (local_id, meeting_id, cycle_id, action, description, assigned_to_member_id, priority, due_date, status, created_by_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		plan.LocalID, plan.MeetingID, plan.CycleID, plan.Action, plan.Description, plan.AssignedToMemberID, plan.Priority,
		plan.DueDate, plan.Status, plan.CreatedByID).Scan(&plan.ID)
	if err != nil {
		_ = sp.Rollback(ctx)
		if db.IsUniqueViolation(err, "uq_action_plans_local") {
			return ActionPlan{}, fmt.Errorf("meetings: action plan %q already exists", plan.LocalID)
		}
		return ActionPlan{}, err
	}
	if err := sp.Commit(ctx); err != nil {
		return ActionPlan{}, err
	}
	return plan, nil
}
