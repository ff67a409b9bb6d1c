package shareout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vsla-platform/vsla-ledger/internal/directory"
	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/platform/db"
)

// Repository persists shareouts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	*directory.Repository
	tx     pgx.Tx
	ledger *ledger.PGStore
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("shareout repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{Repository: directory.NewRepository(tx), tx: tx, ledger: ledger.NewStore(tx)})
	})
}

const shareoutColumns = `id, cycle_id, group_id, status, total_savings, total_share_value, total_loan_interest_earned,
total_fines_collected, total_distributable_fund, total_outstanding_loans, total_actual_payout, total_members, total_shares,
share_unit_value, final_share_value, calculated_at, approved_at, approved_by_id, completed_at, completed_by_id,
created_by_id, created_at, updated_at`

func scanShareout(row pgx.Row) (Shareout, error) {
	var s Shareout
	err := row.Scan(&s.ID, &s.CycleID, &s.GroupID, &s.Status, &s.TotalSavings, &s.TotalShareValue, &s.TotalLoanInterestEarned,
		&s.TotalFinesCollected, &s.TotalDistributableFund, &s.TotalOutstandingLoans, &s.TotalActualPayout, &s.TotalMembers, &s.TotalShares,
		&s.ShareUnitValue, &s.FinalShareValue, &s.CalculatedAt, &s.ApprovedAt, &s.ApprovedByID, &s.CompletedAt, &s.CompletedByID,
		&s.CreatedByID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shareout{}, ErrShareoutNotFound
		}
		return Shareout{}, err
	}
	return s, nil
}

const distributionColumns = `id, shareout_id, member_id, total_savings, total_shares, share_amount_paid, total_fines_paid,
total_welfare, share_percentage, proportional_distribution, loan_interest_share, fine_share, total_entitled,
outstanding_loan_principal, outstanding_loan_interest, total_deductions, final_payout, payment_status, paid_at, payment_notes`

func scanDistribution(row pgx.Row) (Distribution, error) {
	var d Distribution
	err := row.Scan(&d.ID, &d.ShareoutID, &d.MemberID, &d.TotalSavings, &d.TotalShares, &d.ShareAmountPaid, &d.TotalFinesPaid,
		&d.TotalWelfare, &d.SharePercentage, &d.ProportionalDistribution, &d.LoanInterestShare, &d.FineShare, &d.TotalEntitled,
		&d.OutstandingLoanPrincipal, &d.OutstandingLoanInterest, &d.TotalDeductions, &d.FinalPayout, &d.PaymentStatus, &d.PaidAt,
		&d.PaymentNotes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Distribution{}, ErrDistributionNotFound
		}
		return Distribution{}, err
	}
	return d, nil
}

func listDistributions(ctx context.Context, q db.Querier, shareoutID int64) ([]Distribution, error) {
	rows, err := q.Query(ctx, `SELECT `+distributionColumns+` FROM vsla_shareout_distributions WHERE shareout_id=$1 ORDER BY member_id`, shareoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetShareout loads a shareout with its distributions.
func (r *Repository) GetShareout(ctx context.Context, id int64) (Shareout, error) {
	s, err := scanShareout(r.pool.QueryRow(ctx, `SELECT `+shareoutColumns+` FROM vsla_shareouts WHERE id=$1`, id))
	if err != nil {
		return Shareout{}, err
	}
	s.Distributions, err = listDistributions(ctx, r.pool, s.ID)
	return s, err
}

// FindCycleShareout loads the most recent non-cancelled shareout of a cycle.
func (r *Repository) FindCycleShareout(ctx context.Context, cycleID int64) (Shareout, error) {
	s, err := scanShareout(r.pool.QueryRow(ctx, `SELECT `+shareoutColumns+` FROM vsla_shareouts
WHERE cycle_id=$1 AND status<>$2 ORDER BY id DESC LIMIT 1`, cycleID, StatusCancelled))
	if err != nil {
		return Shareout{}, err
	}
	s.Distributions, err = listDistributions(ctx, r.pool, s.ID)
	return s, err
}

func (r *txRepository) SetStatementTimeout(ctx context.Context, d time.Duration) error {
	return db.SetStatementTimeout(ctx, r.tx, d)
}

func (r *txRepository) FindOpenShareoutForUpdate(ctx context.Context, cycleID int64) (Shareout, bool, error) {
	s, err := scanShareout(r.tx.QueryRow(ctx, `SELECT `+shareoutColumns+` FROM vsla_shareouts
WHERE cycle_id=$1 AND status<>$2 ORDER BY id DESC LIMIT 1 FOR UPDATE`, cycleID, StatusCancelled))
	if err != nil {
		if errors.Is(err, ErrShareoutNotFound) {
			return Shareout{}, false, nil
		}
		return Shareout{}, false, err
	}
	return s, true, nil
}

func (r *txRepository) GetShareoutForUpdate(ctx context.Context, id int64) (Shareout, error) {
	return scanShareout(r.tx.QueryRow(ctx, `SELECT `+shareoutColumns+` FROM vsla_shareouts WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) InsertShareout(ctx context.Context, s Shareout) (Shareout, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO vsla_shareouts (cycle_id, group_id, status, created_by_id)
VALUES ($1,$2,$3,$4) RETURNING id, created_at, updated_at`, s.CycleID, s.GroupID, s.Status, s.CreatedByID).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_vsla_shareouts_open_cycle") {
			return Shareout{}, fmt.Errorf("%w: cycle %d", ErrShareoutExists, s.CycleID)
		}
		return Shareout{}, err
	}
	return s, nil
}

func (r *txRepository) UpdateShareout(ctx context.Context, s Shareout) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE vsla_shareouts SET status=$2, total_savings=$3, total_share_value=$4,
total_loan_interest_earned=$5, total_fines_collected=$6, total_distributable_fund=$7, total_outstanding_loans=$8,
total_actual_payout=$9, total_members=$10, total_shares=$11, share_unit_value=$12, final_share_value=$13,
calculated_at=$14, approved_at=$15, approved_by_id=$16, completed_at=$17, completed_by_id=$18, updated_at=NOW()
WHERE id=$1`,
		s.ID, s.Status, s.TotalSavings, s.TotalShareValue,
		s.TotalLoanInterestEarned, s.TotalFinesCollected, s.TotalDistributableFund, s.TotalOutstandingLoans,
		s.TotalActualPayout, s.TotalMembers, s.TotalShares, s.ShareUnitValue, s.FinalShareValue,
		s.CalculatedAt, s.ApprovedAt, s.ApprovedByID, s.CompletedAt, s.CompletedByID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrShareoutNotFound
	}
	return nil
}

// ReplaceDistributions deletes every distribution of the shareout and inserts
// dists in their place.
func (r *txRepository) ReplaceDistributions(ctx context.Context, shareoutID int64, dists []Distribution) ([]Distribution, error) {
	if _, err := r.tx.Exec(ctx, `DELETE FROM vsla_shareout_distributions WHERE shareout_id=$1`, shareoutID); err != nil {
		return nil, err
	}
	out := make([]Distribution, 0, len(dists))
	for _, d := range dists {
		d.ShareoutID = shareoutID
		err := r.tx.QueryRow(ctx, `INSERT INTO vsla_shareout_distributions (shareout_id, member_id, total_savings, total_shares,
share_amount_paid, total_fines_paid, total_welfare, share_percentage, proportional_distribution, loan_interest_share,
fine_share, total_entitled, outstanding_loan_principal, outstanding_loan_interest, total_deductions, final_payout, payment_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17) RETURNING id`,
			d.ShareoutID, d.MemberID, d.TotalSavings, d.TotalShares,
			d.ShareAmountPaid, d.TotalFinesPaid, d.TotalWelfare, d.SharePercentage, d.ProportionalDistribution, d.LoanInterestShare,
			d.FineShare, d.TotalEntitled, d.OutstandingLoanPrincipal, d.OutstandingLoanInterest, d.TotalDeductions, d.FinalPayout,
			d.PaymentStatus).Scan(&d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *txRepository) GetDistributionForUpdate(ctx context.Context, shareoutID, distributionID int64) (Distribution, error) {
	return scanDistribution(r.tx.QueryRow(ctx, `SELECT `+distributionColumns+` FROM vsla_shareout_distributions
WHERE id=$1 AND shareout_id=$2 FOR UPDATE`, distributionID, shareoutID))
}

func (r *txRepository) UpdateDistributionPayment(ctx context.Context, d Distribution) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE vsla_shareout_distributions SET payment_status=$2, paid_at=$3, payment_notes=$4, updated_at=NOW()
WHERE id=$1`, d.ID, d.PaymentStatus, d.PaidAt, d.PaymentNotes)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDistributionNotFound
	}
	return nil
}

func (r *txRepository) MarkDistributionsPaid(ctx context.Context, shareoutID int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE vsla_shareout_distributions SET payment_status=$2, paid_at=COALESCE(paid_at, $3), updated_at=NOW()
WHERE shareout_id=$1`, shareoutID, PaymentPaid, at)
	return err
}

func (r *txRepository) MemberLedgers(ctx context.Context, cycleID int64) ([]MemberLedger, error) {
	rows, err := r.tx.Query(ctx, `SELECT user_id,
	COALESCE(SUM(amount) FILTER (WHERE account_type=$2), 0),
	COALESCE(SUM(amount) FILTER (WHERE account_type=$3), 0),
	COALESCE(SUM(amount) FILTER (WHERE account_type=$4), 0)
FROM account_transactions
WHERE cycle_id=$1 AND owner_type=$5 AND user_id IS NOT NULL AND voided_at IS NULL
GROUP BY user_id ORDER BY user_id`,
		cycleID, ledger.AccountSavings, ledger.AccountFine, ledger.AccountWelfare, ledger.OwnerMember)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemberLedger
	for rows.Next() {
		var m MemberLedger
		if err := rows.Scan(&m.MemberID, &m.Savings, &m.Fines, &m.Welfare); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *txRepository) Holdings(ctx context.Context, cycleID int64) ([]Holding, error) {
	rows, err := r.tx.Query(ctx, `SELECT investor_id, SUM(number_of_shares), SUM(total_amount_paid)
FROM project_shares WHERE cycle_id=$1 AND voided_at IS NULL GROUP BY investor_id ORDER BY investor_id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Holding
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.MemberID, &h.Shares, &h.AmountPaid); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *txRepository) CycleLoans(ctx context.Context, cycleID int64) ([]ledger.Loan, error) {
	return r.ledger.ListCycleLoans(ctx, cycleID)
}
