package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vsla-platform/vsla-ledger/internal/platform/db"
)

// Repository persists ledger entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Store) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewStore(tx))
	})
}

// PGStore implements Store on any pgx querier, normally a pgx.Tx.
type PGStore struct {
	q db.Querier
}

// NewStore wraps a querier.
func NewStore(q db.Querier) *PGStore {
	return &PGStore{q: q}
}

func (s *PGStore) InsertAccountTransaction(ctx context.Context, line AccountTransaction) (AccountTransaction, error) {
	row := s.q.QueryRow(ctx, `INSERT INTO account_transactions
(amount, owner_type, user_id, group_id, meeting_id, cycle_id, account_type, source, contra_entry_id, is_contra_entry, transaction_date, description, created_by_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id, created_at`,
		line.Amount, line.OwnerType, line.UserID, line.GroupID, line.MeetingID, line.CycleID, line.AccountType,
		line.Source, line.ContraEntryID, line.IsContraEntry, line.TransactionDate, line.Description, line.CreatedByID)
	if err := row.Scan(&line.ID, &line.CreatedAt); err != nil {
		return AccountTransaction{}, err
	}
	return line, nil
}

func (s *PGStore) SetContraEntry(ctx context.Context, id, contraID int64) error {
	cmd, err := s.q.Exec(ctx, `UPDATE account_transactions SET contra_entry_id=$2 WHERE id=$1 AND contra_entry_id IS NULL`, id, contraID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("ledger: entry %d already linked", id)
	}
	return nil
}

func (s *PGStore) InsertLoan(ctx context.Context, loan Loan) (Loan, error) {
	row := s.q.QueryRow(ctx, `INSERT INTO vsla_loans
(cycle_id, group_id, meeting_id, borrower_id, loan_amount, interest_rate, duration_months, total_amount_due, amount_paid, balance, status, purpose, disbursement_date, due_date, created_by_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id, created_at, updated_at`,
		loan.CycleID, loan.GroupID, loan.MeetingID, loan.BorrowerID, loan.LoanAmount, loan.InterestRate, loan.DurationMonths,
		loan.TotalAmountDue, loan.AmountPaid, loan.Balance, loan.Status, loan.Purpose, loan.DisbursementDate, loan.DueDate, loan.CreatedByID)
	if err := row.Scan(&loan.ID, &loan.CreatedAt, &loan.UpdatedAt); err != nil {
		return Loan{}, err
	}
	return loan, nil
}

const loanColumns = `id, cycle_id, group_id, meeting_id, borrower_id, loan_amount, interest_rate, duration_months, total_amount_due,
amount_paid, balance, status, purpose, disbursement_date, due_date, created_by_id, voided_at, created_at, updated_at`

func scanLoan(row pgx.Row) (Loan, error) {
	var l Loan
	err := row.Scan(&l.ID, &l.CycleID, &l.GroupID, &l.MeetingID, &l.BorrowerID, &l.LoanAmount, &l.InterestRate, &l.DurationMonths,
		&l.TotalAmountDue, &l.AmountPaid, &l.Balance, &l.Status, &l.Purpose, &l.DisbursementDate, &l.DueDate, &l.CreatedByID,
		&l.VoidedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Loan{}, ErrLoanNotFound
		}
		return Loan{}, err
	}
	return l, nil
}

func (s *PGStore) GetLoan(ctx context.Context, id int64) (Loan, error) {
	return scanLoan(s.q.QueryRow(ctx, `SELECT `+loanColumns+` FROM vsla_loans WHERE id=$1 AND voided_at IS NULL`, id))
}

func (s *PGStore) GetLoanForUpdate(ctx context.Context, id int64) (Loan, error) {
	return scanLoan(s.q.QueryRow(ctx, `SELECT `+loanColumns+` FROM vsla_loans WHERE id=$1 AND voided_at IS NULL FOR UPDATE`, id))
}

func (s *PGStore) UpdateLoanBalance(ctx context.Context, loan Loan) error {
	cmd, err := s.q.Exec(ctx, `UPDATE vsla_loans SET total_amount_due=$2, amount_paid=$3, balance=$4, status=$5, updated_at=NOW()
WHERE id=$1 AND voided_at IS NULL`, loan.ID, loan.TotalAmountDue, loan.AmountPaid, loan.Balance, loan.Status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLoanNotFound
	}
	return nil
}

func (s *PGStore) FindLoanByMeetingBorrower(ctx context.Context, meetingID, borrowerID int64) (Loan, bool, error) {
	loan, err := scanLoan(s.q.QueryRow(ctx, `SELECT `+loanColumns+` FROM vsla_loans
WHERE meeting_id=$1 AND borrower_id=$2 AND voided_at IS NULL ORDER BY id LIMIT 1`, meetingID, borrowerID))
	if err != nil {
		if errors.Is(err, ErrLoanNotFound) {
			return Loan{}, false, nil
		}
		return Loan{}, false, err
	}
	return loan, true, nil
}

// ListCycleLoans returns the live loans of a cycle ordered by id.
func (s *PGStore) ListCycleLoans(ctx context.Context, cycleID int64) ([]Loan, error) {
	rows, err := s.q.Query(ctx, `SELECT `+loanColumns+` FROM vsla_loans WHERE cycle_id=$1 AND voided_at IS NULL ORDER BY id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var loans []Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

func (s *PGStore) InsertLoanTransaction(ctx context.Context, line LoanTransaction) (LoanTransaction, error) {
	row := s.q.QueryRow(ctx, `INSERT INTO loan_transactions (loan_id, meeting_id, amount, type, description, transaction_date, created_by_id)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at`,
		line.LoanID, line.MeetingID, line.Amount, line.Type, line.Description, line.TransactionDate, line.CreatedByID)
	if err := row.Scan(&line.ID, &line.CreatedAt); err != nil {
		return LoanTransaction{}, err
	}
	return line, nil
}

func (s *PGStore) SumLoanTransactions(ctx context.Context, loanID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM loan_transactions WHERE loan_id=$1 AND voided_at IS NULL`, loanID).Scan(&sum)
	return sum, err
}

// IntegrityReport summarises ledger invariant violations.
type IntegrityReport struct {
	UnpairedEntries  int64
	MismatchedPairs  int64
	LoanBalanceDrift int64
	LoanStatusDrift  int64
}

// Healthy reports whether no violation was found.
func (r IntegrityReport) Healthy() bool {
	return r.UnpairedEntries == 0 && r.MismatchedPairs == 0 && r.LoanBalanceDrift == 0 && r.LoanStatusDrift == 0
}

// ScanIntegrity checks contra pairing and the loan balance invariants across the ledger.
func (r *Repository) ScanIntegrity(ctx context.Context) (IntegrityReport, error) {
	if r == nil || r.pool == nil {
		return IntegrityReport{}, errors.New("ledger repository not initialised")
	}
	var report IntegrityReport
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM account_transactions t
LEFT JOIN account_transactions c ON c.id = t.contra_entry_id
WHERE t.voided_at IS NULL AND (c.id IS NULL OR c.contra_entry_id IS DISTINCT FROM t.id)`).Scan(&report.UnpairedEntries)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("ledger: scan pairs: %w", err)
	}
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM account_transactions t
JOIN account_transactions c ON c.id = t.contra_entry_id
WHERE t.voided_at IS NULL AND t.is_contra_entry = FALSE
  AND (ABS(t.amount) <> ABS(c.amount) OR t.owner_type = c.owner_type OR c.is_contra_entry = FALSE)`).Scan(&report.MismatchedPairs)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("ledger: scan mismatched pairs: %w", err)
	}
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vsla_loans l
LEFT JOIN (SELECT loan_id, SUM(amount) AS total FROM loan_transactions WHERE voided_at IS NULL GROUP BY loan_id) s ON s.loan_id = l.id
WHERE l.voided_at IS NULL AND ABS(l.balance + COALESCE(s.total, 0)) >= 0.01`).Scan(&report.LoanBalanceDrift)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("ledger: scan loan balances: %w", err)
	}
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vsla_loans
WHERE voided_at IS NULL AND ((status = 'paid') <> (balance <= 0.01))`).Scan(&report.LoanStatusDrift)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("ledger: scan loan status: %w", err)
	}
	return report, nil
}
