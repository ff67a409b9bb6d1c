package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vsla-platform/vsla-ledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, Store) error) error
}

// AuditPort records ledger events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts posted ledger events.
type MetricsPort interface {
	ObserveLoanEvent(kind string, amount decimal.Decimal)
}

// LoanService exposes single ad-hoc loan operations outside of meeting processing.
type LoanService struct {
	repo    RepositoryPort
	book    *LoanBook
	audit   AuditPort
	metrics MetricsPort
	now     func() time.Time
}

// NewLoanService constructs the service.
func NewLoanService(repo RepositoryPort, book *LoanBook, audit AuditPort) *LoanService {
	return &LoanService{repo: repo, book: book, audit: audit, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *LoanService) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
		s.book.WithNow(now)
	}
}

// WithMetrics attaches a metrics sink.
func (s *LoanService) WithMetrics(m MetricsPort) {
	s.metrics = m
}

// PaymentInput captures an ad-hoc loan payment.
type PaymentInput struct {
	LoanID      int64
	Amount      decimal.Decimal
	Description string
	Date        time.Time
	ActorID     int64
}

// Validate ensures the payment can be applied.
func (in PaymentInput) Validate() error {
	if in.LoanID == 0 {
		return errors.New("ledger: loan id required")
	}
	if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// RecordPayment applies a payment. Payments larger than the balance are rejected.
func (s *LoanService) RecordPayment(ctx context.Context, in PaymentInput) (Outcome, error) {
	if err := in.Validate(); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := s.repo.WithTx(ctx, func(ctx context.Context, store Store) error {
		var err error
		out, err = s.book.Repay(ctx, store, RepayInput{
			LoanID:      in.LoanID,
			Amount:      in.Amount,
			Strict:      true,
			Date:        in.Date,
			Description: in.Description,
			ActorID:     in.ActorID,
		})
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	s.record(ctx, in.ActorID, "loan.payment", out)
	return out, nil
}

// AdjustmentInput captures a penalty or waiver request.
type AdjustmentInput struct {
	LoanID  int64
	Amount  decimal.Decimal
	Reason  string
	Date    time.Time
	ActorID int64
}

// Validate ensures the adjustment can be applied.
func (in AdjustmentInput) Validate() error {
	if in.LoanID == 0 {
		return errors.New("ledger: loan id required")
	}
	if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// AddPenalty charges a penalty on the loan.
func (s *LoanService) AddPenalty(ctx context.Context, in AdjustmentInput) (Outcome, error) {
	return s.adjust(ctx, in, "loan.penalty", s.book.Penalize)
}

// ApplyWaiver forgives part of the loan balance.
func (s *LoanService) ApplyWaiver(ctx context.Context, in AdjustmentInput) (Outcome, error) {
	return s.adjust(ctx, in, "loan.waiver", s.book.Waive)
}

type adjustFn func(context.Context, Store, AdjustInput) (Outcome, error)

func (s *LoanService) adjust(ctx context.Context, in AdjustmentInput, action string, fn adjustFn) (Outcome, error) {
	if err := in.Validate(); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := s.repo.WithTx(ctx, func(ctx context.Context, store Store) error {
		var err error
		out, err = fn(ctx, store, AdjustInput{
			LoanID:  in.LoanID,
			Amount:  in.Amount,
			Reason:  in.Reason,
			Date:    in.Date,
			ActorID: in.ActorID,
		})
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	s.record(ctx, in.ActorID, action, out)
	return out, nil
}

// BalanceView compares the cached loan balance with its sub-ledger.
type BalanceView struct {
	Loan          Loan
	LedgerBalance decimal.Decimal
	InSync        bool
}

// Balance loads the loan and recomputes its balance from the sub-ledger.
func (s *LoanService) Balance(ctx context.Context, loanID int64) (BalanceView, error) {
	if loanID == 0 {
		return BalanceView{}, errors.New("ledger: loan id required")
	}
	var view BalanceView
	err := s.repo.WithTx(ctx, func(ctx context.Context, store Store) error {
		loan, err := store.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		sum, err := store.SumLoanTransactions(ctx, loanID)
		if err != nil {
			return err
		}
		view = BalanceView{
			Loan:          loan,
			LedgerBalance: sum.Neg(),
			InSync:        sum.Neg().Sub(loan.Balance).Abs().LessThan(BalanceEpsilon),
		}
		return nil
	})
	return view, err
}

func (s *LoanService) record(ctx context.Context, actorID int64, action string, out Outcome) {
	if s.metrics != nil {
		s.metrics.ObserveLoanEvent(action, out.Applied)
	}
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.AuditLoan,
		EntityID: out.Loan.ID,
		Meta: map[string]any{
			"requested": out.Requested.StringFixed(2),
			"applied":   out.Applied.StringFixed(2),
			"balance":   out.Loan.Balance.StringFixed(2),
			"status":    string(out.Loan.Status),
		},
		At: s.now(),
	})
}
