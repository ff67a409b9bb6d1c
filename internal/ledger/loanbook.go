package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// LoanBook applies loan mutations to the loan aggregate, its sub-ledger and the
// general ledger in one place. Both the meeting pipeline and the ad-hoc loan API
// go through it.
type LoanBook struct {
	format AmountFormatter
	now    func() time.Time
}

// NewLoanBook constructs a LoanBook.
func NewLoanBook(format AmountFormatter) *LoanBook {
	return &LoanBook{format: format, now: time.Now}
}

// WithNow overrides the clock for testing.
func (b *LoanBook) WithNow(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

func (b *LoanBook) dateOr(t time.Time) time.Time {
	if t.IsZero() {
		return b.now()
	}
	return t
}

// DisburseInput captures a new loan.
type DisburseInput struct {
	CycleID        int64
	GroupID        int64
	MeetingID      *int64
	BorrowerID     int64
	Amount         decimal.Decimal
	InterestRate   decimal.Decimal
	DurationMonths int
	Purpose        string
	Date           time.Time
	ActorID        int64
}

// Validate ensures the loan terms are usable.
func (in DisburseInput) Validate() error {
	if in.BorrowerID == 0 {
		return errors.New("ledger: borrower required")
	}
	if in.GroupID == 0 || in.CycleID == 0 {
		return errors.New("ledger: group and cycle required")
	}
	if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if in.InterestRate.IsNegative() || in.InterestRate.GreaterThan(hundred) {
		return errors.New("ledger: interest rate must be between 0 and 100")
	}
	if in.DurationMonths < 1 {
		return errors.New("ledger: duration must be at least one month")
	}
	return nil
}

// FlatInterest returns principal × rate / 100 rounded to cents.
func FlatInterest(principal, rate decimal.Decimal) decimal.Decimal {
	return principal.Mul(rate).Div(hundred).Round(2)
}

// Disburse creates the loan, its principal and interest sub-ledger lines and the
// disbursement pair.
func (b *LoanBook) Disburse(ctx context.Context, store Store, in DisburseInput) (Loan, error) {
	if err := in.Validate(); err != nil {
		return Loan{}, err
	}
	date := b.dateOr(in.Date)
	interest := FlatInterest(in.Amount, in.InterestRate)
	loan := Loan{
		CycleID:          in.CycleID,
		GroupID:          in.GroupID,
		MeetingID:        in.MeetingID,
		BorrowerID:       in.BorrowerID,
		LoanAmount:       in.Amount,
		InterestRate:     in.InterestRate,
		DurationMonths:   in.DurationMonths,
		TotalAmountDue:   in.Amount.Add(interest),
		AmountPaid:       decimal.Zero,
		Status:           LoanStatusPending,
		Purpose:          in.Purpose,
		DisbursementDate: date,
		DueDate:          date.AddDate(0, in.DurationMonths, 0),
		CreatedByID:      in.ActorID,
	}
	loan.Recalculate()
	created, err := store.InsertLoan(ctx, loan)
	if err != nil {
		return Loan{}, fmt.Errorf("ledger: insert loan: %w", err)
	}
	if _, err := store.InsertLoanTransaction(ctx, LoanTransaction{
		LoanID:          created.ID,
		MeetingID:       in.MeetingID,
		Amount:          in.Amount.Neg(),
		Type:            LoanTxnPrincipal,
		Description:     "Loan principal disbursed",
		TransactionDate: date,
		CreatedByID:     in.ActorID,
	}); err != nil {
		return Loan{}, fmt.Errorf("ledger: insert principal line: %w", err)
	}
	if interest.IsPositive() {
		if _, err := store.InsertLoanTransaction(ctx, LoanTransaction{
			LoanID:          created.ID,
			MeetingID:       in.MeetingID,
			Amount:          interest.Neg(),
			Type:            LoanTxnInterest,
			Description:     fmt.Sprintf("Interest at %s%%", in.InterestRate.String()),
			TransactionDate: date,
			CreatedByID:     in.ActorID,
		}); err != nil {
			return Loan{}, fmt.Errorf("ledger: insert interest line: %w", err)
		}
	}
	if _, err := PostDoubleEntry(ctx, store, DoubleEntry{
		Direction:    Disbursement,
		AccountType:  AccountLoan,
		MemberSource: SourceDisbursement,
		MemberID:     in.BorrowerID,
		GroupID:      in.GroupID,
		CycleID:      in.CycleID,
		MeetingID:    in.MeetingID,
		Amount:       in.Amount,
		Date:         date,
		Description:  "Loan disbursement of " + b.format.Format(in.Amount),
		ActorID:      in.ActorID,
	}); err != nil {
		return Loan{}, err
	}
	return created, nil
}

// RepayInput captures a repayment against an existing loan. Strict payments are
// rejected when they exceed the balance; non-strict payments are clamped. A
// non-zero GroupID restricts the payment to loans of that group.
type RepayInput struct {
	LoanID      int64
	GroupID     int64
	MeetingID   *int64
	Amount      decimal.Decimal
	Strict      bool
	Date        time.Time
	Description string
	ActorID     int64
}

// Outcome reports the effect of a loan mutation.
type Outcome struct {
	Loan      Loan
	Requested decimal.Decimal
	Applied   decimal.Decimal
	Clamped   bool
	Pair      Pair
}

// Repay locks the loan, applies the payment and posts the repayment pair.
func (b *LoanBook) Repay(ctx context.Context, store Store, in RepayInput) (Outcome, error) {
	if !in.Amount.IsPositive() {
		return Outcome{}, ErrInvalidAmount
	}
	loan, err := store.GetLoanForUpdate(ctx, in.LoanID)
	if err != nil {
		return Outcome{}, err
	}
	if in.GroupID != 0 && loan.GroupID != in.GroupID {
		return Outcome{}, fmt.Errorf("%w: loan %d belongs to group %d", ErrLoanNotFound, loan.ID, loan.GroupID)
	}
	if !loan.Balance.IsPositive() {
		return Outcome{}, ErrLoanSettled
	}
	out := Outcome{Requested: in.Amount, Applied: in.Amount}
	if in.Amount.GreaterThan(loan.Balance) {
		if in.Strict {
			return Outcome{}, ErrAmountExceedsBalance
		}
		out.Applied = loan.Balance
		out.Clamped = true
	}
	loan.AmountPaid = loan.AmountPaid.Add(out.Applied)
	if err := b.commitLoan(ctx, store, &loan); err != nil {
		return Outcome{}, err
	}
	date := b.dateOr(in.Date)
	description := in.Description
	if description == "" {
		description = "Loan repayment of " + b.format.Format(out.Applied)
	}
	if _, err := store.InsertLoanTransaction(ctx, LoanTransaction{
		LoanID:          loan.ID,
		MeetingID:       in.MeetingID,
		Amount:          out.Applied,
		Type:            LoanTxnPayment,
		Description:     description,
		TransactionDate: date,
		CreatedByID:     in.ActorID,
	}); err != nil {
		return Outcome{}, fmt.Errorf("ledger: insert payment line: %w", err)
	}
	pair, err := PostDoubleEntry(ctx, store, DoubleEntry{
		Direction:    Repayment,
		AccountType:  AccountLoanRepayment,
		MemberSource: SourceWithdrawal,
		GroupSource:  SourceDeposit,
		MemberID:     loan.BorrowerID,
		GroupID:      loan.GroupID,
		CycleID:      loan.CycleID,
		MeetingID:    in.MeetingID,
		Amount:       out.Applied,
		Date:         date,
		Description:  description,
		ActorID:      in.ActorID,
	})
	if err != nil {
		return Outcome{}, err
	}
	out.Loan = loan
	out.Pair = pair
	return out, nil
}

// AdjustInput captures a penalty or waiver against a loan.
type AdjustInput struct {
	LoanID      int64
	Amount      decimal.Decimal
	Reason      string
	Date        time.Time
	ActorID     int64
	MeetingID   *int64
	Description string
}

// Penalize increases the amount due on a loan.
func (b *LoanBook) Penalize(ctx context.Context, store Store, in AdjustInput) (Outcome, error) {
	if !in.Amount.IsPositive() {
		return Outcome{}, ErrInvalidAmount
	}
	loan, err := store.GetLoanForUpdate(ctx, in.LoanID)
	if err != nil {
		return Outcome{}, err
	}
	loan.TotalAmountDue = loan.TotalAmountDue.Add(in.Amount)
	if err := b.commitLoan(ctx, store, &loan); err != nil {
		return Outcome{}, err
	}
	description := adjustDescription(in, "Penalty of "+b.format.Format(in.Amount))
	pair, err := b.postAdjustment(ctx, store, loan, in, in.Amount, LoanTxnPenalty, in.Amount.Neg(), Disbursement, SourcePenalty, description)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Loan: loan, Requested: in.Amount, Applied: in.Amount, Pair: pair}, nil
}

// Waive forgives part of the amount due, never more than the current balance.
func (b *LoanBook) Waive(ctx context.Context, store Store, in AdjustInput) (Outcome, error) {
	if !in.Amount.IsPositive() {
		return Outcome{}, ErrInvalidAmount
	}
	loan, err := store.GetLoanForUpdate(ctx, in.LoanID)
	if err != nil {
		return Outcome{}, err
	}
	if !loan.Balance.IsPositive() {
		return Outcome{}, ErrLoanSettled
	}
	applied := decimal.Min(in.Amount, loan.Balance)
	loan.TotalAmountDue = loan.TotalAmountDue.Sub(applied)
	if err := b.commitLoan(ctx, store, &loan); err != nil {
		return Outcome{}, err
	}
	description := adjustDescription(in, "Waiver of "+b.format.Format(applied))
	pair, err := b.postAdjustment(ctx, store, loan, in, applied, LoanTxnWaiver, applied, Repayment, SourceWaiver, description)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Loan:      loan,
		Requested: in.Amount,
		Applied:   applied,
		Clamped:   !applied.Equal(in.Amount),
		Pair:      pair,
	}, nil
}

func adjustDescription(in AdjustInput, fallback string) string {
	switch {
	case in.Description != "":
		return in.Description
	case in.Reason != "":
		return fallback + ": " + in.Reason
	default:
		return fallback
	}
}

func (b *LoanBook) postAdjustment(ctx context.Context, store Store, loan Loan, in AdjustInput, amount decimal.Decimal, kind LoanTransactionType, lineAmount decimal.Decimal, dir Direction, source, description string) (Pair, error) {
	date := b.dateOr(in.Date)
	if _, err := store.InsertLoanTransaction(ctx, LoanTransaction{
		LoanID:          loan.ID,
		MeetingID:       in.MeetingID,
		Amount:          lineAmount,
		Type:            kind,
		Description:     description,
		TransactionDate: date,
		CreatedByID:     in.ActorID,
	}); err != nil {
		return Pair{}, fmt.Errorf("ledger: insert %s line: %w", kind, err)
	}
	return PostDoubleEntry(ctx, store, DoubleEntry{
		Direction:    dir,
		AccountType:  AccountLoan,
		MemberSource: source,
		MemberID:     loan.BorrowerID,
		GroupID:      loan.GroupID,
		CycleID:      loan.CycleID,
		MeetingID:    in.MeetingID,
		Amount:       amount,
		Date:         date,
		Description:  description,
		ActorID:      in.ActorID,
	})
}

// commitLoan re-derives balance and status, validates the status change and
// writes the loan back.
func (b *LoanBook) commitLoan(ctx context.Context, store Store, loan *Loan) error {
	previous := loan.Status
	loan.Recalculate()
	if !previous.CanTransition(loan.Status) {
		return TransitionError(previous, loan.Status)
	}
	loan.UpdatedAt = b.now()
	if err := store.UpdateLoanBalance(ctx, *loan); err != nil {
		return fmt.Errorf("ledger: update loan: %w", err)
	}
	return nil
}
