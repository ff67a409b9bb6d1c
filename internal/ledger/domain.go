package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OwnerType identifies which party a ledger line belongs to.
type OwnerType string

const (
	OwnerMember OwnerType = "member"
	OwnerGroup  OwnerType = "group"
)

// AccountType enumerates the ledger buckets a line is posted to.
type AccountType string

const (
	AccountSavings       AccountType = "savings"
	AccountFine          AccountType = "fine"
	AccountLoan          AccountType = "loan"
	AccountLoanRepayment AccountType = "loan_repayment"
	AccountShare         AccountType = "share"
	AccountWelfare       AccountType = "welfare"
	AccountSocialFund    AccountType = "social_fund"
)

// Valid reports whether the account type is known.
func (t AccountType) Valid() bool {
	switch t {
	case AccountSavings, AccountFine, AccountLoan, AccountLoanRepayment, AccountShare, AccountWelfare, AccountSocialFund:
		return true
	default:
		return false
	}
}

// ParseContributionType maps the tags used by meeting transaction payloads to an
// account type. Only member contributions are accepted.
func ParseContributionType(raw string) (AccountType, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	switch key {
	case "savings", "saving":
		return AccountSavings, true
	case "fine", "fines":
		return AccountFine, true
	case "welfare":
		return AccountWelfare, true
	case "social_fund", "socialfund", "social":
		return AccountSocialFund, true
	default:
		return "", false
	}
}

// Ledger line sources.
const (
	SourceDeposit      = "deposit"
	SourceWithdrawal   = "withdrawal"
	SourceDisbursement = "disbursement"
	SourcePenalty      = "penalty"
	SourceWaiver       = "waiver"
)

// AccountTransaction is one line of the general ledger. Lines are always created
// in pairs linked through ContraEntryID.
type AccountTransaction struct {
	ID              int64
	Amount          decimal.Decimal
	OwnerType       OwnerType
	UserID          *int64
	GroupID         int64
	MeetingID       *int64
	CycleID         int64
	AccountType     AccountType
	Source          string
	ContraEntryID   *int64
	IsContraEntry   bool
	TransactionDate time.Time
	Description     string
	CreatedByID     int64
	VoidedAt        *time.Time
	CreatedAt       time.Time
}

// LoanStatus enumerates loan lifecycle values.
type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusPaid      LoanStatus = "paid"
	LoanStatusDefaulted LoanStatus = "defaulted"
)

var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanStatusPending:   {LoanStatusActive, LoanStatusPaid},
	LoanStatusActive:    {LoanStatusPaid, LoanStatusDefaulted},
	LoanStatusDefaulted: {LoanStatusActive, LoanStatusPaid},
	LoanStatusPaid:      {LoanStatusActive},
}

// CanTransition reports whether the loan may move from s to next.
func (s LoanStatus) CanTransition(next LoanStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range loanTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BalanceEpsilon absorbs rounding when deciding whether a loan is settled.
var BalanceEpsilon = decimal.New(1, -2)

// Loan is the aggregate loan record. Balance is a cache of the loan sub-ledger.
type Loan struct {
	ID               int64
	CycleID          int64
	GroupID          int64
	MeetingID        *int64
	BorrowerID       int64
	LoanAmount       decimal.Decimal
	InterestRate     decimal.Decimal
	DurationMonths   int
	TotalAmountDue   decimal.Decimal
	AmountPaid       decimal.Decimal
	Balance          decimal.Decimal
	Status           LoanStatus
	Purpose          string
	DisbursementDate time.Time
	DueDate          time.Time
	CreatedByID      int64
	VoidedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InterestDue returns everything owed above the principal. A waiver larger
// than the interest leaves it at zero.
func (l Loan) InterestDue() decimal.Decimal {
	return decimal.Max(decimal.Zero, l.TotalAmountDue.Sub(l.LoanAmount))
}

// PrincipalPaid returns the part of AmountPaid applied to principal. Payments
// settle principal first.
func (l Loan) PrincipalPaid() decimal.Decimal {
	return decimal.Min(l.AmountPaid, l.LoanAmount)
}

// InterestPaid returns interest actually collected on the loan.
func (l Loan) InterestPaid() decimal.Decimal {
	return decimal.Max(decimal.Zero, l.AmountPaid.Sub(l.LoanAmount))
}

// OutstandingPrincipal returns principal not yet repaid, capped at Balance so
// waived principal is not counted.
func (l Loan) OutstandingPrincipal() decimal.Decimal {
	unpaid := decimal.Max(decimal.Zero, l.LoanAmount.Sub(l.AmountPaid))
	return decimal.Min(l.owed(), unpaid)
}

// OutstandingInterest returns the rest of Balance. OutstandingPrincipal plus
// OutstandingInterest always equals the positive part of Balance.
func (l Loan) OutstandingInterest() decimal.Decimal {
	return l.owed().Sub(l.OutstandingPrincipal())
}

func (l Loan) owed() decimal.Decimal {
	return decimal.Max(decimal.Zero, l.Balance)
}

// Settled reports whether the balance is within rounding distance of zero.
func (l Loan) Settled() bool {
	return l.Balance.LessThanOrEqual(BalanceEpsilon)
}

// Recalculate re-derives Balance and Status from TotalAmountDue and AmountPaid.
func (l *Loan) Recalculate() {
	l.Balance = l.TotalAmountDue.Sub(l.AmountPaid)
	switch {
	case l.Settled():
		l.Status = LoanStatusPaid
	case l.Status == LoanStatusPaid || l.Status == LoanStatusPending || l.Status == "":
		l.Status = LoanStatusActive
	}
}

// LoanTransactionType enumerates loan sub-ledger line types.
type LoanTransactionType string

const (
	LoanTxnPrincipal  LoanTransactionType = "principal"
	LoanTxnInterest   LoanTransactionType = "interest"
	LoanTxnPayment    LoanTransactionType = "payment"
	LoanTxnPenalty    LoanTransactionType = "penalty"
	LoanTxnWaiver     LoanTransactionType = "waiver"
	LoanTxnAdjustment LoanTransactionType = "adjustment"
)

// LoanTransaction is one line of a loan's sub-ledger. Debt is negative, so the
// loan balance equals the negated sum of its lines.
type LoanTransaction struct {
	ID              int64
	LoanID          int64
	MeetingID       *int64
	Amount          decimal.Decimal
	Type            LoanTransactionType
	Description     string
	TransactionDate time.Time
	CreatedByID     int64
	VoidedAt        *time.Time
	CreatedAt       time.Time
}

// CalculateLoanBalance derives the loan balance from its sub-ledger lines,
// ignoring voided rows.
func CalculateLoanBalance(lines []LoanTransaction) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range lines {
		if line.VoidedAt != nil {
			continue
		}
		sum = sum.Add(line.Amount)
	}
	return sum.Neg()
}

var (
	// ErrLoanNotFound indicates a missing loan.
	ErrLoanNotFound = errors.New("ledger: loan not found")
	// ErrInvalidAmount indicates a zero or negative amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrLoanSettled indicates the loan has nothing left to collect.
	ErrLoanSettled = errors.New("ledger: loan already settled")
	// ErrAmountExceedsBalance indicates a strict payment larger than the balance.
	ErrAmountExceedsBalance = errors.New("ledger: amount exceeds loan balance")
	// ErrInvalidTransition indicates an illegal loan status change.
	ErrInvalidTransition = errors.New("ledger: invalid loan status transition")
	// ErrUnknownAccountType indicates an account type outside the chart.
	ErrUnknownAccountType = errors.New("ledger: unknown account type")
)

// TransitionError describes a rejected status change.
func TransitionError(from, to LoanStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
