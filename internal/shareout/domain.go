package shareout

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates shareout lifecycle states.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusCalculated Status = "calculated"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var statusTransitions = map[Status][]Status{
	StatusDraft:      {StatusCalculated, StatusCancelled},
	StatusCalculated: {StatusCalculated, StatusApproved, StatusCancelled},
	StatusApproved:   {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a shareout may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PaymentStatus tracks the payout of one distribution.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentDeferred PaymentStatus = "deferred"
	PaymentWaived   PaymentStatus = "waived"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:  {PaymentPaid, PaymentDeferred, PaymentWaived},
	PaymentDeferred: {PaymentPaid, PaymentWaived},
}

// CanTransition reports whether a distribution payment may move from p to next.
func (p PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether p is a known payment status.
func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentPending, PaymentPaid, PaymentDeferred, PaymentWaived:
		return true
	}
	return false
}

// Totals are the cycle-wide figures of a shareout.
type Totals struct {
	TotalSavings            decimal.Decimal `json:"total_savings"`
	TotalShareValue         decimal.Decimal `json:"total_share_value"`
	TotalLoanInterestEarned decimal.Decimal `json:"total_loan_interest_earned"`
	TotalFinesCollected     decimal.Decimal `json:"total_fines_collected"`
	TotalDistributableFund  decimal.Decimal `json:"total_distributable_fund"`
	TotalOutstandingLoans   decimal.Decimal `json:"total_outstanding_loans"`
	TotalActualPayout       decimal.Decimal `json:"total_actual_payout"`
	TotalMembers            int             `json:"total_members"`
	TotalShares             decimal.Decimal `json:"total_shares"`
	ShareUnitValue          decimal.Decimal `json:"share_unit_value"`
	FinalShareValue         decimal.Decimal `json:"final_share_value"`
}

// Shareout is the cycle-close snapshot.
type Shareout struct {
	ID      int64  `json:"id"`
	CycleID int64  `json:"cycle_id"`
	GroupID int64  `json:"group_id"`
	Status  Status `json:"status"`
	Totals

	CalculatedAt  *time.Time `json:"calculated_at,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	ApprovedByID  *int64     `json:"approved_by_id,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CompletedByID *int64     `json:"completed_by_id,omitempty"`
	CreatedByID   int64      `json:"created_by_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Distributions []Distribution `json:"distributions,omitempty"`
}

// Distribution is one member's computed entitlement within a shareout.
type Distribution struct {
	ID         int64 `json:"id"`
	ShareoutID int64 `json:"shareout_id"`
	MemberID   int64 `json:"member_id"`

	TotalSavings    decimal.Decimal `json:"total_savings"`
	TotalShares     decimal.Decimal `json:"total_shares"`
	ShareAmountPaid decimal.Decimal `json:"share_amount_paid"`
	TotalFinesPaid  decimal.Decimal `json:"total_fines_paid"`
	TotalWelfare    decimal.Decimal `json:"total_welfare"`

	SharePercentage          decimal.Decimal `json:"share_percentage"`
	ProportionalDistribution decimal.Decimal `json:"proportional_distribution"`
	LoanInterestShare        decimal.Decimal `json:"loan_interest_share"`
	FineShare                decimal.Decimal `json:"fine_share"`
	TotalEntitled            decimal.Decimal `json:"total_entitled"`

	OutstandingLoanPrincipal decimal.Decimal `json:"outstanding_loan_principal"`
	OutstandingLoanInterest  decimal.Decimal `json:"outstanding_loan_interest"`
	TotalDeductions          decimal.Decimal `json:"total_deductions"`
	FinalPayout              decimal.Decimal `json:"final_payout"`

	PaymentStatus PaymentStatus `json:"payment_status"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	PaymentNotes  string        `json:"payment_notes,omitempty"`
}

var (
	// ErrShareoutNotFound indicates a missing shareout.
	ErrShareoutNotFound = errors.New("shareout: shareout not found")
	// ErrDistributionNotFound indicates a missing distribution row.
	ErrDistributionNotFound = errors.New("shareout: distribution not found")
	// ErrCycleNotFound indicates the cycle does not exist.
	ErrCycleNotFound = errors.New("shareout: cycle not found")
	// ErrCycleNotEligible indicates the cycle is not an active VSLA cycle.
	ErrCycleNotEligible = errors.New("shareout: cycle is not an active VSLA cycle")
	// ErrInvalidTransition indicates an illegal status change.
	ErrInvalidTransition = errors.New("shareout: invalid status transition")
	// ErrShareoutExists indicates a concurrent calculation created the open shareout first.
	ErrShareoutExists = errors.New("shareout: an open shareout already exists for the cycle")
	// ErrInvalidInput indicates malformed request data.
	ErrInvalidInput = errors.New("shareout: invalid input")
)

func transitionError(from, to fmt.Stringer) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func (s Status) String() string { return string(s) }

func (p PaymentStatus) String() string { return string(p) }
