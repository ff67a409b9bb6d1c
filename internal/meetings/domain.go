package meetings

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates meeting processing states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing, StatusPending, StatusFailed},
}

// CanTransition reports whether a meeting may move from s to next. Completed
// meetings are final.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Issue type codes recorded on meetings.
const (
	IssueDuplicate              = "duplicate"
	IssueCycleNotFound          = "cycle_not_found"
	IssueNotVSLACycle           = "not_vsla_cycle"
	IssueNoAttendance           = "no_attendance"
	IssueSavingsMismatch        = "savings_mismatch"
	IssueMemberNotFound         = "member_not_found"
	IssueInvalidPayload         = "invalid_payload"
	IssueUnknownAccountType     = "unknown_account_type"
	IssueRepaymentClamped       = "repayment_clamped"
	IssueLoanNotFound           = "loan_not_found"
	IssueLoanAlreadyPaid        = "loan_already_paid"
	IssueDuplicateLoan          = "duplicate_loan"
	IssueInvalidInterestRate    = "invalid_interest_rate"
	IssueInvalidDuration        = "invalid_duration"
	IssueActionPlansUnavailable = "action_plans_unavailable"
	IssueActionPlanNotFound     = "action_plan_not_found"
	IssueActionPlanCreateFailed = "action_plan_create_failed"
	IssueDatabase               = "database"
)

// Issue is a structured error or warning produced while processing a meeting.
type Issue struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Result is the outcome of one processing attempt.
type Result struct {
	Success  bool    `json:"success"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Meeting is a batch envelope collected offline and synced from the field.
type Meeting struct {
	ID            int64
	LocalID       string
	CycleID       int64
	GroupID       int64
	MeetingDate   time.Time
	MeetingNumber int

	AttendanceData              json.RawMessage
	TransactionsData            json.RawMessage
	LoanRepaymentsData          json.RawMessage
	SocialFundContributionsData json.RawMessage
	LoansData                   json.RawMessage
	SharePurchasesData          json.RawMessage
	PreviousActionPlansData     json.RawMessage
	UpcomingActionPlansData     json.RawMessage

	TotalSavingsCollected decimal.Decimal
	TotalLoansDisbursed   decimal.Decimal
	TotalSocialFund       decimal.Decimal
	TotalFinesCollected   decimal.Decimal

	Status        Status
	HasErrors     bool
	HasWarnings   bool
	Errors        []Issue
	Warnings      []Issue
	ProcessedAt   *time.Time
	ProcessedByID *int64
	CreatedByID   int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StatusUpdate persists the outcome of a processing attempt.
type StatusUpdate struct {
	MeetingID   int64
	Status      Status
	Errors      []Issue
	Warnings    []Issue
	ProcessedAt time.Time
	ProcessedBy int64
}

// Attendance is one member's presence record for a meeting.
type Attendance struct {
	MeetingID    int64
	MemberID     int64
	IsPresent    bool
	AbsentReason string
}

// ProjectShare records shares bought by a member during a cycle.
type ProjectShare struct {
	ID              int64
	CycleID         int64
	InvestorID      int64
	MeetingID       int64
	NumberOfShares  decimal.Decimal
	ShareValue      decimal.Decimal
	TotalAmountPaid decimal.Decimal
	CreatedByID     int64
	CreatedAt       time.Time
}

// SocialFundTransaction is a contribution to the group's welfare pool.
type SocialFundTransaction struct {
	ID              int64
	GroupID         int64
	CycleID         int64
	MeetingID       int64
	MemberID        int64
	Amount          decimal.Decimal
	TransactionType string
	Description     string
	TransactionDate time.Time
	CreatedByID     int64
}

// Action plan statuses.
const (
	PlanStatusPending    = "pending"
	PlanStatusInProgress = "in-progress"
	PlanStatusCompleted  = "completed"
	PlanStatusCancelled  = "cancelled"
)

// ActionPlan is a follow-up agreed during a meeting.
type ActionPlan struct {
	ID                 int64
	LocalID            string
	MeetingID          int64
	CycleID            int64
	Action             string
	Description        string
	AssignedToMemberID *int64
	Priority           string
	DueDate            *time.Time
	Status             string
	CompletionNotes    string
	CompletedAt        *time.Time
	CreatedByID        int64
}

var (
	// ErrMeetingNotFound indicates a missing meeting.
	ErrMeetingNotFound = errors.New("meetings: meeting not found")
	// ErrInvalidTransition indicates an illegal processing status change.
	ErrInvalidTransition = errors.New("meetings: invalid status transition")
	// ErrGroupBusy indicates another meeting of the same group is being processed.
	ErrGroupBusy = errors.New("meetings: group is being processed")
)

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
