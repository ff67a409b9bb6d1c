package meetings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
)

// Field aliases accepted from the different mobile app versions.
var (
	memberKeys     = []string{"member_id", "memberId", "user_id", "borrower_id"}
	investorKeys   = []string{"investor_id", "member_id", "memberId"}
	sharesKeys     = []string{"number_of_shares", "shares", "shares_count"}
	shareTotalKeys = []string{"total_amount_paid", "amount", "share_value_total"}
	loanIDKeys     = []string{"loan_id", "loanId"}
	principalKeys  = []string{"loan_amount", "amount", "principal"}
	rateKeys       = []string{"interest_rate", "interestRate"}
	durationKeys   = []string{"duration_months", "duration", "loan_duration"}
	presentKeys    = []string{"is_present", "present", "attended"}
	contributeKeys = []string{"contributed", "has_contributed"}
	localIDKeys    = []string{"local_id", "id"}
)

// AttendanceItem is one explicit attendance entry.
type AttendanceItem struct {
	MemberID     int64
	Present      bool
	AbsentReason string
}

// ContributionItem is one general contribution (savings, fine, welfare, social fund).
type ContributionItem struct {
	MemberID    int64
	Tag         string
	AccountType ledger.AccountType
	Known       bool
	Amount      decimal.Decimal
	Description string
}

// SharePurchaseItem is one share purchase.
type SharePurchaseItem struct {
	InvestorID int64
	Shares     decimal.Decimal
	AmountPaid decimal.Decimal
	ShareValue decimal.Decimal
}

// RepaymentItem is one loan repayment.
type RepaymentItem struct {
	LoanID int64
	Amount decimal.Decimal
	Notes  string
}

// SocialFundItem is one social fund contribution.
type SocialFundItem struct {
	MemberID    int64
	Amount      decimal.Decimal
	Contributed bool
}

// LoanItem is one loan disbursement request.
type LoanItem struct {
	BorrowerID     int64
	Amount         decimal.Decimal
	InterestRate   decimal.Decimal
	DurationMonths int
	Purpose        string
}

// PlanUpdate reports progress on a previously agreed action plan.
type PlanUpdate struct {
	LocalID         string
	Status          string
	CompletionNotes string
}

// PlanItem is a new action plan agreed at the meeting.
type PlanItem struct {
	LocalID     string
	Action      string
	Description string
	AssignedTo  *int64
	Priority    string
	DueDate     *time.Time
}

// Batch is the canonical form of a meeting payload.
type Batch struct {
	Attendance     []AttendanceItem
	Transactions   []ContributionItem
	SharePurchases []SharePurchaseItem
	Repayments     []RepaymentItem
	SocialFund     []SocialFundItem
	Loans          []LoanItem
	PreviousPlans  []PlanUpdate
	UpcomingPlans  []PlanItem
}

type item map[string]any

// NormalizePayload converts the raw payload arrays of a meeting into a Batch.
// Sections that cannot be decoded are reported as warnings and treated as empty.
func NormalizePayload(m Meeting) (Batch, []Issue) {
	var (
		batch  Batch
		issues []Issue
	)
	section := func(field string, raw json.RawMessage) []item {
		items, err := decodeItems(raw)
		if err != nil {
			issues = append(issues, Issue{
				Type:    IssueInvalidPayload,
				Message: fmt.Sprintf("could not read %s: %v", field, err),
				Field:   field,
			})
			return nil
		}
		return items
	}

	for _, it := range section("attendance_data", m.AttendanceData) {
		batch.Attendance = append(batch.Attendance, AttendanceItem{
			MemberID:     it.id(memberKeys...),
			Present:      it.flag(false, presentKeys...),
			AbsentReason: it.text("absent_reason", "absence_reason", "reason"),
		})
	}
	for _, it := range section("transactions_data", m.TransactionsData) {
		tag := it.text("account_type", "type", "transaction_type")
		accountType, known := ledger.ParseContributionType(tag)
		batch.Transactions = append(batch.Transactions, ContributionItem{
			MemberID:    it.id(memberKeys...),
			Tag:         tag,
			AccountType: accountType,
			Known:       known,
			Amount:      it.amount("amount"),
			Description: it.text("description", "notes"),
		})
	}
	for _, it := range section("share_purchases_data", m.SharePurchasesData) {
		batch.SharePurchases = append(batch.SharePurchases, SharePurchaseItem{
			InvestorID: it.id(investorKeys...),
			Shares:     it.amount(sharesKeys...),
			AmountPaid: it.amount(shareTotalKeys...),
			ShareValue: it.amount("share_value", "unit_price"),
		})
	}
	for _, it := range section("loan_repayments_data", m.LoanRepaymentsData) {
		batch.Repayments = append(batch.Repayments, RepaymentItem{
			LoanID: it.id(loanIDKeys...),
			Amount: it.amount("amount", "amount_paid", "repayment_amount"),
			Notes:  it.text("notes", "description"),
		})
	}
	for _, it := range section("social_fund_contributions_data", m.SocialFundContributionsData) {
		batch.SocialFund = append(batch.SocialFund, SocialFundItem{
			MemberID:    it.id(memberKeys...),
			Amount:      it.amount("amount"),
			Contributed: it.flag(true, contributeKeys...),
		})
	}
	for _, it := range section("loans_data", m.LoansData) {
		batch.Loans = append(batch.Loans, LoanItem{
			BorrowerID:     it.id(memberKeys...),
			Amount:         it.amount(principalKeys...),
			InterestRate:   it.amount(rateKeys...),
			DurationMonths: int(it.id(durationKeys...)),
			Purpose:        it.text("purpose", "reason"),
		})
	}
	for _, it := range section("previous_action_plans_data", m.PreviousActionPlansData) {
		batch.PreviousPlans = append(batch.PreviousPlans, PlanUpdate{
			LocalID:         it.text(localIDKeys...),
			Status:          strings.ToLower(it.text("status", "completion_status")),
			CompletionNotes: it.text("completion_notes", "notes"),
		})
	}
	for _, it := range section("upcoming_action_plans_data", m.UpcomingActionPlansData) {
		plan := PlanItem{
			LocalID:     it.text(localIDKeys...),
			Action:      it.text("action", "title"),
			Description: it.text("description"),
			Priority:    strings.ToLower(it.text("priority")),
			DueDate:     it.date("due_date", "dueDate"),
		}
		if assigned := it.id("assigned_to_member_id", "assigned_to", "assignedTo"); assigned > 0 {
			plan.AssignedTo = &assigned
		}
		batch.UpcomingPlans = append(batch.UpcomingPlans, plan)
	}
	return batch, issues
}

func decodeItems(raw json.RawMessage) ([]item, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var items []item
	if err := dec.Decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}

func (it item) lookup(keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := it[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (it item) text(keys ...string) string {
	v, ok := it.lookup(keys...)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func (it item) id(keys ...string) int64 {
	d := it.amount(keys...)
	if !d.IsInteger() {
		return 0
	}
	return d.IntPart()
}

func (it item) amount(keys ...string) decimal.Decimal {
	v, ok := it.lookup(keys...)
	if !ok {
		return decimal.Zero
	}
	var raw string
	switch val := v.(type) {
	case json.Number:
		raw = val.String()
	case string:
		raw = strings.ReplaceAll(strings.TrimSpace(val), ",", "")
	default:
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (it item) flag(fallback bool, keys ...string) bool {
	v, ok := it.lookup(keys...)
	if !ok {
		return fallback
	}
	return coerceBool(v)
}

func coerceBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case json.Number:
		return val.String() == "1"
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

func (it item) date(keys ...string) *time.Time {
	raw := it.text(keys...)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}
