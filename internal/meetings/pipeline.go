package meetings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vsla-platform/vsla-ledger/internal/directory"
	"github.com/vsla-platform/vsla-ledger/internal/ledger"
)

// AbsentNotRecorded is the reason stored for group members missing from the
// submitted attendance list.
const AbsentNotRecorded = "Not recorded in meeting attendance"

var (
	savingsTolerance = decimal.New(1, -2)
	maxInterestRate  = decimal.NewFromInt(100)
)

// TxRepository is the transactional persistence surface used by the pipeline.
type TxRepository interface {
	ledger.Store
	GetMeetingForUpdate(ctx context.Context, id int64) (Meeting, error)
	UpdateMeetingStatus(ctx context.Context, update StatusUpdate) error
	HasCompletedLocalID(ctx context.Context, localID string, excludeMeetingID int64) (bool, error)
	UpsertAttendance(ctx context.Context, a Attendance) error
	InsertProjectShare(ctx context.Context, share ProjectShare) (ProjectShare, error)
	InsertSocialFundTransaction(ctx context.Context, txn SocialFundTransaction) error
	ActionPlansAvailable(ctx context.Context) (bool, error)
	FindActionPlanByLocalID(ctx context.Context, localID string) (ActionPlan, bool, error)
	UpdateActionPlan(ctx context.Context, plan ActionPlan) error
	InsertActionPlan(ctx context.Context, plan ActionPlan) (ActionPlan, error)
}

// PipelineOptions toggles optional subsystems.
type PipelineOptions struct {
	ActionPlansEnabled bool
}

// Pipeline turns one meeting payload into ledger rows. It runs inside a
// transaction owned by the caller and never commits or rolls back.
type Pipeline struct {
	lookup directory.Lookup
	book   *ledger.LoanBook
	format ledger.AmountFormatter
	opts   PipelineOptions
	logger *slog.Logger
}

// NewPipeline constructs the pipeline.
func NewPipeline(lookup directory.Lookup, book *ledger.LoanBook, format ledger.AmountFormatter, opts PipelineOptions, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{lookup: lookup, book: book, format: format, opts: opts, logger: logger}
}

type step struct {
	name string
	fn   func(*run) error
}

// Process validates the meeting and runs every processing step in order.
func (p *Pipeline) Process(ctx context.Context, tx TxRepository, m Meeting, actorID int64) Result {
	r := &run{
		ctx:     ctx,
		p:       p,
		tx:      tx,
		meeting: m,
		actor:   actorID,
		members: make(map[int64]memberResult),
	}
	batch, issues := NormalizePayload(m)
	r.batch = batch
	r.result.Warnings = append(r.result.Warnings, issues...)

	if err := r.validate(); err != nil {
		r.fail(IssueDatabase, "validation: "+err.Error())
	}
	if len(r.result.Errors) > 0 {
		return r.finish()
	}

	steps := []step{
		{"attendance", (*run).attendance},
		{"transactions", (*run).transactions},
		{"share purchases", (*run).sharePurchases},
		{"loan repayments", (*run).repayments},
		{"social fund", (*run).socialFund},
		{"loan disbursements", (*run).disbursements},
		{"action plans", (*run).actionPlans},
	}
	for _, s := range steps {
		if err := s.fn(r); err != nil {
			p.logger.Error("meeting step failed", slog.Int64("meeting_id", m.ID), slog.String("step", s.name), slog.Any("error", err))
			r.fail(IssueDatabase, fmt.Sprintf("%s: %v", s.name, err))
			break
		}
	}
	return r.finish()
}

type memberResult struct {
	member directory.Member
	ok     bool
}

type run struct {
	ctx     context.Context
	p       *Pipeline
	tx      TxRepository
	meeting Meeting
	actor   int64
	batch   Batch
	cycle   directory.Cycle
	members map[int64]memberResult
	result  Result
}

func (r *run) finish() Result {
	r.result.Success = len(r.result.Errors) == 0
	return r.result
}

func (r *run) fail(kind, message string) {
	r.result.Errors = append(r.result.Errors, Issue{Type: kind, Message: message})
}

func (r *run) warn(issue Issue) {
	r.result.Warnings = append(r.result.Warnings, issue)
}

func (r *run) meetingID() *int64 {
	id := r.meeting.ID
	return &id
}

func (r *run) date() time.Time {
	return r.meeting.MeetingDate
}

// member resolves a member of the meeting's group. Lookups are cached per run.
func (r *run) member(id int64, field string) (directory.Member, bool, error) {
	if cached, ok := r.members[id]; ok {
		if !cached.ok {
			r.warnMissingMember(id, field)
		}
		return cached.member, cached.ok, nil
	}
	var (
		m   directory.Member
		ok  bool
		err error
	)
	if id > 0 {
		m, ok, err = r.p.lookup.FindMember(r.ctx, id)
		if err != nil {
			return directory.Member{}, false, err
		}
		ok = ok && m.GroupID == r.meeting.GroupID
	}
	r.members[id] = memberResult{member: m, ok: ok}
	if !ok {
		r.warnMissingMember(id, field)
	}
	return m, ok, nil
}

func (r *run) warnMissingMember(id int64, field string) {
	r.warn(Issue{
		Type:       IssueMemberNotFound,
		Message:    fmt.Sprintf("member %d is not a member of group %d", id, r.meeting.GroupID),
		Field:      field,
		Suggestion: "Check the member id recorded on the device",
	})
}

func (r *run) validate() error {
	duplicate, err := r.tx.HasCompletedLocalID(r.ctx, r.meeting.LocalID, r.meeting.ID)
	if err != nil {
		return err
	}
	if duplicate {
		r.fail(IssueDuplicate, fmt.Sprintf("meeting %q has already been processed", r.meeting.LocalID))
		return nil
	}
	cycle, ok, err := r.p.lookup.FindCycle(r.ctx, r.meeting.CycleID)
	if err != nil {
		return err
	}
	if !ok {
		r.fail(IssueCycleNotFound, fmt.Sprintf("cycle %d not found", r.meeting.CycleID))
		return nil
	}
	r.cycle = cycle
	if !cycle.IsVSLACycle {
		r.warn(Issue{Type: IssueNotVSLACycle, Message: fmt.Sprintf("cycle %d is not a VSLA cycle", cycle.ID)})
	}
	if len(r.batch.Attendance) == 0 {
		r.warn(Issue{
			Type:       IssueNoAttendance,
			Message:    "no attendance was recorded for this meeting",
			Field:      "attendance_data",
			Suggestion: "All group members will be recorded as absent",
		})
	}
	savings := decimal.Zero
	for _, item := range r.batch.Transactions {
		if item.Known && item.AccountType == ledger.AccountSavings && item.Amount.IsPositive() {
			savings = savings.Add(item.Amount)
		}
	}
	if savings.Sub(r.meeting.TotalSavingsCollected).Abs().GreaterThan(savingsTolerance) {
		r.warn(Issue{
			Type: IssueSavingsMismatch,
			Message: fmt.Sprintf("declared savings %s differ from recorded savings %s",
				r.p.format.Format(r.meeting.TotalSavingsCollected), r.p.format.Format(savings)),
			Field: "total_savings_collected",
		})
	}
	return nil
}

func (r *run) attendance() error {
	groupMembers, err := r.p.lookup.ListGroupMembers(r.ctx, r.meeting.GroupID)
	if err != nil {
		return err
	}
	inGroup := make(map[int64]bool, len(groupMembers))
	for _, m := range groupMembers {
		inGroup[m.ID] = true
	}
	recorded := make(map[int64]bool, len(r.batch.Attendance))
	for _, item := range r.batch.Attendance {
		if !inGroup[item.MemberID] {
			r.warnMissingMember(item.MemberID, "attendance_data")
			continue
		}
		reason := item.AbsentReason
		if item.Present {
			reason = ""
		}
		if err := r.tx.UpsertAttendance(r.ctx, Attendance{
			MeetingID:    r.meeting.ID,
			MemberID:     item.MemberID,
			IsPresent:    item.Present,
			AbsentReason: reason,
		}); err != nil {
			return err
		}
		recorded[item.MemberID] = true
	}
	for _, m := range groupMembers {
		if recorded[m.ID] {
			continue
		}
		if err := r.tx.UpsertAttendance(r.ctx, Attendance{
			MeetingID:    r.meeting.ID,
			MemberID:     m.ID,
			IsPresent:    false,
			AbsentReason: AbsentNotRecorded,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) transactions() error {
	for _, item := range r.batch.Transactions {
		if !item.Amount.IsPositive() {
			continue
		}
		if !item.Known {
			r.warn(Issue{
				Type:    IssueUnknownAccountType,
				Message: fmt.Sprintf("transaction type %q is not a member contribution", item.Tag),
				Field:   "transactions_data",
			})
			continue
		}
		member, ok, err := r.member(item.MemberID, "transactions_data")
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		description := item.Description
		if description == "" {
			description = fmt.Sprintf("%s contribution of %s", humanize(item.AccountType), r.p.format.Format(item.Amount))
		}
		if _, err := ledger.PostDoubleEntry(r.ctx, r.tx, ledger.DoubleEntry{
			Direction:    ledger.Contribution,
			AccountType:  item.AccountType,
			MemberSource: ledger.SourceDeposit,
			MemberID:     member.ID,
			GroupID:      r.meeting.GroupID,
			CycleID:      r.meeting.CycleID,
			MeetingID:    r.meetingID(),
			Amount:       item.Amount,
			Date:         r.date(),
			Description:  description,
			ActorID:      r.actor,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) sharePurchases() error {
	for _, item := range r.batch.SharePurchases {
		if !item.AmountPaid.IsPositive() {
			continue
		}
		member, ok, err := r.member(item.InvestorID, "share_purchases_data")
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		unit := item.ShareValue
		if !unit.IsPositive() {
			unit = r.cycle.ShareValue
		}
		shares := item.Shares
		if !shares.IsPositive() && unit.IsPositive() {
			shares = item.AmountPaid.Div(unit).Round(2)
		}
		if _, err := r.tx.InsertProjectShare(r.ctx, ProjectShare{
			CycleID:         r.meeting.CycleID,
			InvestorID:      member.ID,
			MeetingID:       r.meeting.ID,
			NumberOfShares:  shares,
			ShareValue:      unit,
			TotalAmountPaid: item.AmountPaid,
			CreatedByID:     r.actor,
		}); err != nil {
			return err
		}
		if _, err := ledger.PostDoubleEntry(r.ctx, r.tx, ledger.DoubleEntry{
			Direction:    ledger.Contribution,
			AccountType:  ledger.AccountShare,
			MemberSource: ledger.SourceDeposit,
			MemberID:     member.ID,
			GroupID:      r.meeting.GroupID,
			CycleID:      r.meeting.CycleID,
			MeetingID:    r.meetingID(),
			Amount:       item.AmountPaid,
			Date:         r.date(),
			Description:  fmt.Sprintf("Purchase of %s shares", shares.String()),
			ActorID:      r.actor,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) repayments() error {
	for _, item := range r.batch.Repayments {
		if !item.Amount.IsPositive() {
			continue
		}
		out, err := r.p.book.Repay(r.ctx, r.tx, ledger.RepayInput{
			LoanID:      item.LoanID,
			GroupID:     r.meeting.GroupID,
			MeetingID:   r.meetingID(),
			Amount:      item.Amount,
			Date:        r.date(),
			Description: item.Notes,
			ActorID:     r.actor,
		})
		switch {
		case errors.Is(err, ledger.ErrLoanNotFound):
			r.warn(Issue{
				Type:    IssueLoanNotFound,
				Message: fmt.Sprintf("loan %d not found in group %d", item.LoanID, r.meeting.GroupID),
				Field:   "loan_repayments_data",
			})
			continue
		case errors.Is(err, ledger.ErrLoanSettled):
			r.warn(Issue{
				Type:    IssueLoanAlreadyPaid,
				Message: fmt.Sprintf("loan %d has no outstanding balance", item.LoanID),
				Field:   "loan_repayments_data",
			})
			continue
		case err != nil:
			return err
		}
		if out.Clamped {
			r.warn(Issue{
				Type: IssueRepaymentClamped,
				Message: fmt.Sprintf("repayment of %s on loan %d exceeded the balance; %s applied",
					r.p.format.Format(out.Requested), item.LoanID, r.p.format.Format(out.Applied)),
				Field:      "loan_repayments_data",
				Suggestion: "Return the excess to the member or record it as savings",
			})
		}
	}
	return nil
}

func (r *run) socialFund() error {
	for _, item := range r.batch.SocialFund {
		if !item.Contributed || !item.Amount.IsPositive() {
			continue
		}
		member, ok, err := r.member(item.MemberID, "social_fund_contributions_data")
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := r.tx.InsertSocialFundTransaction(r.ctx, SocialFundTransaction{
			GroupID:         r.meeting.GroupID,
			CycleID:         r.meeting.CycleID,
			MeetingID:       r.meeting.ID,
			MemberID:        member.ID,
			Amount:          item.Amount,
			TransactionType: "contribution",
			Description:     "Social fund contribution of " + r.p.format.Format(item.Amount),
			TransactionDate: r.date(),
			CreatedByID:     r.actor,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) disbursements() error {
	for _, item := range r.batch.Loans {
		if !item.Amount.IsPositive() {
			continue
		}
		member, ok, err := r.member(item.BorrowerID, "loans_data")
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		existing, found, err := r.tx.FindLoanByMeetingBorrower(r.ctx, r.meeting.ID, member.ID)
		if err != nil {
			return err
		}
		if found {
			r.warn(Issue{
				Type:    IssueDuplicateLoan,
				Message: fmt.Sprintf("loan %d already exists for member %d in this meeting", existing.ID, member.ID),
				Field:   "loans_data",
			})
			continue
		}
		rate := item.InterestRate
		if rate.IsNegative() || rate.GreaterThan(maxInterestRate) {
			r.warn(Issue{
				Type:    IssueInvalidInterestRate,
				Message: fmt.Sprintf("interest rate %s%% for member %d is out of range; 0%% used", rate.String(), member.ID),
				Field:   "loans_data",
			})
			rate = decimal.Zero
		}
		duration := item.DurationMonths
		if duration < 1 {
			r.warn(Issue{
				Type:    IssueInvalidDuration,
				Message: fmt.Sprintf("loan duration %d for member %d is invalid; 1 month used", duration, member.ID),
				Field:   "loans_data",
			})
			duration = 1
		}
		if _, err := r.p.book.Disburse(r.ctx, r.tx, ledger.DisburseInput{
			CycleID:        r.meeting.CycleID,
			GroupID:        r.meeting.GroupID,
			MeetingID:      r.meetingID(),
			BorrowerID:     member.ID,
			Amount:         item.Amount,
			InterestRate:   rate,
			DurationMonths: duration,
			Purpose:        item.Purpose,
			Date:           r.date(),
			ActorID:        r.actor,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) actionPlans() error {
	if len(r.batch.PreviousPlans) == 0 && len(r.batch.UpcomingPlans) == 0 {
		return nil
	}
	available := r.p.opts.ActionPlansEnabled
	if available {
		var err error
		available, err = r.tx.ActionPlansAvailable(r.ctx)
		if err != nil {
			return err
		}
	}
	if !available {
		r.warn(Issue{
			Type:    IssueActionPlansUnavailable,
			Message: "action plans are not enabled; plan updates were not saved",
		})
		return nil
	}
	now := r.date()
	for _, update := range r.batch.PreviousPlans {
		if update.LocalID == "" {
			continue
		}
		plan, ok, err := r.tx.FindActionPlanByLocalID(r.ctx, update.LocalID)
		if err != nil {
			return err
		}
		if !ok {
			r.warn(Issue{
				Type:    IssueActionPlanNotFound,
				Message: fmt.Sprintf("action plan %q not found", update.LocalID),
				Field:   "previous_action_plans_data",
			})
			continue
		}
		if update.Status != "" {
			plan.Status = update.Status
		}
		if update.CompletionNotes != "" {
			plan.CompletionNotes = update.CompletionNotes
		}
		if plan.Status == PlanStatusCompleted && plan.CompletedAt == nil {
			completed := now
			plan.CompletedAt = &completed
		}
		if err := r.tx.UpdateActionPlan(r.ctx, plan); err != nil {
			return err
		}
	}
	for _, item := range r.batch.UpcomingPlans {
		priority := item.Priority
		if priority == "" {
			priority = "medium"
		}
		if _, err := r.tx.InsertActionPlan(r.ctx, ActionPlan{
			LocalID:            item.LocalID,
			MeetingID:          r.meeting.ID,
			CycleID:            r.meeting.CycleID,
			Action:             item.Action,
			Description:        item.Description,
			AssignedToMemberID: item.AssignedTo,
			Priority:           priority,
			DueDate:            item.DueDate,
			Status:             PlanStatusPending,
			CreatedByID:        r.actor,
		}); err != nil {
			r.warn(Issue{
				Type:    IssueActionPlanCreateFailed,
				Message: fmt.Sprintf("action plan %q could not be created: %v", item.Action, err),
				Field:   "upcoming_action_plans_data",
			})
		}
	}
	return nil
}

func humanize(t ledger.AccountType) string {
	s := strings.ReplaceAll(string(t), "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
