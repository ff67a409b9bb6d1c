package meetings_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/meetings"
	"github.com/vsla-platform/vsla-ledger/internal/shared"
)

func TestProcessSavingsContribution(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	m := h.repo.addMeeting(t, "dev-1", map[string]any{
		"attendance": []map[string]any{
			{"member_id": memberA, "is_present": true},
			{"member_id": memberB, "is_present": true},
		},
		"transactions": []map[string]any{
			{"member_id": memberA, "account_type": "savings", "amount": 5000},
		},
	}, "5000")

	result := h.process(t, m.ID)

	require.True(t, result.Success)
	require.Empty(t, result.Errors)
	require.Empty(t, result.Warnings)
	require.Len(t, h.repo.Entries, 2)
	member, group := h.repo.Entries[0], h.repo.Entries[1]
	require.Equal(t, ledger.OwnerMember, member.OwnerType)
	require.Equal(t, ledger.AccountSavings, member.AccountType)
	requireAmount(t, "-5000", member.Amount)
	require.Equal(t, ledger.OwnerGroup, group.OwnerType)
	requireAmount(t, "5000", group.Amount)
	require.Equal(t, group.ID, *member.ContraEntryID)
	require.Equal(t, member.ID, *group.ContraEntryID)
	require.Equal(t, m.ID, *member.MeetingID)
	require.Empty(t, h.repo.UnpairedEntries())

	stored, err := h.processor.GetMeeting(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, meetings.StatusCompleted, stored.Status)
	require.False(t, stored.HasErrors)
	require.Equal(t, actorID, *stored.ProcessedByID)
	require.Equal(t, []int64{groupID}, h.lock.acquired)
	require.Equal(t, 1, h.lock.released)
}

func TestProcessLoanDisbursementAndRepayment(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	first := h.repo.addMeeting(t, "dev-1", map[string]any{
		"attendance": []map[string]any{{"member_id": memberA, "is_present": true}},
		"loans": []map[string]any{
			{"borrower_id": memberA, "loan_amount": "100000", "interest_rate": 10, "duration_months": 3, "purpose": "seed"},
		},
	}, "0")

	result := h.process(t, first.ID)
	require.True(t, result.Success)
	require.Len(t, h.repo.Loans, 1)
	loan := h.repo.Loans[1]
	requireAmount(t, "110000", loan.TotalAmountDue)
	requireAmount(t, "110000", loan.Balance)
	require.Equal(t, ledger.LoanStatusActive, loan.Status)
	require.Equal(t, first.ID, *loan.MeetingID)

	lines := h.repo.LinesFor(loan.ID)
	require.Len(t, lines, 2)
	requireAmount(t, "-100000", lines[0].Amount)
	requireAmount(t, "-10000", lines[1].Amount)
	require.Len(t, h.repo.Entries, 2)
	requireAmount(t, "-100000", h.repo.Entries[0].Amount)
	requireAmount(t, "-100000", h.repo.Entries[1].Amount)

	second := h.repo.addMeeting(t, "dev-2", map[string]any{
		"attendance": []map[string]any{{"member_id": memberA, "is_present": true}},
		"repayments": []map[string]any{{"loanId": loan.ID, "amount": 110000}},
	}, "0")

	result = h.process(t, second.ID)
	require.True(t, result.Success)
	require.Empty(t, result.Warnings)
	loan = h.repo.Loans[loan.ID]
	require.True(t, loan.Balance.IsZero())
	require.Equal(t, ledger.LoanStatusPaid, loan.Status)

	lines = h.repo.LinesFor(loan.ID)
	require.Len(t, lines, 3)
	require.Equal(t, ledger.LoanTxnPayment, lines[2].Type)
	requireAmount(t, "110000", lines[2].Amount)
	require.True(t, ledger.CalculateLoanBalance(lines).IsZero())

	require.Len(t, h.repo.Entries, 4)
	requireAmount(t, "110000", h.repo.Entries[2].Amount)
	requireAmount(t, "110000", h.repo.Entries[3].Amount)
	require.Empty(t, h.repo.UnpairedEntries())
}

func TestProcessRejectsDuplicateLocalID(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	payload := map[string]any{
		"attendance":   []map[string]any{{"member_id": memberA, "is_present": true}},
		"transactions": []map[string]any{{"member_id": memberA, "account_type": "savings", "amount": 5000}},
	}
	first := h.repo.addMeeting(t, "dev-1", payload, "5000")
	require.True(t, h.process(t, first.ID).Success)
	before := len(h.repo.Entries)

	dup := h.repo.addMeeting(t, "dev-1", payload, "5000")
	result := h.process(t, dup.ID)

	require.False(t, result.Success)
	require.Equal(t, []string{meetings.IssueDuplicate}, issueTypes(result.Errors))
	require.Len(t, h.repo.Entries, before)
	stored, err := h.processor.GetMeeting(context.Background(), dup.ID)
	require.NoError(t, err)
	require.Equal(t, meetings.StatusFailed, stored.Status)
	require.True(t, stored.HasErrors)
}

func TestProcessRecordsAbsentMembers(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	m := h.repo.addMeeting(t, "dev-1", map[string]any{
		"attendance": []map[string]any{
			{"memberId": memberA, "present": "yes"},
			{"member_id": outsider, "is_present": true},
		},
	}, "0")

	result := h.process(t, m.ID)

	require.True(t, result.Success)
	require.Equal(t, []string{meetings.IssueMemberNotFound}, issueTypes(result.Warnings))
	require.Len(t, h.repo.attendance, 2)
	require.True(t, h.repo.attendance[[2]int64{m.ID, memberA}].IsPresent)
	absent := h.repo.attendance[[2]int64{m.ID, memberB}]
	require.False(t, absent.IsPresent)
	require.Equal(t, meetings.AbsentNotRecorded, absent.AbsentReason)
}

func TestProcessWarnsButCompletes(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	m := h.repo.addMeeting(t, "dev-1", map[string]any{
		"transactions": []map[string]any{
			{"member_id": memberA, "account_type": "savings", "amount": 5000},
			{"member_id": memberB, "type": "bonus", "amount": 100},
			{"member_id": outsider, "account_type": "fine", "amount": 100},
		},
		"repayments": []map[string]any{{"loan_id": 404, "amount": 100}},
	}, "4000")

	result := h.process(t, m.ID)

	require.True(t, result.Success)
	require.ElementsMatch(t, []string{
		meetings.IssueNoAttendance,
		meetings.IssueSavingsMismatch,
		meetings.IssueUnknownAccountType,
		meetings.IssueMemberNotFound,
		meetings.IssueLoanNotFound,
	}, issueTypes(result.Warnings))
	require.Len(t, h.repo.Entries, 2)
	require.Len(t, h.repo.attendance, 2)

	stored, err := h.processor.GetMeeting(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, meetings.StatusCompleted, stored.Status)
	require.True(t, stored.HasWarnings)
}

func TestProcessClampsOverpayment(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	h.repo.PutLoan(ledger.Loan{
		ID:             5,
		CycleID:        cycleID,
		GroupID:        groupID,
		BorrowerID:     memberA,
		LoanAmount:     decimal.NewFromInt(1000),
		TotalAmountDue: decimal.NewFromInt(1000),
		AmountPaid:     decimal.Zero,
		Balance:        decimal.NewFromInt(1000),
		Status:         ledger.LoanStatusActive,
	})
	m := h.repo.addMeeting(t, "dev-1", map[string]any{
		"attendance": []map[string]any{{"member_id": memberA, "is_present": true}},
		"repayments": []map[string]any{{"loan_id": 5, "amount": "1,500"}},
	}, "0")

	result := h.process(t, m.ID)

	require.True(t, result.Success)
	require.Equal(t, []string{meetings.IssueRepaymentClamped}, issueTypes(result.Warnings))
	loan := h.repo.Loans[5]
	require.True(t, loan.Balance.IsZero())
	require.Equal(t, ledger.LoanStatusPaid, loan.Status)
	requireAmount(t, "1000", h.repo.Entries[0].Amount)
}

func TestProcessFailureRollsBackAndMarksFailed(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	h.repo.failShares = errBoom
	m := h.repo.addMeeting(t, "dev-1", map[string]any{
		"attendance":   []map[string]any{{"member_id": memberA, "is_present": true}},
		"transactions": []map[string]any{{"member_id": memberA, "account_type": "savings", "amount": 5000}},
		"shares":       []map[string]any{{"investor_id": memberA, "amount": 4000}},
		"social_fund":  []map[string]any{{"member_id": memberA, "amount": 500}},
	}, "5000")

	result := h.process(t, m.ID)

	require.False(t, result.Success)
	require.Equal(t, []string{meetings.IssueDatabase}, issueTypes(result.Errors))
	require.Contains(t, result.Errors[0].Message, "share purchases")
	require.Empty(t, h.repo.Entries)
	require.Empty(t, h.repo.attendance)
	require.Empty(t, h.repo.socialFund)

	stored, err := h.processor.GetMeeting(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, meetings.StatusFailed, stored.Status)
	require.Equal(t, result.Errors, stored.Errors)

	h.repo.failShares = nil
	result = h.process(t, m.ID)
	require.True(t, result.Success)
	require.Len(t, h.repo.shares, 1)
	requireAmount(t, "2", h.repo.shares[0].NumberOfShares)
	requireAmount(t, "2000", h.repo.shares[0].ShareValue)
	require.Len(t, h.repo.socialFund, 1)
	require.Len(t, h.repo.Entries, 4)
}

func TestProcessActionPlans(t *testing.T) {
	payload := map[string]any{
		"attendance": []map[string]any{{"member_id": memberA, "is_present": true}},
		"previous_plans": []map[string]any{
			{"local_id": "plan-1", "status": "Completed", "notes": "done"},
			{"local_id": "plan-missing", "status": "completed"},
		},
		"upcoming_plans": []map[string]any{
			{"local_id": "plan-2", "action": "Buy goats", "assigned_to": memberB, "due_date": "2025-04-01"},
		},
	}

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, meetings.PipelineOptions{})
		m := h.repo.addMeeting(t, "dev-1", payload, "0")
		result := h.process(t, m.ID)
		require.True(t, result.Success)
		require.Equal(t, []string{meetings.IssueActionPlansUnavailable}, issueTypes(result.Warnings))
		require.Empty(t, h.repo.plans)
	})

	t.Run("table missing", func(t *testing.T) {
		h := newHarness(t, meetings.PipelineOptions{ActionPlansEnabled: true})
		m := h.repo.addMeeting(t, "dev-1", payload, "0")
		result := h.process(t, m.ID)
		require.True(t, result.Success)
		require.Equal(t, []string{meetings.IssueActionPlansUnavailable}, issueTypes(result.Warnings))
	})

	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t, meetings.PipelineOptions{ActionPlansEnabled: true})
		h.repo.plansAvailable = true
		h.repo.plans["plan-1"] = meetings.ActionPlan{ID: 1, LocalID: "plan-1", Action: "Open account", Status: meetings.PlanStatusPending}
		m := h.repo.addMeeting(t, "dev-1", payload, "0")

		result := h.process(t, m.ID)

		require.True(t, result.Success)
		require.Equal(t, []string{meetings.IssueActionPlanNotFound}, issueTypes(result.Warnings))
		done := h.repo.plans["plan-1"]
		require.Equal(t, meetings.PlanStatusCompleted, done.Status)
		require.Equal(t, "done", done.CompletionNotes)
		require.NotNil(t, done.CompletedAt)
		created := h.repo.plans["plan-2"]
		require.Equal(t, "Buy goats", created.Action)
		require.Equal(t, "medium", created.Priority)
		require.Equal(t, memberB, *created.AssignedToMemberID)
		require.NotNil(t, created.DueDate)
	})
}

func TestProcessRejectsCompletedMeeting(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	m := h.repo.addMeeting(t, "dev-1", nil, "0")
	require.True(t, h.process(t, m.ID).Success)

	_, err := h.processor.Process(context.Background(), m.ID, actorID)
	require.ErrorIs(t, err, meetings.ErrInvalidTransition)

	err = h.processor.Reset(context.Background(), m.ID, actorID)
	require.ErrorIs(t, err, meetings.ErrInvalidTransition)
}

func TestProcessRequiresActorAndMeeting(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	_, err := h.processor.Process(context.Background(), 1, 0)
	require.ErrorIs(t, err, shared.ErrActorRequired)

	_, err = h.processor.Process(context.Background(), 404, actorID)
	require.ErrorIs(t, err, meetings.ErrMeetingNotFound)
}

func TestProcessGroupBusy(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	h.lock.err = shared.ErrLockHeld
	m := h.repo.addMeeting(t, "dev-1", nil, "0")

	_, err := h.processor.Process(context.Background(), m.ID, actorID)

	require.ErrorIs(t, err, meetings.ErrGroupBusy)
	stored, err := h.processor.GetMeeting(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, meetings.StatusPending, stored.Status)
}

func TestResetFailedMeeting(t *testing.T) {
	h := newHarness(t, meetings.PipelineOptions{})
	m := h.repo.addMeeting(t, "dev-1", nil, "0")
	m.CycleID = 404
	h.repo.meetings[m.ID] = m

	result := h.process(t, m.ID)
	require.False(t, result.Success)
	require.Equal(t, []string{meetings.IssueCycleNotFound}, issueTypes(result.Errors))

	require.NoError(t, h.processor.Reset(context.Background(), m.ID, actorID))
	stored, err := h.processor.GetMeeting(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, meetings.StatusPending, stored.Status)
}
