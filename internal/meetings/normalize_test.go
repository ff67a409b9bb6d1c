package meetings_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/meetings"
)

func TestNormalizePayloadAliases(t *testing.T) {
	m := meetings.Meeting{
		AttendanceData: json.RawMessage(`[
			{"member_id": 11, "is_present": "1"},
			{"memberId": 12, "present": 0, "absence_reason": "sick"},
			{"user_id": "13", "attended": "YES"}
		]`),
		TransactionsData: json.RawMessage(`[
			{"memberId": 11, "type": "Savings", "amount": "5,000.50"},
			{"member_id": 12, "account_type": "loan", "amount": 10}
		]`),
		SharePurchasesData: json.RawMessage(`[{"memberId": 11, "shares": 3, "amount": 6000}]`),
		LoansData:          json.RawMessage(`[{"user_id": 12, "principal": 2500, "interestRate": "5", "loan_duration": 2}]`),
		SocialFundContributionsData: json.RawMessage(`[
			{"member_id": 11, "amount": 500},
			{"member_id": 12, "amount": 500, "has_contributed": false}
		]`),
		LoanRepaymentsData: json.RawMessage(`null`),
	}

	batch, issues := meetings.NormalizePayload(m)

	require.Empty(t, issues)
	require.Len(t, batch.Attendance, 3)
	require.True(t, batch.Attendance[0].Present)
	require.False(t, batch.Attendance[1].Present)
	require.Equal(t, "sick", batch.Attendance[1].AbsentReason)
	require.Equal(t, int64(13), batch.Attendance[2].MemberID)
	require.True(t, batch.Attendance[2].Present)

	require.Len(t, batch.Transactions, 2)
	require.True(t, batch.Transactions[0].Known)
	require.Equal(t, ledger.AccountSavings, batch.Transactions[0].AccountType)
	requireAmount(t, "5000.50", batch.Transactions[0].Amount)
	require.False(t, batch.Transactions[1].Known)

	require.Equal(t, int64(11), batch.SharePurchases[0].InvestorID)
	requireAmount(t, "3", batch.SharePurchases[0].Shares)
	requireAmount(t, "6000", batch.SharePurchases[0].AmountPaid)

	require.Equal(t, int64(12), batch.Loans[0].BorrowerID)
	requireAmount(t, "2500", batch.Loans[0].Amount)
	requireAmount(t, "5", batch.Loans[0].InterestRate)
	require.Equal(t, 2, batch.Loans[0].DurationMonths)

	require.True(t, batch.SocialFund[0].Contributed)
	require.False(t, batch.SocialFund[1].Contributed)
	require.Empty(t, batch.Repayments)
}

func TestNormalizePayloadReportsBrokenSections(t *testing.T) {
	m := meetings.Meeting{
		AttendanceData:   json.RawMessage(`{"member_id": 11}`),
		TransactionsData: json.RawMessage(`[{"member_id": 11, "account_type": "fine", "amount": 200}]`),
	}

	batch, issues := meetings.NormalizePayload(m)

	require.Len(t, issues, 1)
	require.Equal(t, meetings.IssueInvalidPayload, issues[0].Type)
	require.Equal(t, "attendance_data", issues[0].Field)
	require.Empty(t, batch.Attendance)
	require.Len(t, batch.Transactions, 1)
	require.Equal(t, ledger.AccountFine, batch.Transactions[0].AccountType)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, meetings.StatusPending.CanTransition(meetings.StatusProcessing))
	require.True(t, meetings.StatusProcessing.CanTransition(meetings.StatusCompleted))
	require.True(t, meetings.StatusProcessing.CanTransition(meetings.StatusFailed))
	require.True(t, meetings.StatusFailed.CanTransition(meetings.StatusProcessing))
	require.True(t, meetings.StatusFailed.CanTransition(meetings.StatusPending))
	require.False(t, meetings.StatusPending.CanTransition(meetings.StatusCompleted))
	require.False(t, meetings.StatusCompleted.CanTransition(meetings.StatusPending))
	require.False(t, meetings.StatusCompleted.CanTransition(meetings.StatusProcessing))
}
