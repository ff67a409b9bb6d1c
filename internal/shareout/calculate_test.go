package shareout

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s got %s", want, got.String())
}

// twoMemberCycle: A holds 60 of 100 shares and owes 3000, B holds 40. Savings
// of 4000 plus 6000 of share purchases make a 10000 fund.
func twoMemberCycle() CalculationInput {
	return CalculationInput{
		ShareUnitValue: dec("100"),
		Ledgers: []MemberLedger{
			{MemberID: 1, Savings: dec("-2500"), Welfare: dec("-100")},
			{MemberID: 2, Savings: dec("-1500")},
		},
		Holdings: []Holding{
			{MemberID: 1, Shares: dec("60"), AmountPaid: dec("3600")},
			{MemberID: 2, Shares: dec("40"), AmountPaid: dec("2400")},
		},
		Loans: []ledger.Loan{{
			ID:             9,
			BorrowerID:     1,
			LoanAmount:     dec("3000"),
			TotalAmountDue: dec("3000"),
			AmountPaid:     dec("0"),
			Balance:        dec("3000"),
			Status:         ledger.LoanStatusActive,
		}},
	}
}

func TestCalculateDeductsOutstandingLoans(t *testing.T) {
	result := Calculate(twoMemberCycle())

	totals := result.Totals
	requireAmount(t, "4000", totals.TotalSavings)
	requireAmount(t, "6000", totals.TotalShareValue)
	requireAmount(t, "10000", totals.TotalDistributableFund)
	requireAmount(t, "3000", totals.TotalOutstandingLoans)
	requireAmount(t, "100", totals.TotalShares)
	requireAmount(t, "100", totals.FinalShareValue)
	requireAmount(t, "7000", totals.TotalActualPayout)
	require.Equal(t, 2, totals.TotalMembers)

	require.Len(t, result.Distributions, 2)
	a, b := result.Distributions[0], result.Distributions[1]
	require.Equal(t, int64(1), a.MemberID)
	requireAmount(t, "60", a.SharePercentage)
	requireAmount(t, "6000", a.ProportionalDistribution)
	requireAmount(t, "3000", a.OutstandingLoanPrincipal)
	requireAmount(t, "3000", a.TotalDeductions)
	requireAmount(t, "3000", a.FinalPayout)
	requireAmount(t, "2500", a.TotalSavings)
	requireAmount(t, "100", a.TotalWelfare)
	require.Equal(t, PaymentPending, a.PaymentStatus)

	requireAmount(t, "4000", b.ProportionalDistribution)
	requireAmount(t, "0", b.TotalDeductions)
	requireAmount(t, "4000", b.FinalPayout)
}

func TestCalculateFloorsPayoutAtZero(t *testing.T) {
	in := twoMemberCycle()
	in.Loans[0].LoanAmount = dec("8000")
	in.Loans[0].TotalAmountDue = dec("8800")
	in.Loans[0].AmountPaid = dec("1000")
	in.Loans[0].Balance = dec("7800")

	result := Calculate(in)

	a := result.Distributions[0]
	requireAmount(t, "7000", a.OutstandingLoanPrincipal)
	requireAmount(t, "800", a.OutstandingLoanInterest)
	requireAmount(t, "7800", a.TotalDeductions)
	require.True(t, a.FinalPayout.IsZero())
	requireAmount(t, "4000", result.Distributions[1].FinalPayout)
	requireAmount(t, "4000", result.Totals.TotalActualPayout)
}

func TestCalculateCountsOnlyCollectedInterest(t *testing.T) {
	in := twoMemberCycle()
	in.Loans = []ledger.Loan{
		{BorrowerID: 2, LoanAmount: dec("1000"), TotalAmountDue: dec("1100"), AmountPaid: dec("1100"), Balance: dec("0"), Status: ledger.LoanStatusPaid},
		{BorrowerID: 1, LoanAmount: dec("1000"), TotalAmountDue: dec("1100"), AmountPaid: dec("500"), Balance: dec("600"), Status: ledger.LoanStatusActive},
	}
	in.Ledgers[1].Fines = dec("-200")

	result := Calculate(in)

	requireAmount(t, "100", result.Totals.TotalLoanInterestEarned)
	requireAmount(t, "200", result.Totals.TotalFinesCollected)
	requireAmount(t, "10300", result.Totals.TotalDistributableFund)
	requireAmount(t, "600", result.Totals.TotalOutstandingLoans)

	a, b := result.Distributions[0], result.Distributions[1]
	requireAmount(t, "6180", a.ProportionalDistribution)
	requireAmount(t, "60", a.LoanInterestShare)
	requireAmount(t, "120", a.FineShare)
	requireAmount(t, "6180", a.TotalEntitled)
	requireAmount(t, "500", a.OutstandingLoanPrincipal)
	requireAmount(t, "100", a.OutstandingLoanInterest)
	requireAmount(t, "5580", a.FinalPayout)
	requireAmount(t, "4120", b.FinalPayout)
	requireAmount(t, "200", b.TotalFinesPaid)
}

func TestCalculateDeductsWaivedLoanAtBalance(t *testing.T) {
	in := CalculationInput{
		ShareUnitValue: dec("100"),
		Ledgers:        []MemberLedger{{MemberID: 1, Savings: dec("-1000")}},
		Holdings:       []Holding{{MemberID: 1, Shares: dec("10"), AmountPaid: dec("1000")}},
		Loans: []ledger.Loan{{
			ID:             4,
			BorrowerID:     1,
			LoanAmount:     dec("1000"),
			TotalAmountDue: dec("800"),
			AmountPaid:     dec("0"),
			Balance:        dec("800"),
			Status:         ledger.LoanStatusActive,
		}},
	}

	result := Calculate(in)

	requireAmount(t, "800", result.Totals.TotalOutstandingLoans)
	a := result.Distributions[0]
	requireAmount(t, "2000", a.ProportionalDistribution)
	requireAmount(t, "800", a.OutstandingLoanPrincipal)
	requireAmount(t, "0", a.OutstandingLoanInterest)
	requireAmount(t, "800", a.TotalDeductions)
	requireAmount(t, "1200", a.FinalPayout)
	requireAmount(t, "1200", result.Totals.TotalActualPayout)
}

func TestCalculateWithoutShares(t *testing.T) {
	in := twoMemberCycle()
	in.Holdings = nil

	result := Calculate(in)

	require.Empty(t, result.Distributions)
	require.True(t, result.Totals.FinalShareValue.IsZero())
	require.True(t, result.Totals.TotalActualPayout.IsZero())
	requireAmount(t, "4000", result.Totals.TotalDistributableFund)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusDraft.CanTransition(StatusCalculated))
	require.True(t, StatusCalculated.CanTransition(StatusCalculated))
	require.True(t, StatusCalculated.CanTransition(StatusApproved))
	require.True(t, StatusApproved.CanTransition(StatusProcessing))
	require.True(t, StatusProcessing.CanTransition(StatusCompleted))
	require.True(t, StatusApproved.CanTransition(StatusCancelled))
	require.False(t, StatusApproved.CanTransition(StatusCalculated))
	require.False(t, StatusCompleted.CanTransition(StatusCancelled))
	require.False(t, StatusCancelled.CanTransition(StatusCalculated))
	require.True(t, StatusCompleted.Terminal())

	require.True(t, PaymentPending.CanTransition(PaymentDeferred))
	require.True(t, PaymentDeferred.CanTransition(PaymentPaid))
	require.False(t, PaymentPaid.CanTransition(PaymentPending))
	require.False(t, PaymentWaived.CanTransition(PaymentPaid))
}
