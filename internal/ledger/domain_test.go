package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
)

func TestLoanStatusTransitions(t *testing.T) {
	require.True(t, ledger.LoanStatusPending.CanTransition(ledger.LoanStatusActive))
	require.True(t, ledger.LoanStatusActive.CanTransition(ledger.LoanStatusDefaulted))
	require.True(t, ledger.LoanStatusDefaulted.CanTransition(ledger.LoanStatusPaid))
	require.True(t, ledger.LoanStatusPaid.CanTransition(ledger.LoanStatusActive))
	require.False(t, ledger.LoanStatusPaid.CanTransition(ledger.LoanStatusDefaulted))
	require.False(t, ledger.LoanStatusActive.CanTransition(ledger.LoanStatusPending))
}

func TestLoanDerivedAmounts(t *testing.T) {
	loan := ledger.Loan{LoanAmount: dec("1000"), TotalAmountDue: dec("1100"), AmountPaid: dec("1050"), Status: ledger.LoanStatusActive}
	loan.Recalculate()

	requireAmount(t, "50", loan.Balance)
	requireAmount(t, "1000", loan.PrincipalPaid())
	requireAmount(t, "50", loan.InterestPaid())
	requireAmount(t, "0", loan.OutstandingPrincipal())
	requireAmount(t, "50", loan.OutstandingInterest())
	require.Equal(t, ledger.LoanStatusActive, loan.Status)

	loan.AmountPaid = dec("1099.995")
	loan.Recalculate()
	require.Equal(t, ledger.LoanStatusPaid, loan.Status)
}

func TestLoanDerivedAmountsAfterWaiver(t *testing.T) {
	cases := []struct {
		name      string
		due, paid string
		principal string
		interest  string
	}{
		{name: "waiver within interest", due: "1050", paid: "0", principal: "1000", interest: "50"},
		{name: "waiver into principal", due: "800", paid: "0", principal: "800", interest: "0"},
		{name: "partly repaid then waived", due: "900", paid: "600", principal: "300", interest: "0"},
		{name: "principal repaid", due: "1100", paid: "1000", principal: "0", interest: "100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loan := ledger.Loan{LoanAmount: dec("1000"), TotalAmountDue: dec(tc.due), AmountPaid: dec(tc.paid), Status: ledger.LoanStatusActive}
			loan.Recalculate()

			requireAmount(t, tc.principal, loan.OutstandingPrincipal())
			requireAmount(t, tc.interest, loan.OutstandingInterest())
			requireAmount(t, loan.Balance.String(), loan.OutstandingPrincipal().Add(loan.OutstandingInterest()))
			require.False(t, loan.InterestDue().IsNegative())
		})
	}
}

func TestCalculateLoanBalanceIgnoresVoidedLines(t *testing.T) {
	voided := time.Now()
	lines := []ledger.LoanTransaction{
		{Amount: dec("-500"), Type: ledger.LoanTxnPrincipal},
		{Amount: dec("-50"), Type: ledger.LoanTxnInterest},
		{Amount: dec("200"), Type: ledger.LoanTxnPayment},
		{Amount: dec("100"), Type: ledger.LoanTxnPayment, VoidedAt: &voided},
	}
	requireAmount(t, "350", ledger.CalculateLoanBalance(lines))
}

func TestParseContributionType(t *testing.T) {
	for raw, want := range map[string]ledger.AccountType{
		"Savings":     ledger.AccountSavings,
		"fines":       ledger.AccountFine,
		"social fund": ledger.AccountSocialFund,
		"welfare":     ledger.AccountWelfare,
	} {
		got, ok := ledger.ParseContributionType(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got)
	}
	_, ok := ledger.ParseContributionType("loan")
	require.False(t, ok)
}

func TestAmountFormatterPrefixesCurrency(t *testing.T) {
	out := ledger.NewAmountFormatter("ugx").Format(dec("1500.5"))
	require.Contains(t, out, "UGX ")
	require.Contains(t, out, ".50")
}
