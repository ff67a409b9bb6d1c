package shareout

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
)

var hundred = decimal.NewFromInt(100)

// MemberLedger holds the summed member-side ledger rows of one member for a
// cycle, signed as stored: money paid in is negative.
type MemberLedger struct {
	MemberID int64
	Savings  decimal.Decimal
	Fines    decimal.Decimal
	Welfare  decimal.Decimal
}

// Holding is the shares one member bought during a cycle.
type Holding struct {
	MemberID   int64
	Shares     decimal.Decimal
	AmountPaid decimal.Decimal
}

// CalculationInput is everything the calculator reads for one cycle.
type CalculationInput struct {
	ShareUnitValue decimal.Decimal
	Ledgers        []MemberLedger
	Holdings       []Holding
	Loans          []ledger.Loan
}

// CalculationResult is the computed snapshot, before persistence.
type CalculationResult struct {
	Totals        Totals
	Distributions []Distribution
}

// Calculate computes cycle totals and one distribution per shareholder.
//
// The distributable fund is savings + share value + interest actually
// collected + fines. Each member is entitled to the fund in proportion to
// shares held; loan interest and fine shares are reported as a breakdown of that
// entitlement and are not added to it. Outstanding principal and unpaid interest
// on the member's active loans are deducted, and the payout never drops below zero.
func Calculate(in CalculationInput) CalculationResult {
	var totals Totals
	ledgers := make(map[int64]MemberLedger, len(in.Ledgers))
	for _, l := range in.Ledgers {
		acc := ledgers[l.MemberID]
		acc.MemberID = l.MemberID
		acc.Savings = acc.Savings.Add(l.Savings)
		acc.Fines = acc.Fines.Add(l.Fines)
		acc.Welfare = acc.Welfare.Add(l.Welfare)
		ledgers[l.MemberID] = acc
		totals.TotalSavings = totals.TotalSavings.Sub(l.Savings)
		totals.TotalFinesCollected = totals.TotalFinesCollected.Sub(l.Fines)
	}

	holdings := make(map[int64]Holding, len(in.Holdings))
	for _, h := range in.Holdings {
		acc := holdings[h.MemberID]
		acc.MemberID = h.MemberID
		acc.Shares = acc.Shares.Add(h.Shares)
		acc.AmountPaid = acc.AmountPaid.Add(h.AmountPaid)
		holdings[h.MemberID] = acc
		totals.TotalShareValue = totals.TotalShareValue.Add(h.AmountPaid)
		totals.TotalShares = totals.TotalShares.Add(h.Shares)
	}

	type debt struct{ principal, interest decimal.Decimal }
	debts := make(map[int64]debt)
	for _, loan := range in.Loans {
		if loan.VoidedAt != nil {
			continue
		}
		totals.TotalLoanInterestEarned = totals.TotalLoanInterestEarned.Add(loan.InterestPaid())
		if loan.Status != ledger.LoanStatusActive {
			continue
		}
		totals.TotalOutstandingLoans = totals.TotalOutstandingLoans.Add(loan.Balance)
		d := debts[loan.BorrowerID]
		d.principal = d.principal.Add(loan.OutstandingPrincipal())
		d.interest = d.interest.Add(loan.OutstandingInterest())
		debts[loan.BorrowerID] = d
	}

	totals.TotalDistributableFund = totals.TotalSavings.
		Add(totals.TotalShareValue).
		Add(totals.TotalLoanInterestEarned).
		Add(totals.TotalFinesCollected)
	totals.ShareUnitValue = in.ShareUnitValue
	if totals.TotalShares.IsPositive() {
		totals.FinalShareValue = totals.TotalDistributableFund.Div(totals.TotalShares).Round(4)
	}

	memberIDs := make([]int64, 0, len(holdings))
	for id, h := range holdings {
		if h.Shares.IsPositive() {
			memberIDs = append(memberIDs, id)
		}
	}
	sort.Slice(memberIDs, func(i, j int) bool { return memberIDs[i] < memberIDs[j] })

	distributions := make([]Distribution, 0, len(memberIDs))
	for _, id := range memberIDs {
		h := holdings[id]
		l := ledgers[id]
		d := debts[id]
		ratio := h.Shares.Div(totals.TotalShares)

		dist := Distribution{
			MemberID:                 id,
			TotalSavings:             l.Savings.Neg(),
			TotalShares:              h.Shares,
			ShareAmountPaid:          h.AmountPaid,
			TotalFinesPaid:           l.Fines.Neg(),
			TotalWelfare:             l.Welfare.Neg(),
			SharePercentage:          ratio.Mul(hundred).Round(4),
			ProportionalDistribution: ratio.Mul(totals.TotalDistributableFund).Round(2),
			LoanInterestShare:        ratio.Mul(totals.TotalLoanInterestEarned).Round(2),
			FineShare:                ratio.Mul(totals.TotalFinesCollected).Round(2),
			OutstandingLoanPrincipal: d.principal.Round(2),
			OutstandingLoanInterest:  d.interest.Round(2),
			PaymentStatus:            PaymentPending,
		}
		dist.TotalEntitled = dist.ProportionalDistribution
		dist.TotalDeductions = dist.OutstandingLoanPrincipal.Add(dist.OutstandingLoanInterest)
		dist.FinalPayout = decimal.Max(decimal.Zero, dist.TotalEntitled.Sub(dist.TotalDeductions))
		totals.TotalActualPayout = totals.TotalActualPayout.Add(dist.FinalPayout)
		distributions = append(distributions, dist)
	}
	totals.TotalMembers = len(distributions)
	return CalculationResult{Totals: totals, Distributions: distributions}
}
