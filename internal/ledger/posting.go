package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Store exposes the transactional writes and reads the ledger needs. Implementations
// are bound to a single database transaction.
type Store interface {
	InsertAccountTransaction(ctx context.Context, line AccountTransaction) (AccountTransaction, error)
	SetContraEntry(ctx context.Context, id, contraID int64) error
	InsertLoan(ctx context.Context, loan Loan) (Loan, error)
	GetLoan(ctx context.Context, id int64) (Loan, error)
	GetLoanForUpdate(ctx context.Context, id int64) (Loan, error)
	UpdateLoanBalance(ctx context.Context, loan Loan) error
	FindLoanByMeetingBorrower(ctx context.Context, meetingID, borrowerID int64) (Loan, bool, error)
	InsertLoanTransaction(ctx context.Context, line LoanTransaction) (LoanTransaction, error)
	SumLoanTransactions(ctx context.Context, loanID int64) (decimal.Decimal, error)
}

// Direction holds the sign applied to the member and group side of a pair.
type Direction struct {
	Member int
	Group  int
}

var (
	// Contribution: the member pays in, the group receives.
	Contribution = Direction{Member: -1, Group: 1}
	// Disbursement: cash leaves the group and the member takes on debt.
	Disbursement = Direction{Member: -1, Group: -1}
	// Repayment: debt is reduced from both viewpoints.
	Repayment = Direction{Member: 1, Group: 1}
)

func (d Direction) valid() bool {
	return (d.Member == 1 || d.Member == -1) && (d.Group == 1 || d.Group == -1)
}

// DoubleEntry describes one economic event to be recorded as a linked pair.
type DoubleEntry struct {
	Direction    Direction
	AccountType  AccountType
	MemberSource string
	GroupSource  string
	MemberID     int64
	GroupID      int64
	CycleID      int64
	MeetingID    *int64
	Amount       decimal.Decimal
	Date         time.Time
	Description  string
	ActorID      int64
}

// Validate ensures the entry can be posted.
func (e DoubleEntry) Validate() error {
	if !e.Direction.valid() {
		return errors.New("ledger: direction required")
	}
	if !e.AccountType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAccountType, e.AccountType)
	}
	if e.MemberID == 0 {
		return errors.New("ledger: member required")
	}
	if e.GroupID == 0 {
		return errors.New("ledger: group required")
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// Pair is the result of posting a DoubleEntry.
type Pair struct {
	Member AccountTransaction
	Group  AccountTransaction
}

// PostDoubleEntry writes the member line, then the group contra line, then links
// the member line back to the contra line.
func PostDoubleEntry(ctx context.Context, store Store, e DoubleEntry) (Pair, error) {
	if err := e.Validate(); err != nil {
		return Pair{}, err
	}
	if e.Date.IsZero() {
		e.Date = time.Now()
	}
	groupSource := e.GroupSource
	if groupSource == "" {
		groupSource = e.MemberSource
	}
	memberID := e.MemberID
	member, err := store.InsertAccountTransaction(ctx, AccountTransaction{
		Amount:          e.Amount.Mul(decimal.NewFromInt(int64(e.Direction.Member))),
		OwnerType:       OwnerMember,
		UserID:          &memberID,
		GroupID:         e.GroupID,
		MeetingID:       e.MeetingID,
		CycleID:         e.CycleID,
		AccountType:     e.AccountType,
		Source:          e.MemberSource,
		TransactionDate: e.Date,
		Description:     e.Description,
		CreatedByID:     e.ActorID,
	})
	if err != nil {
		return Pair{}, fmt.Errorf("ledger: insert member entry: %w", err)
	}
	memberLineID := member.ID
	group, err := store.InsertAccountTransaction(ctx, AccountTransaction{
		Amount:          e.Amount.Mul(decimal.NewFromInt(int64(e.Direction.Group))),
		OwnerType:       OwnerGroup,
		UserID:          &memberID,
		GroupID:         e.GroupID,
		MeetingID:       e.MeetingID,
		CycleID:         e.CycleID,
		AccountType:     e.AccountType,
		Source:          groupSource,
		ContraEntryID:   &memberLineID,
		IsContraEntry:   true,
		TransactionDate: e.Date,
		Description:     e.Description,
		CreatedByID:     e.ActorID,
	})
	if err != nil {
		return Pair{}, fmt.Errorf("ledger: insert group entry: %w", err)
	}
	if err := store.SetContraEntry(ctx, member.ID, group.ID); err != nil {
		return Pair{}, fmt.Errorf("ledger: link contra entry: %w", err)
	}
	groupLineID := group.ID
	member.ContraEntryID = &groupLineID
	return Pair{Member: member, Group: group}, nil
}
