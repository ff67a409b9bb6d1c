// Package ledgertest provides an in-memory ledger.Store for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
)

// Store keeps ledger rows in memory. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	Entries   []ledger.AccountTransaction
	Loans     map[int64]ledger.Loan
	LoanLines []ledger.LoanTransaction
	Locked    []int64

	// FailInsertEntry makes InsertAccountTransaction fail once the given number of
	// entries exist. Zero disables the failure.
	FailInsertEntry int

	nextEntryID int64
	nextLoanID  int64
	nextLineID  int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{Loans: make(map[int64]ledger.Loan)}
}

// WithTx runs fn against the store directly. Writes are not rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.Store) error) error {
	return fn(ctx, s)
}

func (s *Store) InsertAccountTransaction(ctx context.Context, line ledger.AccountTransaction) (ledger.AccountTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsertEntry > 0 && len(s.Entries) >= s.FailInsertEntry {
		return ledger.AccountTransaction{}, fmt.Errorf("ledgertest: insert failed")
	}
	s.nextEntryID++
	line.ID = s.nextEntryID
	line.CreatedAt = time.Now()
	s.Entries = append(s.Entries, line)
	return line, nil
}

func (s *Store) SetContraEntry(ctx context.Context, id, contraID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Entries {
		if s.Entries[i].ID != id {
			continue
		}
		if s.Entries[i].ContraEntryID != nil {
			return fmt.Errorf("ledgertest: entry %d already linked", id)
		}
		linked := contraID
		s.Entries[i].ContraEntryID = &linked
		return nil
	}
	return fmt.Errorf("ledgertest: entry %d not found", id)
}

func (s *Store) InsertLoan(ctx context.Context, loan ledger.Loan) (ledger.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLoanID++
	loan.ID = s.nextLoanID
	loan.CreatedAt = time.Now()
	loan.UpdatedAt = loan.CreatedAt
	s.Loans[loan.ID] = loan
	return loan, nil
}

// PutLoan stores a loan with a fixed id, typically to seed fixtures.
func (s *Store) PutLoan(loan ledger.Loan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loan.ID > s.nextLoanID {
		s.nextLoanID = loan.ID
	}
	s.Loans[loan.ID] = loan
}

func (s *Store) GetLoan(ctx context.Context, id int64) (ledger.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loan, ok := s.Loans[id]
	if !ok || loan.VoidedAt != nil {
		return ledger.Loan{}, ledger.ErrLoanNotFound
	}
	return loan, nil
}

func (s *Store) GetLoanForUpdate(ctx context.Context, id int64) (ledger.Loan, error) {
	loan, err := s.GetLoan(ctx, id)
	if err != nil {
		return ledger.Loan{}, err
	}
	s.mu.Lock()
	s.Locked = append(s.Locked, id)
	s.mu.Unlock()
	return loan, nil
}

func (s *Store) UpdateLoanBalance(ctx context.Context, loan ledger.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.Loans[loan.ID]
	if !ok {
		return ledger.ErrLoanNotFound
	}
	current.TotalAmountDue = loan.TotalAmountDue
	current.AmountPaid = loan.AmountPaid
	current.Balance = loan.Balance
	current.Status = loan.Status
	current.UpdatedAt = loan.UpdatedAt
	s.Loans[loan.ID] = current
	return nil
}

func (s *Store) FindLoanByMeetingBorrower(ctx context.Context, meetingID, borrowerID int64) (ledger.Loan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, loan := range s.Loans {
		if loan.MeetingID != nil && *loan.MeetingID == meetingID && loan.BorrowerID == borrowerID && loan.VoidedAt == nil {
			return loan, true, nil
		}
	}
	return ledger.Loan{}, false, nil
}

func (s *Store) InsertLoanTransaction(ctx context.Context, line ledger.LoanTransaction) (ledger.LoanTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLineID++
	line.ID = s.nextLineID
	line.CreatedAt = time.Now()
	s.LoanLines = append(s.LoanLines, line)
	return line, nil
}

func (s *Store) SumLoanTransactions(ctx context.Context, loanID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sumLines(s.LoanLines, loanID), nil
}

// LinesFor returns the sub-ledger lines of one loan.
func (s *Store) LinesFor(loanID int64) []ledger.LoanTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.LoanTransaction
	for _, line := range s.LoanLines {
		if line.LoanID == loanID {
			out = append(out, line)
		}
	}
	return out
}

// EntryByID returns a general ledger row.
func (s *Store) EntryByID(id int64) (ledger.AccountTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return ledger.AccountTransaction{}, false
}

// UnpairedEntries returns rows whose contra link is missing, not reciprocal, of
// a different magnitude or on the same side as its partner.
func (s *Store) UnpairedEntries() []ledger.AccountTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[int64]ledger.AccountTransaction, len(s.Entries))
	for _, e := range s.Entries {
		byID[e.ID] = e
	}
	var out []ledger.AccountTransaction
	for _, e := range s.Entries {
		if e.ContraEntryID == nil {
			out = append(out, e)
			continue
		}
		contra, ok := byID[*e.ContraEntryID]
		if !ok || contra.ContraEntryID == nil || *contra.ContraEntryID != e.ID ||
			!contra.Amount.Abs().Equal(e.Amount.Abs()) || contra.OwnerType == e.OwnerType {
			out = append(out, e)
		}
	}
	return out
}

func sumLines(lines []ledger.LoanTransaction, loanID int64) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range lines {
		if line.LoanID == loanID && line.VoidedAt == nil {
			sum = sum.Add(line.Amount)
		}
	}
	return sum
}

// Snapshot captures the current rows. Calling the returned func restores them,
// which lets callers emulate a rolled back transaction.
func (s *Store) Snapshot() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]ledger.AccountTransaction(nil), s.Entries...)
	lines := append([]ledger.LoanTransaction(nil), s.LoanLines...)
	loans := make(map[int64]ledger.Loan, len(s.Loans))
	for id, loan := range s.Loans {
		loans[id] = loan
	}
	nextEntry, nextLoan, nextLine := s.nextEntryID, s.nextLoanID, s.nextLineID
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.Entries = entries
		s.LoanLines = lines
		s.Loans = loans
		s.nextEntryID, s.nextLoanID, s.nextLineID = nextEntry, nextLoan, nextLine
	}
}
