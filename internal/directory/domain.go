package directory

import (
	"context"

	"github.com/shopspring/decimal"
)

// Member is a person belonging to a savings group.
type Member struct {
	ID      int64
	Name    string
	Phone   string
	GroupID int64
}

// Cycle is a bounded savings period of one group.
type Cycle struct {
	ID            int64
	GroupID       int64
	Name          string
	IsVSLACycle   bool
	IsActiveCycle bool
	ShareValue    decimal.Decimal
	Status        string
}

// Cycle statuses written by this service.
const (
	CycleStatusOngoing   = "ongoing"
	CycleStatusCompleted = "completed"
)

// Lookup resolves members and cycles. Missing records are reported through the
// boolean result, never as errors.
type Lookup interface {
	FindMember(ctx context.Context, id int64) (Member, bool, error)
	FindCycle(ctx context.Context, id int64) (Cycle, bool, error)
	ListGroupMembers(ctx context.Context, groupID int64) ([]Member, error)
}
