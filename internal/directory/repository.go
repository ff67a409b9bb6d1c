package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/vsla-platform/vsla-ledger/internal/platform/db"
)

// Repository implements Lookup over PostgreSQL.
type Repository struct {
	q db.Querier
}

// NewRepository constructs Repository. q may be a pool or a transaction.
func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

// FindMember loads an active member by id.
func (r *Repository) FindMember(ctx context.Context, id int64) (Member, bool, error) {
	var m Member
	err := r.q.QueryRow(ctx, `SELECT id, name, phone, group_id FROM members WHERE id=$1 AND is_active`, id).
		Scan(&m.ID, &m.Name, &m.Phone, &m.GroupID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, false, nil
		}
		return Member{}, false, err
	}
	return m, true, nil
}

// FindCycle loads a cycle by id.
func (r *Repository) FindCycle(ctx context.Context, id int64) (Cycle, bool, error) {
	var c Cycle
	err := r.q.QueryRow(ctx, `SELECT id, group_id, name, is_vsla_cycle, is_active_cycle, share_value, status FROM cycles WHERE id=$1`, id).
		Scan(&c.ID, &c.GroupID, &c.Name, &c.IsVSLACycle, &c.IsActiveCycle, &c.ShareValue, &c.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Cycle{}, false, nil
		}
		return Cycle{}, false, err
	}
	return c, true, nil
}

// ListGroupMembers returns the active members of a group ordered by id.
func (r *Repository) ListGroupMembers(ctx context.Context, groupID int64) ([]Member, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, phone, group_id FROM members WHERE group_id=$1 AND is_active ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Phone, &m.GroupID); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CloseCycle marks the cycle inactive and completed.
func (r *Repository) CloseCycle(ctx context.Context, id int64) error {
	cmd, err := r.q.Exec(ctx, `UPDATE cycles SET is_active_cycle=FALSE, status=$2, updated_at=NOW() WHERE id=$1`, id, CycleStatusCompleted)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrCycleNotFound
	}
	return nil
}

// ErrCycleNotFound indicates a missing cycle on update.
var ErrCycleNotFound = errors.New("directory: cycle not found")
