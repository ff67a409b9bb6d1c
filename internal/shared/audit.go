package shared

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// AuditEntity names the table an audit row refers to.
type AuditEntity string

const (
	AuditMeeting      AuditEntity = "vsla_meeting"
	AuditLoan         AuditEntity = "vsla_loan"
	AuditShareout     AuditEntity = "vsla_shareout"
	AuditDistribution AuditEntity = "vsla_shareout_distribution"
)

// AuditLog is one row of audit_logs. A zero At lets the database stamp it.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   AuditEntity
	EntityID int64
	Meta     map[string]any
	At       time.Time
}

// Execer is the subset of pgx used to write audit rows; pools and transactions
// both satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db Execer
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("shared: audit logger not initialised")
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID <= 0 {
		return errors.New("shared: audit log requires action, entity and entity id")
	}
	meta := entry.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !entry.At.IsZero() {
		at = &entry.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		entry.ActorID, entry.Action, string(entry.Entity), strconv.FormatInt(entry.EntityID, 10), metaJSON, at)
	return err
}
