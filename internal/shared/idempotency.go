package shared

import (
	"context"
	"errors"
	"time"

	"github.com/vsla-platform/vsla-ledger/internal/platform/db"
)

// ErrIdempotencyConflict indicates the request key was already consumed.
var ErrIdempotencyConflict = errors.New("shared: idempotent request already processed")

// IdempotencyStore records client supplied request keys so retried writes are
// applied once. Keys are scoped per module.
type IdempotencyStore struct {
	db  Execer
	now func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(db Execer) *IdempotencyStore {
	return &IdempotencyStore{db: db, now: time.Now}
}

func scopedKey(module, key string) string {
	return module + ":" + key
}

// Claim reserves key for module. A second claim of the same key returns
// ErrIdempotencyConflict.
func (s *IdempotencyStore) Claim(ctx context.Context, module, key string) error {
	if s == nil || s.db == nil {
		return errors.New("shared: idempotency store not initialised")
	}
	if key == "" || module == "" {
		return errors.New("shared: idempotency key and module required")
	}
	_, err := s.db.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`,
		scopedKey(module, key), module, s.now())
	if db.IsUniqueViolation(err, "") {
		return ErrIdempotencyConflict
	}
	return err
}

// Release drops a claimed key so the request can be retried after a failure.
func (s *IdempotencyStore) Release(ctx context.Context, module, key string) error {
	if s == nil || s.db == nil || key == "" {
		return nil
	}
	_, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1`, scopedKey(module, key))
	return err
}

// Cleanup removes keys older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
