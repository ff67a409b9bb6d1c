package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// GroupLockKey builds redis keys for per-group critical sections.
func GroupLockKey(groupID int64) string {
	return fmt.Sprintf("vsla:group:%d:lock", groupID)
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// GroupLock serialises work on one savings group across processes.
type GroupLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewGroupLock constructs the lock. A nil client yields a no-op lock.
func NewGroupLock(client *redis.Client, ttl time.Duration) *GroupLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &GroupLock{client: client, ttl: ttl}
}

// Acquire takes the lock for groupID. The returned release func only deletes the
// key while it still holds this holder's token.
func (l *GroupLock) Acquire(ctx context.Context, groupID int64) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return func(context.Context) error { return nil }, nil
	}
	key := GroupLockKey(groupID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
