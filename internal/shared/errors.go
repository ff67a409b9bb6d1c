package shared

import "errors"

var (
	// ErrActorRequired indicates a mutation without an acting user.
	ErrActorRequired = errors.New("actor required")
	// ErrLockHeld indicates another worker owns the lock.
	ErrLockHeld = errors.New("lock held by another worker")
)
