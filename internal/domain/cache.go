package domain

import (
	"context"
	"time"
)

// LockManager provides run-exclusive locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// TokenCache remembers tokens the catalog source recently answered "no
// market" for, so repeated runs do not hammer the lookup endpoint.
type TokenCache interface {
	MarkUnknown(ctx context.Context, tokenID string, ttl time.Duration) error
	IsUnknown(ctx context.Context, tokenID string) (bool, error)
}
