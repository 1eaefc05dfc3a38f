package service

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransactionManager wraps several repository calls in one database transaction.
// fn's error rolls the transaction back.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier wakes an agent blocked in a long poll.
type Notifier interface {
	Notify(ctx context.Context, agentID uuid.UUID) error
	// Wait blocks up to timeout; woken is false when it timed out.
	Wait(ctx context.Context, agentID uuid.UUID, timeout time.Duration) (woken bool, err error)
}

// Locker serializes work on a key across API instances.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func transactionLockKey(id string) string {
	return "transaction:" + id
}
