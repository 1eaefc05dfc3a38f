package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotPending is returned when an event was already published or parked.
var ErrNotPending = errors.New("outbox event is not pending")

type Repository interface {
	// Insert writes an entry; callers run it in the same transaction as the state change.
	Insert(ctx context.Context, entry *Entry) error

	// ClaimPending locks up to limit pending entries for the surrounding
	// transaction, at most the oldest one per aggregate.
	ClaimPending(ctx context.Context, limit int) ([]*Entry, error)

	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error

	// RecordFailure increments the retry count; past MaxRetries the entry is
	// parked as failed and parked is true.
	RecordFailure(ctx context.Context, id uuid.UUID) (parked bool, err error)

	// PurgePublished removes entries published before cutoff.
	PurgePublished(ctx context.Context, cutoff time.Time) (int64, error)
}
