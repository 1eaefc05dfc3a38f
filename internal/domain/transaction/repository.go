package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for transaction persistence
type Repository interface {
	// Create creates a new transaction
	Create(ctx context.Context, tx *Transaction) error

	// GetByID retrieves a transaction by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// GetByIDForUpdate retrieves a transaction with a row lock (FOR UPDATE)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// GetByIdempotencyKey retrieves a transaction by idempotency key
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// Update persists status, references and documents using optimistic locking
	Update(ctx context.Context, tx *Transaction) error

	// AddEvent adds a transaction event for the audit trail
	AddEvent(ctx context.Context, event *Event) error

	// GetEvents retrieves events for a transaction
	GetEvents(ctx context.Context, transactionID uuid.UUID) ([]*Event, error)
}

// Event represents a step in the transaction lifecycle
type Event struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	EventType     string
	EventData     map[string]any
	CreatedAt     time.Time
}

// NewEvent builds an audit event for tx.
func NewEvent(transactionID uuid.UUID, eventType string, data map[string]any) *Event {
	return &Event{
		ID:            uuid.New(),
		TransactionID: transactionID,
		EventType:     eventType,
		EventData:     data,
		CreatedAt:     time.Now(),
	}
}
