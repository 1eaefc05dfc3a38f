package outbox

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AggregateTransaction is the aggregate type of checkout transaction events.
const AggregateTransaction = "transaction"

type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       map[string]any
	Status        Status
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func NewEntry(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]any) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		RetryCount:    0,
		MaxRetries:    5,
		CreatedAt:     time.Now(),
	}
}

// NewTransactionEntry records that a transaction reached status, as
// "transaction.<status>".
func NewTransactionEntry(transactionID uuid.UUID, status string, payload map[string]any) *Entry {
	return NewEntry(AggregateTransaction, transactionID, TransactionEventType(status), payload)
}

// TransactionEventType maps a status to its event type.
func TransactionEventType(status string) string {
	return AggregateTransaction + "." + status
}

// StatusFromEventType is the inverse of TransactionEventType. ok is false for
// events of other aggregates.
func StatusFromEventType(eventType string) (status string, ok bool) {
	return strings.CutPrefix(eventType, AggregateTransaction+".")
}
