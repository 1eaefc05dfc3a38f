package agent

import (
	"context"
	"time"

	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/google/uuid"
)

// Repository defines the interface for agent persistence
type Repository interface {
	// Create registers a new agent
	Create(ctx context.Context, a *Agent) error

	// GetByID retrieves an agent by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Agent, error)

	// GetByTokenHash resolves a bearer credential to its agent
	GetByTokenHash(ctx context.Context, hash string) (*Agent, error)

	// UpdateHeartbeat stores the latest liveness signal
	UpdateHeartbeat(ctx context.Context, a *Agent) error

	// ListOnline returns agents that heartbeated at or after since, most recent first
	ListOnline(ctx context.Context, since time.Time) ([]*Agent, error)
}

// CommandRepository defines the interface for the per-agent command queue
type CommandRepository interface {
	// Enqueue stores a queued command. A second open payment or abort command
	// for the same transaction fails with ErrCommandPending.
	Enqueue(ctx context.Context, c *Command) error

	// ClaimNext marks the oldest queued command of the agent as delivered and
	// returns it. Returns nil, nil when the queue is empty.
	ClaimNext(ctx context.Context, agentID uuid.UUID, now time.Time) (*Command, error)

	// GetByID retrieves a command by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Command, error)

	// GetByIDForUpdate retrieves a command with a row lock
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Command, error)

	// FindOpen returns the queued or delivered command of the given type for a
	// transaction, or ErrCommandNotFound
	FindOpen(ctx context.Context, transactionID uuid.UUID, commandType protocol.CommandType) (*Command, error)

	// UpdateStatus persists status and timestamps
	UpdateStatus(ctx context.Context, c *Command) error

	// SaveReport stores a report unless one exists for the command already.
	// inserted is false for duplicates.
	SaveReport(ctx context.Context, r *Report) (inserted bool, err error)
}
