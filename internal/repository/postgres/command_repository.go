package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/agent"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const commandColumns = `id, agent_id, transaction_id, message, status, created_at, delivered_at, reported_at`

// CommandRepository implements agent.CommandRepository using PostgreSQL.
type CommandRepository struct {
	pool *pgxpool.Pool
}

// NewCommandRepository creates a new CommandRepository.
func NewCommandRepository(pool *pgxpool.Pool) *CommandRepository {
	return &CommandRepository{pool: pool}
}

func (r *CommandRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *CommandRepository) scanCommand(s scanner) (*agent.Command, error) {
	c := &agent.Command{}
	var (
		message []byte
		status  string
	)
	err := s.Scan(&c.ID, &c.AgentID, &c.TransactionID, &message, &status, &c.CreatedAt, &c.DeliveredAt, &c.ReportedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrCommandNotFound
		}
		return nil, fmt.Errorf("scan command: %w", err)
	}
	if err := json.Unmarshal(message, &c.Message); err != nil {
		return nil, fmt.Errorf("unmarshal command message: %w", err)
	}
	c.Status = agent.CommandStatus(status)
	return c, nil
}

// Enqueue inserts a queued command.
func (r *CommandRepository) Enqueue(ctx context.Context, c *agent.Command) error {
	message, err := json.Marshal(c.Message)
	if err != nil {
		return fmt.Errorf("marshal command message: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO agent_commands (id, agent_id, transaction_id, type, message, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.AgentID, c.TransactionID, string(c.Type()), message, string(c.Status), c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domainErrors.ErrCommandPending
		}
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// ClaimNext marks the oldest queued command of the agent delivered and returns
// it. Concurrent polls of the same agent skip rows another poll has locked, so
// a command is handed out at most once.
func (r *CommandRepository) ClaimNext(ctx context.Context, agentID uuid.UUID, now time.Time) (*agent.Command, error) {
	c, err := r.scanCommand(r.db(ctx).QueryRow(ctx,
		`UPDATE agent_commands SET status = 'delivered', delivered_at = $2
		 WHERE id = (
		   SELECT id FROM agent_commands
		   WHERE agent_id = $1 AND status = 'queued'
		   ORDER BY created_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+commandColumns, agentID, now))
	if errors.Is(err, domainErrors.ErrCommandNotFound) {
		return nil, nil
	}
	return c, err
}

// GetByID retrieves a command by its ID.
func (r *CommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*agent.Command, error) {
	return r.scanCommand(r.db(ctx).QueryRow(ctx,
		`SELECT `+commandColumns+` FROM agent_commands WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves a command and locks its row.
func (r *CommandRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*agent.Command, error) {
	return r.scanCommand(r.db(ctx).QueryRow(ctx,
		`SELECT `+commandColumns+` FROM agent_commands WHERE id = $1 FOR UPDATE`, id))
}

// FindOpen returns the queued or delivered command of a type for a transaction.
func (r *CommandRepository) FindOpen(ctx context.Context, transactionID uuid.UUID, commandType protocol.CommandType) (*agent.Command, error) {
	return r.scanCommand(r.db(ctx).QueryRow(ctx,
		`SELECT `+commandColumns+` FROM agent_commands
		 WHERE transaction_id = $1 AND type = $2 AND status IN ('queued', 'delivered')
		 FOR UPDATE`, transactionID, string(commandType)))
}

// UpdateStatus persists status and timestamps.
func (r *CommandRepository) UpdateStatus(ctx context.Context, c *agent.Command) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE agent_commands SET status = $1, delivered_at = $2, reported_at = $3 WHERE id = $4`,
		string(c.Status), c.DeliveredAt, c.ReportedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrCommandNotFound
	}
	return nil
}

// SaveReport inserts the report unless the command already has one.
func (r *CommandRepository) SaveReport(ctx context.Context, rep *agent.Report) (bool, error) {
	var result []byte
	if rep.Result != nil {
		var err error
		if result, err = json.Marshal(rep.Result); err != nil {
			return false, fmt.Errorf("marshal report result: %w", err)
		}
	}

	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO command_reports (command_id, agent_id, ok, result, error_code, message, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (command_id) DO NOTHING`,
		rep.CommandID, rep.AgentID, rep.OK, result, rep.ErrorCode, rep.Message, rep.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert command report: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
