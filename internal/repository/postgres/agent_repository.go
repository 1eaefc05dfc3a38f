package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/agent"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const agentColumns = `id, name, token_hash, terminal_host, terminal_port, terminal_password,
	last_heartbeat_at, last_terminal_ok, software_version, created_at, updated_at`

// AgentRepository implements agent.Repository using PostgreSQL.
type AgentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(pool *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{pool: pool}
}

func (r *AgentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *AgentRepository) scanAgent(s scanner) (*agent.Agent, error) {
	a := &agent.Agent{}
	err := s.Scan(
		&a.ID, &a.Name, &a.TokenHash, &a.Terminal.Host, &a.Terminal.Port, &a.Terminal.Password,
		&a.LastHeartbeatAt, &a.LastTerminalOK, &a.SoftwareVersion, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrAgentNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return a, nil
}

// Create inserts a new agent.
func (r *AgentRepository) Create(ctx context.Context, a *agent.Agent) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.Name, a.TokenHash, a.Terminal.Host, a.Terminal.Port, a.Terminal.Password,
		a.LastHeartbeatAt, a.LastTerminalOK, a.SoftwareVersion, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its ID.
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*agent.Agent, error) {
	return r.scanAgent(r.db(ctx).QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// GetByTokenHash resolves a hashed bearer credential.
func (r *AgentRepository) GetByTokenHash(ctx context.Context, hash string) (*agent.Agent, error) {
	return r.scanAgent(r.db(ctx).QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token_hash = $1`, hash))
}

// UpdateHeartbeat stores the latest liveness signal.
func (r *AgentRepository) UpdateHeartbeat(ctx context.Context, a *agent.Agent) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE agents SET last_heartbeat_at = $1, last_terminal_ok = $2, software_version = $3, updated_at = $4
		 WHERE id = $5`,
		a.LastHeartbeatAt, a.LastTerminalOK, a.SoftwareVersion, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrAgentNotFound
	}
	return nil
}

// ListOnline returns agents with a heartbeat at or after since, most recent first.
func (r *AgentRepository) ListOnline(ctx context.Context, since time.Time) ([]*agent.Agent, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE last_heartbeat_at >= $1
		 ORDER BY last_heartbeat_at DESC`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("list online agents: %w", err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := r.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
