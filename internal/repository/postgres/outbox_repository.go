package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, max_retries, created_at, published_at`

// OutboxRepository implements outbox.Repository using PostgreSQL. Rows are
// keyed by the transaction they describe through aggregate_id.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func scanOutboxEntry(s scanner) (*outbox.Entry, error) {
	var (
		e       outbox.Entry
		payload []byte
		status  string
	)
	err := s.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &status,
		&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("scan outbox entry: %w", err)
	}
	e.Status = outbox.Status(status)
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of outbox entry %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

// Insert stores the event. Callers run it inside the transaction that
// changed the transaction's status.
func (r *OutboxRepository) Insert(ctx context.Context, e *outbox.Entry) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return fmt.Errorf("encode payload of %s: %w", e.EventType, err)
		}
	}
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO outbox (`+outboxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)`,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, payload,
		string(e.Status), e.RetryCount, e.MaxRetries, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s event for %s: %w", e.EventType, e.AggregateID, err)
	}
	return nil
}

// ClaimPending locks up to limit pending events, at most the oldest one per
// transaction, oldest first. A transaction's later events wait until the
// earlier one is published or parked, so consumers see its statuses in order.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox o
		 WHERE o.status = 'pending'
		   AND NOT EXISTS (
		     SELECT 1 FROM outbox earlier
		     WHERE earlier.aggregate_id = o.aggregate_id
		       AND earlier.status = 'pending'
		       AND (earlier.created_at, earlier.id) < (o.created_at, o.id)
		   )
		 ORDER BY o.created_at, o.id
		 LIMIT $1
		 FOR UPDATE OF o SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*outbox.Entry, error) {
		return scanOutboxEntry(row)
	})
}

// MarkPublished records that the event reached the stream at at.
func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'published', published_at = $2
		 WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return fmt.Errorf("mark outbox event %s published: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark outbox event %s published: %w", id, outbox.ErrNotPending)
	}
	return nil
}

// RecordFailure counts a failed publish. parked is true once the event has
// used its retries and left the pending queue.
func (r *OutboxRepository) RecordFailure(ctx context.Context, id uuid.UUID) (parked bool, err error) {
	var status string
	err = r.db(ctx).QueryRow(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1,
		        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE status END
		 WHERE id = $1 AND status = 'pending'
		 RETURNING status`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("record failure of outbox event %s: %w", id, outbox.ErrNotPending)
	}
	if err != nil {
		return false, fmt.Errorf("record failure of outbox event %s: %w", id, err)
	}
	return outbox.Status(status) == outbox.StatusFailed, nil
}

// PurgePublished deletes events published before cutoff. Parked events are
// kept for inspection.
func (r *OutboxRepository) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`DELETE FROM outbox WHERE status = 'published' AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge published outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}
