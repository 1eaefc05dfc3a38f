// Package worker holds the background jobs of the checkout service: relaying
// outbox entries to the event stream, attaching documents to paid
// transactions and pruning old bookkeeping rows.
package worker

import (
	"context"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/rs/zerolog"
)

// EventPublisher appends a transaction event to the event stream.
type EventPublisher interface {
	PublishTransactionEvent(ctx context.Context, transactionID string, eventType string, data map[string]any) error
}

// OutboxRelay moves pending outbox entries onto the event stream.
type OutboxRelay struct {
	txManager service.TransactionManager
	outbox    outbox.Repository
	publisher EventPublisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
	batchSize int
	interval  time.Duration
}

func NewOutboxRelay(
	txManager service.TransactionManager,
	outboxRepo outbox.Repository,
	publisher EventPublisher,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	batchSize int,
	interval time.Duration,
) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &OutboxRelay{
		txManager: txManager,
		outbox:    outboxRepo,
		publisher: publisher,
		metrics:   metrics,
		logger:    observability.WithComponent(logger, "outbox_relay"),
		batchSize: batchSize,
		interval:  interval,
	}
}

// Run relays a batch every interval until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := r.RelayOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("outbox relay error")
		}
	}
}

// RelayOnce publishes up to one batch. Entries are locked for the duration of
// the database transaction, so relays on several workers never publish the
// same entry twice at once. A failed publish counts against the entry's
// retry budget and holds back later events of the same transaction.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	start := time.Now()
	published := 0

	err := r.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		entries, err := r.outbox.ClaimPending(txCtx, r.batchSize)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := r.publisher.PublishTransactionEvent(ctx, entry.AggregateID.String(), entry.EventType, entry.Payload); err != nil {
				r.logger.Error().Err(err).
					Str("outbox_id", entry.ID.String()).
					Int("retry_count", entry.RetryCount).
					Msg("failed to publish outbox event")
				r.metrics.WorkerMessagesProcessed.WithLabelValues("outbox", "failed").Inc()
				parked, err := r.outbox.RecordFailure(txCtx, entry.ID)
				if err != nil {
					return err
				}
				if parked {
					r.logger.Warn().
						Str("outbox_id", entry.ID.String()).
						Str("transaction_id", entry.AggregateID.String()).
						Str("event_type", entry.EventType).
						Msg("outbox event parked after retries")
				}
				continue
			}
			if err := r.outbox.MarkPublished(txCtx, entry.ID, time.Now()); err != nil {
				return err
			}
			published++
			r.metrics.WorkerMessagesProcessed.WithLabelValues("outbox", "success").Inc()
		}
		return nil
	})

	if published > 0 {
		r.metrics.WorkerProcessingDuration.WithLabelValues("outbox").Observe(time.Since(start).Seconds())
		r.logger.Debug().Int("published", published).Msg("outbox batch relayed")
	}
	return published, err
}
