package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/domain/transaction"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/checkout/internal/infrastructure/redis"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventStream is a consumer-group reader of transaction events.
type EventStream interface {
	Read(ctx context.Context) ([]infraRedis.Event, error)
	ClaimStale(ctx context.Context, minIdle time.Duration) ([]infraRedis.Event, error)
	Ack(ctx context.Context, messageID string) error
}

type DeadLetterQueue interface {
	PublishToDLQ(ctx context.Context, transactionID string, reason string, originalData map[string]any) error
}

type DocumentAttacher interface {
	AttachDocuments(ctx context.Context, id uuid.UUID, renderer service.DocumentRenderer) (*transaction.Transaction, error)
}

// LinkRenderer issues document links under BaseURL. The receipt is always
// issued; an invoice needs a buyer name and billing address; a contract link
// exists only for carts with a contract line.
type LinkRenderer struct {
	BaseURL string
}

func (r LinkRenderer) Render(_ context.Context, tx *transaction.Transaction) (transaction.Documents, error) {
	var docs transaction.Documents
	id := tx.ID.String()

	receipt, err := url.JoinPath(r.BaseURL, id, "receipt.pdf")
	if err != nil {
		return docs, fmt.Errorf("invalid document base url: %w", err)
	}
	docs.ReceiptURL = receipt

	if tx.Buyer.Name != "" && tx.Buyer.BillingAddress != "" {
		docs.InvoiceURL, _ = url.JoinPath(r.BaseURL, id, "invoice.pdf")
	}
	if tx.Contract != nil || transaction.RequiresContract(tx.Lines) {
		docs.ContractURL, _ = url.JoinPath(r.BaseURL, id, "contract.pdf")
	}
	return docs, nil
}

// DocumentFinalizer attaches documents to transactions once their paid event
// reaches the stream.
type DocumentFinalizer struct {
	stream       EventStream
	dlq          DeadLetterQueue
	attacher     DocumentAttacher
	renderer     service.DocumentRenderer
	metrics      *observability.Metrics
	logger       zerolog.Logger
	claimMinIdle time.Duration
	lastClaim    time.Time
}

func NewDocumentFinalizer(
	stream EventStream,
	dlq DeadLetterQueue,
	attacher DocumentAttacher,
	renderer service.DocumentRenderer,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	claimMinIdle time.Duration,
) *DocumentFinalizer {
	if claimMinIdle <= 0 {
		claimMinIdle = time.Minute
	}
	return &DocumentFinalizer{
		stream:       stream,
		dlq:          dlq,
		attacher:     attacher,
		renderer:     renderer,
		metrics:      metrics,
		logger:       observability.WithComponent(logger, "document_finalizer"),
		claimMinIdle: claimMinIdle,
	}
}

// Run consumes events until ctx is cancelled.
func (d *DocumentFinalizer) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := d.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Error().Err(err).Msg("failed to read from stream")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

// Poll handles one batch of new events, plus events abandoned by other
// consumers once per claimMinIdle.
func (d *DocumentFinalizer) Poll(ctx context.Context) error {
	if time.Since(d.lastClaim) >= d.claimMinIdle {
		d.lastClaim = time.Now()
		stale, err := d.stream.ClaimStale(ctx, d.claimMinIdle)
		if err != nil {
			d.logger.Warn().Err(err).Msg("failed to claim stale events")
		}
		d.handleAll(ctx, stale)
	}

	events, err := d.stream.Read(ctx)
	if err != nil {
		return err
	}
	d.handleAll(ctx, events)
	return nil
}

func (d *DocumentFinalizer) handleAll(ctx context.Context, events []infraRedis.Event) {
	for _, ev := range events {
		if err := d.Handle(ctx, ev); err != nil {
			d.logger.Warn().Err(err).
				Str("message_id", ev.MessageID).
				Str("transaction_id", ev.TransactionID).
				Msg("event left pending for retry")
		}
	}
}

// Handle processes one event. Events other than transaction.paid are acked
// and skipped. Events that can never succeed go to the dead-letter stream.
// Any other failure leaves the event unacked so it is claimed again later.
func (d *DocumentFinalizer) Handle(ctx context.Context, ev infraRedis.Event) error {
	start := time.Now()
	defer func() {
		d.metrics.WorkerProcessingDuration.WithLabelValues(infraRedis.EventStream).Observe(time.Since(start).Seconds())
	}()

	status, ok := outbox.StatusFromEventType(ev.EventType)
	if !ok || status != string(transaction.StatusPaid) {
		d.count("skipped")
		return d.stream.Ack(ctx, ev.MessageID)
	}

	id, err := uuid.Parse(ev.TransactionID)
	if err != nil {
		return d.deadLetter(ctx, ev, "invalid_transaction_id")
	}

	tx, err := d.attacher.AttachDocuments(ctx, id, d.renderer)
	switch {
	case errors.Is(err, domainErrors.ErrTransactionNotFound):
		return d.deadLetter(ctx, ev, "transaction_not_found")
	case errors.Is(err, domainErrors.ErrInvalidStateTransition):
		return d.deadLetter(ctx, ev, "transaction_not_paid")
	case err != nil:
		d.count("error")
		return fmt.Errorf("attach documents to %s: %w", id, err)
	}

	d.logger.Info().
		Str("transaction_id", id.String()).
		Bool("invoice", tx.Documents.InvoiceURL != "").
		Bool("contract", tx.Documents.ContractURL != "").
		Msg("documents attached")
	d.count("success")
	return d.stream.Ack(ctx, ev.MessageID)
}

func (d *DocumentFinalizer) deadLetter(ctx context.Context, ev infraRedis.Event, reason string) error {
	d.logger.Error().
		Str("message_id", ev.MessageID).
		Str("transaction_id", ev.TransactionID).
		Str("reason", reason).
		Msg("moving event to dead-letter stream")
	if err := d.dlq.PublishToDLQ(ctx, ev.TransactionID, reason, ev.Payload); err != nil {
		d.count("error")
		return err
	}
	d.count("dead_lettered")
	return d.stream.Ack(ctx, ev.MessageID)
}

func (d *DocumentFinalizer) count(status string) {
	d.metrics.WorkerMessagesProcessed.WithLabelValues(infraRedis.EventStream, status).Inc()
}
