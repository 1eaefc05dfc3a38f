package worker

import (
	"context"
	"time"

	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

type IdempotencyCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

type OutboxPurger interface {
	PurgePublished(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor drops expired idempotency keys and published outbox entries older
// than the retention window.
type Janitor struct {
	idempotency IdempotencyCleaner
	outbox      OutboxPurger
	retention   time.Duration
	interval    time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewJanitor(idempotency IdempotencyCleaner, outbox OutboxPurger, retention, interval time.Duration, logger zerolog.Logger) *Janitor {
	return &Janitor{
		idempotency: idempotency,
		outbox:      outbox,
		retention:   retention,
		interval:    interval,
		logger:      observability.WithComponent(logger, "janitor"),
		now:         time.Now,
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce runs both cleanups; a failure of one does not skip the other.
func (j *Janitor) RunOnce(ctx context.Context) (keys, entries int64) {
	keys, err := j.idempotency.Cleanup(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("idempotency key cleanup failed")
	}

	entries, err = j.outbox.PurgePublished(ctx, j.now().Add(-j.retention))
	if err != nil {
		j.logger.Error().Err(err).Msg("outbox purge failed")
	}

	if keys > 0 || entries > 0 {
		j.logger.Info().Int64("idempotency_keys", keys).Int64("outbox_entries", entries).Msg("cleanup finished")
	}
	return keys, entries
}
