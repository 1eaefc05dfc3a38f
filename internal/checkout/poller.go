package checkout

import (
	"context"
	"time"

	"github.com/cassiomorais/checkout/internal/apiclient"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/cassiomorais/checkout/pkg/clock"
	"github.com/rs/zerolog"
)

// StatusSource reads a transaction's current status.
type StatusSource interface {
	Status(ctx context.Context, txID string) (*protocol.StatusResponse, error)
}

// Outcome is how a poll session ended.
type Outcome string

const (
	OutcomePaid         Outcome = "paid"
	OutcomeFailed       Outcome = "failed"
	OutcomeStillPending Outcome = "still_pending"
)

// PollResult is the last status seen by a poll session.
type PollResult struct {
	Outcome  Outcome
	Status   string
	Error    string
	Attempts int
}

// NoticeKind marks a change in the poller's connection to the service.
type NoticeKind string

const (
	NoticeConnectionLost NoticeKind = "connection_lost"
	NoticeReconnected    NoticeKind = "reconnected"
)

type Notice struct {
	Kind     NoticeKind
	Failures int
	Err      error
}

type PollerSettings struct {
	Interval    time.Duration
	MaxAttempts int
	// FailureThreshold is the number of consecutive transport errors that
	// raise a NoticeConnectionLost.
	FailureThreshold int
}

func DefaultPollerSettings() PollerSettings {
	return PollerSettings{
		Interval:         time.Second,
		MaxAttempts:      90,
		FailureThreshold: 3,
	}
}

// Poller watches a transaction until it resolves or the attempt budget runs out.
type Poller struct {
	source   StatusSource
	clock    clock.Clock
	settings PollerSettings
	logger   zerolog.Logger
}

func NewPoller(source StatusSource, clk clock.Clock, settings PollerSettings, logger zerolog.Logger) *Poller {
	d := DefaultPollerSettings()
	if settings.Interval <= 0 {
		settings.Interval = d.Interval
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = d.MaxAttempts
	}
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = d.FailureThreshold
	}
	return &Poller{source: source, clock: clk, settings: settings, logger: logger}
}

func (p *Poller) Settings() PollerSettings {
	return p.settings
}

// Poll queries txID once per interval. Transport errors never end the session
// early; once FailureThreshold of them happen in a row, notify is called with
// NoticeConnectionLost, and with NoticeReconnected when a poll succeeds again.
// A non-transient API error (unknown transaction, auth) ends the session with
// that error. The only other error is ctx's.
func (p *Poller) Poll(ctx context.Context, txID string, notify func(Notice)) (PollResult, error) {
	if notify == nil {
		notify = func(Notice) {}
	}

	var (
		failures int
		last     string
	)
	for attempt := 1; attempt <= p.settings.MaxAttempts; attempt++ {
		st, err := p.source.Status(ctx, txID)
		if ctx.Err() != nil {
			return PollResult{}, ctx.Err()
		}

		switch {
		case err != nil && !apiclient.IsTransient(err):
			return PollResult{Status: last, Attempts: attempt}, err
		case err != nil:
			failures++
			p.logger.Debug().Err(err).Int("attempt", attempt).Str("tx_id", txID).Msg("status poll failed")
			if failures == p.settings.FailureThreshold {
				notify(Notice{Kind: NoticeConnectionLost, Failures: failures, Err: err})
			}
		default:
			if failures >= p.settings.FailureThreshold {
				notify(Notice{Kind: NoticeReconnected})
			}
			failures = 0
			last = st.Status
			if outcome, done := outcomeOf(st.Status); done {
				return PollResult{Outcome: outcome, Status: st.Status, Error: st.Error, Attempts: attempt}, nil
			}
		}

		if attempt == p.settings.MaxAttempts {
			break
		}
		if err := p.clock.Sleep(ctx, p.settings.Interval); err != nil {
			return PollResult{}, err
		}
	}

	p.logger.Info().Str("tx_id", txID).Int("attempts", p.settings.MaxAttempts).Msg("transaction still pending after polling")
	return PollResult{Outcome: OutcomeStillPending, Status: last, Attempts: p.settings.MaxAttempts}, nil
}

func outcomeOf(status string) (Outcome, bool) {
	switch status {
	case protocol.StatusPaid:
		return OutcomePaid, true
	case protocol.StatusFailed, protocol.StatusCancelled, protocol.StatusRefunded, protocol.StatusStorno:
		return OutcomeFailed, true
	}
	return "", false
}
