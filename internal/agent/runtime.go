// Package agent runs on the shop computer next to the card terminal. It polls
// the checkout service for commands and executes them one at a time.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/apiclient"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/cassiomorais/checkout/internal/terminal"
	"github.com/cassiomorais/checkout/pkg/clock"
	"github.com/cassiomorais/checkout/pkg/retry"
	"github.com/rs/zerolog"
)

// Service is the checkout API as seen by an agent.
type Service interface {
	Heartbeat(ctx context.Context, terminalOK bool, version string) (*protocol.HeartbeatResponse, error)
	NextCommand(ctx context.Context, wait time.Duration) (*protocol.Command, error)
	Report(ctx context.Context, commandID string, rep protocol.Report) (*protocol.ReportResponse, error)
}

// Readiness combines service and terminal health.
type Readiness string

const (
	ReadinessUnknown          Readiness = ""
	ReadinessReady            Readiness = "ready"
	ReadinessDegradedService  Readiness = "degraded_service"
	ReadinessDegradedTerminal Readiness = "degraded_terminal"
	ReadinessDegraded         Readiness = "degraded"
)

var readinessStates = []Readiness{ReadinessReady, ReadinessDegradedService, ReadinessDegradedTerminal, ReadinessDegraded}

func readinessOf(serviceOK, terminalOK bool) Readiness {
	switch {
	case serviceOK && terminalOK:
		return ReadinessReady
	case terminalOK:
		return ReadinessDegradedService
	case serviceOK:
		return ReadinessDegradedTerminal
	default:
		return ReadinessDegraded
	}
}

type Settings struct {
	Version           string
	Terminal          terminal.Target
	HeartbeatInterval time.Duration
	PollWait          time.Duration
	OperationTimeout  time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	// ReportTimeout bounds report delivery, retries included.
	ReportTimeout time.Duration
	ReportRetry   retry.Config
}

func (s *Settings) applyDefaults() {
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 10 * time.Second
	}
	if s.PollWait <= 0 {
		s.PollWait = 25 * time.Second
	}
	if s.OperationTimeout <= 0 {
		s.OperationTimeout = 120 * time.Second
	}
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = time.Second
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 10 * time.Second
	}
	if s.ReportTimeout <= 0 {
		s.ReportTimeout = time.Minute
	}
	if s.ReportRetry.MaxAttempts == 0 {
		s.ReportRetry = retry.Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 10 * time.Second}
	}
}

// Runtime is the agent loop. All loop state lives here so a test can drive
// it with fakes; Run must not be called concurrently.
type Runtime struct {
	svc      Service
	driver   terminal.Driver
	clock    clock.Clock
	logger   zerolog.Logger
	metrics  *observability.AgentMetrics
	settings Settings

	readiness     Readiness
	backoff       time.Duration
	lastHeartbeat time.Time
	// pending holds an executed command's result until the service has it.
	// No new command is fetched while it is set.
	pending *pendingReport
}

type pendingReport struct {
	commandID string
	report    protocol.Report
}

func NewRuntime(
	svc Service,
	driver terminal.Driver,
	clk clock.Clock,
	metrics *observability.AgentMetrics,
	logger zerolog.Logger,
	settings Settings,
) *Runtime {
	settings.applyDefaults()
	return &Runtime{
		svc:      svc,
		driver:   driver,
		clock:    clk,
		logger:   observability.WithComponent(logger, "agent"),
		metrics:  metrics,
		settings: settings,
		backoff:  settings.InitialBackoff,
	}
}

// Readiness is the state last reported by the heartbeat check.
func (r *Runtime) Readiness() Readiness {
	return r.readiness
}

// Backoff is the delay that the next failed iteration will wait.
func (r *Runtime) Backoff() time.Duration {
	return r.backoff
}

// Run loops until ctx is cancelled. A cancel never interrupts a terminal
// operation or the report that follows it; the loop exits once they are done.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info().
		Str("version", r.settings.Version).
		Str("terminal", r.settings.Terminal.Address()).
		Msg("agent started")

	for ctx.Err() == nil {
		if err := r.Step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			r.metrics.LoopErrors.Inc()
			delay := r.nextBackoff()
			r.logger.Warn().Err(err).Dur("retry_in", delay).Msg("agent iteration failed")
			if err := r.clock.Sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	r.logger.Info().Msg("agent stopped")
	return nil
}

// Step runs one loop iteration: heartbeat when due, delivery of a result
// still owed to the service, one long-poll, and at most one command. A nil
// return resets the backoff.
func (r *Runtime) Step(ctx context.Context) error {
	r.maybeHeartbeat(ctx)

	if err := r.flushPending(ctx); err != nil {
		return err
	}

	cmd, err := r.svc.NextCommand(ctx, r.settings.PollWait)
	if err != nil {
		return fmt.Errorf("poll for command: %w", err)
	}
	if cmd != nil {
		r.pending = &pendingReport{commandID: cmd.ID, report: r.Execute(ctx, *cmd)}
		if err := r.flushPending(ctx); err != nil {
			return err
		}
	}

	r.backoff = r.settings.InitialBackoff
	return nil
}

func (r *Runtime) nextBackoff() time.Duration {
	delay := r.backoff
	r.backoff *= 2
	if r.backoff > r.settings.MaxBackoff {
		r.backoff = r.settings.MaxBackoff
	}
	return delay
}

func (r *Runtime) maybeHeartbeat(ctx context.Context) {
	now := r.clock.Now()
	if !r.lastHeartbeat.IsZero() && now.Sub(r.lastHeartbeat) < r.settings.HeartbeatInterval {
		return
	}
	r.lastHeartbeat = now

	termCtx, cancel := r.terminalContext(ctx)
	terminalErr := r.driver.TestConnectivity(termCtx, r.settings.Terminal)
	cancel()
	if terminalErr != nil {
		r.logger.Debug().Err(terminalErr).Msg("terminal connectivity check failed")
	}

	_, serviceErr := r.svc.Heartbeat(ctx, terminalErr == nil, r.settings.Version)
	if serviceErr != nil {
		r.logger.Debug().Err(serviceErr).Msg("heartbeat failed")
	}

	r.UpdateReadiness(serviceErr == nil, terminalErr == nil)
}

// UpdateReadiness records a health result and logs only when the combined
// state changes. It reports whether the state changed.
func (r *Runtime) UpdateReadiness(serviceOK, terminalOK bool) bool {
	next := readinessOf(serviceOK, terminalOK)
	if next == r.readiness {
		return false
	}
	prev := r.readiness
	r.readiness = next

	for _, s := range readinessStates {
		v := 0.0
		if s == next {
			v = 1
		}
		r.metrics.Readiness.WithLabelValues(string(s)).Set(v)
	}

	ev := r.logger.Info()
	if next != ReadinessReady {
		ev = r.logger.Warn()
	}
	ev.Str("from", string(prev)).
		Str("readiness", string(next)).
		Bool("service_ok", serviceOK).
		Bool("terminal_ok", terminalOK).
		Msg("agent readiness changed")
	return true
}

// terminalContext detaches terminal calls from ctx so a stop signal never
// interrupts an operation in progress on the device.
func (r *Runtime) terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.settings.OperationTimeout)
}

// PendingReport is the id of a command whose result has not reached the
// service yet, or "".
func (r *Runtime) PendingReport() string {
	if r.pending == nil {
		return ""
	}
	return r.pending.commandID
}

// flushPending delivers the owed report. It stays owed after transient
// failures and is dropped only once the service accepted or rejected it.
func (r *Runtime) flushPending(ctx context.Context) error {
	if r.pending == nil {
		return nil
	}
	err := r.deliver(ctx, r.pending.commandID, r.pending.report)
	if err != nil && apiclient.IsTransient(err) {
		r.logger.Warn().Err(err).Str("command_id", r.pending.commandID).Msg("report kept for the next iteration")
		return err
	}
	r.pending = nil
	return err
}

// deliver reports rep, retrying transport failures. The backend deduplicates
// reports per command, so a retry after a lost response is safe.
func (r *Runtime) deliver(ctx context.Context, commandID string, rep protocol.Report) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.ReportTimeout)
	defer cancel()

	cfg := r.settings.ReportRetry
	cfg.OnRetry = func(attempt uint, err error) {
		r.metrics.ReportRetries.Inc()
		r.logger.Warn().Err(err).Uint("attempt", attempt+1).Str("command_id", commandID).Msg("report failed, retrying")
	}

	resp, err := retry.DoWithResult(ctx, cfg, func() (*protocol.ReportResponse, error) {
		resp, err := r.svc.Report(ctx, commandID, rep)
		if err != nil && !apiclient.IsTransient(err) {
			return nil, retry.Permanent(err)
		}
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("report command %s: %w", commandID, err)
	}
	if resp != nil && resp.Duplicate {
		r.logger.Info().Str("command_id", commandID).Msg("report already recorded by the service")
	}
	return nil
}
