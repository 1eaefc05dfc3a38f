package service

import (
	"context"
	"errors"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/agent"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/domain/transaction"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AgentSettings are the agent-facing knobs taken from configuration.
type AgentSettings struct {
	OnlineWindow time.Duration
	MaxPollWait  time.Duration
}

// AgentService is the backend side of the command queue: agent registration,
// liveness, long-poll delivery and report application.
type AgentService struct {
	agentRepo   agent.Repository
	commandRepo agent.CommandRepository
	txRepo      transaction.Repository
	outboxRepo  outbox.Repository
	txManager   TransactionManager
	notifier    Notifier
	metrics     *observability.Metrics
	logger      zerolog.Logger
	settings    AgentSettings
	now         func() time.Time
}

// NewAgentService creates a new AgentService.
func NewAgentService(
	agentRepo agent.Repository,
	commandRepo agent.CommandRepository,
	txRepo transaction.Repository,
	outboxRepo outbox.Repository,
	txManager TransactionManager,
	notifier Notifier,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	settings AgentSettings,
) *AgentService {
	return &AgentService{
		agentRepo:   agentRepo,
		commandRepo: commandRepo,
		txRepo:      txRepo,
		outboxRepo:  outboxRepo,
		txManager:   txManager,
		notifier:    notifier,
		metrics:     metrics,
		logger:      observability.WithComponent(logger, "agent_queue"),
		settings:    settings,
		now:         time.Now,
	}
}

// Register creates an agent and returns its one-time plaintext token.
func (s *AgentService) Register(ctx context.Context, name string, terminal agent.Terminal) (*agent.Agent, string, error) {
	a, token, err := agent.NewAgent(name, terminal)
	if err != nil {
		return nil, "", err
	}
	if err := s.agentRepo.Create(ctx, a); err != nil {
		return nil, "", err
	}
	return a, token, nil
}

// Authenticate resolves a bearer token to its agent.
func (s *AgentService) Authenticate(ctx context.Context, token string) (*agent.Agent, error) {
	if token == "" {
		return nil, domainErrors.ErrUnauthorized
	}
	a, err := s.agentRepo.GetByTokenHash(ctx, agent.HashToken(token))
	if errors.Is(err, domainErrors.ErrAgentNotFound) {
		return nil, domainErrors.ErrUnauthorized
	}
	return a, err
}

// Heartbeat records liveness and returns the server time.
func (s *AgentService) Heartbeat(ctx context.Context, a *agent.Agent, terminalOK bool, version string) (time.Time, error) {
	now := s.now()
	a.RecordHeartbeat(now, terminalOK, version)
	if err := s.agentRepo.UpdateHeartbeat(ctx, a); err != nil {
		return time.Time{}, err
	}
	s.metrics.AgentHeartbeats.WithLabelValues(boolLabel(terminalOK)).Inc()
	return now, nil
}

// OnlineAgents lists agents seen within the online window.
func (s *AgentService) OnlineAgents(ctx context.Context) ([]*agent.Agent, error) {
	return s.agentRepo.ListOnline(ctx, s.now().Add(-s.settings.OnlineWindow))
}

// NextCommand hands the agent its oldest queued command, waiting up to wait
// for one to arrive. It returns nil, nil when the wait elapses empty. wait is
// capped at the configured maximum.
func (s *AgentService) NextCommand(ctx context.Context, agentID uuid.UUID, wait time.Duration) (*agent.Command, error) {
	if wait < 0 {
		wait = 0
	}
	if wait > s.settings.MaxPollWait {
		wait = s.settings.MaxPollWait
	}

	start := s.now()
	deadline := start.Add(wait)
	defer func() {
		s.metrics.LongPollDuration.Observe(s.now().Sub(start).Seconds())
	}()

	for {
		cmd, err := s.commandRepo.ClaimNext(ctx, agentID, s.now())
		if err != nil {
			s.metrics.LongPolls.WithLabelValues("error").Inc()
			return nil, err
		}
		if cmd != nil {
			s.metrics.LongPolls.WithLabelValues("delivered").Inc()
			return cmd, nil
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			s.metrics.LongPolls.WithLabelValues("empty").Inc()
			return nil, nil
		}
		if _, err := s.notifier.Wait(ctx, agentID, remaining); err != nil {
			if ctx.Err() != nil {
				s.metrics.LongPolls.WithLabelValues("cancelled").Inc()
				return nil, ctx.Err()
			}
			s.metrics.LongPolls.WithLabelValues("error").Inc()
			return nil, err
		}
	}
}

// Report stores an agent's outcome for a command and applies it to the
// command's transaction, all in one database transaction. A second report for
// the same command is acknowledged with duplicate=true and changes nothing.
func (s *AgentService) Report(ctx context.Context, agentID, commandID uuid.UUID, r protocol.Report) (duplicate bool, err error) {
	rep, err := agent.NewReport(commandID, agentID, r)
	if err != nil {
		return false, err
	}
	rep.ReceivedAt = s.now()

	var (
		cmdType  protocol.CommandType
		resolved *transaction.Transaction
	)
	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		cmd, err := s.commandRepo.GetByIDForUpdate(txCtx, commandID)
		if err != nil {
			return err
		}
		if cmd.AgentID != agentID {
			return domainErrors.NewDomainError("command_not_owned", "command belongs to another agent", domainErrors.ErrCommandNotOwned)
		}
		cmdType = cmd.Type()

		inserted, err := s.commandRepo.SaveReport(txCtx, rep)
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			return nil
		}

		if cmd.IsOpen() {
			if err := cmd.Retire(rep.ReceivedAt); err != nil {
				return err
			}
			if err := s.commandRepo.UpdateStatus(txCtx, cmd); err != nil {
				return err
			}
		}

		if cmd.TransactionID == nil {
			return nil
		}
		resolved, err = s.applyReport(txCtx, cmd, rep)
		return err
	})
	if err != nil {
		return false, err
	}

	if duplicate {
		s.metrics.DuplicateReports.Inc()
		s.logger.Info().Str("command_id", commandID.String()).Msg("duplicate report ignored")
		return true, nil
	}

	result := "ok"
	if !rep.OK {
		result = rep.ErrorCode
	}
	s.metrics.CommandReports.WithLabelValues(string(cmdType), result).Inc()
	if resolved != nil {
		s.metrics.TransactionsResolved.WithLabelValues(string(resolved.PaymentMethod), string(resolved.Status)).Inc()
	}
	return false, nil
}

// applyReport moves the command's transaction to the outcome the report
// implies. Transactions that already left payment_pending are left alone.
// It returns the transaction when its status changed.
func (s *AgentService) applyReport(ctx context.Context, cmd *agent.Command, rep *agent.Report) (*transaction.Transaction, error) {
	tx, err := s.txRepo.GetByIDForUpdate(ctx, *cmd.TransactionID)
	if err != nil {
		return nil, err
	}
	if !tx.IsPending() {
		s.logger.Info().
			Str("transaction_id", tx.ID.String()).
			Str("status", string(tx.Status)).
			Str("command_type", string(cmd.Type())).
			Msg("report for resolved transaction, not applied")
		return nil, nil
	}

	data := map[string]any{"command_id": cmd.ID.String()}
	switch cmd.Type() {
	case protocol.CommandPayment:
		switch {
		case rep.OK && rep.Result.Status == protocol.ResultPaid:
			err = tx.MarkPaid(providerReference(rep.Result))
			data["terminal_id"] = rep.Result.TerminalID
			data["card_brand"] = rep.Result.CardBrand
		case rep.OK && rep.Result.Status == protocol.ResultCancelled:
			err = tx.MarkCancelled(protocol.ErrCodePaymentAborted)
		case rep.OK:
			err = tx.MarkFailed(protocol.ErrCodeTerminalError)
			data["result_status"] = rep.Result.Status
		case rep.ErrorCode == protocol.ErrCodePaymentAborted:
			err = tx.MarkCancelled(rep.ErrorCode)
		default:
			err = tx.MarkFailed(rep.ErrorCode)
			data["message"] = rep.Message
		}
	case protocol.CommandAbort:
		if !rep.OK {
			// The payment's own report still decides the outcome.
			return nil, nil
		}
		err = tx.MarkCancelled(protocol.ErrCodePaymentAborted)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := saveResolution(ctx, s.txRepo, s.outboxRepo, tx, "transaction."+string(tx.Status), data); err != nil {
		return nil, err
	}
	return tx, nil
}

func providerReference(r *protocol.Result) string {
	if r.TraceNumber != "" {
		return r.TraceNumber
	}
	return r.ReceiptNumber
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
