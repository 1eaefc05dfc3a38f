package service

import (
	"context"
	"errors"
	"fmt"
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

// CheckoutSettings are the checkout knobs taken from configuration.
type CheckoutSettings struct {
	Currency     string
	OnlineWindow time.Duration
}

// CheckoutService starts transactions, routes bridge payments to agents and
// handles operator confirmations and aborts.
type CheckoutService struct {
	txRepo      transaction.Repository
	agentRepo   agent.Repository
	commandRepo agent.CommandRepository
	outboxRepo  outbox.Repository
	txManager   TransactionManager
	locker      Locker
	notifier    Notifier
	metrics     *observability.Metrics
	logger      zerolog.Logger
	settings    CheckoutSettings
	now         func() time.Time
}

// NewCheckoutService creates a new CheckoutService.
func NewCheckoutService(
	txRepo transaction.Repository,
	agentRepo agent.Repository,
	commandRepo agent.CommandRepository,
	outboxRepo outbox.Repository,
	txManager TransactionManager,
	locker Locker,
	notifier Notifier,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	settings CheckoutSettings,
) *CheckoutService {
	return &CheckoutService{
		txRepo:      txRepo,
		agentRepo:   agentRepo,
		commandRepo: commandRepo,
		outboxRepo:  outboxRepo,
		txManager:   txManager,
		locker:      locker,
		notifier:    notifier,
		metrics:     metrics,
		logger:      observability.WithComponent(logger, "checkout"),
		settings:    settings,
		now:         time.Now,
	}
}

// StartCheckoutRequest holds the input for starting a checkout.
type StartCheckoutRequest struct {
	IdempotencyKey string
	Lines          []transaction.Line
	Buyer          transaction.Buyer
	Contract       *transaction.Contract
	PaymentMethod  transaction.PaymentMethod
	// AgentID pins a bridge payment to one agent. Nil picks the most
	// recently seen online agent.
	AgentID *uuid.UUID
}

// Start creates a pending transaction. Bridge payments also get a payment
// command for an online agent in the same database transaction. Reusing an
// idempotency key returns the transaction created first.
func (s *CheckoutService) Start(ctx context.Context, req StartCheckoutRequest) (*transaction.Transaction, error) {
	method := string(req.PaymentMethod)

	if existing, err := s.findByKey(ctx, req.IdempotencyKey); err != nil || existing != nil {
		return existing, err
	}

	tx, err := transaction.NewTransaction(
		req.IdempotencyKey,
		req.PaymentMethod,
		req.Lines,
		req.Buyer,
		req.Contract,
		s.settings.Currency,
	)
	if err != nil {
		s.metrics.CheckoutsTotal.WithLabelValues(method, "rejected").Inc()
		return nil, err
	}

	var target *agent.Agent
	if tx.PaymentMethod == transaction.MethodTerminalBridge {
		target, err = s.selectAgent(ctx, req.AgentID)
		if err != nil {
			s.metrics.CheckoutsTotal.WithLabelValues(method, "no_agent").Inc()
			return nil, err
		}
	}

	var cmd *agent.Command
	err = s.locker.WithLock(ctx, "checkout:"+req.IdempotencyKey, func(ctx context.Context) error {
		// A concurrent request with the same key may have won the lock first.
		existing, err := s.findByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			tx = existing
			return nil
		}

		return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			if target != nil {
				tx.AssignAgent(target.ID)
			}
			if err := s.txRepo.Create(txCtx, tx); err != nil {
				return err
			}
			if err := s.txRepo.AddEvent(txCtx, transaction.NewEvent(tx.ID, "transaction.created", map[string]any{
				"payment_method": method,
				"gross_cents":    tx.Totals.GrossCents,
				"currency":       tx.Totals.Currency,
			})); err != nil {
				return err
			}
			if target == nil {
				return nil
			}
			cmd = agent.NewPaymentCommand(target.ID, tx.ID, tx.Totals.GrossCents, tx.Totals.Currency, target.Terminal)
			return s.commandRepo.Enqueue(txCtx, cmd)
		})
	})
	if err != nil {
		if errors.Is(err, domainErrors.ErrDuplicateIdempotencyKey) {
			return s.txRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		s.metrics.CheckoutsTotal.WithLabelValues(method, "error").Inc()
		return nil, err
	}

	if cmd != nil {
		s.metrics.CommandsEnqueued.WithLabelValues(string(cmd.Type())).Inc()
		s.wake(ctx, cmd.AgentID)
	}
	s.metrics.CheckoutsTotal.WithLabelValues(method, "started").Inc()
	return tx, nil
}

// Get returns a transaction by ID.
func (s *CheckoutService) Get(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return s.txRepo.GetByID(ctx, id)
}

// MarkPaid confirms a cash or external-terminal payment on the operator's word.
func (s *CheckoutService) MarkPaid(ctx context.Context, id uuid.UUID, ref transaction.Reference) (*transaction.Transaction, error) {
	var tx *transaction.Transaction
	err := s.locker.WithLock(ctx, transactionLockKey(id.String()), func(ctx context.Context) error {
		return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			var err error
			tx, err = s.txRepo.GetByIDForUpdate(txCtx, id)
			if err != nil {
				return err
			}
			if err := tx.ConfirmManually(ref); err != nil {
				return err
			}
			return s.persistResolution(txCtx, tx, "transaction.marked_paid", map[string]any{
				"slip_number": ref.SlipNumber,
				"rrn":         ref.RRN,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ManualConfirmations.WithLabelValues(string(tx.PaymentMethod)).Inc()
	s.metrics.TransactionsResolved.WithLabelValues(string(tx.PaymentMethod), string(tx.Status)).Inc()
	return tx, nil
}

// AbortResult tells the operator how an abort was carried out.
type AbortResult struct {
	Transaction *transaction.Transaction
	// AbortSent is true when the payment was already on the terminal and an
	// abort command was queued; the transaction stays pending until a report arrives.
	AbortSent bool
}

// Abort stops a bridge payment. A payment the agent has not picked up yet is
// withdrawn and the transaction cancelled at once.
func (s *CheckoutService) Abort(ctx context.Context, id uuid.UUID) (*AbortResult, error) {
	res := &AbortResult{}
	var abortCmd *agent.Command

	err := s.locker.WithLock(ctx, transactionLockKey(id.String()), func(ctx context.Context) error {
		return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			tx, err := s.txRepo.GetByIDForUpdate(txCtx, id)
			if err != nil {
				return err
			}
			res.Transaction = tx

			if tx.PaymentMethod != transaction.MethodTerminalBridge {
				return domainErrors.NewDomainError("not_bridge_transaction", "only terminal bridge payments can be aborted", domainErrors.ErrNotBridgeTransaction)
			}
			if !tx.IsPending() {
				return domainErrors.NewDomainError("transaction_resolved", fmt.Sprintf("transaction is already %s", tx.Status), domainErrors.ErrTransactionResolved)
			}

			cmd, err := s.commandRepo.FindOpen(txCtx, tx.ID, protocol.CommandPayment)
			switch {
			case errors.Is(err, domainErrors.ErrCommandNotFound):
				return s.cancel(txCtx, tx)
			case err != nil:
				return err
			}

			if cmd.Status == agent.CommandQueued {
				if err := cmd.Retire(s.now()); err != nil {
					return err
				}
				if err := s.commandRepo.UpdateStatus(txCtx, cmd); err != nil {
					return err
				}
				return s.cancel(txCtx, tx)
			}

			// One abort per payment; repeated requests wait on the same one.
			_, err = s.commandRepo.FindOpen(txCtx, tx.ID, protocol.CommandAbort)
			switch {
			case err == nil:
				res.AbortSent = true
				return nil
			case !errors.Is(err, domainErrors.ErrCommandNotFound):
				return err
			}

			owner, err := s.agentRepo.GetByID(txCtx, cmd.AgentID)
			if err != nil {
				return err
			}
			abortCmd = agent.NewAbortCommand(owner.ID, tx.ID, owner.Terminal)
			if err := s.commandRepo.Enqueue(txCtx, abortCmd); err != nil {
				return err
			}
			res.AbortSent = true
			return s.txRepo.AddEvent(txCtx, transaction.NewEvent(tx.ID, "transaction.abort_requested", map[string]any{
				"command_id": abortCmd.ID.String(),
			}))
		})
	})
	if err != nil {
		return nil, err
	}

	if abortCmd != nil {
		s.metrics.CommandsEnqueued.WithLabelValues(string(abortCmd.Type())).Inc()
		s.wake(ctx, abortCmd.AgentID)
	} else {
		s.metrics.TransactionsResolved.WithLabelValues(string(res.Transaction.PaymentMethod), string(res.Transaction.Status)).Inc()
	}
	return res, nil
}

// DocumentRenderer produces the document links for a paid transaction.
type DocumentRenderer interface {
	Render(ctx context.Context, tx *transaction.Transaction) (transaction.Documents, error)
}

// AttachDocuments renders and stores the documents of a paid transaction.
// Links already stored are kept, so replaying the paid event is harmless.
func (s *CheckoutService) AttachDocuments(ctx context.Context, id uuid.UUID, renderer DocumentRenderer) (*transaction.Transaction, error) {
	var tx *transaction.Transaction
	err := s.locker.WithLock(ctx, transactionLockKey(id.String()), func(ctx context.Context) error {
		return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			var err error
			tx, err = s.txRepo.GetByIDForUpdate(txCtx, id)
			if err != nil {
				return err
			}
			if tx.Status != transaction.StatusPaid {
				return domainErrors.NewDomainError("invalid_state", fmt.Sprintf("documents are only issued for paid transactions, got %s", tx.Status), domainErrors.ErrInvalidStateTransition)
			}

			docs, err := renderer.Render(txCtx, tx)
			if err != nil {
				return fmt.Errorf("render documents: %w", err)
			}
			before := tx.Documents
			tx.AttachDocuments(docs)
			if tx.Documents == before {
				return nil
			}
			if err := s.txRepo.Update(txCtx, tx); err != nil {
				return err
			}
			return s.txRepo.AddEvent(txCtx, transaction.NewEvent(tx.ID, "transaction.documents_attached", map[string]any{
				"receipt":  tx.Documents.ReceiptURL != "",
				"invoice":  tx.Documents.InvoiceURL != "",
				"contract": tx.Documents.ContractURL != "",
			}))
		})
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *CheckoutService) cancel(ctx context.Context, tx *transaction.Transaction) error {
	if err := tx.MarkCancelled("aborted_by_operator"); err != nil {
		return err
	}
	return s.persistResolution(ctx, tx, "transaction.cancelled", map[string]any{"reason": "aborted_by_operator"})
}

// persistResolution saves tx and records the audit event and outbox entry for
// its new status.
func (s *CheckoutService) persistResolution(ctx context.Context, tx *transaction.Transaction, eventType string, data map[string]any) error {
	return saveResolution(ctx, s.txRepo, s.outboxRepo, tx, eventType, data)
}

func (s *CheckoutService) findByKey(ctx context.Context, key string) (*transaction.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	tx, err := s.txRepo.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, domainErrors.ErrTransactionNotFound) {
		return nil, nil
	}
	return tx, err
}

func (s *CheckoutService) selectAgent(ctx context.Context, requested *uuid.UUID) (*agent.Agent, error) {
	now := s.now()
	noAgent := domainErrors.NewDomainError("no_agent_online", "no terminal agent is online", domainErrors.ErrNoAgentOnline)

	if requested != nil {
		a, err := s.agentRepo.GetByID(ctx, *requested)
		if errors.Is(err, domainErrors.ErrAgentNotFound) {
			return nil, noAgent
		}
		if err != nil {
			return nil, err
		}
		if !a.IsOnline(now, s.settings.OnlineWindow) {
			return nil, noAgent
		}
		return a, nil
	}

	online, err := s.agentRepo.ListOnline(ctx, now.Add(-s.settings.OnlineWindow))
	if err != nil {
		return nil, err
	}
	if len(online) == 0 {
		return nil, noAgent
	}
	return online[0], nil
}

// wake is best effort: a missed wake-up only delays delivery to the agent's next poll.
func (s *CheckoutService) wake(ctx context.Context, agentID uuid.UUID) {
	if err := s.notifier.Notify(ctx, agentID); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID.String()).Msg("failed to wake agent")
	}
}

func saveResolution(
	ctx context.Context,
	txRepo transaction.Repository,
	outboxRepo outbox.Repository,
	tx *transaction.Transaction,
	eventType string,
	data map[string]any,
) error {
	if err := txRepo.Update(ctx, tx); err != nil {
		return err
	}
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(tx.Status)
	if err := txRepo.AddEvent(ctx, transaction.NewEvent(tx.ID, eventType, data)); err != nil {
		return err
	}
	return outboxRepo.Insert(ctx, outbox.NewTransactionEntry(tx.ID, string(tx.Status), transactionPayload(tx)))
}

func transactionPayload(tx *transaction.Transaction) map[string]any {
	p := map[string]any{
		"transaction_id": tx.ID.String(),
		"status":         string(tx.Status),
		"payment_method": string(tx.PaymentMethod),
		"gross_cents":    tx.Totals.GrossCents,
		"currency":       tx.Totals.Currency,
	}
	if tx.ProviderTxID != nil {
		p["provider_tx_id"] = *tx.ProviderTxID
	}
	if tx.LastError != nil {
		p["error"] = *tx.LastError
	}
	return p
}
