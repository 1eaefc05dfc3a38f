// Package checkout is the operator side of a sale: it walks the cashier from
// receipt to payment and follows the transaction until it resolves.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cassiomorais/checkout/internal/apiclient"
	domainerrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrWrongStep          = errors.New("action not available at this step")
	ErrPaymentUnavailable = errors.New("payment method not available")
	ErrNoTransaction      = errors.New("no transaction in progress")
)

// API is the part of the checkout service a Flow talks to.
type API interface {
	StatusSource
	StartCheckout(ctx context.Context, idempotencyKey string, req protocol.StartCheckoutRequest) (*protocol.StartCheckoutResponse, error)
	MarkPaid(ctx context.Context, txID string, req protocol.MarkPaidRequest) (*protocol.StatusResponse, error)
	Abort(ctx context.Context, txID string) (*protocol.StatusResponse, error)
	OnlineAgents(ctx context.Context) ([]protocol.AgentInfo, error)
}

type Step string

const (
	StepReceipt    Step = "receipt"
	StepContract   Step = "contract"
	StepPayment    Step = "payment"
	StepProcessing Step = "processing"
	StepDone       Step = "done"
)

// State is what the operator sees.
type State string

const (
	StateEditing                    State = "editing"
	StateAwaitingTerminal           State = "awaiting_terminal"
	StateAwaitingManualConfirmation State = "awaiting_manual_confirmation"
	StatePaid                       State = "paid"
	StateFailed                     State = "failed"
	StateStillPending               State = "still_pending"
	StateError                      State = "error"
)

// Action is a recovery or follow-up the UI offers next to a state.
type Action string

const (
	ActionRetry         Action = "retry"
	ActionSwitchMethod  Action = "switch_method"
	ActionMarkPaid      Action = "mark_paid"
	ActionCancel        Action = "cancel"
	ActionKeepWaiting   Action = "keep_waiting"
	ActionOpenDashboard Action = "open_transactions"
)

type View struct {
	Step    Step
	State   State
	Method  protocol.PaymentMethod
	TxID    string
	Status  string
	Error   string
	Message string
	// Notice is a transient banner, e.g. lost connection while polling.
	Notice  string
	Actions []Action
}

// Availability tells the payment step whether Start may be pressed.
type Availability struct {
	CanStart bool
	// SwitchToExternal is set when the bridge was chosen but no agent is online.
	SwitchToExternal bool
	Reason           string
}

type Flow struct {
	api    API
	poller *Poller
	logger zerolog.Logger

	mu       sync.Mutex
	step     Step
	state    State
	lines    []protocol.CartLine
	buyer    protocol.Buyer
	contract *protocol.Contract
	method   protocol.PaymentMethod

	agents       []protocol.AgentInfo
	agentsLoaded bool

	idempotencyKey string
	txID           string
	status         string
	lastError      string
	message        string
	notice         string

	generation uint64
	stopPoll   context.CancelFunc
	pollDone   chan struct{}
	polls      sync.WaitGroup
}

func NewFlow(api API, poller *Poller, logger zerolog.Logger) *Flow {
	return &Flow{
		api:    api,
		poller: poller,
		logger: observability.WithComponent(logger, "checkout_flow"),
		step:   StepReceipt,
		state:  StateEditing,
	}
}

func (f *Flow) AddLine(line protocol.CartLine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
}

func (f *Flow) SetBuyer(b protocol.Buyer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buyer = b
}

func (f *Flow) SetContract(c *protocol.Contract) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contract = c
}

func (f *Flow) RequiresContract() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requiresContract()
}

func (f *Flow) requiresContract() bool {
	for _, l := range f.lines {
		if l.RequiresContract {
			return true
		}
	}
	return false
}

// Next validates the current step and moves to the following one.
func (f *Flow) Next() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.step {
	case StepReceipt:
		if err := validateLines(f.lines); err != nil {
			return err
		}
		if f.requiresContract() {
			f.step = StepContract
		} else {
			f.step = StepPayment
		}
	case StepContract:
		if err := validateContract(f.buyer, f.contract); err != nil {
			return err
		}
		f.step = StepPayment
	default:
		return fmt.Errorf("%w: next from %s", ErrWrongStep, f.step)
	}
	return nil
}

// Back returns to the previous editing step. A transaction in progress must
// be cancelled first.
func (f *Flow) Back() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.step {
	case StepContract:
		f.step = StepReceipt
	case StepPayment:
		if f.requiresContract() {
			f.step = StepContract
		} else {
			f.step = StepReceipt
		}
	default:
		return fmt.Errorf("%w: back from %s", ErrWrongStep, f.step)
	}
	f.state = StateEditing
	return nil
}

func validateLines(lines []protocol.CartLine) error {
	if len(lines) == 0 {
		return domainerrors.NewValidationError("lines", "cart is empty")
	}
	for i, l := range lines {
		if l.ItemID == "" {
			return domainerrors.NewValidationError(fmt.Sprintf("lines[%d].item_id", i), "required")
		}
		if l.Quantity <= 0 {
			return domainerrors.NewValidationError(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		if l.UnitPriceCents < 0 {
			return domainerrors.NewValidationError(fmt.Sprintf("lines[%d].unit_price_cents", i), "must not be negative")
		}
	}
	return nil
}

func validateContract(b protocol.Buyer, c *protocol.Contract) error {
	if b.Name == "" {
		return domainerrors.NewValidationError("buyer.name", "required for contract items")
	}
	if b.BillingAddress == "" {
		return domainerrors.NewValidationError("buyer.billing_address", "required for contract items")
	}
	if c == nil || c.SignatureRef == "" {
		return domainerrors.NewValidationError("contract.signature_ref", "buyer signature required")
	}
	return nil
}

// SelectMethod picks the payment method. Allowed on the payment step,
// including after a failed attempt.
func (f *Flow) SelectMethod(m protocol.PaymentMethod) error {
	switch m {
	case protocol.MethodTerminalBridge, protocol.MethodTerminalExternal, protocol.MethodCash:
	default:
		return domainerrors.NewValidationError("payment_method", fmt.Sprintf("unknown method %q", m))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != StepPayment {
		return fmt.Errorf("%w: select method at %s", ErrWrongStep, f.step)
	}
	f.method = m
	if f.state == StateError || f.state == StateFailed {
		f.state = StateEditing
		f.message = ""
	}
	return nil
}

// RefreshAgents reloads the online agent list. On error the list is treated
// as empty, which steers the operator to another method.
func (f *Flow) RefreshAgents(ctx context.Context) error {
	agents, err := f.api.OnlineAgents(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentsLoaded = true
	if err != nil {
		f.agents = nil
		return fmt.Errorf("failed to load online agents: %w", err)
	}
	f.agents = agents
	return nil
}

func (f *Flow) PaymentAvailability() Availability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availability()
}

func (f *Flow) availability() Availability {
	switch {
	case f.method == "":
		return Availability{Reason: "select a payment method"}
	case f.method == protocol.MethodTerminalBridge && !f.agentsLoaded:
		return Availability{Reason: "checking terminal agents"}
	case f.method == protocol.MethodTerminalBridge && len(f.agents) == 0:
		return Availability{
			SwitchToExternal: true,
			Reason:           "no terminal agent is online; use the external terminal or cash",
		}
	}
	return Availability{CanStart: true}
}

// StartPayment creates the transaction. The idempotency key is kept until the
// attempt resolves, so pressing Start again after a lost response returns the
// same transaction.
func (f *Flow) StartPayment(ctx context.Context) error {
	f.mu.Lock()
	needAgents := f.method == protocol.MethodTerminalBridge && !f.agentsLoaded
	f.mu.Unlock()
	if needAgents {
		// A failed lookup counts as no agent online.
		if err := f.RefreshAgents(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("agent lookup before start failed")
		}
	}

	f.mu.Lock()
	if f.step != StepPayment {
		f.mu.Unlock()
		return fmt.Errorf("%w: start payment at %s", ErrWrongStep, f.step)
	}
	if av := f.availability(); !av.CanStart {
		f.message = av.Reason
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPaymentUnavailable, av.Reason)
	}
	if f.idempotencyKey == "" {
		f.idempotencyKey = uuid.NewString()
	}
	key := f.idempotencyKey
	req := protocol.StartCheckoutRequest{
		Lines:         append([]protocol.CartLine(nil), f.lines...),
		Buyer:         f.buyer,
		PaymentMethod: f.method,
		Contract:      f.contract,
	}
	f.mu.Unlock()

	resp, err := f.api.StartCheckout(ctx, key, req)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.state = StateError
		f.lastError = errorCode(err)
		f.message = startErrorMessage(err)
		if apiclient.HasCode(err, "no_agent_online") {
			f.agents, f.agentsLoaded = nil, true
		}
		f.logger.Warn().Err(err).Str("method", string(req.PaymentMethod)).Msg("start payment failed")
		return fmt.Errorf("failed to start payment: %w", err)
	}

	f.txID = resp.TxID
	f.status = resp.Status
	f.lastError = ""
	f.message = ""
	f.step = StepProcessing
	f.logger.Info().Str("tx_id", resp.TxID).Str("method", string(req.PaymentMethod)).Msg("payment started")

	if protocol.IsFinalStatus(resp.Status) {
		f.applyOutcome(resp.Status, "")
		return nil
	}
	if f.method == protocol.MethodTerminalBridge {
		f.state = StateAwaitingTerminal
		f.startPoll(ctx)
	} else {
		f.state = StateAwaitingManualConfirmation
	}
	return nil
}

// MarkPaid confirms a cash or external terminal payment.
func (f *Flow) MarkPaid(ctx context.Context, ref protocol.MarkPaidRequest) error {
	f.mu.Lock()
	if f.step != StepProcessing || f.txID == "" {
		f.mu.Unlock()
		return ErrNoTransaction
	}
	if f.method == protocol.MethodTerminalBridge {
		f.mu.Unlock()
		return fmt.Errorf("%w: terminal payments are confirmed by the terminal", ErrWrongStep)
	}
	txID := f.txID
	f.mu.Unlock()

	resp, err := f.api.MarkPaid(ctx, txID, ref)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.state = StateError
		f.lastError = errorCode(err)
		f.message = "could not confirm the payment, check the connection and try again"
		return fmt.Errorf("failed to mark transaction paid: %w", err)
	}
	f.applyOutcome(resp.Status, resp.Error)
	return nil
}

// Cancel abandons the current attempt. A bridge payment is aborted on the
// terminal; if the abort has to go through the terminal the flow keeps
// watching the transaction, since the customer may already have paid.
func (f *Flow) Cancel(ctx context.Context) error {
	f.mu.Lock()
	if f.step != StepProcessing || f.txID == "" {
		f.mu.Unlock()
		return ErrNoTransaction
	}
	f.cancelPoll()
	txID, method := f.txID, f.method
	f.mu.Unlock()

	if method != protocol.MethodTerminalBridge {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.logger.Info().Str("tx_id", txID).Msg("manual payment abandoned")
		f.resetAttempt("payment cancelled")
		return nil
	}

	resp, err := f.api.Abort(ctx, txID)
	if apiclient.HasCode(err, "transaction_resolved") {
		resp, err = f.api.Status(ctx, txID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.state = StateError
		f.lastError = errorCode(err)
		f.message = "could not cancel the terminal payment, keep waiting or try again"
		return fmt.Errorf("failed to abort transaction: %w", err)
	}

	if resp.Status == protocol.StatusPaymentPending {
		f.state = StateAwaitingTerminal
		f.message = "cancel sent to the terminal"
		f.startPoll(ctx)
		return nil
	}
	f.applyOutcome(resp.Status, resp.Error)
	return nil
}

// ResumePolling watches a bridge transaction again after still_pending or a
// polling error.
func (f *Flow) ResumePolling(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != StepProcessing || f.txID == "" || f.method != protocol.MethodTerminalBridge {
		return ErrNoTransaction
	}
	f.state = StateAwaitingTerminal
	f.message = ""
	f.startPoll(ctx)
	return nil
}

// Wait blocks until the current poll session ends or ctx is done.
func (f *Flow) Wait(ctx context.Context) error {
	f.mu.Lock()
	done := f.pollDone
	f.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any active poll and waits for poll goroutines to exit.
func (f *Flow) Close() {
	f.mu.Lock()
	f.cancelPoll()
	f.mu.Unlock()
	f.polls.Wait()
}

func (f *Flow) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return View{
		Step:    f.step,
		State:   f.state,
		Method:  f.method,
		TxID:    f.txID,
		Status:  f.status,
		Error:   f.lastError,
		Message: f.message,
		Notice:  f.notice,
		Actions: f.actions(),
	}
}

func (f *Flow) actions() []Action {
	switch f.state {
	case StateEditing:
		if f.step == StepPayment && f.availability().SwitchToExternal {
			return []Action{ActionSwitchMethod}
		}
		return nil
	case StateAwaitingTerminal:
		return []Action{ActionCancel}
	case StateAwaitingManualConfirmation:
		return []Action{ActionMarkPaid, ActionCancel}
	case StateFailed:
		return []Action{ActionRetry, ActionSwitchMethod}
	case StateStillPending:
		return []Action{ActionKeepWaiting, ActionOpenDashboard, ActionCancel}
	case StateError:
		switch {
		case f.txID == "":
			return []Action{ActionRetry, ActionSwitchMethod}
		case f.method == protocol.MethodTerminalBridge:
			return []Action{ActionKeepWaiting, ActionCancel}
		default:
			return []Action{ActionMarkPaid, ActionCancel}
		}
	}
	return nil
}

// startPoll replaces the active poll session. Caller holds f.mu.
func (f *Flow) startPoll(ctx context.Context) {
	f.cancelPoll()
	f.generation++
	gen, txID := f.generation, f.txID

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.stopPoll, f.pollDone = cancel, done

	f.polls.Add(1)
	go func() {
		defer f.polls.Done()
		defer close(done)
		defer cancel()
		res, err := f.poller.Poll(pctx, txID, func(n Notice) { f.onNotice(gen, n) })
		f.finishPoll(gen, res, err)
	}()
}

// cancelPoll invalidates the active session. Caller holds f.mu.
func (f *Flow) cancelPoll() {
	f.generation++
	if f.stopPoll != nil {
		f.stopPoll()
		f.stopPoll = nil
	}
	f.notice = ""
}

func (f *Flow) onNotice(gen uint64, n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.generation {
		return
	}
	switch n.Kind {
	case NoticeConnectionLost:
		f.notice = "connection to the checkout service lost, still checking"
		f.logger.Warn().Err(n.Err).Int("failures", n.Failures).Str("tx_id", f.txID).Msg("status polling failing")
	case NoticeReconnected:
		f.notice = ""
	}
}

func (f *Flow) finishPoll(gen uint64, res PollResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.generation {
		f.logger.Debug().Uint64("generation", gen).Msg("discarding result of superseded poll")
		return
	}
	f.stopPoll = nil

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.state = StateStillPending
		f.message = stillPendingMessage
	case err != nil:
		f.state = StateError
		f.lastError = errorCode(err)
		f.message = "could not read the payment status"
	case res.Outcome == OutcomeStillPending:
		f.state = StateStillPending
		f.message = stillPendingMessage
	default:
		f.applyOutcome(res.Status, res.Error)
	}
}

const stillPendingMessage = "payment is still pending on the terminal; continue monitoring it from the transactions view"

// applyOutcome moves the flow to match a transaction status. Caller holds f.mu.
func (f *Flow) applyOutcome(status, code string) {
	f.status = status
	f.notice = ""
	switch status {
	case protocol.StatusPaid:
		f.step = StepDone
		f.state = StatePaid
		f.message = ""
		f.lastError = ""
		f.logger.Info().Str("tx_id", f.txID).Msg("payment completed")
	case protocol.StatusPaymentPending:
		if f.method == protocol.MethodTerminalBridge {
			f.state = StateAwaitingTerminal
		} else {
			f.state = StateAwaitingManualConfirmation
		}
	default:
		if code == "" {
			code = status
		}
		txID := f.txID
		f.resetAttempt(failureMessage(code))
		f.state = StateFailed
		f.status = status
		f.lastError = code
		f.logger.Warn().Str("tx_id", txID).Str("status", status).Str("error", code).Msg("payment did not complete")
	}
}

// resetAttempt returns to the payment step so a new transaction can be
// started. Caller holds f.mu.
func (f *Flow) resetAttempt(message string) {
	f.step = StepPayment
	f.state = StateEditing
	f.txID = ""
	f.status = ""
	f.idempotencyKey = ""
	f.message = message
}

func errorCode(err error) string {
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return apiErr.Code
	}
	return "connection_error"
}

func startErrorMessage(err error) string {
	switch {
	case apiclient.HasCode(err, "no_agent_online"):
		return "no terminal agent is online; use the external terminal or cash"
	case apiclient.HasCode(err, "validation_error"):
		return "the cart could not be accepted, check quantities and buyer details"
	case apiclient.IsTransient(err):
		return "the checkout service is unreachable, try again"
	}
	return "the payment could not be started"
}

func failureMessage(code string) string {
	switch code {
	case protocol.ErrCodePaymentDeclined:
		return "the card was declined"
	case protocol.ErrCodeTerminalUnreachable:
		return "the terminal is not reachable; use the external terminal or cash"
	case protocol.ErrCodePaymentAborted, protocol.StatusCancelled:
		return "the payment was cancelled"
	}
	return "the payment failed"
}
