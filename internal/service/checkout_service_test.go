package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/agent"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/transaction"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/cassiomorais/checkout/internal/testutil"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type fixture struct {
	checkout  *CheckoutService
	agents    *AgentService
	txRepo    *testutil.MockTransactionRepository
	agentRepo *testutil.MockAgentRepository
	commands  *testutil.MockCommandRepository
	outbox    *testutil.MockOutboxRepository
	notifier  *testutil.MockNotifier
	locker    *testutil.MockLocker
	metrics   *observability.Metrics
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		txRepo:    testutil.NewMockTransactionRepository(),
		agentRepo: testutil.NewMockAgentRepository(),
		commands:  testutil.NewMockCommandRepository(),
		outbox:    testutil.NewMockOutboxRepository(),
		notifier:  testutil.NewMockNotifier(),
		locker:    testutil.NewMockLocker(),
		metrics:   observability.NewMetrics("test", prometheus.NewRegistry()),
	}
	txManager := testutil.NewMockTransactionManager()
	f.checkout = NewCheckoutService(
		f.txRepo, f.agentRepo, f.commands, f.outbox, txManager, f.locker, f.notifier,
		f.metrics, zerolog.Nop(),
		CheckoutSettings{Currency: "EUR", OnlineWindow: 30 * time.Second},
	)
	f.agents = NewAgentService(
		f.agentRepo, f.commands, f.txRepo, f.outbox, txManager, f.notifier,
		f.metrics, zerolog.Nop(),
		AgentSettings{OnlineWindow: 30 * time.Second, MaxPollWait: 2 * time.Second},
	)
	return f
}

func (f *fixture) addOnlineAgent(t *testing.T) (*agent.Agent, string) {
	t.Helper()
	a, token := testutil.NewOnlineAgent("counter-1")
	require.NoError(t, f.agentRepo.Create(context.Background(), a))
	return a, token
}

func startRequest(method transaction.PaymentMethod, grossCents int64) StartCheckoutRequest {
	return StartCheckoutRequest{
		IdempotencyKey: uuid.NewString(),
		Lines:          testutil.NewTestLines(grossCents),
		PaymentMethod:  method,
	}
}

// --- Start Tests ---

func TestStart_CashCreatesPendingWithoutCommand(t *testing.T) {
	f := setup(t)

	tx, err := f.checkout.Start(context.Background(), startRequest(transaction.MethodCash, 1000))
	require.NoError(t, err)

	assert.Equal(t, transaction.StatusPaymentPending, tx.Status)
	assert.Nil(t, tx.AgentID)
	assert.Empty(t, f.commands.Commands())
	assert.Empty(t, f.notifier.Notified())
	assert.Equal(t, []string{"transaction.created"}, f.txRepo.EventTypes(tx.ID))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.CheckoutsTotal.WithLabelValues("cash", "started")))
}

func TestStart_BridgeEnqueuesPaymentAndWakesAgent(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)

	tx, err := f.checkout.Start(context.Background(), startRequest(transaction.MethodTerminalBridge, 4250))
	require.NoError(t, err)

	require.NotNil(t, tx.AgentID)
	assert.Equal(t, a.ID, *tx.AgentID)

	cmds := f.commands.Commands()
	require.Len(t, cmds, 1)
	cmd := cmds[0]
	assert.Equal(t, agent.CommandQueued, cmd.Status)
	assert.Equal(t, tx.ID, *cmd.TransactionID)
	require.NotNil(t, cmd.Message.Payment)
	assert.Equal(t, int64(4250), cmd.Message.Payment.AmountCents)
	assert.Equal(t, "EUR", cmd.Message.Payment.Currency)
	assert.Equal(t, "192.168.1.50", cmd.Message.Payment.Terminal.Host)
	assert.Equal(t, 20007, cmd.Message.Payment.Terminal.Port)
	assert.Equal(t, cmd.ID.String(), cmd.Message.ID)

	assert.Equal(t, []uuid.UUID{a.ID}, f.notifier.Notified())
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.CommandsEnqueued.WithLabelValues("zvt_payment")))
}

func TestStart_BridgeWithoutOnlineAgent(t *testing.T) {
	f := setup(t)

	_, err := f.checkout.Start(context.Background(), startRequest(transaction.MethodTerminalBridge, 4250))

	assert.ErrorIs(t, err, domainErrors.ErrNoAgentOnline)
	assert.Equal(t, 0, f.txRepo.Count())
	assert.Empty(t, f.commands.Commands())
}

func TestStart_BridgeIgnoresStaleAgent(t *testing.T) {
	f := setup(t)
	a, _ := testutil.NewOnlineAgent("stale")
	a.RecordHeartbeat(time.Now().Add(-2*time.Minute), true, "")
	require.NoError(t, f.agentRepo.Create(context.Background(), a))

	_, err := f.checkout.Start(context.Background(), startRequest(transaction.MethodTerminalBridge, 4250))
	assert.ErrorIs(t, err, domainErrors.ErrNoAgentOnline)
}

func TestStart_RequestedAgentMustBeOnline(t *testing.T) {
	f := setup(t)
	f.addOnlineAgent(t)

	req := startRequest(transaction.MethodTerminalBridge, 4250)
	req.AgentID = testutil.UUIDPtr(uuid.New())

	_, err := f.checkout.Start(context.Background(), req)
	assert.ErrorIs(t, err, domainErrors.ErrNoAgentOnline)
}

func TestStart_ReusedIdempotencyKeyReturnsExisting(t *testing.T) {
	f := setup(t)
	f.addOnlineAgent(t)
	req := startRequest(transaction.MethodTerminalBridge, 4250)

	first, err := f.checkout.Start(context.Background(), req)
	require.NoError(t, err)
	second, err := f.checkout.Start(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.txRepo.Count())
	assert.Len(t, f.commands.Commands(), 1)
}

func TestStart_ValidationFailsWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(r *StartCheckoutRequest)
		field string
	}{
		{
			name:  "no lines",
			mod:   func(r *StartCheckoutRequest) { r.Lines = nil },
			field: "lines",
		},
		{
			name:  "zero quantity",
			mod:   func(r *StartCheckoutRequest) { r.Lines[0].Quantity = 0 },
			field: "lines.quantity",
		},
		{
			name: "contract line without signature",
			mod: func(r *StartCheckoutRequest) {
				r.Lines[0].RequiresContract = true
				r.Buyer = transaction.Buyer{Name: "Erika Mustermann", BillingAddress: "Hauptstr. 1"}
			},
			field: "contract.signature_ref",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.addOnlineAgent(t)
			req := startRequest(transaction.MethodTerminalBridge, 4250)
			tt.mod(&req)

			_, err := f.checkout.Start(context.Background(), req)

			var ve *domainErrors.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, 0, f.txRepo.Count())
			assert.Empty(t, f.commands.Commands())
			assert.Empty(t, f.notifier.Notified())
		})
	}
}

func TestStart_WakeFailureDoesNotFailCheckout(t *testing.T) {
	f := setup(t)
	f.addOnlineAgent(t)
	f.notifier.NotifyFunc = func(ctx context.Context, agentID uuid.UUID) error {
		return errors.New("redis down")
	}

	tx, err := f.checkout.Start(context.Background(), startRequest(transaction.MethodTerminalBridge, 4250))
	require.NoError(t, err)
	assert.Len(t, f.commands.Commands(), 1)
	assert.Equal(t, transaction.StatusPaymentPending, tx.Status)
}

// --- MarkPaid Tests ---

func TestMarkPaid_CashFlow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx, err := f.checkout.Start(ctx, startRequest(transaction.MethodCash, 1000))
	require.NoError(t, err)

	paid, err := f.checkout.MarkPaid(ctx, tx.ID, transaction.Reference{Note: "counted twice"})
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPaid, paid.Status)

	stored, err := f.checkout.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPaid, stored.Status)
	require.NotNil(t, stored.Reference)
	assert.Equal(t, "counted twice", stored.Reference.Note)

	assert.Equal(t, []string{"transaction.paid"}, f.outbox.EventTypes())
	assert.Contains(t, f.locker.Keys, "transaction:"+tx.ID.String())
}

func TestMarkPaid_RejectsBridge(t *testing.T) {
	f := setup(t)
	f.addOnlineAgent(t)
	ctx := context.Background()

	tx, err := f.checkout.Start(ctx, startRequest(transaction.MethodTerminalBridge, 4250))
	require.NoError(t, err)

	_, err = f.checkout.MarkPaid(ctx, tx.ID, transaction.Reference{})
	assert.ErrorIs(t, err, domainErrors.ErrBridgeRequiresTerminal)

	stored, _ := f.checkout.Get(ctx, tx.ID)
	assert.Equal(t, transaction.StatusPaymentPending, stored.Status)
}

func TestMarkPaid_Twice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx, err := f.checkout.Start(ctx, startRequest(transaction.MethodTerminalExternal, 1000))
	require.NoError(t, err)

	_, err = f.checkout.MarkPaid(ctx, tx.ID, transaction.Reference{SlipNumber: "0042"})
	require.NoError(t, err)
	_, err = f.checkout.MarkPaid(ctx, tx.ID, transaction.Reference{SlipNumber: "0043"})
	assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)
	assert.Len(t, f.outbox.Entries(), 1)
}

func TestMarkPaid_NotFound(t *testing.T) {
	f := setup(t)

	_, err := f.checkout.MarkPaid(context.Background(), uuid.New(), transaction.Reference{})
	assert.ErrorIs(t, err, domainErrors.ErrTransactionNotFound)
}

// --- Document Tests ---

type staticRenderer struct {
	docs  transaction.Documents
	calls int
}

func (r *staticRenderer) Render(context.Context, *transaction.Transaction) (transaction.Documents, error) {
	r.calls++
	return r.docs, nil
}

func TestAttachDocuments(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx, err := f.checkout.Start(ctx, startRequest(transaction.MethodCash, 1000))
	require.NoError(t, err)

	r := &staticRenderer{docs: transaction.Documents{ReceiptURL: "https://docs/r.pdf"}}
	_, err = f.checkout.AttachDocuments(ctx, tx.ID, r)
	assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)
	assert.Zero(t, r.calls, "pending transactions are never rendered")

	_, err = f.checkout.MarkPaid(ctx, tx.ID, transaction.Reference{SlipNumber: "0042"})
	require.NoError(t, err)

	got, err := f.checkout.AttachDocuments(ctx, tx.ID, r)
	require.NoError(t, err)
	assert.Equal(t, "https://docs/r.pdf", got.Documents.ReceiptURL)

	_, err = f.checkout.AttachDocuments(ctx, tx.ID, r)
	require.NoError(t, err)
	count := 0
	for _, et := range f.txRepo.EventTypes(tx.ID) {
		if et == "transaction.documents_attached" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	_, err = f.checkout.AttachDocuments(ctx, uuid.New(), r)
	assert.ErrorIs(t, err, domainErrors.ErrTransactionNotFound)
}

// --- Abort Tests ---

func TestAbort_QueuedPaymentIsWithdrawn(t *testing.T) {
	f := setup(t)
	f.addOnlineAgent(t)
	ctx := context.Background()

	tx, err := f.checkout.Start(ctx, startRequest(transaction.MethodTerminalBridge, 4250))
	require.NoError(t, err)

	res, err := f.checkout.Abort(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, res.AbortSent)
	assert.Equal(t, transaction.StatusCancelled, res.Transaction.Status)

	cmds := f.commands.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, agent.CommandRetired, cmds[0].Status)
	assert.Equal(t, []string{"transaction.cancelled"}, f.outbox.EventTypes())
}

func TestAbort_DeliveredPaymentQueuesAbortCommand(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)
	ctx := context.Background()

	tx, err := f.checkout.Start(ctx, startRequest(transaction.MethodTerminalBridge, 4250))
	require.NoError(t, err)
	_, err = f.commands.ClaimNext(ctx, a.ID, time.Now())
	require.NoError(t, err)

	res, err := f.checkout.Abort(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, res.AbortSent)
	assert.Equal(t, transaction.StatusPaymentPending, res.Transaction.Status)

	cmds := f.commands.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, protocol.CommandAbort, cmds[1].Type())
	require.NotNil(t, cmds[1].Message.Abort)
	assert.Equal(t, tx.ID.String(), cmds[1].Message.Abort.TransactionID)
	assert.Len(t, f.notifier.Notified(), 2)
}

func TestAbort_RepeatedAbortQueuesOneCommand(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)
	ctx := context.Background()

	tx, err := f.checkout.Start(ctx, startRequest(transaction.MethodTerminalBridge, 4250))
	require.NoError(t, err)
	_, err = f.commands.ClaimNext(ctx, a.ID, time.Now())
	require.NoError(t, err)

	first, err := f.checkout.Abort(ctx, tx.ID)
	require.NoError(t, err)
	second, err := f.checkout.Abort(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, first.AbortSent)
	assert.True(t, second.AbortSent)
	assert.Equal(t, transaction.StatusPaymentPending, second.Transaction.Status)

	cmds := f.commands.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, protocol.CommandPayment, cmds[0].Type())
	assert.Equal(t, protocol.CommandAbort, cmds[1].Type())
	assert.Len(t, f.notifier.Notified(), 2)

	// Once the agent has picked up the abort, a further request still waits on it.
	_, err = f.commands.ClaimNext(ctx, a.ID, time.Now())
	require.NoError(t, err)
	_, err = f.checkout.Abort(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, f.commands.Commands(), 2)
}

func TestEnqueue_SecondOpenAbortIsRejected(t *testing.T) {
	repo := testutil.NewMockCommandRepository()
	agentID, txID := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, agent.NewAbortCommand(agentID, txID, agent.Terminal{})))
	err := repo.Enqueue(ctx, agent.NewAbortCommand(agentID, txID, agent.Terminal{}))
	assert.ErrorIs(t, err, domainErrors.ErrCommandPending)
}

func TestAbort_Rejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cash, err := f.checkout.Start(ctx, startRequest(transaction.MethodCash, 1000))
	require.NoError(t, err)
	_, err = f.checkout.Abort(ctx, cash.ID)
	assert.ErrorIs(t, err, domainErrors.ErrNotBridgeTransaction)

	resolved := testutil.NewTestTransaction(transaction.MethodTerminalBridge, 4250)
	resolved.Status = transaction.StatusPaid
	f.txRepo.Put(resolved)
	_, err = f.checkout.Abort(ctx, resolved.ID)
	assert.ErrorIs(t, err, domainErrors.ErrTransactionResolved)
}
