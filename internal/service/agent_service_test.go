package service

import (
	"context"
	"testing"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/agent"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/transaction"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startBridge starts a 4250 cent bridge checkout and claims its payment
// command for the agent, as a poll would.
func startBridge(t *testing.T, f *fixture, a *agent.Agent) (*transaction.Transaction, *agent.Command) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.checkout.Start(ctx, startRequest(transaction.MethodTerminalBridge, 4250))
	require.NoError(t, err)
	cmd, err := f.agents.NextCommand(ctx, a.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	return tx, cmd
}

func paidReport() protocol.Report {
	return protocol.Success(protocol.Result{
		Status:        protocol.ResultPaid,
		AmountCents:   4250,
		TerminalID:    "52500001",
		TraceNumber:   "000123",
		ReceiptNumber: "0042",
		CardBrand:     "girocard",
		Timestamp:     time.Now(),
	})
}

// --- Authentication & liveness ---

func TestAuthenticate(t *testing.T) {
	f := setup(t)
	a, token := f.addOnlineAgent(t)
	ctx := context.Background()

	got, err := f.agents.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = f.agents.Authenticate(ctx, "agt_wrong")
	assert.ErrorIs(t, err, domainErrors.ErrUnauthorized)

	_, err = f.agents.Authenticate(ctx, "")
	assert.ErrorIs(t, err, domainErrors.ErrUnauthorized)
}

func TestRegisterThenHeartbeatMakesAgentOnline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a, token, err := f.agents.Register(ctx, "counter-2", agent.Terminal{Host: "10.0.0.9", Port: 20007})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	online, err := f.agents.OnlineAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)

	serverTime, err := f.agents.Heartbeat(ctx, a, false, "1.4.0")
	require.NoError(t, err)
	assert.False(t, serverTime.IsZero())

	online, err = f.agents.OnlineAgents(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, a.ID, online[0].ID)
	assert.False(t, online[0].LastTerminalOK)
	assert.Equal(t, "1.4.0", online[0].SoftwareVersion)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.AgentHeartbeats.WithLabelValues("false")))
}

// --- Long poll ---

func TestNextCommand_ReturnsQueuedImmediately(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)

	_, cmd := startBridge(t, f, a)

	assert.Equal(t, agent.CommandDelivered, cmd.Status)
	assert.NotNil(t, cmd.DeliveredAt)
	assert.Equal(t, protocol.CommandPayment, cmd.Type())
}

func TestNextCommand_EmptyAfterWait(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)

	start := time.Now()
	cmd, err := f.agents.NextCommand(context.Background(), a.ID, 50*time.Millisecond)

	require.NoError(t, err)
	assert.Nil(t, cmd)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.LongPolls.WithLabelValues("empty")))
}

func TestNextCommand_WaitIsCapped(t *testing.T) {
	f := setup(t)
	f.agents.settings.MaxPollWait = 30 * time.Millisecond
	a, _ := f.addOnlineAgent(t)

	start := time.Now()
	cmd, err := f.agents.NextCommand(context.Background(), a.ID, time.Hour)

	require.NoError(t, err)
	assert.Nil(t, cmd)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNextCommand_WokenByCheckout(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)

	type result struct {
		cmd *agent.Command
		err error
	}
	done := make(chan result, 1)
	go func() {
		cmd, err := f.agents.NextCommand(context.Background(), a.ID, 2*time.Second)
		done <- result{cmd, err}
	}()

	time.Sleep(50 * time.Millisecond)
	tx, err := f.checkout.Start(context.Background(), startRequest(transaction.MethodTerminalBridge, 4250))
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.cmd)
		assert.Equal(t, tx.ID, *r.cmd.TransactionID)
	case <-time.After(time.Second):
		t.Fatal("poll was not woken by the new command")
	}
}

func TestNextCommand_OnlyOwnCommands(t *testing.T) {
	f := setup(t)
	f.addOnlineAgent(t)
	other, _ := newOfflineAgent(t, f)

	_, err := f.checkout.Start(context.Background(), startRequest(transaction.MethodTerminalBridge, 4250))
	require.NoError(t, err)

	cmd, err := f.agents.NextCommand(context.Background(), other.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestNextCommand_Cancelled(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.agents.NextCommand(ctx, a.ID, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

// --- Reports ---

func TestReport_PaidSettlesTransaction(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)
	ctx := context.Background()
	tx, cmd := startBridge(t, f, a)

	dup, err := f.agents.Report(ctx, a.ID, cmd.ID, paidReport())
	require.NoError(t, err)
	assert.False(t, dup)

	stored, err := f.checkout.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPaid, stored.Status)
	require.NotNil(t, stored.ProviderTxID)
	assert.Equal(t, "000123", *stored.ProviderTxID)
	assert.NotNil(t, stored.CompletedAt)

	assert.Equal(t, agent.CommandRetired, f.commands.Commands()[0].Status)
	assert.Equal(t, []string{"transaction.paid"}, f.outbox.EventTypes())
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.CommandReports.WithLabelValues("zvt_payment", "ok")))
}

func TestReport_DuplicateDoesNotApplyTwice(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)
	ctx := context.Background()
	tx, cmd := startBridge(t, f, a)

	_, err := f.agents.Report(ctx, a.ID, cmd.ID, paidReport())
	require.NoError(t, err)

	dup, err := f.agents.Report(ctx, a.ID, cmd.ID, protocol.Failure(protocol.ErrCodePaymentDeclined, "late retry"))
	require.NoError(t, err)
	assert.True(t, dup)

	stored, _ := f.checkout.Get(ctx, tx.ID)
	assert.Equal(t, transaction.StatusPaid, stored.Status)
	assert.Nil(t, stored.LastError)
	assert.Len(t, f.outbox.Entries(), 1)
	assert.Equal(t, 1, f.commands.ReportCount())
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.DuplicateReports))
}

func TestReport_FailureOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		report     protocol.Report
		wantStatus transaction.Status
		wantError  string
	}{
		{
			name:       "declined",
			report:     protocol.Failure(protocol.ErrCodePaymentDeclined, "card declined"),
			wantStatus: transaction.StatusFailed,
			wantError:  protocol.ErrCodePaymentDeclined,
		},
		{
			name:       "terminal unreachable",
			report:     protocol.Failure(protocol.ErrCodeTerminalUnreachable, "dial timeout"),
			wantStatus: transaction.StatusFailed,
			wantError:  protocol.ErrCodeTerminalUnreachable,
		},
		{
			name:       "aborted at terminal",
			report:     protocol.Failure(protocol.ErrCodePaymentAborted, ""),
			wantStatus: transaction.StatusCancelled,
			wantError:  protocol.ErrCodePaymentAborted,
		},
		{
			name:       "invalid amount",
			report:     protocol.Failure(protocol.ErrCodeInvalidAmount, ""),
			wantStatus: transaction.StatusFailed,
			wantError:  protocol.ErrCodeInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			a, _ := f.addOnlineAgent(t)
			ctx := context.Background()
			tx, cmd := startBridge(t, f, a)

			_, err := f.agents.Report(ctx, a.ID, cmd.ID, tt.report)
			require.NoError(t, err)

			stored, _ := f.checkout.Get(ctx, tx.ID)
			assert.Equal(t, tt.wantStatus, stored.Status)
			require.NotNil(t, stored.LastError)
			assert.Equal(t, tt.wantError, *stored.LastError)
			assert.Equal(t, []string{"transaction." + string(tt.wantStatus)}, f.outbox.EventTypes())
		})
	}
}

func TestReport_AbortThenLatePaymentReport(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)
	ctx := context.Background()
	tx, payCmd := startBridge(t, f, a)

	res, err := f.checkout.Abort(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, res.AbortSent)

	abortCmd, err := f.agents.NextCommand(ctx, a.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, abortCmd)
	assert.Equal(t, protocol.CommandAbort, abortCmd.Type())

	_, err = f.agents.Report(ctx, a.ID, abortCmd.ID, protocol.Success(protocol.Result{Status: protocol.ResultCancelled}))
	require.NoError(t, err)

	stored, _ := f.checkout.Get(ctx, tx.ID)
	assert.Equal(t, transaction.StatusCancelled, stored.Status)

	// The interrupted payment reports afterwards; the status must not move.
	dup, err := f.agents.Report(ctx, a.ID, payCmd.ID, protocol.Failure(protocol.ErrCodePaymentAborted, ""))
	require.NoError(t, err)
	assert.False(t, dup)

	stored, _ = f.checkout.Get(ctx, tx.ID)
	assert.Equal(t, transaction.StatusCancelled, stored.Status)
	assert.Equal(t, []string{"transaction.cancelled"}, f.outbox.EventTypes())
}

func TestReport_FailedAbortLeavesPaymentPending(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)
	ctx := context.Background()
	tx, _ := startBridge(t, f, a)

	_, err := f.checkout.Abort(ctx, tx.ID)
	require.NoError(t, err)
	abortCmd, err := f.agents.NextCommand(ctx, a.ID, 0)
	require.NoError(t, err)

	_, err = f.agents.Report(ctx, a.ID, abortCmd.ID, protocol.Failure(protocol.ErrCodeTerminalBusy, ""))
	require.NoError(t, err)

	stored, _ := f.checkout.Get(ctx, tx.ID)
	assert.Equal(t, transaction.StatusPaymentPending, stored.Status)
}

func TestReport_Ping(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)
	ctx := context.Background()

	ping := agent.NewPingCommand(a.ID)
	require.NoError(t, f.commands.Enqueue(ctx, ping))
	cmd, err := f.agents.NextCommand(ctx, a.ID, 0)
	require.NoError(t, err)

	dup, err := f.agents.Report(ctx, a.ID, cmd.ID, protocol.Success(protocol.Result{Status: protocol.ResultPong}))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Empty(t, f.outbox.Entries())
	assert.Equal(t, agent.CommandRetired, f.commands.Commands()[0].Status)
}

func TestReport_Rejections(t *testing.T) {
	f := setup(t)
	a, _ := f.addOnlineAgent(t)
	other, _ := newOfflineAgent(t, f)
	ctx := context.Background()
	_, cmd := startBridge(t, f, a)

	_, err := f.agents.Report(ctx, other.ID, cmd.ID, paidReport())
	assert.ErrorIs(t, err, domainErrors.ErrCommandNotOwned)

	_, err = f.agents.Report(ctx, a.ID, uuid.New(), paidReport())
	assert.ErrorIs(t, err, domainErrors.ErrCommandNotFound)

	_, err = f.agents.Report(ctx, a.ID, cmd.ID, protocol.Report{OK: true})
	assert.ErrorIs(t, err, domainErrors.ErrValidationFailed)

	assert.Equal(t, 0, f.commands.ReportCount())
}

func newOfflineAgent(t *testing.T, f *fixture) (*agent.Agent, string) {
	t.Helper()
	a, token, err := agent.NewAgent("counter-other", agent.Terminal{})
	require.NoError(t, err)
	require.NoError(t, f.agentRepo.Create(context.Background(), a))
	return a, token
}
