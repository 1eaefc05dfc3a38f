package agent

import (
	"context"
	"time"

	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/cassiomorais/checkout/internal/terminal"
)

// Execute runs cmd and builds its report. It never panics on unknown or
// malformed commands; those become failure reports.
func (r *Runtime) Execute(ctx context.Context, cmd protocol.Command) protocol.Report {
	var rep protocol.Report
	switch cmd.Type {
	case protocol.CommandPing:
		rep = protocol.Success(protocol.Result{Status: protocol.ResultPong, Timestamp: r.clock.Now()})
	case protocol.CommandPayment:
		rep = r.handlePayment(ctx, cmd.Payment)
	case protocol.CommandAbort:
		rep = r.handleAbort(ctx, cmd.Abort)
	default:
		rep = protocol.Failure(protocol.UnsupportedCommand(cmd.Type), "command type not supported by this agent")
	}

	result := "ok"
	if !rep.OK {
		result = rep.Error
	}
	r.metrics.CommandsExecuted.WithLabelValues(string(cmd.Type), result).Inc()

	ev := r.logger.Info()
	if !rep.OK {
		ev = r.logger.Warn()
	}
	ev.Str("command_id", cmd.ID).
		Str("type", string(cmd.Type)).
		Bool("ok", rep.OK).
		Str("error", rep.Error).
		Msg("command executed")
	return rep
}

func (r *Runtime) handlePayment(ctx context.Context, p *protocol.PaymentPayload) protocol.Report {
	if p == nil {
		return protocol.Failure(protocol.ErrCodeInvalidPayload, "payment payload missing or malformed")
	}
	if p.AmountCents <= 0 {
		return protocol.Failure(protocol.ErrCodeInvalidAmount, "amount must be positive")
	}

	target := terminal.Resolve(p.Terminal, r.settings.Terminal)
	termCtx, cancel := r.terminalContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := r.driver.Pay(termCtx, target, terminal.PaymentRequest{AmountCents: p.AmountCents, Currency: p.Currency})
	r.metrics.TerminalOpDuration.WithLabelValues("payment").Observe(time.Since(start).Seconds())
	if err != nil {
		return protocol.Failure(terminal.Code(err), err.Error())
	}

	ts := res.Timestamp
	if ts.IsZero() {
		ts = r.clock.Now()
	}
	return protocol.Success(protocol.Result{
		Status:        res.Status,
		AmountCents:   res.AmountCents,
		TerminalID:    res.TerminalID,
		TraceNumber:   res.TraceNumber,
		ReceiptNumber: res.ReceiptNumber,
		CardBrand:     res.CardBrand,
		Note:          res.Note,
		Timestamp:     ts,
	})
}

func (r *Runtime) handleAbort(ctx context.Context, p *protocol.AbortPayload) protocol.Report {
	if p == nil {
		return protocol.Failure(protocol.ErrCodeInvalidPayload, "abort payload missing or malformed")
	}

	target := terminal.Resolve(p.Terminal, r.settings.Terminal)
	termCtx, cancel := r.terminalContext(ctx)
	defer cancel()

	start := time.Now()
	err := r.driver.Abort(termCtx, target)
	r.metrics.TerminalOpDuration.WithLabelValues("abort").Observe(time.Since(start).Seconds())
	if err != nil {
		return protocol.Failure(terminal.Code(err), err.Error())
	}
	return protocol.Success(protocol.Result{Status: protocol.ResultCancelled, Timestamp: r.clock.Now()})
}
