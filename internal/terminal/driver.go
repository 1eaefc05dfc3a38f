// Package terminal is the boundary to the physical card terminal. The wire
// framing of the terminal protocol lives behind Driver.
package terminal

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/cassiomorais/checkout/internal/protocol"
)

var (
	ErrUnreachable = errors.New("terminal unreachable")
	ErrDeclined    = errors.New("payment declined")
	ErrAborted     = errors.New("payment aborted")
	ErrBusy        = errors.New("terminal busy")
)

// Target addresses one terminal on the local network.
type Target struct {
	Host     string
	Port     int
	Password string
}

func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Resolve fills the fields a command left empty from the agent defaults.
func Resolve(cmd protocol.TerminalTarget, defaults Target) Target {
	t := Target{Host: cmd.Host, Port: cmd.Port, Password: cmd.Password}
	if t.Host == "" {
		t.Host = defaults.Host
	}
	if t.Port == 0 {
		t.Port = defaults.Port
	}
	if t.Password == "" {
		t.Password = defaults.Password
	}
	return t
}

type PaymentRequest struct {
	AmountCents int64
	Currency    string
}

// PaymentResult carries the terminal's references for a completed payment.
type PaymentResult struct {
	Status        string
	AmountCents   int64
	TerminalID    string
	TraceNumber   string
	ReceiptNumber string
	CardBrand     string
	Note          string
	Timestamp     time.Time
}

// Driver runs operations against a single terminal. Implementations are not
// required to support concurrent calls.
type Driver interface {
	TestConnectivity(ctx context.Context, t Target) error
	Pay(ctx context.Context, t Target, req PaymentRequest) (*PaymentResult, error)
	Abort(ctx context.Context, t Target) error
}

// Code maps a driver error to the error code reported to the backend.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnreachable):
		return protocol.ErrCodeTerminalUnreachable
	case errors.Is(err, ErrDeclined):
		return protocol.ErrCodePaymentDeclined
	case errors.Is(err, ErrAborted):
		return protocol.ErrCodePaymentAborted
	case errors.Is(err, ErrBusy):
		return protocol.ErrCodeTerminalBusy
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrCodeTerminalUnreachable
	default:
		return protocol.ErrCodeTerminalError
	}
}
