// Package protocol defines the JSON contract spoken between the checkout
// service, the terminal agents and operator clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommandType identifies the kind of work an agent is asked to perform.
type CommandType string

const (
	CommandPing    CommandType = "ping"
	CommandPayment CommandType = "zvt_payment"
	CommandAbort   CommandType = "zvt_abort"
)

// Error codes reported by agents. Terminal faults are kept distinct so the
// checkout side can tell an unreachable terminal from a declined card.
const (
	ErrCodeInvalidAmount       = "invalid_amount"
	ErrCodeTerminalUnreachable = "terminal_unreachable"
	ErrCodePaymentDeclined     = "payment_declined"
	ErrCodePaymentAborted      = "payment_aborted"
	ErrCodeTerminalBusy        = "terminal_busy"
	ErrCodeTerminalError       = "terminal_error"
	ErrCodeInvalidPayload      = "invalid_payload"

	unsupportedPrefix = "unsupported_command:"
)

// Result statuses carried in successful reports.
const (
	ResultPong      = "pong"
	ResultPaid      = "paid"
	ResultCancelled = "cancelled"
)

// UnsupportedCommand builds the error code for a command type the agent does not know.
func UnsupportedCommand(t CommandType) string {
	return unsupportedPrefix + string(t)
}

// TerminalTarget addresses a physical terminal. Zero fields fall back to the
// agent's configured defaults.
type TerminalTarget struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

type PingPayload struct{}

type PaymentPayload struct {
	TransactionID string         `json:"tx_id"`
	AmountCents   int64          `json:"amount_cents"`
	Currency      string         `json:"currency"`
	Terminal      TerminalTarget `json:"terminal"`
}

type AbortPayload struct {
	TransactionID string         `json:"tx_id"`
	Terminal      TerminalTarget `json:"terminal"`
}

// Command is a tagged union keyed by Type. Exactly one payload pointer is set
// for known types; unknown types and known types whose payload does not
// decode keep their raw payload, so the agent can report them as unsupported
// or invalid instead of failing to decode.
type Command struct {
	ID      string
	Type    CommandType
	Ping    *PingPayload
	Payment *PaymentPayload
	Abort   *AbortPayload
	Raw     json.RawMessage
}

type commandEnvelope struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewPingCommand, NewPaymentCommand and NewAbortCommand build well-formed variants.
func NewPingCommand(id string) Command {
	return Command{ID: id, Type: CommandPing, Ping: &PingPayload{}}
}

func NewPaymentCommand(id string, p PaymentPayload) Command {
	return Command{ID: id, Type: CommandPayment, Payment: &p}
}

func NewAbortCommand(id string, p AbortPayload) Command {
	return Command{ID: id, Type: CommandAbort, Abort: &p}
}

func (c Command) MarshalJSON() ([]byte, error) {
	var payload any
	switch c.Type {
	case CommandPing:
		payload = c.Ping
		if c.Ping == nil {
			payload = PingPayload{}
		}
	case CommandPayment:
		if c.Payment == nil && c.Raw != nil {
			return json.Marshal(commandEnvelope{ID: c.ID, Type: c.Type, Payload: c.Raw})
		}
		if c.Payment == nil {
			return nil, fmt.Errorf("command %s: missing %s payload", c.ID, c.Type)
		}
		payload = c.Payment
	case CommandAbort:
		if c.Abort == nil && c.Raw != nil {
			return json.Marshal(commandEnvelope{ID: c.ID, Type: c.Type, Payload: c.Raw})
		}
		if c.Abort == nil {
			return nil, fmt.Errorf("command %s: missing %s payload", c.ID, c.Type)
		}
		payload = c.Abort
	default:
		return json.Marshal(commandEnvelope{ID: c.ID, Type: c.Type, Payload: c.Raw})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", c.Type, err)
	}
	return json.Marshal(commandEnvelope{ID: c.ID, Type: c.Type, Payload: raw})
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.ID == "" {
		return errors.New("command without id")
	}

	*c = Command{ID: env.ID, Type: env.Type}
	payload := env.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}

	switch env.Type {
	case CommandPing:
		c.Ping = &PingPayload{}
	case CommandPayment:
		var p PaymentPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.Raw = env.Payload
			return nil
		}
		c.Payment = &p
	case CommandAbort:
		var p AbortPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.Raw = env.Payload
			return nil
		}
		c.Abort = &p
	default:
		c.Raw = env.Payload
	}
	return nil
}

// Result is the success payload of a report.
type Result struct {
	Status        string    `json:"status"`
	AmountCents   int64     `json:"amount_cents,omitempty"`
	TerminalID    string    `json:"terminal_id,omitempty"`
	TraceNumber   string    `json:"trace_number,omitempty"`
	ReceiptNumber string    `json:"receipt_number,omitempty"`
	CardBrand     string    `json:"card_brand,omitempty"`
	Note          string    `json:"note,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Report is sent once per executed command. Either Result (OK) or Error is set.
type Report struct {
	OK      bool    `json:"ok"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Success and Failure build the two report shapes.
func Success(r Result) Report {
	return Report{OK: true, Result: &r}
}

func Failure(code, message string) Report {
	return Report{OK: false, Error: code, Message: message}
}

type ReportResponse struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}

type HeartbeatRequest struct {
	TerminalOK bool   `json:"terminal_ok"`
	Version    string `json:"version,omitempty"`
}

type HeartbeatResponse struct {
	OK         bool      `json:"ok"`
	ServerTime time.Time `json:"server_time"`
}

type NextCommandResponse struct {
	Command Command `json:"command"`
}
