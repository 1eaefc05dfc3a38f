package agent

import (
	"time"

	"github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/google/uuid"
)

// CommandStatus tracks a command from enqueue to retirement.
type CommandStatus string

const (
	CommandQueued    CommandStatus = "queued"
	CommandDelivered CommandStatus = "delivered"
	CommandReported  CommandStatus = "reported"
	CommandRetired   CommandStatus = "retired"
)

// Command is a unit of work queued for one agent. Message carries the typed
// wire representation, its ID always equals the command ID.
type Command struct {
	ID            uuid.UUID
	AgentID       uuid.UUID
	TransactionID *uuid.UUID
	Message       protocol.Command
	Status        CommandStatus
	CreatedAt     time.Time
	DeliveredAt   *time.Time
	ReportedAt    *time.Time
}

func newCommand(agentID uuid.UUID, txID *uuid.UUID, build func(id string) protocol.Command) *Command {
	id := uuid.New()
	return &Command{
		ID:            id,
		AgentID:       agentID,
		TransactionID: txID,
		Message:       build(id.String()),
		Status:        CommandQueued,
		CreatedAt:     time.Now(),
	}
}

// NewPingCommand builds a channel check for agentID.
func NewPingCommand(agentID uuid.UUID) *Command {
	return newCommand(agentID, nil, protocol.NewPingCommand)
}

// NewPaymentCommand builds a terminal payment for txID.
func NewPaymentCommand(agentID, txID uuid.UUID, amountCents int64, currency string, t Terminal) *Command {
	return newCommand(agentID, &txID, func(id string) protocol.Command {
		return protocol.NewPaymentCommand(id, protocol.PaymentPayload{
			TransactionID: txID.String(),
			AmountCents:   amountCents,
			Currency:      currency,
			Terminal:      t.target(),
		})
	})
}

// NewAbortCommand builds an abort for the payment running for txID.
func NewAbortCommand(agentID, txID uuid.UUID, t Terminal) *Command {
	return newCommand(agentID, &txID, func(id string) protocol.Command {
		return protocol.NewAbortCommand(id, protocol.AbortPayload{
			TransactionID: txID.String(),
			Terminal:      t.target(),
		})
	})
}

func (t Terminal) target() protocol.TerminalTarget {
	return protocol.TerminalTarget{Host: t.Host, Port: t.Port, Password: t.Password}
}

// Type returns the command type.
func (c *Command) Type() protocol.CommandType {
	return c.Message.Type
}

// CanTransitionTo checks if the command can move to the given status
func (c *Command) CanTransitionTo(next CommandStatus) bool {
	switch c.Status {
	case CommandQueued:
		return next == CommandDelivered || next == CommandRetired
	case CommandDelivered:
		return next == CommandReported || next == CommandRetired
	case CommandReported:
		return next == CommandRetired
	}
	return false
}

func (c *Command) transition(next CommandStatus) error {
	if !c.CanTransitionTo(next) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot move command from "+string(c.Status)+" to "+string(next),
			errors.ErrInvalidStateTransition,
		)
	}
	c.Status = next
	return nil
}

// MarkDelivered records that a poll handed the command to its agent.
func (c *Command) MarkDelivered(at time.Time) error {
	if err := c.transition(CommandDelivered); err != nil {
		return err
	}
	c.DeliveredAt = &at
	return nil
}

// Retire closes the command. A reported command keeps its ReportedAt.
func (c *Command) Retire(at time.Time) error {
	if c.Status == CommandDelivered {
		if err := c.transition(CommandReported); err != nil {
			return err
		}
		c.ReportedAt = &at
	}
	return c.transition(CommandRetired)
}

// IsOpen reports whether the command can still be executed or reported.
func (c *Command) IsOpen() bool {
	return c.Status == CommandQueued || c.Status == CommandDelivered
}

// Report is the write-once outcome an agent submitted for a command.
type Report struct {
	CommandID  uuid.UUID
	AgentID    uuid.UUID
	OK         bool
	Result     *protocol.Result
	ErrorCode  string
	Message    string
	ReceivedAt time.Time
}

// NewReport converts a wire report into its stored form.
func NewReport(commandID, agentID uuid.UUID, r protocol.Report) (*Report, error) {
	if r.OK && r.Result == nil {
		return nil, errors.NewValidationError("result", "required when ok is true")
	}
	if !r.OK && r.Error == "" {
		return nil, errors.NewValidationError("error", "required when ok is false")
	}
	return &Report{
		CommandID:  commandID,
		AgentID:    agentID,
		OK:         r.OK,
		Result:     r.Result,
		ErrorCode:  r.Error,
		Message:    r.Message,
		ReceivedAt: time.Now(),
	}, nil
}
