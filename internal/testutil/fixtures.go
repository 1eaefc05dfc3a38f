package testutil

import (
	"time"

	"github.com/cassiomorais/checkout/internal/domain/agent"
	"github.com/cassiomorais/checkout/internal/domain/transaction"
	"github.com/google/uuid"
)

// NewTestLines returns a single-line cart of grossCents at 19% VAT.
func NewTestLines(grossCents int64) []transaction.Line {
	return []transaction.Line{
		{ItemID: "sku-1", Quantity: 1, UnitPriceCents: grossCents, VATRateBP: 1900},
	}
}

func NewTestTransaction(method transaction.PaymentMethod, grossCents int64) *transaction.Transaction {
	now := time.Now()
	lines := NewTestLines(grossCents)
	return &transaction.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: uuid.NewString(),
		Status:         transaction.StatusPaymentPending,
		PaymentMethod:  method,
		Lines:          lines,
		Totals:         transaction.ComputeTotals(lines, "EUR"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewOnlineAgent returns an agent that heartbeated just now with a healthy terminal.
func NewOnlineAgent(name string) (*agent.Agent, string) {
	a, token, err := agent.NewAgent(name, agent.Terminal{Host: "192.168.1.50", Port: 20007, Password: "000000"})
	if err != nil {
		panic(err)
	}
	a.RecordHeartbeat(time.Now(), true, "test")
	return a, token
}

func UUIDPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
