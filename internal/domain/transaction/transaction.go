package transaction

import (
	"time"

	"github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/google/uuid"
)

// PaymentMethod represents how the transaction is settled
type PaymentMethod string

const (
	MethodTerminalBridge   PaymentMethod = "terminal_bridge"
	MethodTerminalExternal PaymentMethod = "terminal_external"
	MethodCash             PaymentMethod = "cash"
)

// Valid reports whether m is one of the supported methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodTerminalBridge, MethodTerminalExternal, MethodCash:
		return true
	}
	return false
}

// MaxAmountCents is the largest amount a NUMERIC(14,2) column holds, in cents.
const MaxAmountCents int64 = 99_999_999_999_999

// Status represents the transaction status in the state machine
type Status string

const (
	StatusPaymentPending Status = "payment_pending"
	StatusPaid           Status = "paid"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
	StatusStorno         Status = "storno"
)

// Line is a single cart position. Unit prices are gross (VAT included).
type Line struct {
	ItemID           string
	Quantity         int
	UnitPriceCents   int64
	VATRateBP        int // basis points, 1900 = 19%
	RequiresContract bool
}

// Buyer holds the buyer details captured at the counter.
type Buyer struct {
	Name           string
	Email          string
	BillingAddress string
}

// Contract is the signed agreement for contract-requiring lines.
type Contract struct {
	SignatureRef string
	Terms        string
}

// Totals are integer minor currency units.
type Totals struct {
	GrossCents int64
	NetCents   int64
	VATCents   int64
	Currency   string
}

// Reference carries the free-text proof an operator enters when confirming
// an out-of-band payment.
type Reference struct {
	SlipNumber string
	RRN        string
	Note       string
}

// Documents are rendered asynchronously; any link may still be empty.
type Documents struct {
	ReceiptURL  string
	InvoiceURL  string
	ContractURL string
}

// Transaction represents a checkout transaction
type Transaction struct {
	ID             uuid.UUID
	IdempotencyKey string
	Status         Status
	PaymentMethod  PaymentMethod
	Lines          []Line
	Buyer          Buyer
	Contract       *Contract
	Totals         Totals
	AgentID        *uuid.UUID
	ProviderTxID   *string
	Reference      *Reference
	LastError      *string
	Documents      Documents
	Version        int // bumped by the repository on every successful Update
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// NewTransaction validates the cart and creates a pending transaction.
func NewTransaction(
	idempotencyKey string,
	method PaymentMethod,
	lines []Line,
	buyer Buyer,
	contract *Contract,
	currency string,
) (*Transaction, error) {
	if idempotencyKey == "" {
		return nil, errors.ErrInvalidInput
	}
	if !method.Valid() {
		return nil, errors.NewValidationError("payment_method", "must be terminal_bridge, terminal_external or cash")
	}
	if len(currency) != 3 {
		return nil, errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	if err := validateLines(lines); err != nil {
		return nil, err
	}
	if RequiresContract(lines) {
		if err := validateContract(buyer, contract); err != nil {
			return nil, err
		}
	}

	totals := ComputeTotals(lines, currency)
	if totals.GrossCents <= 0 {
		return nil, errors.NewValidationError("amount", "must be greater than 0")
	}

	now := time.Now()
	return &Transaction{
		ID:             uuid.New(),
		IdempotencyKey: idempotencyKey,
		Status:         StatusPaymentPending,
		PaymentMethod:  method,
		Lines:          lines,
		Buyer:          buyer,
		Contract:       contract,
		Totals:         totals,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// RequiresContract reports whether any line needs a signed contract.
func RequiresContract(lines []Line) bool {
	for _, l := range lines {
		if l.RequiresContract {
			return true
		}
	}
	return false
}

// ComputeTotals sums gross prices and extracts the included VAT per line.
func ComputeTotals(lines []Line, currency string) Totals {
	t := Totals{Currency: currency}
	for _, l := range lines {
		gross := l.UnitPriceCents * int64(l.Quantity)
		vat := includedVAT(gross, l.VATRateBP)
		t.GrossCents += gross
		t.VATCents += vat
	}
	t.NetCents = t.GrossCents - t.VATCents
	return t
}

// includedVAT = gross * rate / (1 + rate), rounded half up.
func includedVAT(gross int64, rateBP int) int64 {
	if rateBP <= 0 || gross <= 0 {
		return 0
	}
	num := gross * int64(rateBP)
	den := int64(10000 + rateBP)
	return (num + den/2) / den
}

// CanTransitionTo checks if the transaction can transition to the given status
func (t *Transaction) CanTransitionTo(newStatus Status) bool {
	transitions := map[Status][]Status{
		StatusPaymentPending: {
			StatusPaid,
			StatusFailed,
			StatusCancelled,
		},
		StatusPaid: {
			StatusRefunded,
			StatusStorno,
		},
		StatusFailed:    {}, // Terminal state
		StatusCancelled: {}, // Terminal state
		StatusRefunded:  {}, // Terminal state
		StatusStorno:    {}, // Terminal state
	}

	allowed, exists := transitions[t.Status]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo transitions the transaction to a new status
func (t *Transaction) TransitionTo(newStatus Status) error {
	if !t.CanTransitionTo(newStatus) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+string(t.Status)+" to "+string(newStatus),
			errors.ErrInvalidStateTransition,
		)
	}

	t.Status = newStatus
	t.touch()

	if t.CompletedAt == nil {
		now := t.UpdatedAt
		t.CompletedAt = &now
	}
	return nil
}

// MarkPaid records a terminal-confirmed payment.
func (t *Transaction) MarkPaid(providerTxID string) error {
	if err := t.TransitionTo(StatusPaid); err != nil {
		return err
	}
	if providerTxID != "" {
		t.ProviderTxID = &providerTxID
	}
	return nil
}

// ConfirmManually marks an externally settled transaction as paid. Bridge
// transactions can only be settled by their terminal report.
func (t *Transaction) ConfirmManually(ref Reference) error {
	if t.PaymentMethod == MethodTerminalBridge {
		return errors.NewDomainError("bridge_requires_terminal", "terminal bridge payments cannot be confirmed manually", errors.ErrBridgeRequiresTerminal)
	}
	if err := t.TransitionTo(StatusPaid); err != nil {
		return err
	}
	if ref != (Reference{}) {
		t.Reference = &ref
	}
	return nil
}

// MarkFailed transitions the transaction to failed with the reported code.
func (t *Transaction) MarkFailed(code string) error {
	if err := t.TransitionTo(StatusFailed); err != nil {
		return err
	}
	t.LastError = &code
	return nil
}

// MarkCancelled transitions the transaction to cancelled
func (t *Transaction) MarkCancelled(reason string) error {
	if err := t.TransitionTo(StatusCancelled); err != nil {
		return err
	}
	if reason != "" {
		t.LastError = &reason
	}
	return nil
}

// MarkRefunded transitions a paid transaction to refunded
func (t *Transaction) MarkRefunded() error {
	return t.TransitionTo(StatusRefunded)
}

// MarkStorno transitions a paid transaction to storno
func (t *Transaction) MarkStorno() error {
	return t.TransitionTo(StatusStorno)
}

// AttachDocuments merges rendered document links, keeping existing ones.
func (t *Transaction) AttachDocuments(d Documents) {
	if d.ReceiptURL != "" {
		t.Documents.ReceiptURL = d.ReceiptURL
	}
	if d.InvoiceURL != "" {
		t.Documents.InvoiceURL = d.InvoiceURL
	}
	if d.ContractURL != "" {
		t.Documents.ContractURL = d.ContractURL
	}
	t.touch()
}

// AssignAgent routes a bridge transaction to an agent.
func (t *Transaction) AssignAgent(agentID uuid.UUID) {
	t.AgentID = &agentID
	t.touch()
}

// IsPending reports whether the outcome is still open.
func (t *Transaction) IsPending() bool {
	return t.Status == StatusPaymentPending
}

func (t *Transaction) touch() {
	t.UpdatedAt = time.Now()
}

func validateLines(lines []Line) error {
	if len(lines) == 0 {
		return errors.NewValidationError("lines", "cannot be empty")
	}
	var gross int64
	for _, l := range lines {
		if l.ItemID == "" {
			return errors.NewValidationError("lines.item_id", "cannot be empty")
		}
		if l.Quantity <= 0 {
			return errors.NewValidationError("lines.quantity", "must be greater than 0")
		}
		if l.UnitPriceCents < 0 {
			return errors.NewValidationError("lines.unit_price_cents", "cannot be negative")
		}
		if l.UnitPriceCents > MaxAmountCents {
			return errors.NewValidationError("lines.unit_price_cents", "exceeds the maximum amount")
		}
		if l.UnitPriceCents > 0 && int64(l.Quantity) > MaxAmountCents/l.UnitPriceCents {
			return errors.NewValidationError("lines.quantity", "line total exceeds the maximum amount")
		}
		gross += l.UnitPriceCents * int64(l.Quantity)
		if gross > MaxAmountCents {
			return errors.NewValidationError("amount", "exceeds the maximum amount")
		}
		if l.VATRateBP < 0 || l.VATRateBP > 10000 {
			return errors.NewValidationError("lines.vat_rate_bp", "must be between 0 and 10000")
		}
	}
	return nil
}

func validateContract(buyer Buyer, contract *Contract) error {
	if buyer.Name == "" {
		return errors.NewValidationError("buyer.name", "required for contract lines")
	}
	if buyer.BillingAddress == "" {
		return errors.NewValidationError("buyer.billing_address", "required for contract lines")
	}
	if contract == nil || contract.SignatureRef == "" {
		return errors.NewValidationError("contract.signature_ref", "signature required for contract lines")
	}
	return nil
}
