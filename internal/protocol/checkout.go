package protocol

import "time"

// PaymentMethod selects how a transaction is settled.
type PaymentMethod string

const (
	MethodTerminalBridge   PaymentMethod = "terminal_bridge"
	MethodTerminalExternal PaymentMethod = "terminal_external"
	MethodCash             PaymentMethod = "cash"
)

// Transaction statuses as exposed over the API.
const (
	StatusPaymentPending = "payment_pending"
	StatusPaid           = "paid"
	StatusFailed         = "failed"
	StatusCancelled      = "cancelled"
	StatusRefunded       = "refunded"
	StatusStorno         = "storno"
)

// IsFinalStatus reports whether a status can no longer change to paid.
func IsFinalStatus(status string) bool {
	switch status {
	case StatusPaid, StatusFailed, StatusCancelled, StatusRefunded, StatusStorno:
		return true
	}
	return false
}

type CartLine struct {
	ItemID           string `json:"item_id" validate:"required"`
	Quantity         int    `json:"quantity" validate:"gt=0"`
	UnitPriceCents   int64  `json:"unit_price_cents" validate:"gte=0"`
	VATRateBP        int    `json:"vat_rate_bp" validate:"gte=0,lte=10000"`
	RequiresContract bool   `json:"requires_contract,omitempty"`
}

type Buyer struct {
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty" validate:"omitempty,email"`
	BillingAddress string `json:"billing_address,omitempty"`
}

type Contract struct {
	SignatureRef string `json:"signature_ref"`
	Terms        string `json:"terms,omitempty"`
}

type StartCheckoutRequest struct {
	Lines         []CartLine    `json:"lines" validate:"required,min=1,dive"`
	Buyer         Buyer         `json:"buyer"`
	PaymentMethod PaymentMethod `json:"payment_method" validate:"required,oneof=terminal_bridge terminal_external cash"`
	Contract      *Contract     `json:"contract,omitempty"`
	AgentID       string        `json:"agent_id,omitempty" validate:"omitempty,uuid"`
}

type StartCheckoutResponse struct {
	TxID         string `json:"tx_id"`
	Status       string `json:"status"`
	ProviderTxID string `json:"provider_tx_id,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type MarkPaidRequest struct {
	SlipNumber string `json:"slip_number,omitempty" validate:"max=64"`
	RRN        string `json:"rrn,omitempty" validate:"max=64"`
	Note       string `json:"note,omitempty" validate:"max=500"`
}

type Totals struct {
	GrossCents int64  `json:"gross_cents"`
	NetCents   int64  `json:"net_cents"`
	VATCents   int64  `json:"vat_cents"`
	Currency   string `json:"currency"`
}

// Documents links may be empty until the renderer has produced them.
type Documents struct {
	ReceiptURL  string `json:"receipt_url,omitempty"`
	InvoiceURL  string `json:"invoice_url,omitempty"`
	ContractURL string `json:"contract_url,omitempty"`
}

type TransactionResponse struct {
	ID            string           `json:"id"`
	Status        string           `json:"status"`
	PaymentMethod PaymentMethod    `json:"payment_method"`
	Lines         []CartLine       `json:"lines"`
	Buyer         Buyer            `json:"buyer"`
	Totals        Totals           `json:"totals"`
	ProviderTxID  string           `json:"provider_tx_id,omitempty"`
	Reference     *MarkPaidRequest `json:"reference,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	Documents     Documents        `json:"documents"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

type AgentInfo struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TerminalOK      bool      `json:"terminal_ok"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

type OnlineAgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
}

type RegisterAgentRequest struct {
	Name     string         `json:"name" validate:"required,max=100"`
	Terminal TerminalTarget `json:"terminal"`
}

type RegisterAgentResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
