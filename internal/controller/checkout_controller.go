package controller

import (
	"net/http"

	"github.com/cassiomorais/checkout/internal/domain/transaction"
	customMW "github.com/cassiomorais/checkout/internal/middleware"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/google/uuid"
)

// CheckoutController serves the operator-facing checkout endpoints.
type CheckoutController struct {
	checkout *service.CheckoutService
	agents   *service.AgentService
}

func NewCheckoutController(checkout *service.CheckoutService, agents *service.AgentService) *CheckoutController {
	return &CheckoutController{checkout: checkout, agents: agents}
}

// Start handles POST /api/v1/checkout
func (h *CheckoutController) Start(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartCheckoutRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	idempotencyKey := r.Header.Get(customMW.IdempotencyKeyHeader)
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	tx, err := h.checkout.Start(r.Context(), service.StartCheckoutRequest{
		IdempotencyKey: idempotencyKey,
		Lines:          toDomainLines(req.Lines),
		Buyer: transaction.Buyer{
			Name:           req.Buyer.Name,
			Email:          req.Buyer.Email,
			BillingAddress: req.Buyer.BillingAddress,
		},
		Contract:      toDomainContract(req.Contract),
		PaymentMethod: transaction.PaymentMethod(req.PaymentMethod),
		AgentID:       parseUUID(req.AgentID),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toStartResponse(tx))
}

// Status handles GET /api/v1/transactions/{id}/status
func (h *CheckoutController) Status(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(tx))
}

// Get handles GET /api/v1/transactions/{id}
func (h *CheckoutController) Get(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// MarkPaid handles POST /api/v1/transactions/{id}/mark-paid
func (h *CheckoutController) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req protocol.MarkPaidRequest
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	tx, err := h.checkout.MarkPaid(r.Context(), id, transaction.Reference{
		SlipNumber: req.SlipNumber,
		RRN:        req.RRN,
		Note:       req.Note,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toStatusResponse(tx))
}

// Abort handles POST /api/v1/transactions/{id}/abort
func (h *CheckoutController) Abort(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.checkout.Abort(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.AbortSent {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toStatusResponse(res.Transaction))
}

// OnlineAgents handles GET /api/v1/agents/online
func (h *CheckoutController) OnlineAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.OnlineAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := protocol.OnlineAgentsResponse{Agents: make([]protocol.AgentInfo, 0, len(agents))}
	for _, a := range agents {
		resp.Agents = append(resp.Agents, toAgentInfo(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RegisterAgent handles POST /api/v1/agents. The token is only returned here.
func (h *CheckoutController) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterAgentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	a, token, err := h.agents.Register(r.Context(), req.Name, agentTerminal(req.Terminal))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, protocol.RegisterAgentResponse{
		ID:    a.ID.String(),
		Name:  a.Name,
		Token: token,
	})
}

func (h *CheckoutController) load(w http.ResponseWriter, r *http.Request) (*transaction.Transaction, bool) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	tx, err := h.checkout.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return tx, true
}
