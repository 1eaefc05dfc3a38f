package controller

import (
	"github.com/cassiomorais/checkout/internal/domain/agent"
	"github.com/cassiomorais/checkout/internal/domain/transaction"
	"github.com/cassiomorais/checkout/internal/protocol"
)

func toDomainLines(lines []protocol.CartLine) []transaction.Line {
	out := make([]transaction.Line, len(lines))
	for i, l := range lines {
		out[i] = transaction.Line{
			ItemID:           l.ItemID,
			Quantity:         l.Quantity,
			UnitPriceCents:   l.UnitPriceCents,
			VATRateBP:        l.VATRateBP,
			RequiresContract: l.RequiresContract,
		}
	}
	return out
}

func toProtocolLines(lines []transaction.Line) []protocol.CartLine {
	out := make([]protocol.CartLine, len(lines))
	for i, l := range lines {
		out[i] = protocol.CartLine{
			ItemID:           l.ItemID,
			Quantity:         l.Quantity,
			UnitPriceCents:   l.UnitPriceCents,
			VATRateBP:        l.VATRateBP,
			RequiresContract: l.RequiresContract,
		}
	}
	return out
}

func toDomainContract(c *protocol.Contract) *transaction.Contract {
	if c == nil {
		return nil
	}
	return &transaction.Contract{SignatureRef: c.SignatureRef, Terms: c.Terms}
}

func toStartResponse(tx *transaction.Transaction) protocol.StartCheckoutResponse {
	resp := protocol.StartCheckoutResponse{
		TxID:   tx.ID.String(),
		Status: string(tx.Status),
	}
	if tx.ProviderTxID != nil {
		resp.ProviderTxID = *tx.ProviderTxID
	}
	return resp
}

func toStatusResponse(tx *transaction.Transaction) protocol.StatusResponse {
	resp := protocol.StatusResponse{Status: string(tx.Status)}
	if tx.LastError != nil {
		resp.Error = *tx.LastError
	}
	return resp
}

func toTransactionResponse(tx *transaction.Transaction) protocol.TransactionResponse {
	resp := protocol.TransactionResponse{
		ID:            tx.ID.String(),
		Status:        string(tx.Status),
		PaymentMethod: protocol.PaymentMethod(tx.PaymentMethod),
		Lines:         toProtocolLines(tx.Lines),
		Buyer: protocol.Buyer{
			Name:           tx.Buyer.Name,
			Email:          tx.Buyer.Email,
			BillingAddress: tx.Buyer.BillingAddress,
		},
		Totals: protocol.Totals{
			GrossCents: tx.Totals.GrossCents,
			NetCents:   tx.Totals.NetCents,
			VATCents:   tx.Totals.VATCents,
			Currency:   tx.Totals.Currency,
		},
		Documents: protocol.Documents{
			ReceiptURL:  tx.Documents.ReceiptURL,
			InvoiceURL:  tx.Documents.InvoiceURL,
			ContractURL: tx.Documents.ContractURL,
		},
		CreatedAt:   tx.CreatedAt,
		UpdatedAt:   tx.UpdatedAt,
		CompletedAt: tx.CompletedAt,
	}
	if tx.ProviderTxID != nil {
		resp.ProviderTxID = *tx.ProviderTxID
	}
	if tx.LastError != nil {
		resp.LastError = *tx.LastError
	}
	if tx.Reference != nil {
		resp.Reference = &protocol.MarkPaidRequest{
			SlipNumber: tx.Reference.SlipNumber,
			RRN:        tx.Reference.RRN,
			Note:       tx.Reference.Note,
		}
	}
	return resp
}

func toAgentInfo(a *agent.Agent) protocol.AgentInfo {
	info := protocol.AgentInfo{
		ID:         a.ID.String(),
		Name:       a.Name,
		TerminalOK: a.LastTerminalOK,
	}
	if a.LastHeartbeatAt != nil {
		info.LastHeartbeatAt = *a.LastHeartbeatAt
	}
	return info
}

func agentTerminal(t protocol.TerminalTarget) agent.Terminal {
	return agent.Terminal{Host: t.Host, Port: t.Port, Password: t.Password}
}
