package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	customMW "github.com/cassiomorais/checkout/internal/middleware"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/cassiomorais/checkout/internal/service"
)

// AgentController serves the command queue endpoints used by terminal agents.
// Every route runs behind RequireAgent.
type AgentController struct {
	agents *service.AgentService
}

func NewAgentController(agents *service.AgentService) *AgentController {
	return &AgentController{agents: agents}
}

// Heartbeat handles POST /api/v1/agent/heartbeat
func (h *AgentController) Heartbeat(w http.ResponseWriter, r *http.Request) {
	a, ok := customMW.AgentFromContext(r.Context())
	if !ok {
		writeError(w, domainErrors.ErrUnauthorized)
		return
	}

	var req protocol.HeartbeatRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	at, err := h.agents.Heartbeat(r.Context(), a, req.TerminalOK, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{OK: true, ServerTime: at})
}

// NextCommand handles GET /api/v1/agent/commands/next?wait=25s
// It answers 204 when nothing arrived within the wait.
func (h *AgentController) NextCommand(w http.ResponseWriter, r *http.Request) {
	a, ok := customMW.AgentFromContext(r.Context())
	if !ok {
		writeError(w, domainErrors.ErrUnauthorized)
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeError(w, err)
		return
	}

	cmd, err := h.agents.NextCommand(r.Context(), a.ID, wait)
	if err != nil {
		if r.Context().Err() != nil {
			// client went away mid-poll; nobody is left to answer.
			return
		}
		writeError(w, err)
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, protocol.NextCommandResponse{Command: cmd.Message})
}

// Report handles POST /api/v1/agent/commands/{id}/report
func (h *AgentController) Report(w http.ResponseWriter, r *http.Request) {
	a, ok := customMW.AgentFromContext(r.Context())
	if !ok {
		writeError(w, domainErrors.ErrUnauthorized)
		return
	}

	commandID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var rep protocol.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, domainErrors.NewValidationError("body", "invalid JSON: "+err.Error()))
		return
	}

	duplicate, err := h.agents.Report(r.Context(), a.ID, commandID, rep)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.ReportResponse{Accepted: true, Duplicate: duplicate})
}

// parseWait accepts a Go duration ("25s") or a plain number of seconds.
func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, domainErrors.NewValidationError("wait", "must be a non-negative duration")
}
