package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		payload      any
		expectedBody string
	}{
		{
			name:         "simple map",
			status:       http.StatusOK,
			payload:      map[string]string{"status": "ok"},
			expectedBody: `{"status":"ok"}`,
		},
		{
			name:         "status response",
			status:       http.StatusOK,
			payload:      protocol.StatusResponse{Status: "failed", Error: "payment_declined"},
			expectedBody: `{"status":"failed","error":"payment_declined"}`,
		},
		{
			name:         "error response",
			status:       http.StatusBadRequest,
			payload:      protocol.ErrorResponse{Error: "bad request", Code: "invalid_input"},
			expectedBody: `{"error":"bad request","code":"invalid_input"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeJSON(w, tt.status, tt.payload)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

func TestWriteError_ValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.NewValidationError("lines", "cannot be empty"))

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response protocol.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "validation_error", response.Code)
	assert.Contains(t, response.Error, "lines")
}

func TestWriteError_DomainErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"transaction not found", domainErrors.ErrTransactionNotFound, http.StatusNotFound, "not_found"},
		{"command not found", domainErrors.ErrCommandNotFound, http.StatusNotFound, "not_found"},
		{"no agent online", domainErrors.NewDomainError("no_agent_online", "no terminal agent is online", domainErrors.ErrNoAgentOnline), http.StatusConflict, "no_agent_online"},
		{"invalid state transition", domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
		{"resolved", domainErrors.ErrTransactionResolved, http.StatusConflict, "transaction_resolved"},
		{"bridge requires terminal", domainErrors.ErrBridgeRequiresTerminal, http.StatusUnprocessableEntity, "bridge_requires_terminal"},
		{"not bridge", domainErrors.ErrNotBridgeTransaction, http.StatusUnprocessableEntity, "not_bridge_transaction"},
		{"command not owned", fmt.Errorf("report: %w", domainErrors.ErrCommandNotOwned), http.StatusForbidden, "forbidden"},
		{"optimistic lock failed", domainErrors.ErrOptimisticLockFailed, http.StatusConflict, "conflict"},
		{"unauthorized", domainErrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response protocol.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedCode, response.Code)
		})
	}
}

func TestWriteError_OptimisticLockFailed_CustomMessage(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.ErrOptimisticLockFailed)

	var response protocol.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "concurrent modification, please retry", response.Error)
}

func TestWriteError_GenericDomainError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.NewDomainError("custom_error", "custom error message", nil))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var response protocol.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "custom_error", response.Code)
	assert.Equal(t, "custom error message", response.Error)
}

func TestWriteError_UnknownError_FallbackToInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("connection reset"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var response protocol.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "internal_error", response.Code)
	assert.Equal(t, "internal server error", response.Error)
}

func TestDecodeAndValidate(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"valid", `{"lines":[{"item_id":"a","quantity":1,"unit_price_cents":100}],"payment_method":"cash"}`, ""},
		{"invalid json", `{invalid`, "body"},
		{"empty body", ``, "body"},
		{"no lines", `{"lines":[],"payment_method":"cash"}`, "Lines"},
		{"unknown method", `{"lines":[{"item_id":"a","quantity":1}],"payment_method":"crypto"}`, "PaymentMethod"},
		{"zero quantity", `{"lines":[{"item_id":"a","quantity":0}],"payment_method":"cash"}`, "Quantity"},
		{"bad agent id", `{"lines":[{"item_id":"a","quantity":1}],"payment_method":"terminal_bridge","agent_id":"nope"}`, "AgentID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader([]byte(tt.body)))

			var dst protocol.StartCheckoutRequest
			err := decodeAndValidate(req, &dst)

			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			var validationErr *domainErrors.ValidationError
			require.True(t, errors.As(err, &validationErr), "got %v", err)
			assert.Equal(t, tt.wantField, validationErr.Field)
		})
	}
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"", "0s", false},
		{"25s", "25s", false},
		{"10", "10s", false},
		{"1m", "1m0s", false},
		{"-5s", "", true},
		{"soon", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseWait(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseUUID(t *testing.T) {
	assert.Nil(t, parseUUID(""))
	assert.Nil(t, parseUUID("not-a-uuid"))
	id := parseUUID("0b8f6a52-5d5b-4c9a-9a1e-3f3b3b8d2c11")
	require.NotNil(t, id)
	assert.True(t, strings.HasPrefix(id.String(), "0b8f6a52"))
}
