package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_NextCommand(t *testing.T) {
	var gotWait, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWait = r.URL.Query().Get("wait")
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/api/v1/agent/commands/next", r.URL.Path)
		json.NewEncoder(w).Encode(protocol.NextCommandResponse{
			Command: protocol.NewPaymentCommand("c-1", protocol.PaymentPayload{TransactionID: "t-1", AmountCents: 4250, Currency: "EUR"}),
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "agt_secret")
	cmd, err := c.NextCommand(context.Background(), 25*time.Second)

	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "25s", gotWait)
	assert.Equal(t, "Bearer agt_secret", gotAuth)
	assert.Equal(t, protocol.CommandPayment, cmd.Type)
	assert.Equal(t, int64(4250), cmd.Payment.AmountCents)
}

func TestClient_NextCommandNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cmd, err := New(srv.URL, "agt_x").NextCommand(context.Background(), time.Second)

	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestClient_Report(t *testing.T) {
	var got protocol.Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/agent/commands/c-9/report", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(protocol.ReportResponse{Accepted: true, Duplicate: true})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "agt_x").Report(context.Background(), "c-9", protocol.Failure(protocol.ErrCodePaymentDeclined, "card declined"))

	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.False(t, got.OK)
	assert.Equal(t, protocol.ErrCodePaymentDeclined, got.Error)
}

func TestClient_StartCheckoutSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "till-1-42", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.StartCheckoutResponse{TxID: "t-1", Status: protocol.StatusPaymentPending})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "").StartCheckout(context.Background(), "till-1-42", protocol.StartCheckoutRequest{PaymentMethod: protocol.MethodCash})

	require.NoError(t, err)
	assert.Equal(t, "t-1", resp.TxID)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "no terminal agent is online", Code: "no_agent_online"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").StartCheckout(context.Background(), "", protocol.StartCheckoutRequest{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.True(t, HasCode(err, "no_agent_online"))
	assert.False(t, IsTransient(err))
}

func TestClient_PlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Status(context.Background(), "t-1")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("connection refused")))
	assert.True(t, IsTransient(&APIError{Status: http.StatusTooManyRequests}))
	assert.False(t, IsTransient(&APIError{Status: http.StatusForbidden}))
}
