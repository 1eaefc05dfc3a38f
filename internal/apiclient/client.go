// Package apiclient talks to the checkout API on behalf of terminal agents
// and operator tools.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cassiomorais/checkout/internal/protocol"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout = 15 * time.Second
	// pollSlack is added to the long-poll wait so the server answers first.
	pollSlack = 10 * time.Second
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// Temporary reports whether a retry may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// HasCode reports whether err is an APIError with the given code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsTransient is true for transport failures and retryable API answers.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// New builds a client. token is sent as a bearer credential when non-empty:
// an agent token for agent calls, an operator JWT for checkout calls.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers http.Header, in, out any) (int, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var er protocol.ErrorResponse
	if json.Unmarshal(raw, &er) == nil && (er.Code != "" || er.Error != "") {
		apiErr.Code = er.Code
		apiErr.Message = er.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// --- Agent endpoints ---

func (c *Client) Heartbeat(ctx context.Context, terminalOK bool, version string) (*protocol.HeartbeatResponse, error) {
	var out protocol.HeartbeatResponse
	_, err := c.do(ctx, http.MethodPost, "/api/v1/agent/heartbeat", nil, nil,
		protocol.HeartbeatRequest{TerminalOK: terminalOK, Version: version}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// NextCommand long-polls for up to wait. It returns nil, nil when the wait
// elapsed without a command.
func (c *Client) NextCommand(ctx context.Context, wait time.Duration) (*protocol.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, wait+pollSlack)
	defer cancel()

	var out protocol.NextCommandResponse
	status, err := c.do(ctx, http.MethodGet, "/api/v1/agent/commands/next",
		url.Values{"wait": {wait.String()}}, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out.Command, nil
}

func (c *Client) Report(ctx context.Context, commandID string, rep protocol.Report) (*protocol.ReportResponse, error) {
	var out protocol.ReportResponse
	_, err := c.do(ctx, http.MethodPost, "/api/v1/agent/commands/"+url.PathEscape(commandID)+"/report", nil, nil, rep, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Operator endpoints ---

// StartCheckout creates a transaction. idempotencyKey makes retries safe.
func (c *Client) StartCheckout(ctx context.Context, idempotencyKey string, req protocol.StartCheckoutRequest) (*protocol.StartCheckoutResponse, error) {
	var headers http.Header
	if idempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": {idempotencyKey}}
	}
	var out protocol.StartCheckoutResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/checkout", nil, headers, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, txID string) (*protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(txID)+"/status", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Transaction(ctx context.Context, txID string) (*protocol.TransactionResponse, error) {
	var out protocol.TransactionResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(txID), nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkPaid(ctx context.Context, txID string, req protocol.MarkPaidRequest) (*protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/transactions/"+url.PathEscape(txID)+"/mark-paid", nil, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Abort(ctx context.Context, txID string) (*protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/transactions/"+url.PathEscape(txID)+"/abort", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) OnlineAgents(ctx context.Context) ([]protocol.AgentInfo, error) {
	var out protocol.OnlineAgentsResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/agents/online", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

func (c *Client) RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (*protocol.RegisterAgentResponse, error) {
	var out protocol.RegisterAgentResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/agents", nil, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
