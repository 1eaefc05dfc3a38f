package terminal

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulator stands in for a physical terminal during development and tests.
// Like real hardware it runs one operation at a time; a second caller gets
// ErrBusy instead of queueing.
type Simulator struct {
	latency     time.Duration
	declineRate float64 // 0.0 to 1.0
	unreachable bool
	terminalID  string

	mu       sync.Mutex
	inFlight bool
	abort    chan struct{}
	calls    []string
}

type SimulatorOption func(*Simulator)

func WithLatency(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.latency = d }
}

func WithDeclineRate(rate float64) SimulatorOption {
	return func(s *Simulator) { s.declineRate = rate }
}

// WithUnreachable makes every operation fail as if the terminal were unplugged.
func WithUnreachable(unreachable bool) SimulatorOption {
	return func(s *Simulator) { s.unreachable = unreachable }
}

func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		latency:    500 * time.Millisecond,
		terminalID: "SIM00001",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Simulator) SetUnreachable(v bool) {
	s.mu.Lock()
	s.unreachable = v
	s.mu.Unlock()
}

// Calls lists operation names in the order they were invoked.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Simulator) begin(op string) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if s.unreachable {
		return nil, fmt.Errorf("%s: %w", op, ErrUnreachable)
	}
	if s.inFlight {
		return nil, fmt.Errorf("%s: %w", op, ErrBusy)
	}
	s.inFlight = true
	s.abort = make(chan struct{})
	return s.abort, nil
}

func (s *Simulator) end() {
	s.mu.Lock()
	s.inFlight = false
	s.abort = nil
	s.mu.Unlock()
}

func (s *Simulator) TestConnectivity(ctx context.Context, t Target) error {
	if _, err := s.begin("test_connectivity"); err != nil {
		return err
	}
	defer s.end()
	return nil
}

func (s *Simulator) Pay(ctx context.Context, t Target, req PaymentRequest) (*PaymentResult, error) {
	abort, err := s.begin("pay")
	if err != nil {
		return nil, err
	}
	defer s.end()

	select {
	case <-time.After(s.latency):
	case <-abort:
		return nil, ErrAborted
	case <-ctx.Done():
		return nil, fmt.Errorf("pay: %w", ctx.Err())
	}

	if s.declineRate > 0 && rand.Float64() < s.declineRate {
		return nil, ErrDeclined
	}

	ref := uuid.New().String()
	return &PaymentResult{
		Status:        "paid",
		AmountCents:   req.AmountCents,
		TerminalID:    s.terminalID,
		TraceNumber:   ref[:6],
		ReceiptNumber: ref[9:13],
		CardBrand:     "girocard",
		Note:          "simulated terminal",
		Timestamp:     time.Now(),
	}, nil
}

// Abort interrupts a running payment. With nothing running it succeeds,
// matching terminals that acknowledge an abort in idle state.
func (s *Simulator) Abort(ctx context.Context, t Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "abort")
	if s.unreachable {
		return fmt.Errorf("abort: %w", ErrUnreachable)
	}
	if s.abort != nil {
		close(s.abort)
		s.abort = nil
	}
	return nil
}
