package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

type BreakerSettings struct {
	Name string
	// ConsecutiveFailures trips the breaker. Only unreachable errors count.
	ConsecutiveFailures uint32
	// OpenTimeout is how long calls fail fast before a probe is let through.
	OpenTimeout time.Duration
}

// Guarded wraps a Driver with a circuit breaker so an unplugged terminal is
// reported at once instead of waiting out a connect timeout per command.
// Declines and aborts are answers from a working terminal and never trip it.
type Guarded struct {
	driver  Driver
	breaker *gobreaker.CircuitBreaker[*PaymentResult]
}

// NewGuarded builds the breaker. state may be nil.
func NewGuarded(d Driver, st BreakerSettings, state *prometheus.GaugeVec) *Guarded {
	if st.Name == "" {
		st.Name = "terminal"
	}
	if st.ConsecutiveFailures == 0 {
		st.ConsecutiveFailures = 3
	}
	if st.OpenTimeout == 0 {
		st.OpenTimeout = 30 * time.Second
	}
	if state != nil {
		state.WithLabelValues(st.Name).Set(float64(gobreaker.StateClosed))
	}

	return &Guarded{
		driver: d,
		breaker: gobreaker.NewCircuitBreaker[*PaymentResult](gobreaker.Settings{
			Name:        st.Name,
			MaxRequests: 1,
			Timeout:     st.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= st.ConsecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, ErrUnreachable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if state != nil {
					state.WithLabelValues(name).Set(float64(to))
				}
			},
		}),
	}
}

// State exposes the breaker state for readiness reporting.
func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}

func (g *Guarded) TestConnectivity(ctx context.Context, t Target) error {
	_, err := g.breaker.Execute(func() (*PaymentResult, error) {
		return nil, g.driver.TestConnectivity(ctx, t)
	})
	return breakerError(err)
}

func (g *Guarded) Pay(ctx context.Context, t Target, req PaymentRequest) (*PaymentResult, error) {
	res, err := g.breaker.Execute(func() (*PaymentResult, error) {
		return g.driver.Pay(ctx, t, req)
	})
	return res, breakerError(err)
}

func (g *Guarded) Abort(ctx context.Context, t Target) error {
	_, err := g.breaker.Execute(func() (*PaymentResult, error) {
		return nil, g.driver.Abort(ctx, t)
	})
	return breakerError(err)
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}
