package providers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerSettings configures the circuit breakers around remote calls.
type BreakerSettings struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures uint32
	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration
	// OnStateChange is called after every transition, e.g. to export metrics.
	OnStateChange func(name string, from, to gobreaker.State)
}

// NewBreaker creates a circuit breaker for one remote dependency. A cancelled
// caller does not count as a failure of the dependency.
func NewBreaker[T any](name string, s BreakerSettings) *gobreaker.CircuitBreaker[T] {
	failures := s.Failures
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if s.OnStateChange != nil {
				s.OnStateChange(name, from, to)
			}
		},
	})
}

type breakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[string]
}

// WithBreaker guards p with a circuit breaker named name. While the circuit
// is open calls fail immediately with gobreaker.ErrOpenState.
func WithBreaker(name string, p Provider, s BreakerSettings) Provider {
	return &breakerProvider{next: p, cb: NewBreaker[string](name, s)}
}

func (b *breakerProvider) ExtractText(ctx context.Context, config Config) (string, error) {
	return b.cb.Execute(func() (string, error) {
		return b.next.ExtractText(ctx, config)
	})
}
