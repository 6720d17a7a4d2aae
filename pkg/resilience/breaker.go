// Package resilience provides reliability patterns for the hook's outbound
// calls: a circuit breaker for the acme-dns API and a bounded polling helper
// for DNS propagation checks. API calls themselves are never retried here;
// the issuance client owns the retry policy for the whole validation run.
package resilience

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// APIBreaker wraps gobreaker for calls against a single remote API.
// It fails fast when the endpoint is clearly down; it never retries.
type APIBreaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// BreakerOption configures an APIBreaker.
type BreakerOption func(*gobreaker.Settings)

// WithFailureThreshold sets the consecutive failures before the breaker opens.
func WithFailureThreshold(n uint32) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n
		}
	}
}

// WithOpenTimeout sets how long the breaker stays open before half-open.
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.Timeout = d
	}
}

// NewAPIBreaker creates a circuit breaker for one remote endpoint.
// Defaults: trip after 3 consecutive failures, stay open 30s, allow a
// single probe request in half-open state.
func NewAPIBreaker(name string, opts ...BreakerOption) *APIBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &APIBreaker{
		cb:   gobreaker.NewCircuitBreaker[any](settings),
		name: name,
	}
}

// Execute runs fn through the breaker. Returns gobreaker.ErrOpenState
// wrapped in fn's error position when the circuit is open.
func (b *APIBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// ExecuteWithResult runs an operation returning a value through the breaker.
func ExecuteWithResult[T any](b *APIBreaker, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// Name returns the breaker's name.
func (b *APIBreaker) Name() string { return b.name }

// IsOpen reports whether the circuit is currently blocking requests.
func (b *APIBreaker) IsOpen() bool { return b.cb.State() == gobreaker.StateOpen }
