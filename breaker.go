package konduit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Name string
	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of probes allowed while half-open.
	SuccessThreshold uint32
	// Interval clears counts while closed; zero keeps them until a trip.
	Interval      time.Duration
	OnStateChange func(name string, from, to gobreaker.State)
}

// CircuitBreaker guards attempts. Transport failures and 5xx responses count
// as failures; 4xx responses do not.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// errServerStatus marks a 5xx exchange so gobreaker counts it.
var errServerStatus = errors.New("konduit: server error status")

// NewCircuitBreaker creates a breaker, filling zero fields with defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}

	threshold := config.FailureThreshold
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.SuccessThreshold,
		Interval:    config.Interval,
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: config.OnStateChange,
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs attempt through the breaker. An open breaker yields a
// CIRCUIT_OPEN_ERROR without calling attempt.
func (b *CircuitBreaker) Do(ctx context.Context, attempt AttemptFunc) (*Exchange, error) {
	var ex *Exchange
	_, err := b.cb.Execute(func() (interface{}, error) {
		var aerr error
		ex, aerr = attempt(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if ex.StatusCode >= 500 {
			return nil, errServerStatus
		}
		return nil, nil
	})

	switch {
	case errors.Is(err, errServerStatus):
		return ex, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, newErrorInfo(CodeCircuitOpen, transportMessage(CodeCircuitOpen), errors.Join(ErrCircuitOpen, err))
	case err != nil:
		return nil, err
	}
	return ex, nil
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.cb.Name()
}
