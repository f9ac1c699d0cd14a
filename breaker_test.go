package konduit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

const expectedStateMsg = "Expected breaker state %v, got %v"

func statusAttempt(status int, calls *int) AttemptFunc {
	return func(context.Context) (*Exchange, error) {
		*calls++
		return &Exchange{StatusCode: status}, nil
	}
}

func TestCircuitBreakerTripsOnServerErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	ctx := context.Background()
	calls := 0

	for i := 0; i < 2; i++ {
		ex, err := cb.Do(ctx, statusAttempt(503, &calls))
		if err != nil {
			t.Fatalf("5xx exchange should be returned, got error %v", err)
		}
		if ex.StatusCode != 503 {
			t.Errorf("Expected status 503, got %d", ex.StatusCode)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf(expectedStateMsg, gobreaker.StateOpen, cb.State())
	}

	_, err := cb.Do(ctx, statusAttempt(200, &calls))
	if CodeOf(err) != CodeCircuitOpen {
		t.Errorf(expectedCodeMsg, CodeCircuitOpen, CodeOf(err))
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected error to wrap ErrCircuitOpen")
	}
	if calls != 2 {
		t.Errorf("Expected open breaker to skip the attempt, got %d calls", calls)
	}
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	calls := 0

	for i := 0; i < 5; i++ {
		if _, err := cb.Do(context.Background(), statusAttempt(404, &calls)); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf(expectedStateMsg, gobreaker.StateClosed, cb.State())
	}
}

func TestCircuitBreakerCountsTransportErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	dialErr := newErrorInfo(CodeConnection, "refused", nil)

	_, err := cb.Do(context.Background(), func(context.Context) (*Exchange, error) { return nil, dialErr })
	if !errors.Is(err, dialErr) {
		t.Errorf("Expected attempt error to pass through, got %v", err)
	}
	if cb.State() != gobreaker.StateOpen {
		t.Errorf(expectedStateMsg, gobreaker.StateOpen, cb.State())
	}
}

func TestCircuitBreakerRecovers(t *testing.T) {
	var transitions []gobreaker.State
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "recovery",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 1,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			transitions = append(transitions, to)
		},
	})
	calls := 0

	_, _ = cb.Do(context.Background(), statusAttempt(500, &calls))
	time.Sleep(40 * time.Millisecond)

	if _, err := cb.Do(context.Background(), statusAttempt(200, &calls)); err != nil {
		t.Fatalf("Expected half-open probe to run, got %v", err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf(expectedStateMsg, gobreaker.StateClosed, cb.State())
	}

	want := []gobreaker.State{gobreaker.StateOpen, gobreaker.StateHalfOpen, gobreaker.StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: "+expectedStateMsg, i, want[i], transitions[i])
		}
	}
	if cb.Name() != "recovery" {
		t.Errorf("Expected name recovery, got %s", cb.Name())
	}
}

func TestExecutorDoesNotRetryOpenCircuit(t *testing.T) {
	exec, sleeper := newTestExecutor()
	exec.breaker = NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	calls := 0

	ex, err := exec.Execute(context.Background(), statusAttempt(502, &calls), time.Second, RetryPolicy{MaxRetries: 3, Delay: time.Millisecond})
	if ex != nil || CodeOf(err) != CodeCircuitOpen {
		t.Fatalf(expectedCodeMsg, CodeCircuitOpen, CodeOf(err))
	}
	if calls != 1 {
		t.Errorf(expectedAttemptsMsg, 1, calls)
	}
	if len(sleeper.delays) != 1 {
		t.Errorf("Expected one backoff before the breaker opened, got %v", sleeper.delays)
	}
}
