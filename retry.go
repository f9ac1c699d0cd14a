package konduit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	internalbackoff "github.com/ambiyansyah-risyal/konduit/internal/backoff"
)

// DefaultRetryPolicy is used when neither the client nor the call sets one.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	Delay:      time.Second,
	Backoff:    BackoffExponential,
}

// DelayFor returns the wait before the retry that follows the zero-based
// attempt: linear is Delay*(attempt+1), exponential is Delay*2^attempt,
// clamped to MaxDelay.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	calc := internalbackoff.NewCalculator(internalbackoff.ForKind(string(p.Backoff)), p.MaxDelay)
	return calc.Calculate(attempt, p.Delay)
}

// Exchange is one completed HTTP attempt with its body fully read.
type Exchange struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	// Attempts is the number of attempts it took to get here.
	Attempts int
}

// OK reports a 2xx status.
func (e *Exchange) OK() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}

// AttemptFunc performs one network attempt under ctx.
type AttemptFunc func(ctx context.Context) (*Exchange, error)

// Executor runs an attempt under a per-attempt deadline and retries
// transient failures with backoff. Client errors (4xx) are returned after a
// single attempt; 5xx responses and transport failures are retried until the
// policy is exhausted.
type Executor struct {
	breaker *CircuitBreaker
	logger  Logger
	metrics *MetricsCollector
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor without breaker, logging or metrics.
func NewExecutor() *Executor {
	return &Executor{
		logger: NewNopLogger(),
		sleep:  WaitWithContext,
	}
}

// Execute runs attempt until it succeeds, fails permanently, or the policy
// runs out. A final 4xx/5xx exchange is returned with a nil error; transport
// failures come back as *ErrorInfo.
func (e *Executor) Execute(ctx context.Context, attempt AttemptFunc, timeout time.Duration, policy RetryPolicy) (*Exchange, error) {
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for n := 0; ; n++ {
		ex, err := e.runAttempt(ctx, attempt, timeout)
		if err == nil && ex.StatusCode < 500 {
			ex.Attempts = n + 1
			return ex, nil
		}

		retryable := err == nil || IsRetryable(err)
		if ctx.Err() != nil {
			retryable = false
		}
		if !retryable || n >= maxRetries {
			if err != nil {
				return nil, err
			}
			ex.Attempts = n + 1
			return ex, nil
		}

		delay := policy.DelayFor(n)
		status := 0
		if ex != nil {
			status = ex.StatusCode
		}
		e.logger.Info("Scheduling retry", "attempt", n+1, "maxRetries", maxRetries, "backoff", delay, "status", status, "error", err)
		e.metrics.RecordRetry(n + 1)
		trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", n+1),
			attribute.Int("status", status),
			attribute.String("backoff", delay.String()),
		))

		if werr := e.sleep(ctx, delay); werr != nil {
			info := newErrorInfo(CodeNetwork, "Request aborted", werr)
			return nil, info
		}
	}
}

func (e *Executor) runAttempt(ctx context.Context, attempt AttemptFunc, timeout time.Duration) (*Exchange, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var (
		ex  *Exchange
		err error
	)
	if e.breaker != nil {
		ex, err = e.breaker.Do(attemptCtx, attempt)
	} else {
		ex, err = attempt(attemptCtx)
	}
	if err == nil {
		return ex, nil
	}

	var info *ErrorInfo
	if errors.As(err, &info) {
		return nil, info
	}

	switch {
	case ctx.Err() != nil:
		return nil, newErrorInfo(CodeNetwork, "Request aborted", err)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return nil, newErrorInfo(CodeTimeout, fmt.Sprintf("Request timed out after %v", timeout), err)
	}
	code := classifyTransportError(err)
	return nil, newErrorInfo(code, transportMessage(code), err)
}

// WaitWithContext sleeps for delay or until ctx is done.
func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	// Try parsing as seconds first
	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour // Cap at 1 hour
			}
			return delay
		}
		return 0
	}

	// Try parsing as HTTP-date
	if t, err := http.ParseTime(value); err == nil {
		delay := t.Sub(now)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
