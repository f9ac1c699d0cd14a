package backoff

import (
	"time"
)

// Strategy defines the interface for backoff calculation algorithms.
type Strategy interface {
	// Calculate returns the wait before the retry that follows the given
	// zero-based attempt, scaled from base.
	Calculate(attempt int, base time.Duration) time.Duration
}

// LinearStrategy grows the delay by one base step per attempt: base * (attempt + 1).
type LinearStrategy struct{}

// Calculate implements the Strategy interface for linear backoff.
func (s LinearStrategy) Calculate(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}

	delay := base * time.Duration(attempt+1)
	if delay < 0 || delay/time.Duration(attempt+1) != base {
		return MaxDelay
	}
	return delay
}

// ExponentialStrategy doubles the delay per attempt: base * 2^attempt.
type ExponentialStrategy struct{}

// Calculate implements the Strategy interface for exponential backoff.
func (s ExponentialStrategy) Calculate(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}

	// Prevent overflow by limiting attempt
	if attempt > 30 {
		return MaxDelay
	}

	delay := time.Duration(float64(base) * pow(2.0, attempt))
	if delay < 0 || delay > MaxDelay {
		return MaxDelay
	}
	return delay
}

// MaxDelay bounds any computed delay so a runaway attempt count cannot overflow.
const MaxDelay = time.Hour

// ForKind maps a policy backoff kind to its strategy. Unknown kinds fall back
// to exponential.
func ForKind(kind string) Strategy {
	switch kind {
	case "linear":
		return LinearStrategy{}
	default:
		return ExponentialStrategy{}
	}
}

// pow calculates base^exponent using integer exponentiation.
func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
