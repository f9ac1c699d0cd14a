package backoff

import (
	"time"
)

// Calculator applies a Strategy and clamps the result to an upper bound.
type Calculator struct {
	strategy Strategy
	max      time.Duration
}

// NewCalculator creates a calculator for the strategy. A zero max means MaxDelay.
func NewCalculator(strategy Strategy, max time.Duration) *Calculator {
	if max <= 0 {
		max = MaxDelay
	}
	return &Calculator{
		strategy: strategy,
		max:      max,
	}
}

// Calculate computes the wait before the retry following attempt.
func (c *Calculator) Calculate(attempt int, base time.Duration) time.Duration {
	d := c.strategy.Calculate(attempt, base)
	if d > c.max {
		return c.max
	}
	return d
}

// SetStrategy swaps the strategy used by this calculator.
func (c *Calculator) SetStrategy(strategy Strategy) {
	c.strategy = strategy
}

// GetStrategy returns the current strategy.
func (c *Calculator) GetStrategy() Strategy {
	return c.strategy
}
