package backoff

import (
	"testing"
	"time"
)

func TestLinearStrategy(t *testing.T) {
	strategy := LinearStrategy{}

	tests := []struct {
		name     string
		attempt  int
		base     time.Duration
		expected time.Duration
	}{
		{"attempt 0", 0, 100 * time.Millisecond, 100 * time.Millisecond},
		{"attempt 1", 1, 100 * time.Millisecond, 200 * time.Millisecond},
		{"attempt 4", 4, 100 * time.Millisecond, 500 * time.Millisecond},
		{"negative attempt", -3, 100 * time.Millisecond, 100 * time.Millisecond},
		{"zero base", 5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := strategy.Calculate(tt.attempt, tt.base)
			if result != tt.expected {
				t.Errorf("Calculate(%d, %v) = %v, want %v", tt.attempt, tt.base, result, tt.expected)
			}
		})
	}
}

func TestExponentialStrategy(t *testing.T) {
	strategy := ExponentialStrategy{}

	tests := []struct {
		name     string
		attempt  int
		base     time.Duration
		expected time.Duration
	}{
		{"attempt 0", 0, 100 * time.Millisecond, 100 * time.Millisecond},
		{"attempt 1", 1, 100 * time.Millisecond, 200 * time.Millisecond},
		{"attempt 2", 2, 100 * time.Millisecond, 400 * time.Millisecond},
		{"overflow guarded", 64, time.Second, MaxDelay},
		{"capped", 20, time.Second, MaxDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := strategy.Calculate(tt.attempt, tt.base)
			if result != tt.expected {
				t.Errorf("Calculate(%d, %v) = %v, want %v", tt.attempt, tt.base, result, tt.expected)
			}
		})
	}
}

func TestForKind(t *testing.T) {
	if _, ok := ForKind("linear").(LinearStrategy); !ok {
		t.Errorf("ForKind(linear) returned %T", ForKind("linear"))
	}
	if _, ok := ForKind("exponential").(ExponentialStrategy); !ok {
		t.Errorf("ForKind(exponential) returned %T", ForKind("exponential"))
	}
	if _, ok := ForKind("").(ExponentialStrategy); !ok {
		t.Errorf("ForKind(\"\") should default to exponential, got %T", ForKind(""))
	}
}

func TestPow(t *testing.T) {
	tests := []struct {
		base     float64
		exponent int
		expected float64
	}{
		{2.0, 0, 1.0},
		{2.0, 1, 2.0},
		{2.0, 3, 8.0},
		{3.0, 2, 9.0},
	}

	for _, tt := range tests {
		if got := pow(tt.base, tt.exponent); got != tt.expected {
			t.Errorf("pow(%f, %d) = %f, want %f", tt.base, tt.exponent, got, tt.expected)
		}
	}
}
