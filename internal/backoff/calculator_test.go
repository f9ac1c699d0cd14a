package backoff

import (
	"testing"
	"time"
)

func TestCalculator(t *testing.T) {
	calc := NewCalculator(ExponentialStrategy{}, 0)

	result := calc.Calculate(1, 100*time.Millisecond)
	if result != 200*time.Millisecond {
		t.Errorf("Calculate(1) = %v, want %v", result, 200*time.Millisecond)
	}

	calc.SetStrategy(LinearStrategy{})
	result = calc.Calculate(2, 100*time.Millisecond)
	if result != 300*time.Millisecond {
		t.Errorf("After switching strategy, Calculate(2) = %v, want %v", result, 300*time.Millisecond)
	}

	if _, ok := calc.GetStrategy().(LinearStrategy); !ok {
		t.Errorf("GetStrategy() returned wrong type: %T", calc.GetStrategy())
	}
}

func TestCalculatorClampsToMax(t *testing.T) {
	calc := NewCalculator(ExponentialStrategy{}, 250*time.Millisecond)

	if got := calc.Calculate(5, 100*time.Millisecond); got != 250*time.Millisecond {
		t.Errorf("Calculate(5) = %v, want clamp at 250ms", got)
	}
}

func BenchmarkCalculatorExponential(b *testing.B) {
	calc := NewCalculator(ExponentialStrategy{}, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		calc.Calculate(i%10, 100*time.Millisecond)
	}
}
