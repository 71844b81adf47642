package budget

import (
	"errors"
	"math"
	"testing"
)

func TestTracker(t *testing.T) {
	t.Run("Unlimited", func(t *testing.T) {
		tr := NewTracker(0)
		tr.RecordCost(100)
		if r := tr.Remaining(); !math.IsInf(r, 1) {
			t.Errorf("Remaining() = %v, want +Inf", r)
		}
		if err := tr.Check(); err != nil {
			t.Errorf("Check() = %v, want nil", err)
		}
	})

	t.Run("AccumulatesAdditively", func(t *testing.T) {
		tr := NewTracker(10)
		tr.RecordCost(1.5)
		tr.RecordCost(2.5)
		if got := tr.Spent(); got != 4.0 {
			t.Errorf("Spent() = %v, want 4.0", got)
		}
	})

	t.Run("ExceedsCeiling", func(t *testing.T) {
		tr := NewTracker(1.0)
		tr.RecordCost(1.5)
		err := tr.Check()
		if err == nil {
			t.Fatal("Check() = nil, want ExceededError")
		}
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("Check() error type = %T, want *ExceededError", err)
		}
		if exceeded.Spent != 1.5 || exceeded.Ceiling != 1.0 {
			t.Errorf("ExceededError = %+v", exceeded)
		}
	})

	t.Run("ExactlyAtCeilingIsNotExceeded", func(t *testing.T) {
		tr := NewTracker(2.0)
		tr.RecordCost(2.0)
		if err := tr.Check(); err != nil {
			t.Errorf("Check() = %v, want nil at exact ceiling", err)
		}
	})

	t.Run("RemainingClampsToZero", func(t *testing.T) {
		tr := NewTracker(1.0)
		tr.RecordCost(5.0)
		if got := tr.Remaining(); got != 0 {
			t.Errorf("Remaining() = %v, want 0", got)
		}
	})
}

