// Package budget tracks cumulative cost for a task against an optional
// ceiling. A ceiling of zero means unlimited.
package budget

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// ExceededError is returned by Check when accumulated spend has
// crossed the configured ceiling.
type ExceededError struct {
	Spent   float64
	Ceiling float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spent $%.4f exceeds ceiling $%.4f", e.Spent, e.Ceiling)
}

// Tracker accumulates cost_usd across a task's engine calls.
type Tracker struct {
	mu      sync.Mutex
	ceiling float64
	spent   float64
}

// NewTracker creates a tracker with the given ceiling (0 = unlimited).
func NewTracker(maxCostUSD float64) *Tracker {
	return &Tracker{ceiling: maxCostUSD}
}

// RecordCost adds cost to the running total. Costs are always additive,
// never reset mid-task.
func (t *Tracker) RecordCost(cost float64) {
	t.mu.Lock()
	t.spent += cost
	t.mu.Unlock()
}

// Spent returns the total cost recorded so far.
func (t *Tracker) Spent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent
}

// Remaining returns the budget left before the ceiling is hit.
// It returns +Inf when the tracker is unlimited.
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ceiling <= 0 {
		return math.Inf(1)
	}
	r := t.ceiling - t.spent
	if r < 0 {
		return 0
	}
	return r
}

// Check returns an *ExceededError once spend has crossed the ceiling.
// A zero ceiling never fails.
func (t *Tracker) Check() error {
	t.mu.Lock()
	spent, ceiling := t.spent, t.ceiling
	t.mu.Unlock()

	if ceiling > 0 && spent > ceiling {
		slog.Warn("budget.exceeded", "spent", spent, "ceiling", ceiling)
		return &ExceededError{Spent: spent, Ceiling: ceiling}
	}
	return nil
}
