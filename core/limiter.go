package core

import (
	"fmt"
)

// DefaultMaxSteps bounds the number of actions a single run may start.
const DefaultMaxSteps = 10

// StepLimiter enforces the maximum number of action executions per run. It
// is owned by exactly one RunContext and therefore unsynchronized.
type StepLimiter struct {
	max   int
	count int
}

// NewStepLimiter creates a limiter allowing max steps. A non-positive max
// falls back to DefaultMaxSteps; there is no unlimited mode.
func NewStepLimiter(max int) *StepLimiter {
	if max <= 0 {
		max = DefaultMaxSteps
	}
	return &StepLimiter{max: max}
}

// Exhausted reports whether no further step may start.
func (l *StepLimiter) Exhausted() bool { return l.count >= l.max }

// Increment records a started step and fails once the limit is reached.
func (l *StepLimiter) Increment() error {
	if l.Exhausted() {
		return fmt.Errorf("exceeded max steps: %d", l.max)
	}
	l.count++
	return nil
}

// Count returns the number of started steps.
func (l *StepLimiter) Count() int { return l.count }

// Max returns the configured limit.
func (l *StepLimiter) Max() int { return l.max }

// Remaining returns how many steps may still start.
func (l *StepLimiter) Remaining() int { return l.max - l.count }
