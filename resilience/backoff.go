package resilience

import (
	"time"

	"github.com/fernridge/conductor/core"
)

// ResourceExhaustedBackoff schedules the fixed-delay RESOURCE_EXHAUSTED
// recovery table: {1m, 5m, 20m, 1h, 2h} by attempt, hard-halt after the
// last. This is an exact table rather than a computed curve, so it is a
// small lookup rather than a wrapped exponential policy.
type ResourceExhaustedBackoff struct {
	schedule []time.Duration
}

// NewResourceExhaustedBackoff builds the backoff schedule, defaulting to
// core.ResourceExhaustedBackoff when schedule is nil.
func NewResourceExhaustedBackoff(schedule []time.Duration) *ResourceExhaustedBackoff {
	if schedule == nil {
		schedule = core.ResourceExhaustedBackoff
	}
	return &ResourceExhaustedBackoff{schedule: schedule}
}

// NextDelay returns the delay for the given 1-indexed attempt, and false
// once the schedule is exhausted (the caller must hard-halt).
func (b *ResourceExhaustedBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > len(b.schedule) {
		return 0, false
	}
	return b.schedule[attempt-1], true
}

// MaxAttempts is the number of scheduled retries before a hard halt.
func (b *ResourceExhaustedBackoff) MaxAttempts() int {
	return len(b.schedule)
}
