package backoff

import "time"

// Tracker counts consecutive failures of an operation and says when the
// next attempt is allowed. It is not safe for concurrent use.
type Tracker struct {
	cfg      Config
	failures int
	next     time.Time
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// Failures is the number of consecutive failures so far.
func (t *Tracker) Failures() int { return t.failures }

// Wait returns how long to hold off before the next attempt at now.
func (t *Tracker) Wait(now time.Time) time.Duration {
	if t.failures == 0 || !now.Before(t.next) {
		return 0
	}
	return t.next.Sub(now)
}

// Failure records a failed attempt and returns the new failure count.
func (t *Tracker) Failure(now time.Time) int {
	t.failures++
	t.next = now.Add(Exponential(t.failures, t.cfg))
	return t.failures
}

// Success clears the failure history.
func (t *Tracker) Success() {
	t.failures = 0
	t.next = time.Time{}
}
