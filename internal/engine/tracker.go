package engine

import (
	"time"

	"gatehouse/internal/domain"
)

// The waiting/attempt tracker is a pure computation over timestamps already
// stored on the entry; it holds no state of its own.

// waitStart returns the instant the current wait began: the call start when a
// resident has been rung, otherwise entry creation.
func waitStart(e domain.GateEntry) (time.Time, error) {
	ts := e.CreatedAt
	if e.CallStartedAt != nil {
		ts = *e.CallStartedAt
	}
	return time.Parse(time.RFC3339, ts)
}

// ElapsedWaiting returns how long the entry has been waiting for a decision
// as of now. Zero for entries whose timestamps cannot be parsed.
func ElapsedWaiting(e domain.GateEntry, now time.Time) time.Duration {
	start, err := waitStart(e)
	if err != nil {
		return 0
	}
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

// ExpiryDue reports whether an undecided entry has outlived its ring budget.
// Each notification attempt buys the visitor one more ring cycle, so the
// budget is ringTimeout times the attempts made (minimum one cycle).
func ExpiryDue(e domain.GateEntry, now time.Time, ringTimeout time.Duration) bool {
	if e.State != domain.StateWaiting && e.State != domain.StateCalling {
		return false
	}
	if e.RespondedAt != nil {
		return false
	}
	cycles := e.Attempts
	if cycles < 1 {
		cycles = 1
	}
	return ElapsedWaiting(e, now) >= ringTimeout*time.Duration(cycles)
}
