package engine

import "fmt"

// InvalidTransitionError means the operation is illegal for the entry's
// current state. It is never retried automatically; it signals an ordering
// bug upstream and must be surfaced to a human.
type InvalidTransitionError struct {
	EntryID string
	State   string
	Op      string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed while entry %s is %s", e.Op, e.EntryID, e.State)
}

// StaleStateError means the caller lost a concurrent-decision race: another
// actor settled the entry first. Retryable by re-fetching and re-deciding.
type StaleStateError struct {
	EntryID string
	State   string
}

func (e StaleStateError) Error() string {
	return fmt.Sprintf("entry %s already settled as %s", e.EntryID, e.State)
}

// ClockSkewError means applying the operation now would make a timestamp on
// the record go backwards. The transition is rejected rather than clamped.
type ClockSkewError struct {
	EntryID string
	Now     string
	Last    string
}

func (e ClockSkewError) Error() string {
	return fmt.Sprintf("clock skew on entry %s: now %s precedes recorded %s", e.EntryID, e.Now, e.Last)
}

// ValidationError marks malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
