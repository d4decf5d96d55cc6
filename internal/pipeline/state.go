package pipeline

import "fmt"

// State is the lifecycle state of a pipeline run.
type State string

const (
	StatePending           State = "Pending"
	StateStaged            State = "Staged"
	StateConfigured        State = "Configured"
	StateDispatched        State = "Dispatched"
	StateAggregated        State = "Aggregated"
	StatePublishedAndClean State = "PublishedAndClean"
	StateFailed            State = "Failed"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s State) bool {
	switch s {
	case StatePublishedAndClean, StateFailed:
		return true
	default:
		return false
	}
}

// Transition validates a single state change. from must be the run's
// current state; the caller applies to only when the error is nil.
func Transition(cur, from, to State) error {
	if cur != from {
		return fmt.Errorf("invalid transition: expected %s, got %s", from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	return nil
}

func isAllowedTransition(from, to State) bool {
	if to == StateFailed {
		return !IsTerminal(from)
	}
	switch from {
	case StatePending:
		return to == StateStaged
	case StateStaged:
		return to == StateConfigured
	case StateConfigured:
		return to == StateDispatched
	case StateDispatched:
		return to == StateAggregated
	case StateAggregated:
		return to == StatePublishedAndClean
	default:
		return false
	}
}
