package pipeline

import "fmt"

// State is the lifecycle position of one pipeline run.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateStreaming
	StateDraining
	StateFinalizing
	StateComplete
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateConfiguring: "configuring",
	StateStreaming:   "streaming",
	StateDraining:    "draining",
	StateFinalizing:  "finalizing",
	StateComplete:    "complete",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// transitions lists the forward edges. Failed is reachable from every
// non-terminal state and is handled separately.
var transitions = map[State]State{
	StateIdle:        StateConfiguring,
	StateConfiguring: StateStreaming,
	StateStreaming:   StateDraining,
	StateDraining:    StateFinalizing,
	StateFinalizing:  StateComplete,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	next, ok := transitions[from]
	return ok && next == to
}
