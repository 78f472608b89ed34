package feedback

import "fmt"

// State of a task inside the feedback loop.
type State int

const (
	StatePending   State = iota // no attempt has finished yet
	StateRetrying               // at least one attempt was rejected and another is due
	StateSucceeded              // an attempt was accepted
	StateExhausted              // the attempt budget ran out
	StateStopped                // a failure nothing could fix, or cancellation
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further attempts follow.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateStopped
}

var transitions = map[State][]State{
	StatePending:  {StateRetrying, StateSucceeded, StateExhausted, StateStopped},
	StateRetrying: {StateRetrying, StateSucceeded, StateExhausted, StateStopped},
}

// CanTransition reports whether the loop may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// advance moves to next. An illegal move is a bug in the loop itself.
func (s State) advance(next State) State {
	if !s.CanTransition(next) {
		panic(fmt.Sprintf("feedback: illegal transition %s -> %s", s, next))
	}
	return next
}
