package quicktab

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

type State string

const (
	StateVisible    State = "visible"
	StateMinimizing State = "minimizing"
	StateMinimized  State = "minimized"
	StateRestoring  State = "restoring"
	StateDestroyed  State = "destroyed"
)

var AllStates = []State{StateVisible, StateMinimizing, StateMinimized, StateRestoring, StateDestroyed}

// edges is the complete transition table. Anything missing is rejected.
var edges = map[State][]State{
	StateVisible:    {StateMinimizing, StateDestroyed},
	StateMinimizing: {StateMinimized, StateDestroyed},
	StateMinimized:  {StateRestoring, StateDestroyed},
	StateRestoring:  {StateVisible, StateDestroyed},
	StateDestroyed:  nil,
}

type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func (s State) Valid() bool {
	_, ok := edges[s]
	return ok
}

func (s State) Live() bool {
	return s.Valid() && s != StateDestroyed
}

// InFlight reports whether s is one of the animated intermediate states.
func (s State) InFlight() bool {
	return s == StateMinimizing || s == StateRestoring
}

// Settled returns the state an in-flight state resolves to.
func (s State) Settled() State {
	switch s {
	case StateMinimizing:
		return StateMinimized
	case StateRestoring:
		return StateVisible
	default:
		return s
	}
}

func ParseState(raw string) (State, bool) {
	s := State(raw)
	return s, s.Valid()
}

func CanTransition(from, to State) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, &TransitionError{From: from, To: to}
	}
	return to, nil
}

// Path returns the edges walked from one state to another, excluding from.
// A remote record that is already minimized reaches a local visible copy as
// [minimizing, minimized]; states are never skipped.
func Path(from, to State) ([]State, error) {
	if from == to {
		return nil, nil
	}
	if !from.Valid() || !to.Valid() {
		return nil, &TransitionError{From: from, To: to}
	}
	type step struct {
		state State
		prev  int
	}
	queue := []step{{state: from, prev: -1}}
	seen := map[State]bool{from: true}
	for i := 0; i < len(queue); i++ {
		current := queue[i]
		for _, next := range edges[current.state] {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, step{state: next, prev: i})
			if next != to {
				continue
			}
			path := []State{}
			for j := len(queue) - 1; j > 0; j = queue[j].prev {
				path = append([]State{queue[j].state}, path...)
			}
			return path, nil
		}
	}
	return nil, &TransitionError{From: from, To: to}
}
