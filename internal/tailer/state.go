// state.go implements lifecycle state tracking for tailers.
//
// Each tailer moves through Starting → Streaming → (Reconnecting |
// Rotated) → Streaming → Stopped. Transitions are recorded in a small
// ring buffer for the health endpoint and debugging.

package tailer

import (
	"sync"
	"time"
)

// State is the lifecycle state of one tailer.
type State int

const (
	StateStarting State = iota
	StateStreaming
	StateReconnecting
	StateRotated
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateRotated:
		return "rotated"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const transitionBufferSize = 32

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// stateTracker holds the current state and a fixed-size transition history.
type stateTracker struct {
	mu          sync.Mutex
	current     State
	transitions [transitionBufferSize]Transition
	head        int
	count       int
}

func newStateTracker() *stateTracker {
	return &stateTracker{current: StateStarting}
}

func (st *stateTracker) set(to State, reason string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == to {
		return
	}
	st.transitions[st.head] = Transition{
		From:      st.current,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	st.head = (st.head + 1) % transitionBufferSize
	if st.count < transitionBufferSize {
		st.count++
	}
	st.current = to
}

func (st *stateTracker) state() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// history returns the recorded transitions in chronological order.
func (st *stateTracker) history() []Transition {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.count == 0 {
		return nil
	}
	out := make([]Transition, 0, st.count)
	if st.count < transitionBufferSize {
		out = append(out, st.transitions[:st.count]...)
	} else {
		out = append(out, st.transitions[st.head:]...)
		out = append(out, st.transitions[:st.head]...)
	}
	return out
}
