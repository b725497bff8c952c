package relay

import (
	"fmt"
	"sync"
)

// State is a step of the transfer state machine.
type State int

// Transfer states.
const (
	StateIdle State = iota
	StateOpening
	StateCopying
	StateFinalizing
	StateAborting
	StateCompleted
	StateAborted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateOpening:    "opening",
	StateCopying:    "copying",
	StateFinalizing: "finalizing",
	StateAborting:   "aborting",
	StateCompleted:  "completed",
	StateAborted:    "aborted",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:       {StateOpening},
	StateOpening:    {StateCopying, StateAborting},
	StateCopying:    {StateFinalizing, StateAborting},
	StateFinalizing: {StateCompleted, StateAborting},
	StateAborting:   {StateAborted, StateFailed},
}

// TransferState is the state machine of one transfer. It is safe for concurrent reads.
type TransferState struct {
	mu      sync.Mutex
	current State
	history []State
}

// NewTransferState returns a state machine in StateIdle.
func NewTransferState() *TransferState {
	return &TransferState{current: StateIdle, history: []State{StateIdle}}
}

// Current returns the current state.
func (s *TransferState) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// History returns every state the machine went through, in order.
func (s *TransferState) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

// Advance moves the machine to next, failing on transitions the machine does not allow.
func (s *TransferState) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range transitions[s.current] {
		if allowed == next {
			s.current = next
			s.history = append(s.history, next)
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", s.current, next)
}
