package gap

import (
	"sync"
	"time"
)

// State identifies one phase of the session lifecycle.
type State string

const (
	// StateNotStarted is the initial state before Start is called.
	StateNotStarted State = "not_started"
	// StateStarting covers process spawn, startup drain, and the init command.
	StateStarting State = "starting"
	// StateReady means the engine is idle and accepting commands.
	StateReady State = "ready"
	// StateExecuting means one command round trip is in flight.
	StateExecuting State = "executing"
	// StateTerminated means the process is gone and handles are released.
	StateTerminated State = "terminated"
)

const transitionHistoryLimit = 64

var allowedTransitions = map[State]map[State]struct{}{
	StateNotStarted: {
		StateStarting:   {},
		StateTerminated: {},
	},
	StateStarting: {
		StateReady:      {},
		StateTerminated: {},
	},
	StateReady: {
		StateExecuting:  {},
		StateTerminated: {},
	},
	StateExecuting: {
		StateReady:      {},
		StateTerminated: {},
	},
	StateTerminated: {
		StateStarting: {},
	},
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// machine validates session lifecycle transitions and keeps bounded history.
type machine struct {
	mu      sync.Mutex
	current State
	history []TransitionRecord
	now     func() time.Time
}

func newMachine() *machine {
	return &machine{
		current: StateNotStarted,
		history: []TransitionRecord{},
		now:     time.Now,
	}
}

// Current returns the present lifecycle state.
func (m *machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition validates and records one lifecycle transition.
func (m *machine) Transition(sessionID string, to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !isAllowed(from, to) {
		return &IllegalTransitionError{
			SessionID: sessionID,
			FromState: from,
			ToState:   to,
			Reason:    "illegal transition for session lifecycle",
		}
	}

	m.current = to
	m.history = append(m.history, TransitionRecord{
		SessionID: sessionID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Timestamp: m.now().UTC(),
	})
	if len(m.history) > transitionHistoryLimit {
		m.history = m.history[len(m.history)-transitionHistoryLimit:]
	}
	return nil
}

// History returns transition records captured by this machine.
func (m *machine) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState State) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
