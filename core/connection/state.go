package connection

import (
	"errors"
	"fmt"
	"sync"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateActive, StateClosed},
	StateActive:         {StateClosing},
	StateClosing:        {StateClosed},
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, m.state, to)
}
