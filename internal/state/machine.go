package state

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

type State string

const (
	Initializing      State = "initializing"
	Running           State = "running"
	ShutdownRequested State = "shutdown_requested"
	Shutdown          State = "shutdown"
	Error             State = "error"
)

// legal transitions; Error is reachable from everywhere and terminal.
var transitions = map[State][]State{
	Initializing:      {Running, Error, ShutdownRequested},
	Running:           {Error, ShutdownRequested},
	ShutdownRequested: {Shutdown, Error},
	Shutdown:          {Error},
	Error:             {},
}

// Machine holds the single lifecycle state of one bot instance.
// TransitionTo is the only mutator.
type Machine struct {
	mu        sync.RWMutex
	state     State
	log       zerolog.Logger
	observers []func(from, to State)
}

func NewMachine(log zerolog.Logger) *Machine {
	return &Machine{state: Initializing, log: log}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnTransition registers an observer called after every successful
// transition. Observers run synchronously under the machine lock.
func (m *Machine) OnTransition(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// TransitionTo moves the machine to target. Transitioning to the current
// state is a no-op. Illegal transitions return an error and leave the state
// unchanged.
func (m *Machine) TransitionTo(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == target {
		return nil
	}
	allowed := false
	for _, s := range transitions[m.state] {
		if s == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("illegal state transition %s -> %s", m.state, target)
	}
	from := m.state
	m.state = target
	m.log.Info().Str("from", string(from)).Str("to", string(target)).Msg("state transition")
	for _, fn := range m.observers {
		fn(from, target)
	}
	return nil
}
