// Package loop drives one agent turn: compose a request, await the model,
// dispatch tool calls, feed results back, repeat until a terminal state.
package loop

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is where the turn currently is. States from StateDone on are
// terminal.
type State int

//go:generate go tool golang.org/x/tools/cmd/stringer -type=State -trimprefix=State -output=state_string.go

const (
	StateIdle State = iota
	StateCompose
	StateAwait
	StateDispatch
	StateFeed

	StateDone
	StateMaxIterations
	StateBudgetExhausted
	StateCancelled
	StateFatal
)

// Terminal reports whether the state ends the turn.
func (s State) Terminal() bool { return s >= StateDone }

// transitions lists the legal successor states.
var transitions = map[State][]State{
	StateIdle:     {StateCompose, StateCancelled},
	StateCompose:  {StateAwait, StateBudgetExhausted, StateMaxIterations, StateCancelled},
	StateAwait:    {StateDispatch, StateDone, StateBudgetExhausted, StateCancelled, StateFatal},
	StateDispatch: {StateFeed, StateCancelled},
	StateFeed:     {StateCompose, StateMaxIterations, StateCancelled},
}

// Machine tracks the turn state and logs every transition. Listeners are
// invoked synchronously after each successful transition.
type Machine struct {
	mu        sync.Mutex
	current   State
	log       *slog.Logger
	listeners []func(from, to State)
}

func NewMachine(log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{current: StateIdle, log: log}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AddListener registers a transition observer. Not safe to call after the
// turn has started.
func (m *Machine) AddListener(fn func(from, to State)) {
	m.listeners = append(m.listeners, fn)
}

// Transition moves to state to, rejecting moves the table does not allow.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if !legal(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("illegal state transition %s -> %s", from, to)
	}
	m.current = to
	m.mu.Unlock()

	m.log.Debug("state transition", "from", from.String(), "to", to.String())
	for _, fn := range m.listeners {
		fn(from, to)
	}
	return nil
}

func legal(from, to State) bool {
	if from == to {
		return true
	}
	if to.Terminal() && !from.Terminal() {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
