package phase

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vk/buildgrid/internal/ctxlog"
)

// Transition records one edge taken by the machine, forming the session's
// audit trail.
type Transition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// ChangeFunc observes a committed transition. Callbacks run synchronously in
// registration order; the session uses one to persist the status artifact at
// every boundary.
type ChangeFunc func(from, to Phase)

// Machine tracks the current phase and enforces the transition table.
type Machine struct {
	mu        sync.Mutex
	current   Phase
	history   []Transition
	callbacks []ChangeFunc
}

// NewMachine returns a machine positioned at Research.
func NewMachine() *Machine {
	return &Machine{current: Research}
}

// Current returns the machine's phase.
func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanTransition reports whether the table allows moving to the target phase.
func (m *Machine) CanTransition(to Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(transitions[m.current], to)
}

// Transition moves the machine along one edge, or fails without side effects
// if the edge is not in the table.
func (m *Machine) Transition(ctx context.Context, to Phase) error {
	m.mu.Lock()
	if !slices.Contains(transitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid phase transition %s -> %s", from, to)
	}

	from := m.current
	m.current = to
	m.history = append(m.history, Transition{From: from, To: to, At: time.Now().UTC()})
	callbacks := slices.Clone(m.callbacks)
	m.mu.Unlock()

	ctxlog.FromContext(ctx).Info("Phase transition.", "from", string(from), "to", string(to))
	for _, cb := range callbacks {
		cb(from, to)
	}
	return nil
}

// OnChange registers a callback invoked after every committed transition.
func (m *Machine) OnChange(cb ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// History returns the ordered transitions taken so far.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}
