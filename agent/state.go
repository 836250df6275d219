package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hrygo/activematrix/store"
)

// LifecycleEvent drives the agent state machine.
type LifecycleEvent string

const (
	EventConnect               LifecycleEvent = "connect"
	EventConnectionEstablished LifecycleEvent = "connection_established"
	EventStartProcessing       LifecycleEvent = "start_processing"
	EventFinishProcessing      LifecycleEvent = "finish_processing"
	EventDisconnect            LifecycleEvent = "disconnect"
	EventEncounterError        LifecycleEvent = "encounter_error"
	EventPause                 LifecycleEvent = "pause"
	EventResume                LifecycleEvent = "resume"
)

// ErrInvalidTransition is returned by Fire when the event is not allowed
// from the current state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// transitions maps each lifecycle event to the states it may fire from
// and the state it lands in. A nil from list means any state.
var transitions = map[LifecycleEvent]struct {
	from []store.AgentState
	to   store.AgentState
}{
	EventConnect: {
		from: []store.AgentState{store.AgentStateOffline, store.AgentStateError, store.AgentStatePaused},
		to:   store.AgentStateConnecting,
	},
	EventConnectionEstablished: {
		from: []store.AgentState{store.AgentStateConnecting},
		to:   store.AgentStateOnlineIdle,
	},
	EventStartProcessing: {
		from: []store.AgentState{store.AgentStateOnlineIdle},
		to:   store.AgentStateOnlineBusy,
	},
	EventFinishProcessing: {
		from: []store.AgentState{store.AgentStateOnlineBusy},
		to:   store.AgentStateOnlineIdle,
	},
	EventDisconnect: {
		from: []store.AgentState{store.AgentStateConnecting, store.AgentStateOnlineIdle, store.AgentStateOnlineBusy},
		to:   store.AgentStateOffline,
	},
	EventEncounterError: {
		from: nil,
		to:   store.AgentStateError,
	},
	EventPause: {
		from: []store.AgentState{store.AgentStateOnlineIdle, store.AgentStateOnlineBusy},
		to:   store.AgentStatePaused,
	},
	EventResume: {
		from: []store.AgentState{store.AgentStatePaused},
		to:   store.AgentStateConnecting,
	},
}

// Can reports whether event may fire from the given state.
func Can(state store.AgentState, event LifecycleEvent) bool {
	t, ok := transitions[event]
	if !ok {
		return false
	}
	if t.from == nil {
		return true
	}
	for _, s := range t.from {
		if s == state {
			return true
		}
	}
	return false
}

// Target returns the state the event lands in.
func Target(event LifecycleEvent) (store.AgentState, bool) {
	t, ok := transitions[event]
	return t.to, ok
}

// Machine guards and persists lifecycle transitions for one agent. The
// store row stays authoritative; the machine caches the current state so
// guards do not hit the database.
type Machine struct {
	store   *store.Store
	agentID string

	mu    sync.Mutex
	state store.AgentState
}

// NewMachine wraps the agent's persisted state.
func NewMachine(s *store.Store, agent *store.Agent) *Machine {
	return &Machine{store: s, agentID: agent.ID, state: agent.State}
}

// State returns the machine's current state.
func (m *Machine) State() store.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether event may fire now.
func (m *Machine) Can(event LifecycleEvent) bool {
	return Can(m.State(), event)
}

// Fire validates the transition, persists the new state, and caches it.
// Entering online_idle also stamps last_active_at.
func (m *Machine) Fire(ctx context.Context, event LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !Can(m.state, event) {
		return ErrInvalidTransition
	}
	to, _ := Target(event)

	update := &store.UpdateAgent{ID: m.agentID, State: &to}
	if to == store.AgentStateOnlineIdle {
		now := time.Now().Unix()
		update.LastActiveAt = &now
	}
	if _, err := m.store.UpdateAgent(ctx, update); err != nil {
		return err
	}
	m.state = to
	return nil
}

// FireIfAble fires the event when allowed and reports whether it fired.
// Invalid transitions are a quiet no-op; dispatch paths use this around
// handlers where the state may already be busy.
func (m *Machine) FireIfAble(ctx context.Context, event LifecycleEvent) (bool, error) {
	if !m.Can(event) {
		return false, nil
	}
	err := m.Fire(ctx, event)
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	return err == nil, err
}
