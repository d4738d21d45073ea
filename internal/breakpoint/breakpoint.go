// Package breakpoint tracks the fine-grained lifecycle position of a single
// agent's step loop and persists every transition so crash recovery always
// has a durable anchor to resume from.
package breakpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/kodeforge/agentcore/pkg/models"
)

// Store is the subset of persistence the manager needs.
type Store interface {
	SaveInfo(ctx context.Context, agentID string, info models.AgentInfo) error
	LoadInfo(ctx context.Context, agentID string) (*models.AgentInfo, error)
}

// Bus is the subset of the event bus the manager emits monitor events on.
type Bus interface {
	Emit(ctx context.Context, e models.Event) models.EventEnvelope
}

// Manager owns the current BreakpointState for one agent and persists every
// change before returning control to the caller.
type Manager struct {
	mu      sync.Mutex
	agentID string
	store   Store
	bus     Bus
	current models.BreakpointState
}

// New creates a manager starting at BreakpointReady.
func New(agentID string, store Store, bus Bus) *Manager {
	return &Manager{
		agentID: agentID,
		store:   store,
		bus:     bus,
		current: models.BreakpointReady,
	}
}

// Current returns the current breakpoint state.
func (m *Manager) Current() models.BreakpointState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsSafeForkPoint reports whether the current state is a valid snapshot
// point.
func (m *Manager) IsSafeForkPoint() bool {
	return m.Current().IsSafeForkPoint()
}

// TransitionTo moves to a new state. A transition to the already-current
// state is a no-op: it does not persist and does not emit an event. Any
// other transition persists the new AgentInfo.Breakpoint before emitting
// breakpoint_changed, so a crash between persist and emit never loses the
// durable anchor.
func (m *Manager) TransitionTo(ctx context.Context, next models.BreakpointState) error {
	m.mu.Lock()
	prev := m.current
	if prev == next {
		m.mu.Unlock()
		return nil
	}
	m.current = next
	m.mu.Unlock()

	if err := m.persist(ctx, next); err != nil {
		return fmt.Errorf("persist breakpoint %s: %w", next, err)
	}

	if m.bus != nil {
		m.bus.Emit(ctx, models.Event{
			Channel: models.ChannelMonitor,
			Type:    models.EventBreakpointChanged,
			AgentID: m.agentID,
			Breakpoint: &models.BreakpointEventPayload{
				Previous: string(prev),
				Current:  string(next),
			},
		})
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, next models.BreakpointState) error {
	info, err := m.store.LoadInfo(ctx, m.agentID)
	if err != nil {
		info = &models.AgentInfo{AgentID: m.agentID}
	}
	info.Breakpoint = next
	return m.store.SaveInfo(ctx, m.agentID, *info)
}

// Restore seeds the manager's in-memory state from a loaded AgentInfo
// without persisting or emitting, for use during Resume.
func (m *Manager) Restore(state models.BreakpointState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = state
}
