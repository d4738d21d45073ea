// Package permission resolves whether a tool call may execute and, when it
// cannot be decided locally, hosts a rendezvous where an external approver
// delivers a decision for a specific call ID.
package permission

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kodeforge/agentcore/pkg/models"
)

// Mode is the handler invoked when no list conclusively allows or denies a
// tool. It lets callers plug in interactive, always-allow, or always-deny
// behavior without changing the precedence chain.
type Mode func(ctx context.Context, toolName string) models.ApprovalDecision

// AlwaysAllow is a Mode that allows every tool not already resolved by a
// list.
func AlwaysAllow(ctx context.Context, toolName string) models.ApprovalDecision {
	return models.ApprovalAllowed
}

// AlwaysRequireApproval is a Mode that defers every unresolved tool to the
// approval rendezvous.
func AlwaysRequireApproval(ctx context.Context, toolName string) models.ApprovalDecision {
	return models.ApprovalPending
}

// Policy configures the list-based precedence chain. Lists accept patterns:
// an exact name, "prefix*", "*suffix", "mcp:*" for any MCP-namespaced tool,
// or the bare wildcard "*" for everything.
type Policy struct {
	Deny            []string
	Allow           []string
	RequireApproval []string
	Mode            Mode
	RequestTTL      time.Duration
}

// DefaultPolicy always-allows anything not explicitly denied or flagged for
// approval.
func DefaultPolicy() *Policy {
	return &Policy{
		Mode:       AlwaysAllow,
		RequestTTL: 5 * time.Minute,
	}
}

func matchPattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(name, "mcp:")
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(name, strings.TrimPrefix(pattern, "*"))
	}
	return pattern == name
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}

const inputPreviewLimit = 1200

func truncatePreview(input []byte) string {
	s := string(input)
	if len(s) <= inputPreviewLimit {
		return s
	}
	return s[:inputPreviewLimit] + "...(truncated)"
}

// Bus is the subset of the event bus Manager emits control events on.
type Bus interface {
	Emit(ctx context.Context, e models.Event) models.EventEnvelope
}

// pendingApproval is one open rendezvous slot.
type pendingApproval struct {
	callID    string
	toolName  string
	createdAt time.Time
	ch        chan models.ApprovalDecision
	done      bool
}

// Manager evaluates tool calls against a per-agent Policy and brokers the
// approval rendezvous for calls that cannot be resolved immediately.
type Manager struct {
	mu       sync.Mutex
	agentID  string
	policy   *Policy
	bus      Bus
	pending  map[string]*pendingApproval
}

// New creates a Manager. A nil policy uses DefaultPolicy.
func New(agentID string, policy *Policy, bus Bus) *Manager {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.Mode == nil {
		policy.Mode = AlwaysAllow
	}
	return &Manager{
		agentID: agentID,
		policy:  policy,
		bus:     bus,
		pending: make(map[string]*pendingApproval),
	}
}

// SetPolicy replaces the active policy.
func (m *Manager) SetPolicy(policy *Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if policy.Mode == nil {
		policy.Mode = AlwaysAllow
	}
	m.policy = policy
}

// Evaluate resolves a decision using the precedence chain: deny list, then
// a non-empty allow list acting as a whitelist gate (denying anything it
// doesn't cover), then require-approval list, then the policy's Mode
// handler. A match in Allow does not grant the call by itself — it only
// keeps the call from being denied by the gate, and the call still falls
// through to require-approval and Mode. It never blocks; a Pending result
// means the caller must call RequestApproval to open the rendezvous.
func (m *Manager) Evaluate(ctx context.Context, toolName string) (models.ApprovalDecision, string) {
	m.mu.Lock()
	policy := m.policy
	m.mu.Unlock()

	if matchesAny(policy.Deny, toolName) {
		return models.ApprovalDenied, "tool matches deny list"
	}
	if len(policy.Allow) > 0 && !matchesAny(policy.Allow, "*") && !matchesAny(policy.Allow, toolName) {
		return models.ApprovalDenied, "tool is not in allow list"
	}
	if matchesAny(policy.RequireApproval, toolName) {
		return models.ApprovalPending, "tool requires approval"
	}
	decision := policy.Mode(ctx, toolName)
	if decision == "" {
		decision = models.ApprovalPending
	}
	return decision, "resolved by mode handler"
}

// RequestApproval opens a rendezvous slot for callID and emits a
// permission_required control event. It blocks until Decide is called for
// the same callID, the context is cancelled, or the request's TTL elapses
// (TTL expiry resolves as Denied).
func (m *Manager) RequestApproval(ctx context.Context, callID, toolName string, input []byte, reason string) models.ApprovalDecision {
	m.mu.Lock()
	ttl := m.policy.RequestTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	pa := &pendingApproval{
		callID:    callID,
		toolName:  toolName,
		createdAt: time.Now(),
		ch:        make(chan models.ApprovalDecision, 1),
	}
	m.pending[callID] = pa
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(ctx, models.Event{
			Channel: models.ChannelControl,
			Type:    models.EventPermissionRequired,
			AgentID: m.agentID,
			Permission: &models.PermissionEventPayload{
				CallID:       callID,
				ToolName:     toolName,
				InputPreview: truncatePreview(input),
				Reason:       reason,
				Decision:     models.ApprovalPending,
			},
		})
	}

	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case decision := <-pa.ch:
		return decision
	case <-ctx.Done():
		m.clearPending(callID)
		return models.ApprovalDenied
	case <-timer.C:
		m.clearPending(callID)
		return models.ApprovalDenied
	}
}

// Decide delivers a decision to a pending rendezvous. It returns false if no
// rendezvous is open for callID (already decided, expired, or never
// requested).
func (m *Manager) Decide(ctx context.Context, callID string, decision models.ApprovalDecision, decidedBy, note string) bool {
	m.mu.Lock()
	pa, ok := m.pending[callID]
	if !ok || pa.done {
		m.mu.Unlock()
		return false
	}
	pa.done = true
	delete(m.pending, callID)
	m.mu.Unlock()

	pa.ch <- decision

	if m.bus != nil {
		m.bus.Emit(ctx, models.Event{
			Channel: models.ChannelControl,
			Type:    models.EventPermissionDecided,
			AgentID: m.agentID,
			Permission: &models.PermissionEventPayload{
				CallID:   callID,
				ToolName: pa.toolName,
				Decision: decision,
				Note:     note,
			},
		})
	}
	return true
}

func (m *Manager) clearPending(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, callID)
}

// PendingCount reports how many rendezvous slots are currently open, for
// diagnostics and tests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PruneExpired removes rendezvous slots older than ttl without delivering a
// decision, so a stuck waiter is freed rather than left in RequestApproval
// forever (defense in depth alongside RequestApproval's own timer).
func (m *Manager) PruneExpired(ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	pruned := 0
	for id, pa := range m.pending {
		if pa.createdAt.Before(cutoff) {
			delete(m.pending, id)
			pruned++
		}
	}
	return pruned
}
