package models

import "time"

// BreakpointState is the coarse lifecycle tag persisted on every step
// transition. It is the anchor crash recovery resumes from, and is distinct
// from the coarser AgentRuntimeState exposed to callers.
type BreakpointState string

const (
	BreakpointReady            BreakpointState = "READY"
	BreakpointPreModel         BreakpointState = "PRE_MODEL"
	BreakpointStreamingModel   BreakpointState = "STREAMING_MODEL"
	BreakpointToolPending      BreakpointState = "TOOL_PENDING"
	BreakpointAwaitingApproval BreakpointState = "AWAITING_APPROVAL"
	BreakpointPreTool          BreakpointState = "PRE_TOOL"
	BreakpointToolExecuting    BreakpointState = "TOOL_EXECUTING"
	BreakpointPostTool         BreakpointState = "POST_TOOL"
)

// IsSafeForkPoint reports whether a snapshot taken at this breakpoint is
// guaranteed to have consistent messages and tool state.
func (b BreakpointState) IsSafeForkPoint() bool {
	return b == BreakpointReady || b == BreakpointPostTool
}

// AgentRuntimeState is the coarse state exposed to external callers.
type AgentRuntimeState string

const (
	StateReady   AgentRuntimeState = "READY"
	StateWorking AgentRuntimeState = "WORKING"
	StatePaused  AgentRuntimeState = "PAUSED"
)

// StopReason explains why Step/Run returned control to the caller.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxIterations   StopReason = "max_iterations"
	StopCancelled       StopReason = "cancelled"
	StopAwaitingApproval StopReason = "awaiting_approval"
	StopError           StopReason = "error"
)

// RecoveryStrategy selects how Resume reconciles non-terminal tool records.
type RecoveryStrategy string

const (
	RecoveryCrash  RecoveryStrategy = "crash"
	RecoveryManual RecoveryStrategy = "manual"
)

// AgentInfo is the agent's durable metadata record.
type AgentInfo struct {
	AgentID       string          `json:"agent_id"`
	TemplateID    string          `json:"template_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Lineage       []string        `json:"lineage,omitempty"`
	ConfigVersion int             `json:"config_version"`
	MessageCount  int             `json:"message_count"`
	LastSFPIndex  int             `json:"last_sfp_index"`
	LastBookmark  Bookmark        `json:"last_bookmark"`
	Breakpoint    BreakpointState `json:"breakpoint"`
}
