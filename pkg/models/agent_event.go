// Package models provides the domain types shared by the agent runtime:
// messages, tool call records, events, and persisted snapshots.
package models

import "time"

// EventChannel tags which of the three durable channels an event belongs to.
type EventChannel string

const (
	ChannelProgress EventChannel = "progress"
	ChannelControl  EventChannel = "control"
	ChannelMonitor  EventChannel = "monitor"
)

// EventType identifies the kind of event. Names are frozen for wire
// compatibility; new types must be added, never renamed.
type EventType string

const (
	EventTextChunkStart EventType = "text_chunk_start"
	EventTextChunk      EventType = "text_chunk"
	EventTextChunkEnd   EventType = "text_chunk_end"
	EventThinkChunkStart EventType = "think_chunk_start"
	EventThinkChunk      EventType = "think_chunk"
	EventThinkChunkEnd   EventType = "think_chunk_end"
	EventDone           EventType = "done"
	EventTokenUsage     EventType = "token_usage"
	EventStepComplete   EventType = "step_complete"
	EventStateChanged   EventType = "state_changed"

	EventToolStart    EventType = "tool:start"
	EventToolEnd      EventType = "tool:end"
	EventToolError    EventType = "tool:error"
	EventToolExecuted EventType = "tool_executed"
	EventToolManualUpdated EventType = "tool_manual_updated"

	EventPermissionRequired EventType = "permission_required"
	EventPermissionDecided  EventType = "permission_decided"

	EventBreakpointChanged EventType = "breakpoint_changed"

	EventContextRepair      EventType = "context_repair"
	EventContextCompression EventType = "context_compression"

	EventTodoChanged  EventType = "todo_changed"
	EventTodoReminder EventType = "todo_reminder"
	EventFileChanged  EventType = "file_changed"

	EventAgentResumed   EventType = "agent_resumed"
	EventAgentRecovered EventType = "agent_recovered"
	EventStorageFailure EventType = "storage_failure"
	EventError          EventType = "error"
)

// Bookmark identifies a position in an agent's event stream.
type Bookmark struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// After reports whether this bookmark is strictly newer than other.
func (b Bookmark) After(other Bookmark) bool {
	return b.Seq > other.Seq
}

// Event is the unified event envelope payload. Exactly one of the typed
// payload pointers below is populated for a given Type; the rest are nil.
type Event struct {
	Channel  EventChannel `json:"channel"`
	Type     EventType    `json:"type"`
	Time     time.Time    `json:"time"`
	AgentID  string       `json:"agent_id,omitempty"`
	Step     int          `json:"step,omitempty"`

	Text       *TextEventPayload       `json:"text,omitempty"`
	Tool       *ToolEventPayload       `json:"tool,omitempty"`
	Error      *ErrorEventPayload      `json:"error,omitempty"`
	Permission *PermissionEventPayload `json:"permission,omitempty"`
	Breakpoint *BreakpointEventPayload `json:"breakpoint,omitempty"`
	State      *StateEventPayload      `json:"state,omitempty"`
	Usage      *UsageEventPayload      `json:"usage,omitempty"`
	Context    *ContextEventPayload    `json:"context,omitempty"`
	Storage    *StorageEventPayload    `json:"storage,omitempty"`
	Done       *DoneEventPayload       `json:"done,omitempty"`
}

// EventEnvelope wraps an Event with the cursor/bookmark identifying its
// position in the durable stream.
type EventEnvelope struct {
	Cursor   uint64   `json:"cursor"`
	Bookmark Bookmark `json:"bookmark"`
	Event    Event    `json:"event"`
}

// TextEventPayload carries streamed text or thinking deltas.
type TextEventPayload struct {
	Delta string `json:"delta,omitempty"`
	Final string `json:"final,omitempty"`
}

// ToolEventPayload describes a tool call's lifecycle.
type ToolEventPayload struct {
	CallID      string `json:"call_id"`
	Name        string `json:"name"`
	InputPreview string `json:"input_preview,omitempty"`
	Success     bool   `json:"success,omitempty"`
	Result      string `json:"result,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	TimedOut    bool   `json:"timed_out,omitempty"`
}

// ErrorEventPayload standardizes error reporting across channels.
type ErrorEventPayload struct {
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`
	Err       error  `json:"-"`
}

// PermissionEventPayload carries an approval request or decision.
type PermissionEventPayload struct {
	CallID       string           `json:"call_id"`
	ToolName     string           `json:"tool_name"`
	InputPreview string           `json:"input_preview,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Decision     ApprovalDecision `json:"decision,omitempty"`
	Note         string           `json:"note,omitempty"`
}

// BreakpointEventPayload describes a coarse lifecycle transition.
type BreakpointEventPayload struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// StateEventPayload describes an AgentRuntimeState transition.
type StateEventPayload struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// UsageEventPayload carries model token accounting.
type UsageEventPayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ContextEventPayload reports context repair/compression diagnostics.
type ContextEventPayload struct {
	Phase     string  `json:"phase,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Converted int     `json:"converted,omitempty"`
	Summary   string  `json:"summary,omitempty"`
	Ratio     float64 `json:"ratio,omitempty"`
	Note      string  `json:"note,omitempty"`
}

// StorageEventPayload reports a degraded-mode persistence failure.
type StorageEventPayload struct {
	Severity        string `json:"severity"`
	FailedEventType string `json:"failed_event_type"`
	BufferedCount   int    `json:"buffered_count"`
}

// DoneEventPayload marks turn completion.
type DoneEventPayload struct {
	Step   int    `json:"step"`
	Reason string `json:"reason"`
}
