package agentrt

import (
	"context"
	"encoding/json"
)

// ChunkKind discriminates a streamed completion chunk.
type ChunkKind string

const (
	ChunkTextDelta     ChunkKind = "text_delta"
	ChunkThinkingDelta ChunkKind = "thinking_delta"
	ChunkToolUseStart  ChunkKind = "tool_use_start"
	ChunkToolUseDelta  ChunkKind = "tool_use_delta"
	ChunkToolUseStop   ChunkKind = "tool_use_stop"
	ChunkStop          ChunkKind = "stop"
)

// StopReason mirrors the model provider's reason for ending a turn.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
)

// Chunk is one unit of a streamed model completion.
type Chunk struct {
	Kind ChunkKind

	TextDelta     string
	ThinkingDelta string

	ToolUseID    string
	ToolUseName  string
	ToolUseDelta string

	Stop         StopReason
	InputTokens  int
	OutputTokens int
}

// CompletionMessage is one message in a request to a model provider, in the
// provider's own wire shape (not the durable Message model).
type CompletionMessage struct {
	Role    string
	Content string
	// ToolResults carries every tool_result turn sent back to the provider
	// for this message. A tool batch of N calls (ToolRunner may run several
	// concurrently) produces N results here, all belonging to the same
	// message so the provider sees them paired with their tool_use blocks.
	ToolResults []ToolResultRef
	// ToolCalls carries assistant-issued tool_use requests for history
	// replay.
	ToolCalls []ToolCallRef
}

// ToolCallRef is a minimal reference to a tool_use block for replay into a
// provider request.
type ToolCallRef struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultRef is a minimal reference to a tool_result block for replay
// into a provider request.
type ToolResultRef struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ToolSpec describes one callable tool for the provider's tool-use API.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Provider streams a model completion for the given request.
type Provider interface {
	Stream(ctx context.Context, system string, messages []CompletionMessage, tools []ToolSpec) (<-chan Chunk, error)
}
