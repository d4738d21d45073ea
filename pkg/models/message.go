package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates the kind of content carried by a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a Message's ordered content.
// Exactly the fields relevant to Type are populated; the rest are zero.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// tool_use
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	ToolUseName  string          `json:"tool_use_name,omitempty"`
	ToolUseInput json.RawMessage `json:"tool_use_input,omitempty"`

	// tool_result (ToolUseID above doubles as the tool_use_id being paired)
	ToolResultContent string `json:"tool_result_content,omitempty"`
	ToolResultIsError bool   `json:"tool_result_is_error,omitempty"`
}

// TextBlock constructs a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock constructs a thinking content block.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text}
}

// ToolUseBlock constructs an assistant tool-call request block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: id, ToolUseName: name, ToolUseInput: input}
}

// ToolResultBlock constructs a tool result block paired with toolUseID.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, ToolResultContent: content, ToolResultIsError: isError}
}

// Message is one turn of the agent's retained history.
type Message struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Text concatenates every text block's content, in order, reconstructing the
// assistant's final reply for a turn.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns every tool_use block in the message, in order.
func (m *Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResults returns every tool_result block in the message, in order.
func (m *Message) ToolResults() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			out = append(out, b)
		}
	}
	return out
}

// IsSummaryMessage reports whether this is a synthesized context-summary
// system message produced by compression.
func (m *Message) IsSummaryMessage() bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata["context_summary"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
