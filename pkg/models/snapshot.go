package models

import "time"

// Snapshot is an immutable safe-fork point capturing the full message list
// at a breakpoint where state is known consistent.
type Snapshot struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Messages     []Message `json:"messages_copy"`
	LastSFPIndex int       `json:"last_sfp_index"`
	LastBookmark Bookmark  `json:"last_bookmark"`
	CreatedAt    time.Time `json:"created_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// HistoryStats summarizes a HistoryWindow at capture time.
type HistoryStats struct {
	MessageCount int `json:"message_count"`
	TokenCount   int `json:"token_count"`
	EventCount   int `json:"event_count"`
}

// HistoryWindow is the pre-compression capture of an agent's full state.
type HistoryWindow struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Messages  []Message      `json:"messages"`
	Events    []EventEnvelope `json:"events"`
	Stats     HistoryStats   `json:"stats"`
	Timestamp time.Time      `json:"timestamp"`
}

// CompressionConfig records the parameters a compression pass ran with.
type CompressionConfig struct {
	Model     string  `json:"model,omitempty"`
	Prompt    string  `json:"prompt,omitempty"`
	Threshold float64 `json:"threshold"`
}

// CompressionRecord is the durable receipt of a single compression pass.
type CompressionRecord struct {
	ID             string             `json:"id"`
	AgentID        string             `json:"agent_id"`
	WindowID       string             `json:"window_id"`
	Config         CompressionConfig  `json:"config"`
	Summary        string             `json:"summary"`
	Ratio          float64            `json:"ratio"`
	RecoveredFiles []string           `json:"recovered_files,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// RecoveredFile is a file's content captured just before compression so the
// summary can refer back to it by name.
type RecoveredFile struct {
	Path      string    `json:"path"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	MTime     time.Time `json:"mtime"`
	Timestamp time.Time `json:"timestamp"`
}
