// Package contextmgr estimates token usage for an agent's message history
// and, when a budget is exceeded, runs the compression pipeline: capture a
// HistoryWindow, trim to a retained tail, repair orphaned tool results,
// synthesize a summary message, and persist a CompressionRecord.
package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kodeforge/agentcore/internal/filepool"
	"github.com/kodeforge/agentcore/pkg/models"
)

// Store persists compression artifacts.
type Store interface {
	SaveHistoryWindow(ctx context.Context, agentID string, w models.HistoryWindow) error
	SaveCompressionRecord(ctx context.Context, agentID string, r models.CompressionRecord) error
	SaveRecoveredFile(ctx context.Context, agentID string, f models.RecoveredFile) error
}

// Bus emits context lifecycle events.
type Bus interface {
	Emit(ctx context.Context, e models.Event) models.EventEnvelope
}

// FileReader reads a file's current content, for recovered-file capture.
type FileReader func(path string) (string, time.Time, error)

// Config tunes token estimation and compression thresholds.
type Config struct {
	MaxTokens          int
	CompressToTokens   int
	RecoveredFileCap   int
	SummaryPreviewCap  int
	UsageBudgetChars   int
}

// DefaultConfig mirrors the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:         180_000,
		CompressToTokens:  90_000,
		RecoveredFileCap:  5,
		SummaryPreviewCap: 500,
		UsageBudgetChars:  400_000,
	}
}

// Manager owns token-budget tracking and compression for one agent.
type Manager struct {
	agentID string
	store   Store
	bus     Bus
	files   *filepool.Pool
	reader  FileReader
	config  Config

	mu           sync.Mutex
	usageChars   int
	flushWarned  bool
}

// New creates a Manager.
func New(agentID string, store Store, bus Bus, files *filepool.Pool, reader FileReader, config Config) *Manager {
	if config.MaxTokens <= 0 {
		config = DefaultConfig()
	}
	return &Manager{
		agentID: agentID,
		store:   store,
		bus:     bus,
		files:   files,
		reader:  reader,
		config:  config,
	}
}

// EstimateTokens sums a cheap per-message heuristic: serialize every content
// block to text (JSON for non-text blocks), count characters, divide by 4,
// rounding up.
func EstimateTokens(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateMessageTokens(m)
	}
	return total
}

func estimateMessageTokens(m models.Message) int {
	chars := 0
	for _, b := range m.Blocks {
		switch b.Type {
		case models.BlockText, models.BlockThinking:
			chars += len(b.Text)
		default:
			data, _ := json.Marshal(b)
			chars += len(data)
		}
	}
	return int(math.Ceil(float64(chars) / 4.0))
}

// ShouldCompress reports whether the current message set exceeds the
// configured token budget.
func (m *Manager) ShouldCompress(messages []models.Message) bool {
	return EstimateTokens(messages) > m.config.MaxTokens
}

// TrackUsage accumulates character usage toward the lighter usage-monitor
// budget, independent of the hard token-bound compression trigger. It
// returns true the first time the budget is crossed, so the caller can
// request a best-effort flush exactly once per threshold crossing.
func (m *Manager) TrackUsage(chars int) (requestFlush bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageChars += chars
	if m.usageChars >= m.config.UsageBudgetChars && !m.flushWarned {
		m.flushWarned = true
		return true
	}
	return false
}

// ResetUsage clears the usage-monitor counter, called after a flush or a
// full compression pass.
func (m *Manager) ResetUsage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageChars = 0
	m.flushWarned = false
}

// Result is what a Compress call produces: the retained message slice to
// continue the conversation with, plus the record persisted.
type Result struct {
	Retained []models.Message
	Record   models.CompressionRecord
}

// Compress runs the full pipeline against messages and returns the retained
// tail plus a synthesized summary message prepended to it.
func (m *Manager) Compress(ctx context.Context, messages []models.Message, events []models.EventEnvelope) (Result, error) {
	now := time.Now()
	totalTokens := EstimateTokens(messages)

	if m.bus != nil {
		m.bus.Emit(ctx, models.Event{
			Channel: models.ChannelMonitor,
			Type:    models.EventContextCompression,
			AgentID: m.agentID,
			Context: &models.ContextEventPayload{Phase: "start"},
		})
	}

	window := models.HistoryWindow{
		ID:       uuid.NewString(),
		AgentID:  m.agentID,
		Messages: append([]models.Message{}, messages...),
		Events:   append([]models.EventEnvelope{}, events...),
		Stats: models.HistoryStats{
			MessageCount: len(messages),
			TokenCount:   totalTokens,
			EventCount:   len(events),
		},
		Timestamp: now,
	}
	if m.store != nil {
		_ = m.store.SaveHistoryWindow(ctx, m.agentID, window)
	}

	ratio := 0.6
	if totalTokens > 0 {
		ratio = float64(m.config.CompressToTokens) / float64(totalTokens)
	}
	if ratio < 0.6 {
		ratio = 0.6
	}
	retainCount := int(math.Ceil(float64(len(messages)) * ratio))
	if retainCount < 1 {
		retainCount = 1
	}
	if retainCount > len(messages) {
		retainCount = len(messages)
	}

	removed := messages[:len(messages)-retainCount]
	retained := append([]models.Message{}, messages[len(messages)-retainCount:]...)

	retained, repaired := repairOrphanedToolResults(retained)
	if repaired > 0 && m.bus != nil {
		m.bus.Emit(ctx, models.Event{
			Channel: models.ChannelMonitor,
			Type:    models.EventContextRepair,
			AgentID: m.agentID,
			Context: &models.ContextEventPayload{Reason: "orphaned tool_result", Note: fmt.Sprintf("converted %d block(s)", repaired)},
		})
	}

	summaryText := buildSummary(window, removed, m.config.SummaryPreviewCap)
	summaryMsg := models.Message{
		ID:        uuid.NewString(),
		AgentID:   m.agentID,
		Role:      models.RoleSystem,
		Blocks:    []models.ContentBlock{models.TextBlock(summaryText)},
		Metadata:  map[string]any{"context_summary": true},
		CreatedAt: now,
	}

	var recoveredPaths []string
	if m.files != nil && m.reader != nil {
		recoveredPaths = m.captureRecoveredFiles(ctx)
	}

	preview := summaryText
	if len(preview) > m.config.SummaryPreviewCap {
		preview = preview[:m.config.SummaryPreviewCap]
	}

	record := models.CompressionRecord{
		ID:       uuid.NewString(),
		AgentID:  m.agentID,
		WindowID: window.ID,
		Config: models.CompressionConfig{
			Threshold: float64(m.config.MaxTokens),
		},
		Summary:        preview,
		Ratio:          ratio,
		RecoveredFiles: recoveredPaths,
		Timestamp:      now,
	}
	if m.store != nil {
		_ = m.store.SaveCompressionRecord(ctx, m.agentID, record)
	}

	if m.bus != nil {
		m.bus.Emit(ctx, models.Event{
			Channel: models.ChannelMonitor,
			Type:    models.EventContextCompression,
			AgentID: m.agentID,
			Context: &models.ContextEventPayload{Phase: "end", Summary: preview, Ratio: ratio},
		})
	}

	m.ResetUsage()

	result := append([]models.Message{summaryMsg}, retained...)
	return Result{Retained: result, Record: record}, nil
}

func (m *Manager) captureRecoveredFiles(ctx context.Context) []string {
	entries := m.files.GetAccessedFiles()
	if len(entries) > m.config.RecoveredFileCap {
		entries = entries[:m.config.RecoveredFileCap]
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		content, mtime, err := m.reader(e.Path)
		if err != nil {
			continue
		}
		if m.store != nil {
			_ = m.store.SaveRecoveredFile(ctx, m.agentID, models.RecoveredFile{
				Path:      e.Path,
				AgentID:   m.agentID,
				Content:   content,
				MTime:     mtime,
				Timestamp: time.Now(),
			})
		}
		paths = append(paths, e.Path)
	}
	return paths
}

// repairOrphanedToolResults replaces any tool_result block whose tool_use_id
// has no matching tool_use in the retained assistant messages with a text
// placeholder, returning the repaired slice and how many blocks changed.
func repairOrphanedToolResults(messages []models.Message) ([]models.Message, int) {
	liveToolUseIDs := make(map[string]struct{})
	for _, m := range messages {
		for _, b := range m.ToolUses() {
			liveToolUseIDs[b.ToolUseID] = struct{}{}
		}
	}

	repaired := 0
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		if len(m.ToolResults()) == 0 {
			out[i] = m
			continue
		}
		changed := false
		blocks := make([]models.ContentBlock, len(m.Blocks))
		for j, b := range m.Blocks {
			if b.Type == models.BlockToolResult {
				if _, ok := liveToolUseIDs[b.ToolUseID]; !ok {
					blocks[j] = models.TextBlock(fmt.Sprintf("[Previous tool result: %s]", truncate(b.ToolResultContent, 200)))
					changed = true
					repaired++
					continue
				}
			}
			blocks[j] = b
		}
		clone := m
		clone.Blocks = blocks
		out[i] = clone
		_ = changed
	}
	return out, repaired
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func buildSummary(window models.HistoryWindow, removed []models.Message, previewCap int) string {
	var userCount, assistantCount, toolCallCount int
	var firstUser, lastUser string
	for _, m := range removed {
		switch m.Role {
		case models.RoleUser:
			userCount++
			if firstUser == "" {
				firstUser = truncate(m.Text(), 200)
			}
			lastUser = truncate(m.Text(), 200)
		case models.RoleAssistant:
			assistantCount++
			toolCallCount += len(m.ToolUses())
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `<context-summary window="%s" timestamp="%s">`, window.ID, window.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&sb, "\nCompressed %d user, %d assistant, %d tool_call message(s).", userCount, assistantCount, toolCallCount)
	if firstUser != "" {
		fmt.Fprintf(&sb, "\nFirst user message: %s", firstUser)
	}
	if lastUser != "" && lastUser != firstUser {
		fmt.Fprintf(&sb, "\nLast user message: %s", lastUser)
	}
	sb.WriteString("\n</context-summary>")

	out := sb.String()
	if len(out) > previewCap*4 {
		out = out[:previewCap*4]
	}
	return out
}
