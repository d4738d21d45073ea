// Package store defines the abstract persistence contract the agent runtime
// depends on. Concrete backends live in subpackages (memstore, pgstore).
package store

import (
	"context"

	"github.com/kodeforge/agentcore/pkg/models"
)

// Store is the full persistence contract for one agent's durable state.
// Every method is namespaced internally by agentID so a single backend may
// serve many agents without interference.
type Store interface {
	// Messages: full replacement semantics.
	SaveMessages(ctx context.Context, agentID string, messages []models.Message) error
	LoadMessages(ctx context.Context, agentID string) ([]models.Message, error)

	// Tool call records: full replacement; loaders tolerate legacy shapes.
	SaveToolCallRecords(ctx context.Context, agentID string, records []models.ToolCallRecord) error
	LoadToolCallRecords(ctx context.Context, agentID string) ([]models.ToolCallRecord, error)

	// Events: append-only, channel-partitioned.
	AppendEvent(ctx context.Context, agentID string, env models.EventEnvelope) error
	ReadEvents(ctx context.Context, agentID string, channel models.EventChannel, since models.Bookmark) ([]models.EventEnvelope, error)

	// Todos.
	SaveTodos(ctx context.Context, agentID string, todos []string) error
	LoadTodos(ctx context.Context, agentID string) ([]string, error)

	// History / compression artifacts.
	SaveHistoryWindow(ctx context.Context, agentID string, w models.HistoryWindow) error
	LoadHistoryWindows(ctx context.Context, agentID string) ([]models.HistoryWindow, error)
	SaveCompressionRecord(ctx context.Context, agentID string, r models.CompressionRecord) error
	LoadCompressionRecords(ctx context.Context, agentID string) ([]models.CompressionRecord, error)
	SaveRecoveredFile(ctx context.Context, agentID string, f models.RecoveredFile) error
	LoadRecoveredFiles(ctx context.Context, agentID string) ([]models.RecoveredFile, error)

	// Snapshots.
	SaveSnapshot(ctx context.Context, agentID string, s models.Snapshot) error
	LoadSnapshot(ctx context.Context, agentID string, id string) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error)
	DeleteSnapshot(ctx context.Context, agentID string, id string) error

	// Metadata.
	SaveInfo(ctx context.Context, agentID string, info models.AgentInfo) error
	LoadInfo(ctx context.Context, agentID string) (*models.AgentInfo, error)

	// Lifecycle.
	Exists(ctx context.Context, agentID string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, agentID string) error
}

// ErrNotFound is returned by Load* methods when no record exists for the
// requested key. Backends should wrap it so callers can use errors.Is.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
