// Package sqlitestore is a SQLite-backed Store implementation, for embedding
// the runtime in a single process without a Postgres server: a CLI, a
// desktop agent, or a test harness that still wants durable state across
// restarts. It shares agent_blobs's (agent_id, kind, sub_id) layout with
// pgstore so the two backends stay interchangeable at the store.Store
// interface.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kodeforge/agentcore/internal/store"
	"github.com/kodeforge/agentcore/pkg/models"
)

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Schema is the DDL this store expects, applied automatically by Open.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_blobs (
	agent_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	sub_id     TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	seq        INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (agent_id, kind, sub_id)
);
CREATE INDEX IF NOT EXISTS agent_blobs_events_idx ON agent_blobs (agent_id, kind, seq);
`

const (
	kindMessages    = "messages"
	kindRecords     = "records"
	kindTodos       = "todos"
	kindInfo        = "info"
	kindEventPrefix = "event:"
	kindWindow      = "window"
	kindCompression = "compression"
	kindRecovered   = "recovered"
	kindSnapshot    = "snapshot"
)

// Open opens (or creates) a SQLite database file at path and applies Schema.
// path may be ":memory:" for an ephemeral, process-local store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under the runtime's concurrent tool execution.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) upsert(ctx context.Context, agentID, kind, subID string, payload any, seq int64) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_blobs (agent_id, kind, sub_id, payload, seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, kind, sub_id)
		DO UPDATE SET payload = excluded.payload, seq = excluded.seq, updated_at = excluded.updated_at
	`, agentID, kind, subID, string(data), seq, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", kind, err)
	}
	return nil
}

func (s *Store) insertAppendOnly(ctx context.Context, agentID, kind, subID string, payload any, seq int64) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_blobs (agent_id, kind, sub_id, payload, seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, agentID, kind, subID, string(data), seq, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	return nil
}

func (s *Store) loadOne(ctx context.Context, agentID, kind, subID string, dest any) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM agent_blobs WHERE agent_id = ? AND kind = ? AND sub_id = ?
	`, agentID, kind, subID)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return fmt.Errorf("load %s: %w", kind, err)
	}
	return json.Unmarshal([]byte(data), dest)
}

func (s *Store) loadMany(ctx context.Context, agentID, kindPrefix string, sinceSeq int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM agent_blobs
		WHERE agent_id = ? AND kind LIKE ? AND seq > ?
		ORDER BY seq ASC
	`, agentID, kindPrefix+"%", sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("load many %s: %w", kindPrefix, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func (s *Store) SaveMessages(ctx context.Context, agentID string, messages []models.Message) error {
	return s.upsert(ctx, agentID, kindMessages, "", messages, 0)
}

func (s *Store) LoadMessages(ctx context.Context, agentID string) ([]models.Message, error) {
	var out []models.Message
	if err := s.loadOne(ctx, agentID, kindMessages, "", &out); err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveToolCallRecords(ctx context.Context, agentID string, records []models.ToolCallRecord) error {
	return s.upsert(ctx, agentID, kindRecords, "", records, 0)
}

func (s *Store) LoadToolCallRecords(ctx context.Context, agentID string) ([]models.ToolCallRecord, error) {
	var out []models.ToolCallRecord
	if err := s.loadOne(ctx, agentID, kindRecords, "", &out); err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, agentID string, env models.EventEnvelope) error {
	subID := fmt.Sprintf("%s:%020d", env.Event.Channel, env.Bookmark.Seq)
	return s.insertAppendOnly(ctx, agentID, kindEventPrefix+string(env.Event.Channel), subID, env, int64(env.Bookmark.Seq))
}

func (s *Store) ReadEvents(ctx context.Context, agentID string, channel models.EventChannel, since models.Bookmark) ([]models.EventEnvelope, error) {
	blobs, err := s.loadMany(ctx, agentID, kindEventPrefix+string(channel), int64(since.Seq))
	if err != nil {
		return nil, err
	}
	out := make([]models.EventEnvelope, 0, len(blobs))
	for _, b := range blobs {
		var env models.EventEnvelope
		if err := json.Unmarshal([]byte(b), &env); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (s *Store) SaveTodos(ctx context.Context, agentID string, todos []string) error {
	return s.upsert(ctx, agentID, kindTodos, "", todos, 0)
}

func (s *Store) LoadTodos(ctx context.Context, agentID string) ([]string, error) {
	var out []string
	if err := s.loadOne(ctx, agentID, kindTodos, "", &out); err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveHistoryWindow(ctx context.Context, agentID string, w models.HistoryWindow) error {
	return s.insertAppendOnly(ctx, agentID, kindWindow, w.ID, w, 0)
}

func (s *Store) LoadHistoryWindows(ctx context.Context, agentID string) ([]models.HistoryWindow, error) {
	blobs, err := s.loadMany(ctx, agentID, kindWindow, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.HistoryWindow, 0, len(blobs))
	for _, b := range blobs {
		var w models.HistoryWindow
		if err := json.Unmarshal([]byte(b), &w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) SaveCompressionRecord(ctx context.Context, agentID string, r models.CompressionRecord) error {
	return s.insertAppendOnly(ctx, agentID, kindCompression, r.ID, r, 0)
}

func (s *Store) LoadCompressionRecords(ctx context.Context, agentID string) ([]models.CompressionRecord, error) {
	blobs, err := s.loadMany(ctx, agentID, kindCompression, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.CompressionRecord, 0, len(blobs))
	for _, b := range blobs {
		var r models.CompressionRecord
		if err := json.Unmarshal([]byte(b), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) SaveRecoveredFile(ctx context.Context, agentID string, f models.RecoveredFile) error {
	return s.insertAppendOnly(ctx, agentID, kindRecovered, f.Path+"@"+f.Timestamp.Format(time.RFC3339Nano), f, 0)
}

func (s *Store) LoadRecoveredFiles(ctx context.Context, agentID string) ([]models.RecoveredFile, error) {
	blobs, err := s.loadMany(ctx, agentID, kindRecovered, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.RecoveredFile, 0, len(blobs))
	for _, b := range blobs {
		var f models.RecoveredFile
		if err := json.Unmarshal([]byte(b), &f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap models.Snapshot) error {
	return s.upsert(ctx, agentID, kindSnapshot, snap.ID, snap, 0)
}

func (s *Store) LoadSnapshot(ctx context.Context, agentID string, id string) (*models.Snapshot, error) {
	var out models.Snapshot
	if err := s.loadOne(ctx, agentID, kindSnapshot, id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error) {
	blobs, err := s.loadMany(ctx, agentID, kindSnapshot, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.Snapshot, 0, len(blobs))
	for _, b := range blobs {
		var snap models.Snapshot
		if err := json.Unmarshal([]byte(b), &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, agentID string, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_blobs WHERE agent_id = ? AND kind = ? AND sub_id = ?`, agentID, kindSnapshot, id)
	return err
}

func (s *Store) SaveInfo(ctx context.Context, agentID string, info models.AgentInfo) error {
	return s.upsert(ctx, agentID, kindInfo, "", info, int64(info.LastBookmark.Seq))
}

func (s *Store) LoadInfo(ctx context.Context, agentID string) (*models.AgentInfo, error) {
	var out models.AgentInfo
	if err := s.loadOne(ctx, agentID, kindInfo, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) Exists(ctx context.Context, agentID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_blobs WHERE agent_id = ? AND kind = ? LIMIT 1`, agentID, kindInfo)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM agent_blobs WHERE kind = ?`, kindInfo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_blobs WHERE agent_id = ?`, agentID)
	return err
}

var _ store.Store = (*Store)(nil)
