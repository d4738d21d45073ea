// Package pgstore is a Postgres-backed Store implementation. It keys every
// artifact by (agent_id, kind[, sub_id]) so one table per concern serves all
// agents without interference, mirroring the remote key-value layout named
// in the persisted-state-layout contract.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kodeforge/agentcore/internal/store"
	"github.com/kodeforge/agentcore/pkg/models"
)

// Config tunes the underlying connection pool.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store is a Postgres-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// NewFromDSN opens a connection pool and verifies connectivity.
func NewFromDSN(dsn string, cfg *Config) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB (used by tests with sqlmock).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Schema is the DDL this store expects. Callers are responsible for applying
// migrations; the store does not run them automatically.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_blobs (
	agent_id TEXT NOT NULL,
	kind     TEXT NOT NULL,
	sub_id   TEXT NOT NULL DEFAULT '',
	payload  JSONB NOT NULL,
	seq      BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (agent_id, kind, sub_id)
);
CREATE INDEX IF NOT EXISTS agent_blobs_events_idx ON agent_blobs (agent_id, kind, seq);
`

const (
	kindMessages     = "messages"
	kindRecords      = "records"
	kindTodos        = "todos"
	kindInfo         = "info"
	kindEventPrefix  = "event:" // sub-kind per channel
	kindWindow       = "window"
	kindCompression  = "compression"
	kindRecovered    = "recovered"
	kindSnapshot     = "snapshot"
)

func (s *Store) upsert(ctx context.Context, agentID, kind, subID string, payload any, seq int64) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_blobs (agent_id, kind, sub_id, payload, seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (agent_id, kind, sub_id)
		DO UPDATE SET payload = EXCLUDED.payload, seq = EXCLUDED.seq, updated_at = now()
	`, agentID, kind, subID, data, seq)
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
		VALUES ($1, $2, $3, $4, $5, now())
	`, agentID, kind, subID, data, seq)
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	return nil
}

func (s *Store) loadOne(ctx context.Context, agentID, kind, subID string, dest any) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM agent_blobs WHERE agent_id = $1 AND kind = $2 AND sub_id = $3
	`, agentID, kind, subID)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return fmt.Errorf("load %s: %w", kind, err)
	}
	return json.Unmarshal(data, dest)
}

func (s *Store) loadMany(ctx context.Context, agentID, kindPrefix string, sinceSeq int64) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM agent_blobs
		WHERE agent_id = $1 AND kind LIKE $2 AND seq > $3
		ORDER BY seq ASC
	`, agentID, kindPrefix+"%", sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("load many %s: %w", kindPrefix, err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var data []byte
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
		if err := json.Unmarshal(b, &env); err != nil {
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
		if err := json.Unmarshal(b, &w); err != nil {
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
		if err := json.Unmarshal(b, &r); err != nil {
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
		if err := json.Unmarshal(b, &f); err != nil {
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
		if err := json.Unmarshal(b, &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, agentID string, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_blobs WHERE agent_id = $1 AND kind = $2 AND sub_id = $3`, agentID, kindSnapshot, id)
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
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_blobs WHERE agent_id = $1 AND kind = $2 LIMIT 1`, agentID, kindInfo)
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
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM agent_blobs WHERE kind = $1`, kindInfo)
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_blobs WHERE agent_id = $1`, agentID)
	return err
}

var _ store.Store = (*Store)(nil)
