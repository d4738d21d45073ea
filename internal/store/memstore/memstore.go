// Package memstore is an in-memory Store implementation for tests and local
// runs. Every read and write deep-clones across the boundary so callers can
// never observe or cause mutation through a shared reference.
package memstore

import (
	"context"
	"sync"

	"github.com/kodeforge/agentcore/internal/store"
	"github.com/kodeforge/agentcore/pkg/models"
)

type agentData struct {
	messages     []models.Message
	records      []models.ToolCallRecord
	events       map[models.EventChannel][]models.EventEnvelope
	todos        []string
	windows      []models.HistoryWindow
	compressions []models.CompressionRecord
	recovered    []models.RecoveredFile
	snapshots    map[string]models.Snapshot
	info         *models.AgentInfo
}

func newAgentData() *agentData {
	return &agentData{
		events:    make(map[models.EventChannel][]models.EventEnvelope),
		snapshots: make(map[string]models.Snapshot),
	}
}

// Store is the in-memory Store backend.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*agentData
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{agents: make(map[string]*agentData)}
}

func (s *Store) agent(agentID string, create bool) *agentData {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		if !create {
			return nil
		}
		a = newAgentData()
		s.agents[agentID] = a
	}
	return a
}

func cloneMessages(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	for i, m := range in {
		clone := m
		clone.Blocks = append([]models.ContentBlock{}, m.Blocks...)
		clone.Metadata = cloneMap(m.Metadata)
		out[i] = clone
	}
	return out
}

func cloneRecords(in []models.ToolCallRecord) []models.ToolCallRecord {
	out := make([]models.ToolCallRecord, len(in))
	for i, r := range in {
		clone := r
		clone.AuditTrail = append([]models.AuditEntry{}, r.AuditTrail...)
		out[i] = clone
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) SaveMessages(ctx context.Context, agentID string, messages []models.Message) error {
	a := s.agent(agentID, true)
	s.mu.Lock()
	a.messages = cloneMessages(messages)
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, agentID string) ([]models.Message, error) {
	a := s.agent(agentID, false)
	if a == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(a.messages), nil
}

func (s *Store) SaveToolCallRecords(ctx context.Context, agentID string, records []models.ToolCallRecord) error {
	a := s.agent(agentID, true)
	s.mu.Lock()
	a.records = cloneRecords(records)
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadToolCallRecords(ctx context.Context, agentID string) ([]models.ToolCallRecord, error) {
	a := s.agent(agentID, false)
	if a == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(a.records), nil
}

func (s *Store) AppendEvent(ctx context.Context, agentID string, env models.EventEnvelope) error {
	a := s.agent(agentID, true)
	s.mu.Lock()
	a.events[env.Event.Channel] = append(a.events[env.Event.Channel], env)
	s.mu.Unlock()
	return nil
}

func (s *Store) ReadEvents(ctx context.Context, agentID string, channel models.EventChannel, since models.Bookmark) ([]models.EventEnvelope, error) {
	a := s.agent(agentID, false)
	if a == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EventEnvelope
	for _, env := range a.events[channel] {
		if env.Bookmark.Seq > since.Seq {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *Store) SaveTodos(ctx context.Context, agentID string, todos []string) error {
	a := s.agent(agentID, true)
	s.mu.Lock()
	a.todos = append([]string{}, todos...)
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadTodos(ctx context.Context, agentID string) ([]string, error) {
	a := s.agent(agentID, false)
	if a == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, a.todos...), nil
}

func (s *Store) SaveHistoryWindow(ctx context.Context, agentID string, w models.HistoryWindow) error {
	a := s.agent(agentID, true)
	s.mu.Lock()
	a.windows = append(a.windows, w)
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadHistoryWindows(ctx context.Context, agentID string) ([]models.HistoryWindow, error) {
	a := s.agent(agentID, false)
	if a == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.HistoryWindow{}, a.windows...), nil
}

func (s *Store) SaveCompressionRecord(ctx context.Context, agentID string, r models.CompressionRecord) error {
	a := s.agent(agentID, true)
	s.mu.Lock()
	a.compressions = append(a.compressions, r)
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadCompressionRecords(ctx context.Context, agentID string) ([]models.CompressionRecord, error) {
	a := s.agent(agentID, false)
	if a == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CompressionRecord{}, a.compressions...), nil
}

func (s *Store) SaveRecoveredFile(ctx context.Context, agentID string, f models.RecoveredFile) error {
	a := s.agent(agentID, true)
	s.mu.Lock()
	a.recovered = append(a.recovered, f)
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadRecoveredFiles(ctx context.Context, agentID string) ([]models.RecoveredFile, error) {
	a := s.agent(agentID, false)
	if a == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.RecoveredFile{}, a.recovered...), nil
}

func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap models.Snapshot) error {
	a := s.agent(agentID, true)
	s.mu.Lock()
	a.snapshots[snap.ID] = snap
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, agentID string, id string) (*models.Snapshot, error) {
	a := s.agent(agentID, false)
	if a == nil {
		return nil, store.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := a.snapshots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := snap
	return &clone, nil
}

func (s *Store) ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error) {
	a := s.agent(agentID, false)
	if a == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Snapshot, 0, len(a.snapshots))
	for _, snap := range a.snapshots {
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, agentID string, id string) error {
	a := s.agent(agentID, false)
	if a == nil {
		return nil
	}
	s.mu.Lock()
	delete(a.snapshots, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) SaveInfo(ctx context.Context, agentID string, info models.AgentInfo) error {
	a := s.agent(agentID, true)
	s.mu.Lock()
	clone := info
	a.info = &clone
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadInfo(ctx context.Context, agentID string) (*models.AgentInfo, error) {
	a := s.agent(agentID, false)
	if a == nil || a.info == nil {
		return nil, store.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := *a.info
	return &clone, nil
}

func (s *Store) Exists(ctx context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[agentID]
	return ok, nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
	return nil
}

var _ store.Store = (*Store)(nil)
