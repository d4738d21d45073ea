package contextmgr

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kodeforge/agentcore/pkg/models"
)

type fakeStore struct {
	mu         sync.Mutex
	windows    []models.HistoryWindow
	records    []models.CompressionRecord
	recovered  []models.RecoveredFile
}

func (s *fakeStore) SaveHistoryWindow(ctx context.Context, agentID string, w models.HistoryWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w)
	return nil
}

func (s *fakeStore) SaveCompressionRecord(ctx context.Context, agentID string, r models.CompressionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *fakeStore) SaveRecoveredFile(ctx context.Context, agentID string, f models.RecoveredFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered = append(s.recovered, f)
	return nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *fakeBus) Emit(ctx context.Context, e models.Event) models.EventEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return models.EventEnvelope{Event: e}
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func userMsg(text string) models.Message {
	return models.Message{Role: models.RoleUser, Blocks: []models.ContentBlock{models.TextBlock(text)}, CreatedAt: time.Now()}
}

func TestEstimateTokens_CharsDividedByFourRoundedUp(t *testing.T) {
	msgs := []models.Message{userMsg("12345")} // 5 chars -> ceil(5/4) = 2
	if got := EstimateTokens(msgs); got != 2 {
		t.Fatalf("expected 2 tokens, got %d", got)
	}
}

func TestShouldCompress_TriggersAboveBudget(t *testing.T) {
	cfg := Config{MaxTokens: 1, CompressToTokens: 1, RecoveredFileCap: 5, SummaryPreviewCap: 500, UsageBudgetChars: 1000}
	mgr := New("agent-1", &fakeStore{}, &fakeBus{}, nil, nil, cfg)

	msgs := []models.Message{userMsg("this is definitely more than one token of text")}
	if !mgr.ShouldCompress(msgs) {
		t.Fatal("expected compression to trigger")
	}
}

func TestCompress_RetainsTailAndPersistsArtifacts(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	cfg := Config{MaxTokens: 1000, CompressToTokens: 10, RecoveredFileCap: 5, SummaryPreviewCap: 500, UsageBudgetChars: 1000}
	mgr := New("agent-1", store, bus, nil, nil, cfg)

	msgs := make([]models.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, userMsg("message"))
	}

	result, err := mgr.Compress(context.Background(), msgs, nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	if len(result.Retained) < 2 {
		t.Fatalf("expected at least a summary plus one retained message, got %d", len(result.Retained))
	}
	if !result.Retained[0].IsSummaryMessage() {
		t.Fatal("expected first retained message to be the synthesized summary")
	}
	if !strings.Contains(result.Retained[0].Text(), "<context-summary") {
		t.Fatalf("expected summary tag in synthesized message, got %q", result.Retained[0].Text())
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.windows) != 1 {
		t.Fatalf("expected 1 saved history window, got %d", len(store.windows))
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 saved compression record, got %d", len(store.records))
	}

	if bus.count() != 2 {
		t.Fatalf("expected start+end context_compression events, got %d", bus.count())
	}
}

func TestCompress_RetainRatioFloorsAtPointSix(t *testing.T) {
	cfg := Config{MaxTokens: 1000, CompressToTokens: 1, RecoveredFileCap: 5, SummaryPreviewCap: 500, UsageBudgetChars: 1000}
	mgr := New("agent-1", &fakeStore{}, &fakeBus{}, nil, nil, cfg)

	msgs := make([]models.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, userMsg("m"))
	}

	result, _ := mgr.Compress(context.Background(), msgs, nil)
	// summary + retained; retained should be ceil(10*0.6)=6
	if len(result.Retained)-1 != 6 {
		t.Fatalf("expected 6 retained messages at the 0.6 floor, got %d", len(result.Retained)-1)
	}
}

func TestRepairOrphanedToolResults_ConvertsDanglingReferences(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Blocks: []models.ContentBlock{models.ToolResultBlock("missing-id", "some output", false)}},
	}
	repaired, count := repairOrphanedToolResults(msgs)
	if count != 1 {
		t.Fatalf("expected 1 repaired block, got %d", count)
	}
	if repaired[0].Blocks[0].Type != models.BlockText {
		t.Fatalf("expected orphaned tool_result converted to text, got %s", repaired[0].Blocks[0].Type)
	}
}

func TestRepairOrphanedToolResults_LeavesLiveReferencesAlone(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleAssistant, Blocks: []models.ContentBlock{models.ToolUseBlock("id-1", "tool", json.RawMessage(`{}`))}},
		{Role: models.RoleUser, Blocks: []models.ContentBlock{models.ToolResultBlock("id-1", "ok", false)}},
	}
	_, count := repairOrphanedToolResults(msgs)
	if count != 0 {
		t.Fatalf("expected 0 repaired blocks for a live reference, got %d", count)
	}
}

func TestTrackUsage_RequestsFlushOnlyOnceAtThreshold(t *testing.T) {
	cfg := Config{MaxTokens: 1000, CompressToTokens: 500, RecoveredFileCap: 5, SummaryPreviewCap: 500, UsageBudgetChars: 100}
	mgr := New("agent-1", &fakeStore{}, &fakeBus{}, nil, nil, cfg)

	if mgr.TrackUsage(50) {
		t.Fatal("should not request flush before budget reached")
	}
	if !mgr.TrackUsage(60) {
		t.Fatal("should request flush once budget is crossed")
	}
	if mgr.TrackUsage(60) {
		t.Fatal("should not request flush again until reset")
	}
	mgr.ResetUsage()
	if !mgr.TrackUsage(101) {
		t.Fatal("should request flush again after reset")
	}
}
