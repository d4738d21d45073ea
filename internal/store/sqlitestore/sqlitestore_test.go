package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/kodeforge/agentcore/internal/store"
	"github.com/kodeforge/agentcore/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveMessages_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	msgs := []models.Message{
		{ID: "m1", AgentID: "agent-1", Role: models.RoleUser, Blocks: []models.ContentBlock{models.TextBlock("hi")}},
	}
	if err := s.SaveMessages(context.Background(), "agent-1", msgs); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	out, err := s.LoadMessages(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(out) != 1 || out[0].ID != "m1" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestSaveMessages_UpsertOverwritesPriorValue(t *testing.T) {
	s := newTestStore(t)
	first := []models.Message{{ID: "m1", AgentID: "agent-1", Role: models.RoleUser}}
	second := []models.Message{{ID: "m2", AgentID: "agent-1", Role: models.RoleAssistant}}

	if err := s.SaveMessages(context.Background(), "agent-1", first); err != nil {
		t.Fatalf("SaveMessages first: %v", err)
	}
	if err := s.SaveMessages(context.Background(), "agent-1", second); err != nil {
		t.Fatalf("SaveMessages second: %v", err)
	}

	out, err := s.LoadMessages(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(out) != 1 || out[0].ID != "m2" {
		t.Fatalf("expected overwrite to m2, got %+v", out)
	}
}

func TestLoadMessages_NotFoundReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	out, err := s.LoadMessages(context.Background(), "missing-agent")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil messages, got %v", out)
	}
}

func TestAppendEvent_ThenReadEventsOrdersBySeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		env := models.EventEnvelope{
			Bookmark: models.Bookmark{Seq: seq, Timestamp: time.Now()},
			Event:    models.Event{Channel: models.ChannelProgress, Type: models.EventTextChunk},
		}
		if err := s.AppendEvent(ctx, "agent-1", env); err != nil {
			t.Fatalf("AppendEvent seq=%d: %v", seq, err)
		}
	}

	events, err := s.ReadEvents(ctx, "agent-1", models.ChannelProgress, models.Bookmark{Seq: 1})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq 1, got %d", len(events))
	}
	if events[0].Bookmark.Seq != 2 || events[1].Bookmark.Seq != 3 {
		t.Fatalf("expected ordered seqs 2,3, got %+v", events)
	}
}

func TestExists_FalseUntilInfoSaved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("expected false before info saved")
	}

	if err := s.SaveInfo(ctx, "agent-1", models.AgentInfo{AgentID: "agent-1"}); err != nil {
		t.Fatalf("SaveInfo: %v", err)
	}
	ok, err = s.Exists(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatal("expected true after info saved")
	}
}

func TestDelete_RemovesAllRowsForAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveMessages(ctx, "agent-1", []models.Message{{ID: "m1", AgentID: "agent-1"}}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if err := s.SaveTodos(ctx, "agent-1", []string{"todo-1"}); err != nil {
		t.Fatalf("SaveTodos: %v", err)
	}

	if err := s.Delete(ctx, "agent-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	msgs, err := s.LoadMessages(ctx, "agent-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if msgs != nil {
		t.Fatalf("expected messages gone after delete, got %+v", msgs)
	}
}

func TestListSnapshots_ReturnsInInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"snap-a", "snap-b"} {
		if err := s.SaveSnapshot(ctx, "agent-1", models.Snapshot{ID: id}); err != nil {
			t.Fatalf("SaveSnapshot %s: %v", id, err)
		}
	}

	snaps, err := s.ListSnapshots(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}

var _ store.Store = (*Store)(nil)
