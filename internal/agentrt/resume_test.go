package agentrt

import (
	"context"
	"testing"
	"time"

	"github.com/kodeforge/agentcore/internal/store/memstore"
	"github.com/kodeforge/agentcore/pkg/models"
)

func TestResumeFromStore_CrashStrategySealsNonTerminalRecords(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	if err := st.SaveInfo(ctx, "agent-1", models.AgentInfo{AgentID: "agent-1"}); err != nil {
		t.Fatalf("SaveInfo: %v", err)
	}
	messages := []models.Message{
		{
			ID:   "m1",
			Role: models.RoleAssistant,
			Blocks: []models.ContentBlock{
				models.ToolUseBlock("call-1", "echo", []byte(`{}`)),
			},
		},
	}
	if err := st.SaveMessages(ctx, "agent-1", messages); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	records := []models.ToolCallRecord{
		{ID: "call-1", AgentID: "agent-1", Name: "echo", State: models.ToolCallExecuting, CreatedAt: time.Now()},
		{ID: "call-2", AgentID: "agent-1", Name: "echo", State: models.ToolCallApprovalRequired, CreatedAt: time.Now()},
		{ID: "call-3", AgentID: "agent-1", Name: "echo", State: models.ToolCallCompleted, CreatedAt: time.Now()},
	}
	if err := st.SaveToolCallRecords(ctx, "agent-1", records); err != nil {
		t.Fatalf("SaveToolCallRecords: %v", err)
	}

	agent, err := ResumeFromStore(ctx, "agent-1", models.RecoveryCrash, ResumeDeps{Store: st}, RuntimeOptions{})
	if err != nil {
		t.Fatalf("ResumeFromStore: %v", err)
	}
	if agent == nil {
		t.Fatal("expected a non-nil agent")
	}

	persisted, err := st.LoadToolCallRecords(ctx, "agent-1")
	if err != nil {
		t.Fatalf("LoadToolCallRecords: %v", err)
	}
	for _, rec := range persisted {
		if !rec.State.Terminal() {
			t.Fatalf("expected every record terminal after crash resume, got %s in state %s", rec.ID, rec.State)
		}
	}
	byID := make(map[string]models.ToolCallRecord, len(persisted))
	for _, rec := range persisted {
		byID[rec.ID] = rec
	}
	if byID["call-1"].State != models.ToolCallSealed {
		t.Fatalf("expected call-1 sealed, got %s", byID["call-1"].State)
	}
	if byID["call-2"].State != models.ToolCallSealed {
		t.Fatalf("expected call-2 sealed, got %s", byID["call-2"].State)
	}
	if byID["call-3"].State != models.ToolCallCompleted {
		t.Fatalf("expected already-terminal call-3 to stay completed, got %s", byID["call-3"].State)
	}

	persistedMsgs, err := st.LoadMessages(ctx, "agent-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	var foundDanglingResult bool
	for _, m := range persistedMsgs {
		for _, b := range m.ToolResults() {
			if b.ToolUseID == "call-1" && b.ToolResultIsError {
				foundDanglingResult = true
			}
		}
	}
	if !foundDanglingResult {
		t.Fatal("expected a synthesized error tool_result for call-1's dangling tool_use")
	}
}
