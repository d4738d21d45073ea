package agentrt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kodeforge/agentcore/internal/breakpoint"
	"github.com/kodeforge/agentcore/internal/contextmgr"
	"github.com/kodeforge/agentcore/internal/eventbus"
	"github.com/kodeforge/agentcore/internal/filepool"
	"github.com/kodeforge/agentcore/internal/permission"
	"github.com/kodeforge/agentcore/internal/store"
	"github.com/kodeforge/agentcore/internal/toolrunner"
	"github.com/kodeforge/agentcore/pkg/models"
)

// ErrAgentNotFound is returned by ResumeFromStore when no AgentInfo exists
// for the requested ID.
var ErrAgentNotFound = errors.New("agentrt: agent not found")

// ResumeDeps bundles the components ResumeFromStore wires into the rebuilt
// Agent. Provider, tools, and the runner/ctxmgr/files components are
// supplied by the caller since they depend on the host process's tool
// registry and model configuration, not on durable state.
type ResumeDeps struct {
	Store    store.Store
	Provider Provider
	Tools    []ToolSpec
	Runner   *toolrunner.Runner
	CtxMgr   *contextmgr.Manager
	Files    *filepool.Pool
	Perm     *permission.Manager
	Config   Config
}

// ResumeFromStore reconstructs an Agent from durable state: AgentInfo,
// messages, tool records, and the last bookmark, applying the configured
// recovery strategy to any tool record left non-terminal by a crash.
func ResumeFromStore(ctx context.Context, agentID string, strategy models.RecoveryStrategy, deps ResumeDeps, overrides RuntimeOptions) (*Agent, error) {
	info, err := deps.Store.LoadInfo(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("load agent info: %w", err)
	}

	messages, err := deps.Store.LoadMessages(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	records, err := deps.Store.LoadToolCallRecords(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load tool records: %w", err)
	}

	bus := eventbus.New(agentID, deps.Store, nil)
	bus.SeedFromBookmark(info.LastBookmark)

	sealed := make([]string, 0)
	if strategy == "" {
		strategy = models.RecoveryCrash
	}
	if strategy == models.RecoveryCrash {
		messages, records, sealed = sealIncompleteRecords(messages, records)
		if len(sealed) > 0 {
			if err := deps.Store.SaveMessages(ctx, agentID, messages); err != nil {
				return nil, fmt.Errorf("save sealed messages: %w", err)
			}
			if err := deps.Store.SaveToolCallRecords(ctx, agentID, records); err != nil {
				return nil, fmt.Errorf("save sealed tool records: %w", err)
			}
		}
	}

	bus.Emit(ctx, models.Event{
		Channel: models.ChannelMonitor,
		Type:    models.EventAgentResumed,
		AgentID: agentID,
		State:   &models.StateEventPayload{Current: string(strategy)},
	})

	if len(sealed) > 0 {
		bus.Emit(ctx, models.Event{
			Channel: models.ChannelMonitor,
			Type:    models.EventAgentRecovered,
			AgentID: agentID,
			Error:   &models.ErrorEventPayload{Message: fmt.Sprintf("sealed %d incomplete tool call(s) on crash recovery", len(sealed))},
		})
	}

	breakpts := breakpoint.New(agentID, deps.Store, bus)
	initial := info.Breakpoint
	if initial == "" {
		initial = models.BreakpointReady
	}
	breakpts.Restore(initial)

	config := deps.Config
	config.RuntimeOptions = mergeRuntimeOptions(config.RuntimeOptions, overrides)

	agent := New(agentID, deps.Store, bus, breakpts, deps.Perm, deps.Runner, deps.CtxMgr, deps.Files, deps.Provider, deps.Tools, config)
	agent.messages = messages
	agent.step = info.MessageCount
	agent.state = models.StateReady

	return agent, nil
}

// sealIncompleteRecords transitions every non-terminal tool record to
// SEALED and synthesizes an is_error tool_result for its dangling tool_use,
// returning the patched message list, the patched record list (with every
// formerly non-terminal record mutated to SEALED), and the list of sealed
// call IDs.
func sealIncompleteRecords(messages []models.Message, records []models.ToolCallRecord) ([]models.Message, []models.ToolCallRecord, []string) {
	var sealed []string
	sealedIDs := make(map[string]bool)
	now := time.Now()
	for i := range records {
		if !records[i].State.Terminal() {
			sealedIDs[records[i].ID] = true
			sealed = append(sealed, records[i].ID)
			records[i].Transition(now, models.ToolCallSealed, "sealed on crash recovery: interrupted before completion")
		}
	}
	if len(sealedIDs) == 0 {
		return messages, records, nil
	}

	liveToolUseIDs := make(map[string]bool)
	for _, m := range messages {
		for _, b := range m.ToolUses() {
			liveToolUseIDs[b.ToolUseID] = true
		}
	}
	resolvedToolUseIDs := make(map[string]bool)
	for _, m := range messages {
		for _, b := range m.ToolResults() {
			resolvedToolUseIDs[b.ToolUseID] = true
		}
	}

	var danglingBlocks []models.ContentBlock
	for id := range sealedIDs {
		if liveToolUseIDs[id] && !resolvedToolUseIDs[id] {
			danglingBlocks = append(danglingBlocks, models.ToolResultBlock(id, "tool call interrupted by a crash and could not complete", true))
		}
	}
	if len(danglingBlocks) == 0 {
		return messages, records, sealed
	}

	return append(messages, models.Message{
		Role:      models.RoleUser,
		Blocks:    danglingBlocks,
		CreatedAt: now,
	}), records, sealed
}
