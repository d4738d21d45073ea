// Package agentrt wires EventBus, Store, BreakpointManager, PermissionManager,
// ToolRunner, ContextManager, and FilePool into the agent step loop and its
// Resume protocol.
package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kodeforge/agentcore/internal/breakpoint"
	"github.com/kodeforge/agentcore/internal/contextmgr"
	"github.com/kodeforge/agentcore/internal/eventbus"
	"github.com/kodeforge/agentcore/internal/filepool"
	"github.com/kodeforge/agentcore/internal/permission"
	"github.com/kodeforge/agentcore/internal/store"
	"github.com/kodeforge/agentcore/internal/toolrunner"
	"github.com/kodeforge/agentcore/pkg/models"
)

// RuntimeOptions are per-request overrides merged over agent-level defaults.
// A zero-valued field means "use the agent's default".
type RuntimeOptions struct {
	MaxIterations  int
	ToolTimeout    time.Duration
	ToolConcurrency int
	EnableThinking bool
	SystemPrompt   string
	Model          string
}

func mergeRuntimeOptions(base, override RuntimeOptions) RuntimeOptions {
	merged := base
	if override.MaxIterations != 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.ToolTimeout != 0 {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.ToolConcurrency != 0 {
		merged.ToolConcurrency = override.ToolConcurrency
	}
	if override.SystemPrompt != "" {
		merged.SystemPrompt = override.SystemPrompt
	}
	if override.Model != "" {
		merged.Model = override.Model
	}
	merged.EnableThinking = base.EnableThinking || override.EnableThinking
	return merged
}

// Config is the agent-level default configuration.
type Config struct {
	RuntimeOptions
	MaxTokens int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RuntimeOptions: RuntimeOptions{
			MaxIterations:   50,
			ToolTimeout:     60 * time.Second,
			ToolConcurrency: 3,
		},
	}
}

// Agent owns one conversation's full runtime state and the components that
// drive its step loop. It is not safe for concurrent Step/Run calls; callers
// serialize access per agent (the durable per-agent session lock named in
// the concurrency model).
type Agent struct {
	mu sync.Mutex

	id       string
	store    store.Store
	bus      *eventbus.Bus
	breakpts *breakpoint.Manager
	perm     *permission.Manager
	runner   *toolrunner.Runner
	ctxmgr   *contextmgr.Manager
	files    *filepool.Pool
	provider Provider
	tools    []ToolSpec

	config   Config
	state    models.AgentRuntimeState
	step     int
	messages []models.Message
}

// New constructs an Agent from its already-wired components.
func New(id string, st store.Store, bus *eventbus.Bus, breakpts *breakpoint.Manager, perm *permission.Manager, runner *toolrunner.Runner, ctxmgr *contextmgr.Manager, files *filepool.Pool, provider Provider, tools []ToolSpec, config Config) *Agent {
	return &Agent{
		id:       id,
		store:    st,
		bus:      bus,
		breakpts: breakpts,
		perm:     perm,
		runner:   runner,
		ctxmgr:   ctxmgr,
		files:    files,
		provider: provider,
		tools:    tools,
		config:   config,
		state:    models.StateReady,
	}
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// Messages returns a copy of the current message history.
func (a *Agent) Messages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Message{}, a.messages...)
}

func (a *Agent) setState(ctx context.Context, next models.AgentRuntimeState) {
	if a.state == next {
		return
	}
	prev := a.state
	a.state = next
	a.bus.Emit(ctx, models.Event{
		Channel: models.ChannelMonitor,
		Type:    models.EventStateChanged,
		AgentID: a.id,
		Step:    a.step,
		State:   &models.StateEventPayload{Previous: string(prev), Current: string(next)},
	})
}

func (a *Agent) persist(ctx context.Context) error {
	if err := a.store.SaveMessages(ctx, a.id, a.messages); err != nil {
		return fmt.Errorf("persist messages: %w", err)
	}
	info := models.AgentInfo{
		AgentID:      a.id,
		MessageCount: len(a.messages),
		LastBookmark: a.bus.GetLastBookmark(),
		Breakpoint:   a.breakpts.Current(),
	}
	if err := a.store.SaveInfo(ctx, a.id, info); err != nil {
		return fmt.Errorf("persist info: %w", err)
	}
	return nil
}

// Run appends a user message and drives the step loop until it returns
// control: end of turn, max iterations, cancellation, an approval pause, or
// an error.
func (a *Agent) Run(ctx context.Context, input string, overrides RuntimeOptions) models.StopReason {
	a.mu.Lock()
	defer a.mu.Unlock()

	opts := mergeRuntimeOptions(a.config.RuntimeOptions, overrides)

	a.messages = append(a.messages, models.Message{
		ID:        uuid.NewString(),
		AgentID:   a.id,
		Role:      models.RoleUser,
		Blocks:    []models.ContentBlock{models.TextBlock(input)},
		CreatedAt: time.Now(),
	})
	if err := a.breakpts.TransitionTo(ctx, models.BreakpointPreModel); err != nil {
		return a.fail(ctx, err)
	}

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 50
	}

	for iter := 0; iter < maxIter; iter++ {
		reason, done := a.runStep(ctx, opts)
		if done {
			return reason
		}
		if ctx.Err() != nil {
			return models.StopCancelled
		}
	}

	a.bus.Emit(ctx, models.Event{
		Channel: models.ChannelProgress,
		Type:    models.EventDone,
		AgentID: a.id,
		Step:    a.step,
		Done:    &models.DoneEventPayload{Step: a.step, Reason: string(models.StopMaxIterations)},
	})
	return models.StopMaxIterations
}

func (a *Agent) fail(ctx context.Context, err error) models.StopReason {
	a.bus.Emit(ctx, models.Event{
		Channel: models.ChannelMonitor,
		Type:    models.EventError,
		AgentID: a.id,
		Step:    a.step,
		Error:   &models.ErrorEventPayload{Message: err.Error(), Err: err},
	})
	return models.StopError
}

// step executes exactly one loop iteration: a model turn, and, if the model
// requested tools, one tool batch. Returns (reason, true) when the loop
// should stop, or ("", false) to continue looping.
func (a *Agent) runStep(ctx context.Context, opts RuntimeOptions) (models.StopReason, bool) {
	start := time.Now()

	a.setState(ctx, models.StateWorking)
	if err := a.persist(ctx); err != nil {
		return a.fail(ctx, err), true
	}

	if err := a.breakpts.TransitionTo(ctx, models.BreakpointStreamingModel); err != nil {
		return a.fail(ctx, err), true
	}

	assistantMsg, stop, toolCalls, usage, err := a.streamTurn(ctx, opts)
	if err != nil {
		return a.fail(ctx, err), true
	}

	a.bus.Emit(ctx, models.Event{
		Channel: models.ChannelProgress,
		Type:    models.EventTokenUsage,
		AgentID: a.id,
		Step:    a.step,
		Usage:   &usage,
	})

	a.messages = append(a.messages, assistantMsg)
	if err := a.persist(ctx); err != nil {
		return a.fail(ctx, err), true
	}

	if len(toolCalls) == 0 {
		if err := a.breakpts.TransitionTo(ctx, models.BreakpointReady); err != nil {
			return a.fail(ctx, err), true
		}
		a.setState(ctx, models.StateReady)
		a.step++
		a.bus.Emit(ctx, models.Event{
			Channel: models.ChannelProgress,
			Type:    models.EventDone,
			AgentID: a.id,
			Step:    a.step,
			Done:    &models.DoneEventPayload{Step: a.step, Reason: string(stop)},
		})
		a.emitStepComplete(ctx, start)
		return models.StopEndTurn, true
	}

	if err := a.breakpts.TransitionTo(ctx, models.BreakpointToolPending); err != nil {
		return a.fail(ctx, err), true
	}

	calls := make([]toolrunner.Call, len(toolCalls))
	for i, tc := range toolCalls {
		calls[i] = toolrunner.Call{CallID: tc.ID, Name: tc.Name, Input: tc.Input}
	}

	if err := a.breakpts.TransitionTo(ctx, models.BreakpointPreTool); err != nil {
		return a.fail(ctx, err), true
	}

	records, resultMsg := a.runner.RunBatch(ctx, a.step, calls)

	for _, rec := range records {
		if rec.State == models.ToolCallApprovalRequired {
			if err := a.breakpts.TransitionTo(ctx, models.BreakpointAwaitingApproval); err != nil {
				return a.fail(ctx, err), true
			}
			if err := a.persist(ctx); err != nil {
				return a.fail(ctx, err), true
			}
			a.setState(ctx, models.StatePaused)
			return models.StopAwaitingApproval, true
		}
	}

	if err := a.breakpts.TransitionTo(ctx, models.BreakpointPostTool); err != nil {
		return a.fail(ctx, err), true
	}

	a.messages = append(a.messages, resultMsg)
	if err := a.persist(ctx); err != nil {
		return a.fail(ctx, err), true
	}

	if a.ctxmgr != nil && a.ctxmgr.ShouldCompress(a.messages) {
		result, err := a.ctxmgr.Compress(ctx, a.messages, nil)
		if err == nil {
			a.messages = result.Retained
			if err := a.persist(ctx); err != nil {
				return a.fail(ctx, err), true
			}
		}
	}

	a.step++
	if err := a.breakpts.TransitionTo(ctx, models.BreakpointPreModel); err != nil {
		return a.fail(ctx, err), true
	}
	a.emitStepComplete(ctx, start)
	return "", false
}

func (a *Agent) emitStepComplete(ctx context.Context, start time.Time) {
	a.bus.Emit(ctx, models.Event{
		Channel: models.ChannelMonitor,
		Type:    models.EventStepComplete,
		AgentID: a.id,
		Step:    a.step,
	})
	_ = start
}

// pendingToolUse accumulates one streamed tool_use block.
type pendingToolUse struct {
	id    string
	name  string
	input strings.Builder
}

// streamTurn drives the model provider for one turn, accumulating text,
// thinking, and tool_use blocks, and emitting progress events for each
// delta.
func (a *Agent) streamTurn(ctx context.Context, opts RuntimeOptions) (models.Message, StopReason, []models.ContentBlock, models.UsageEventPayload, error) {
	system := opts.SystemPrompt

	completionMsgs := make([]CompletionMessage, 0, len(a.messages))
	for _, m := range a.messages {
		completionMsgs = append(completionMsgs, toCompletionMessage(m))
	}

	chunks, err := a.provider.Stream(ctx, system, completionMsgs, a.tools)
	if err != nil {
		return models.Message{}, "", nil, models.UsageEventPayload{}, err
	}

	var textBuilder, thinkingBuilder strings.Builder
	var toolUses []*pendingToolUse
	var activeToolUse *pendingToolUse
	var stop StopReason
	var usage models.UsageEventPayload

	for chunk := range chunks {
		switch chunk.Kind {
		case ChunkTextDelta:
			textBuilder.WriteString(chunk.TextDelta)
			a.bus.Emit(ctx, models.Event{
				Channel: models.ChannelProgress,
				Type:    models.EventTextChunk,
				AgentID: a.id,
				Step:    a.step,
				Text:    &models.TextEventPayload{Delta: chunk.TextDelta},
			})
		case ChunkThinkingDelta:
			thinkingBuilder.WriteString(chunk.ThinkingDelta)
			if opts.EnableThinking {
				a.bus.Emit(ctx, models.Event{
					Channel: models.ChannelProgress,
					Type:    models.EventThinkChunk,
					AgentID: a.id,
					Step:    a.step,
					Text:    &models.TextEventPayload{Delta: chunk.ThinkingDelta},
				})
			}
		case ChunkToolUseStart:
			activeToolUse = &pendingToolUse{id: chunk.ToolUseID, name: chunk.ToolUseName}
			toolUses = append(toolUses, activeToolUse)
		case ChunkToolUseDelta:
			if activeToolUse != nil {
				activeToolUse.input.WriteString(chunk.ToolUseDelta)
			}
		case ChunkToolUseStop:
			activeToolUse = nil
		case ChunkStop:
			stop = chunk.Stop
			usage = models.UsageEventPayload{
				InputTokens:  chunk.InputTokens,
				OutputTokens: chunk.OutputTokens,
				TotalTokens:  chunk.InputTokens + chunk.OutputTokens,
			}
		}
	}

	blocks := make([]models.ContentBlock, 0, 1+len(toolUses))
	if opts.EnableThinking && thinkingBuilder.Len() > 0 {
		blocks = append(blocks, models.ThinkingBlock(thinkingBuilder.String()))
	}
	if textBuilder.Len() > 0 {
		blocks = append(blocks, models.TextBlock(textBuilder.String()))
	}
	toolBlocks := make([]models.ContentBlock, 0, len(toolUses))
	for _, tu := range toolUses {
		input := json.RawMessage(tu.input.String())
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		block := models.ToolUseBlock(tu.id, tu.name, input)
		blocks = append(blocks, block)
		toolBlocks = append(toolBlocks, block)
	}

	assistantMsg := models.Message{
		ID:        uuid.NewString(),
		AgentID:   a.id,
		Role:      models.RoleAssistant,
		Blocks:    blocks,
		CreatedAt: time.Now(),
	}

	return assistantMsg, stop, toolBlocks, usage, nil
}

func toCompletionMessage(m models.Message) CompletionMessage {
	cm := CompletionMessage{Role: string(m.Role), Content: m.Text()}
	for _, b := range m.ToolUses() {
		cm.ToolCalls = append(cm.ToolCalls, ToolCallRef{ID: b.ToolUseID, Name: b.ToolUseName, Input: b.ToolUseInput})
	}
	for _, r := range m.ToolResults() {
		cm.ToolResults = append(cm.ToolResults, ToolResultRef{
			ToolUseID: r.ToolUseID,
			Content:   r.ToolResultContent,
			IsError:   r.ToolResultIsError,
		})
	}
	return cm
}
