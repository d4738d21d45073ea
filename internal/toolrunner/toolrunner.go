// Package toolrunner executes a batch of tool calls from one assistant
// message: schema validation, hook pipelines, permission checks, freshness
// checks, bounded-concurrency execution, and audit-trailed state transitions.
package toolrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kodeforge/agentcore/internal/filepool"
	"github.com/kodeforge/agentcore/internal/permission"
	"github.com/kodeforge/agentcore/pkg/models"
)

// Tool is one registered, invocable capability.
type Tool interface {
	Name() string
	// InputSchema returns the tool's JSON Schema as raw bytes, or nil if the
	// tool accepts any input unvalidated.
	InputSchema() []byte
	// AllowParallel reports whether this tool may run concurrently with
	// other tool calls in the same batch.
	AllowParallel() bool
	// WriteTarget returns the filesystem path this call would write to, and
	// true, if the call is a write-class operation subject to a freshness
	// check. Read-only tools return ("", false).
	WriteTarget(input json.RawMessage) (string, bool)
	Execute(ctx context.Context, input json.RawMessage) (content string, isError bool, err error)
}

// HookOutcome is what a pre-tool hook decides for one call.
type HookOutcome string

const (
	HookContinue        HookOutcome = ""
	HookAllow           HookOutcome = "allow"
	HookDeny            HookOutcome = "deny"
	HookSkip            HookOutcome = "skip"
	HookRequireApproval HookOutcome = "require_approval"
)

// PreHookResult is the verdict a pre-tool hook returns for one call.
type PreHookResult struct {
	Outcome    HookOutcome
	Reason     string
	MockResult string
}

// PreHook runs before permission evaluation and execution. The first hook to
// return a non-HookContinue outcome wins; hooks run in registration order.
type PreHook func(ctx context.Context, call Call) PreHookResult

// PostHookAction describes how a post-tool hook modifies a completed call's
// outcome.
type PostHookAction string

const (
	PostPass    PostHookAction = ""
	PostReplace PostHookAction = "replace"
	PostUpdate  PostHookAction = "update"
)

// PostHookResult is the verdict a post-tool hook returns for one completed
// call.
type PostHookResult struct {
	Action  PostHookAction
	Content string
	IsError bool
}

// PostHook runs after execution, before the tool_result block is built.
type PostHook func(ctx context.Context, call Call, content string, isError bool) PostHookResult

// Call is one tool invocation to run as part of a batch.
type Call struct {
	CallID string
	Name   string
	Input  json.RawMessage
}

// Registry resolves tool names to Tool implementations.
type Registry interface {
	Lookup(name string) (Tool, bool)
}

// Store persists tool call records.
type Store interface {
	SaveToolCallRecords(ctx context.Context, agentID string, records []models.ToolCallRecord) error
	LoadToolCallRecords(ctx context.Context, agentID string) ([]models.ToolCallRecord, error)
}

// Bus emits progress/monitor events for tool lifecycle.
type Bus interface {
	Emit(ctx context.Context, e models.Event) models.EventEnvelope
}

// Breakpoints transitions the breakpoint state machine around batch
// execution.
type Breakpoints interface {
	TransitionTo(ctx context.Context, next models.BreakpointState) error
}

// Config tunes batch execution.
type Config struct {
	Concurrency    int
	PerCallTimeout time.Duration
}

// DefaultConfig mirrors the spec's defaults: 3-way concurrency, 60s timeout.
func DefaultConfig() Config {
	return Config{Concurrency: 3, PerCallTimeout: 60 * time.Second}
}

// Runner executes tool call batches for one agent.
type Runner struct {
	agentID   string
	registry  Registry
	store     Store
	bus       Bus
	perm      *permission.Manager
	files     *filepool.Pool
	breakpt   Breakpoints
	config    Config

	mu        sync.Mutex
	preHooks  []PreHook
	postHooks []PostHook
	observer  Observer

	schemaCache sync.Map
}

// Observer receives a notification for every tool call regardless of which
// path it exits through: denied, skipped by a hook, timed out, or executed.
// Unlike PreHook/PostHook, which participate in the execution decision,
// an Observer cannot affect the outcome; it exists purely so metrics and
// tracing collaborators see every call exactly once.
type Observer interface {
	ToolCallStarted(ctx context.Context, call Call) context.Context
	ToolCallFinished(ctx context.Context, call Call, status string, duration time.Duration)
}

// SetObserver installs the Runner's Observer. Pass nil to disable.
func (r *Runner) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// New creates a Runner. files and breakpt may be nil to disable their
// respective checks (useful in tests that exercise narrower slices).
func New(agentID string, registry Registry, store Store, bus Bus, perm *permission.Manager, files *filepool.Pool, breakpt Breakpoints, config Config) *Runner {
	if config.Concurrency <= 0 {
		config.Concurrency = 3
	}
	if config.PerCallTimeout <= 0 {
		config.PerCallTimeout = 60 * time.Second
	}
	return &Runner{
		agentID:  agentID,
		registry: registry,
		store:    store,
		bus:      bus,
		perm:     perm,
		files:    files,
		breakpt:  breakpt,
		config:   config,
	}
}

// AddPreHook registers a pre-tool hook, run in registration order.
func (r *Runner) AddPreHook(h PreHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preHooks = append(r.preHooks, h)
}

// AddPostHook registers a post-tool hook, run in registration order.
func (r *Runner) AddPostHook(h PostHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postHooks = append(r.postHooks, h)
}

func (r *Runner) compileSchema(name string, schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	if cached, ok := r.schemaCache.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	r.schemaCache.Store(name, compiled)
	return compiled, nil
}

const inputPreviewLimit = 1200

func truncatePreview(input json.RawMessage) string {
	s := string(input)
	if len(s) <= inputPreviewLimit {
		return s
	}
	return s[:inputPreviewLimit] + "...(truncated)"
}

// observerStatus maps a completed call's terminal state to the coarse status
// string metrics and tracing attributes use.
func observerStatus(state models.ToolCallState) string {
	switch state {
	case models.ToolCallCompleted:
		return "success"
	case models.ToolCallDenied:
		return "denied"
	default:
		return "error"
	}
}

// RunBatch executes every call in order of hand-off but with bounded
// concurrency, returning one record and one tool_result block per call plus
// a single user message carrying all the tool_result blocks.
func (r *Runner) RunBatch(ctx context.Context, step int, calls []Call) ([]models.ToolCallRecord, models.Message) {
	now := time.Now()
	records := make([]models.ToolCallRecord, len(calls))
	for i, c := range calls {
		records[i] = models.ToolCallRecord{
			ID:        c.CallID,
			AgentID:   r.agentID,
			Name:      c.Name,
			Input:     c.Input,
			State:     models.ToolCallPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		records[i].Transition(now, models.ToolCallPending, "batch accepted")
	}

	if r.breakpt != nil && len(calls) > 0 {
		_ = r.breakpt.TransitionTo(ctx, models.BreakpointToolExecuting)
	}

	tools := make([]Tool, len(calls))
	for i, c := range calls {
		if t, ok := r.registry.Lookup(c.Name); ok {
			tools[i] = t
		}
	}

	serial := make([]int, 0)
	parallel := make([]int, 0)
	for i, t := range tools {
		if t != nil && t.AllowParallel() {
			parallel = append(parallel, i)
		} else {
			serial = append(serial, i)
		}
	}

	for _, i := range serial {
		r.runOne(ctx, step, calls[i], tools[i], &records[i])
	}

	if len(parallel) > 0 {
		sem := make(chan struct{}, r.config.Concurrency)
		var wg sync.WaitGroup
		for _, i := range parallel {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				r.runOne(ctx, step, calls[idx], tools[idx], &records[idx])
			}(i)
		}
		wg.Wait()
	}

	blocks := make([]models.ContentBlock, 0, len(records))
	for _, rec := range records {
		blocks = append(blocks, models.ToolResultBlock(rec.ID, rec.Result, rec.IsError))
	}
	resultMsg := models.Message{
		AgentID:   r.agentID,
		Role:      models.RoleUser,
		Blocks:    blocks,
		CreatedAt: time.Now(),
	}

	if r.store != nil {
		_ = r.store.SaveToolCallRecords(ctx, r.agentID, records)
	}

	return records, resultMsg
}

func (r *Runner) runOne(ctx context.Context, step int, call Call, tool Tool, rec *models.ToolCallRecord) {
	r.mu.Lock()
	observer := r.observer
	r.mu.Unlock()
	if observer != nil {
		observerStart := time.Now()
		ctx = observer.ToolCallStarted(ctx, call)
		defer func() {
			status := observerStatus(rec.State)
			observer.ToolCallFinished(ctx, call, status, time.Since(observerStart))
		}()
	}

	emitStart := func() {
		if r.bus == nil {
			return
		}
		r.bus.Emit(ctx, models.Event{
			Channel: models.ChannelProgress,
			Type:    models.EventToolStart,
			AgentID: r.agentID,
			Step:    step,
			Tool:    &models.ToolEventPayload{CallID: call.CallID, Name: call.Name, InputPreview: truncatePreview(call.Input)},
		})
	}

	fail := func(reason string) {
		now := time.Now()
		rec.Result = reason
		rec.IsError = true
		rec.CompletedAt = &now
		rec.Transition(now, models.ToolCallFailed, reason)
		if r.bus != nil {
			r.bus.Emit(ctx, models.Event{
				Channel: models.ChannelProgress,
				Type:    models.EventToolError,
				AgentID: r.agentID,
				Step:    step,
				Tool:    &models.ToolEventPayload{CallID: call.CallID, Name: call.Name, Success: false, Result: reason},
			})
		}
	}

	if tool == nil {
		fail(fmt.Sprintf("tool not found: %s", call.Name))
		return
	}

	if schema := tool.InputSchema(); len(schema) > 0 {
		compiled, err := r.compileSchema(call.Name, schema)
		if err != nil {
			fail(fmt.Sprintf("invalid schema for %s: %v", call.Name, err))
			return
		}
		if compiled != nil {
			var decoded any
			if err := json.Unmarshal(call.Input, &decoded); err != nil {
				fail(fmt.Sprintf("invalid input json: %v", err))
				return
			}
			if err := compiled.Validate(decoded); err != nil {
				fail(fmt.Sprintf("input validation failed: %v", err))
				return
			}
		}
	}

	r.mu.Lock()
	preHooks := append([]PreHook{}, r.preHooks...)
	postHooks := append([]PostHook{}, r.postHooks...)
	r.mu.Unlock()

	for _, hook := range preHooks {
		result := hook(ctx, call)
		switch result.Outcome {
		case HookDeny:
			fail(result.Reason)
			return
		case HookSkip:
			now := time.Now()
			rec.Result = result.MockResult
			rec.CompletedAt = &now
			rec.Transition(now, models.ToolCallCompleted, "skipped by hook: "+result.Reason)
			return
		case HookRequireApproval:
			if !r.awaitApproval(ctx, call, result.Reason, rec) {
				return
			}
		case HookAllow, HookContinue:
			// fall through to permission evaluation
		}
	}

	if rec.State != models.ToolCallApproved && r.perm != nil {
		decision, reason := r.perm.Evaluate(ctx, call.Name)
		switch decision {
		case models.ApprovalDenied:
			rec.Transition(time.Now(), models.ToolCallDenied, reason)
			fail("tool call denied: " + reason)
			return
		case models.ApprovalPending:
			if !r.awaitApproval(ctx, call, reason, rec) {
				return
			}
		case models.ApprovalAllowed:
			rec.Transition(time.Now(), models.ToolCallApproved, reason)
		}
	}

	emitStart()

	if r.files != nil {
		if path, isWrite := tool.WriteTarget(call.Input); isWrite {
			if !r.files.ValidateWrite(path) {
				fail(fmt.Sprintf("stale write: %s changed on disk since last observed", path))
				return
			}
		}
	}

	start := time.Now()
	rec.StartedAt = &start
	rec.Transition(start, models.ToolCallExecuting, "executing")

	content, isError, timedOut := r.executeWithTimeout(ctx, tool, call)

	for _, hook := range postHooks {
		result := hook(ctx, call, content, isError)
		switch result.Action {
		case PostReplace, PostUpdate:
			content = result.Content
			isError = result.IsError
		case PostPass:
		}
	}

	end := time.Now()
	rec.CompletedAt = &end
	rec.DurationMS = end.Sub(start).Milliseconds()
	rec.Result = content
	rec.IsError = isError

	if isError {
		rec.Transition(end, models.ToolCallFailed, "execution failed")
	} else {
		rec.Transition(end, models.ToolCallCompleted, "execution completed")
	}

	eventType := models.EventToolEnd
	if isError {
		eventType = models.EventToolError
	}
	if r.bus != nil {
		r.bus.Emit(ctx, models.Event{
			Channel: models.ChannelProgress,
			Type:    eventType,
			AgentID: r.agentID,
			Step:    step,
			Tool: &models.ToolEventPayload{
				CallID:     call.CallID,
				Name:       call.Name,
				Success:    !isError,
				Result:     content,
				DurationMS: rec.DurationMS,
				TimedOut:   timedOut,
			},
		})
		r.bus.Emit(ctx, models.Event{
			Channel: models.ChannelMonitor,
			Type:    models.EventToolExecuted,
			AgentID: r.agentID,
			Step:    step,
			Tool:    &models.ToolEventPayload{CallID: call.CallID, Name: call.Name, Success: !isError, DurationMS: rec.DurationMS},
		})
	}
}

// awaitApproval blocks on the permission rendezvous and applies the
// resulting decision to rec. Returns true if execution should proceed.
func (r *Runner) awaitApproval(ctx context.Context, call Call, reason string, rec *models.ToolCallRecord) bool {
	rec.Transition(time.Now(), models.ToolCallApprovalRequired, reason)
	if r.perm == nil {
		rec.Transition(time.Now(), models.ToolCallApproved, "no permission manager configured")
		return true
	}
	decision := r.perm.RequestApproval(ctx, call.CallID, call.Name, call.Input, reason)
	now := time.Now()
	if decision == models.ApprovalAllowed {
		rec.Transition(now, models.ToolCallApproved, "approved")
		return true
	}
	rec.Transition(now, models.ToolCallDenied, "denied")
	rec.Result = "tool call denied"
	rec.IsError = true
	rec.CompletedAt = &now
	return false
}

func (r *Runner) executeWithTimeout(ctx context.Context, tool Tool, call Call) (content string, isError bool, timedOut bool) {
	type execResult struct {
		content string
		isError bool
		err     error
	}

	toolCtx, cancel := context.WithTimeout(ctx, r.config.PerCallTimeout)
	defer cancel()

	resultCh := make(chan execResult, 1)
	go func() {
		c, e, err := tool.Execute(toolCtx, call.Input)
		select {
		case resultCh <- execResult{content: c, isError: e, err: err}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		if toolCtx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("tool execution timed out after %v", r.config.PerCallTimeout), true, true
		}
		return "tool execution canceled", true, false
	case res := <-resultCh:
		if res.err != nil {
			return res.err.Error(), true, false
		}
		return res.content, res.isError, false
	}
}
