package toolrunner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kodeforge/agentcore/internal/permission"
	"github.com/kodeforge/agentcore/pkg/models"
)

type fakeTool struct {
	name          string
	schema        []byte
	allowParallel bool
	writePath     string
	isWrite       bool
	delay         time.Duration
	result        string
	isError       bool
	err           error
}

func (t *fakeTool) Name() string                { return t.name }
func (t *fakeTool) InputSchema() []byte         { return t.schema }
func (t *fakeTool) AllowParallel() bool         { return t.allowParallel }
func (t *fakeTool) WriteTarget(json.RawMessage) (string, bool) {
	return t.writePath, t.isWrite
}
func (t *fakeTool) Execute(ctx context.Context, input json.RawMessage) (string, bool, error) {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	return t.result, t.isError, t.err
}

type fakeRegistry struct {
	tools map[string]Tool
}

func (r *fakeRegistry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

type fakeStore struct {
	mu      sync.Mutex
	records []models.ToolCallRecord
}

func (s *fakeStore) SaveToolCallRecords(ctx context.Context, agentID string, records []models.ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	return nil
}

func (s *fakeStore) LoadToolCallRecords(ctx context.Context, agentID string) ([]models.ToolCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, nil
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

func (b *fakeBus) typeCount(t models.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func TestRunBatch_ToolNotFoundFailsWithoutPausingBatch(t *testing.T) {
	reg := &fakeRegistry{tools: map[string]Tool{}}
	r := New("agent-1", reg, &fakeStore{}, &fakeBus{}, nil, nil, nil, DefaultConfig())

	records, msg := r.RunBatch(context.Background(), 1, []Call{{CallID: "c1", Name: "missing_tool", Input: json.RawMessage(`{}`)}})

	if records[0].State != models.ToolCallFailed {
		t.Fatalf("expected FAILED, got %s", records[0].State)
	}
	if len(msg.Blocks) != 1 || !msg.Blocks[0].ToolResultIsError {
		t.Fatalf("expected one error tool_result block, got %+v", msg.Blocks)
	}
}

func TestRunBatch_SchemaValidationFailureFails(t *testing.T) {
	schema := []byte(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)
	tool := &fakeTool{name: "read_file", schema: schema, result: "ok"}
	reg := &fakeRegistry{tools: map[string]Tool{"read_file": tool}}
	r := New("agent-1", reg, &fakeStore{}, &fakeBus{}, nil, nil, nil, DefaultConfig())

	records, _ := r.RunBatch(context.Background(), 1, []Call{{CallID: "c1", Name: "read_file", Input: json.RawMessage(`{}`)}})

	if records[0].State != models.ToolCallFailed {
		t.Fatalf("expected FAILED due to missing required field, got %s", records[0].State)
	}
}

func TestRunBatch_SuccessfulExecutionCompletes(t *testing.T) {
	tool := &fakeTool{name: "echo", allowParallel: true, result: "hello", isError: false}
	reg := &fakeRegistry{tools: map[string]Tool{"echo": tool}}
	bus := &fakeBus{}
	r := New("agent-1", reg, &fakeStore{}, bus, nil, nil, nil, DefaultConfig())

	records, msg := r.RunBatch(context.Background(), 1, []Call{{CallID: "c1", Name: "echo", Input: json.RawMessage(`{}`)}})

	if records[0].State != models.ToolCallCompleted {
		t.Fatalf("expected COMPLETED, got %s", records[0].State)
	}
	if records[0].Result != "hello" {
		t.Fatalf("unexpected result: %s", records[0].Result)
	}
	if msg.Blocks[0].ToolResultContent != "hello" {
		t.Fatalf("unexpected tool_result content: %+v", msg.Blocks[0])
	}
	if bus.typeCount(models.EventToolStart) != 1 || bus.typeCount(models.EventToolEnd) != 1 {
		t.Fatalf("expected one tool:start and one tool:end event")
	}
}

func TestRunBatch_TimeoutProducesTimedOutFailure(t *testing.T) {
	tool := &fakeTool{name: "slow", delay: 50 * time.Millisecond}
	reg := &fakeRegistry{tools: map[string]Tool{"slow": tool}}
	r := New("agent-1", reg, &fakeStore{}, &fakeBus{}, nil, nil, nil, Config{Concurrency: 1, PerCallTimeout: 5 * time.Millisecond})

	records, _ := r.RunBatch(context.Background(), 1, []Call{{CallID: "c1", Name: "slow", Input: json.RawMessage(`{}`)}})

	if records[0].State != models.ToolCallFailed {
		t.Fatalf("expected FAILED on timeout, got %s", records[0].State)
	}
}

func TestRunBatch_DenyPolicyFailsWithoutExecuting(t *testing.T) {
	tool := &fakeTool{name: "shell_exec", result: "should not run"}
	reg := &fakeRegistry{tools: map[string]Tool{"shell_exec": tool}}
	perm := permission.New("agent-1", &permission.Policy{Deny: []string{"shell_exec"}}, nil)
	r := New("agent-1", reg, &fakeStore{}, &fakeBus{}, perm, nil, nil, DefaultConfig())

	records, _ := r.RunBatch(context.Background(), 1, []Call{{CallID: "c1", Name: "shell_exec", Input: json.RawMessage(`{}`)}})

	if records[0].State != models.ToolCallDenied && records[0].State != models.ToolCallFailed {
		t.Fatalf("expected denial to surface as DENIED or FAILED, got %s", records[0].State)
	}
}

func TestRunBatch_PreHookDenyShortCircuits(t *testing.T) {
	tool := &fakeTool{name: "dangerous", result: "should not run"}
	reg := &fakeRegistry{tools: map[string]Tool{"dangerous": tool}}
	r := New("agent-1", reg, &fakeStore{}, &fakeBus{}, nil, nil, nil, DefaultConfig())
	r.AddPreHook(func(ctx context.Context, call Call) PreHookResult {
		return PreHookResult{Outcome: HookDeny, Reason: "blocked by policy hook"}
	})

	records, _ := r.RunBatch(context.Background(), 1, []Call{{CallID: "c1", Name: "dangerous", Input: json.RawMessage(`{}`)}})

	if records[0].State != models.ToolCallFailed {
		t.Fatalf("expected FAILED from hook deny, got %s", records[0].State)
	}
	if records[0].Result != "blocked by policy hook" {
		t.Fatalf("expected hook reason in result, got %s", records[0].Result)
	}
}

func TestRunBatch_PreHookSkipUsesMockResult(t *testing.T) {
	tool := &fakeTool{name: "costly", result: "real result"}
	reg := &fakeRegistry{tools: map[string]Tool{"costly": tool}}
	r := New("agent-1", reg, &fakeStore{}, &fakeBus{}, nil, nil, nil, DefaultConfig())
	r.AddPreHook(func(ctx context.Context, call Call) PreHookResult {
		return PreHookResult{Outcome: HookSkip, MockResult: "mocked result"}
	})

	records, _ := r.RunBatch(context.Background(), 1, []Call{{CallID: "c1", Name: "costly", Input: json.RawMessage(`{}`)}})

	if records[0].State != models.ToolCallCompleted {
		t.Fatalf("expected COMPLETED from hook skip, got %s", records[0].State)
	}
	if records[0].Result != "mocked result" {
		t.Fatalf("expected mock result, got %s", records[0].Result)
	}
}

func TestRunBatch_PostHookReplacesOutcome(t *testing.T) {
	tool := &fakeTool{name: "echo", result: "original"}
	reg := &fakeRegistry{tools: map[string]Tool{"echo": tool}}
	r := New("agent-1", reg, &fakeStore{}, &fakeBus{}, nil, nil, nil, DefaultConfig())
	r.AddPostHook(func(ctx context.Context, call Call, content string, isError bool) PostHookResult {
		return PostHookResult{Action: PostReplace, Content: "replaced", IsError: false}
	})

	records, _ := r.RunBatch(context.Background(), 1, []Call{{CallID: "c1", Name: "echo", Input: json.RawMessage(`{}`)}})

	if records[0].Result != "replaced" {
		t.Fatalf("expected post hook to replace result, got %s", records[0].Result)
	}
}
