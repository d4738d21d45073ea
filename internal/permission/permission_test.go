package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kodeforge/agentcore/pkg/models"
)

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

func TestEvaluate_DenyListWinsOverAllowList(t *testing.T) {
	m := New("agent-1", &Policy{
		Deny:  []string{"shell_exec"},
		Allow: []string{"*"},
		Mode:  AlwaysAllow,
	}, nil)

	decision, _ := m.Evaluate(context.Background(), "shell_exec")
	if decision != models.ApprovalDenied {
		t.Fatalf("expected denied, got %s", decision)
	}
}

func TestEvaluate_AllowListMatchStillFallsThroughToRequireApproval(t *testing.T) {
	m := New("agent-1", &Policy{
		Allow:           []string{"read_file"},
		RequireApproval: []string{"*"},
	}, nil)

	decision, _ := m.Evaluate(context.Background(), "read_file")
	if decision != models.ApprovalPending {
		t.Fatalf("expected allow-list match to still require approval, got %s", decision)
	}
}

func TestEvaluate_AllowListDeniesToolAbsentFromIt(t *testing.T) {
	m := New("agent-1", &Policy{
		Allow: []string{"read_file"},
		Mode:  AlwaysAllow,
	}, nil)

	decision, _ := m.Evaluate(context.Background(), "shell_exec")
	if decision != models.ApprovalDenied {
		t.Fatalf("expected tool absent from allow list to be denied, got %s", decision)
	}
}

func TestEvaluate_AllowListWildcardPermitsModeToRun(t *testing.T) {
	m := New("agent-1", &Policy{
		Allow: []string{"*"},
		Mode:  AlwaysAllow,
	}, nil)

	decision, _ := m.Evaluate(context.Background(), "anything")
	if decision != models.ApprovalAllowed {
		t.Fatalf("expected allowed, got %s", decision)
	}
}

func TestEvaluate_RequireApprovalBeatsMode(t *testing.T) {
	m := New("agent-1", &Policy{
		RequireApproval: []string{"mcp:*"},
		Mode:            AlwaysAllow,
	}, nil)

	decision, _ := m.Evaluate(context.Background(), "mcp:deploy")
	if decision != models.ApprovalPending {
		t.Fatalf("expected pending, got %s", decision)
	}
}

func TestEvaluate_PatternVariants(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"read_*", "read_file", true},
		{"read_*", "write_file", false},
		{"*_file", "read_file", true},
		{"mcp:*", "mcp:server.tool", true},
		{"mcp:*", "local_tool", false},
		{"*", "anything", true},
		{"exact", "exact", true},
		{"exact", "not_exact", false},
	}
	for _, c := range cases {
		got := matchPattern(c.pattern, c.name)
		if got != c.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestRequestApproval_BlocksUntilDecide(t *testing.T) {
	bus := &fakeBus{}
	m := New("agent-1", &Policy{RequestTTL: time.Second}, bus)

	resultCh := make(chan models.ApprovalDecision, 1)
	go func() {
		resultCh <- m.RequestApproval(context.Background(), "call-1", "shell_exec", []byte(`{"cmd":"ls"}`), "matches require_approval")
	}()

	deadline := time.After(time.Second)
	for {
		if m.PendingCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("approval never became pending")
		case <-time.After(time.Millisecond):
		}
	}

	if ok := m.Decide(context.Background(), "call-1", models.ApprovalAllowed, "tester", "looks fine"); !ok {
		t.Fatal("Decide should have found the pending rendezvous")
	}

	select {
	case got := <-resultCh:
		if got != models.ApprovalAllowed {
			t.Fatalf("expected allowed, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestApproval did not return after Decide")
	}

	if bus.count() != 2 {
		t.Fatalf("expected 2 events (required, decided), got %d", bus.count())
	}
}

func TestRequestApproval_TTLExpiryDeniesAndClearsPending(t *testing.T) {
	m := New("agent-1", &Policy{RequestTTL: 10 * time.Millisecond}, nil)

	decision := m.RequestApproval(context.Background(), "call-2", "shell_exec", nil, "ttl test")
	if decision != models.ApprovalDenied {
		t.Fatalf("expected denied on TTL expiry, got %s", decision)
	}
	if m.PendingCount() != 0 {
		t.Fatal("expected pending slot cleared after expiry")
	}
}

func TestRequestApproval_ContextCancelDenies(t *testing.T) {
	m := New("agent-1", &Policy{RequestTTL: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan models.ApprovalDecision, 1)
	go func() {
		resultCh <- m.RequestApproval(ctx, "call-3", "shell_exec", nil, "cancel test")
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case got := <-resultCh:
		if got != models.ApprovalDenied {
			t.Fatalf("expected denied on cancel, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestApproval did not return after cancel")
	}
}

func TestDecide_ReturnsFalseForUnknownCallID(t *testing.T) {
	m := New("agent-1", nil, nil)
	if m.Decide(context.Background(), "missing", models.ApprovalAllowed, "x", "") {
		t.Fatal("expected false for unknown call ID")
	}
}
