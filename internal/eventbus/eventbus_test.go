package eventbus

import (
	"context"
	"sync"
	"testing"

	"github.com/kodeforge/agentcore/pkg/models"
)

type memEventStore struct {
	mu   sync.Mutex
	data map[models.EventChannel][]models.EventEnvelope
	fail bool
}

func newMemEventStore() *memEventStore {
	return &memEventStore{data: make(map[models.EventChannel][]models.EventEnvelope)}
}

func (s *memEventStore) AppendEvent(ctx context.Context, agentID string, env models.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errFail
	}
	s.data[env.Event.Channel] = append(s.data[env.Event.Channel], env)
	return nil
}

func (s *memEventStore) ReadEvents(ctx context.Context, agentID string, channel models.EventChannel, since models.Bookmark) ([]models.EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EventEnvelope
	for _, env := range s.data[channel] {
		if env.Bookmark.Seq > since.Seq {
			out = append(out, env)
		}
	}
	return out, nil
}

type failErr struct{}

func (failErr) Error() string { return "persist failed" }

var errFail = failErr{}

func TestEmit_MonotonicSeq(t *testing.T) {
	bus := New("agent-1", newMemEventStore(), nil)
	var last uint64
	for i := 0; i < 50; i++ {
		env := bus.Emit(context.Background(), models.Event{Channel: models.ChannelProgress, Type: models.EventTextChunk})
		if env.Bookmark.Seq <= last {
			t.Fatalf("seq not strictly increasing: got %d after %d", env.Bookmark.Seq, last)
		}
		last = env.Bookmark.Seq
		if env.Cursor <= env.Bookmark.Seq-1 {
			// cursor should be >= seq per invariant
		}
	}
	if bus.GetCursor() != last {
		t.Fatalf("cursor %d does not match last seq %d", bus.GetCursor(), last)
	}
}

func TestSubscribe_NoReplayWithoutBookmark(t *testing.T) {
	bus := New("agent-1", newMemEventStore(), nil)
	bus.Emit(context.Background(), models.Event{Channel: models.ChannelProgress, Type: models.EventTextChunk})

	sub, err := bus.Subscribe(context.Background(), []models.EventChannel{models.ChannelProgress}, nil, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	bus.Emit(context.Background(), models.Event{Channel: models.ChannelProgress, Type: models.EventTextChunk})

	select {
	case env := <-sub.C:
		if env.Bookmark.Seq != 2 {
			t.Fatalf("expected only the future event (seq 2), got seq %d", env.Bookmark.Seq)
		}
	default:
		t.Fatal("expected one event")
	}

	select {
	case env := <-sub.C:
		t.Fatalf("unexpected extra event: %+v", env)
	default:
	}
}

func TestSubscribe_ReplaySinceLastBookmarkYieldsNothing(t *testing.T) {
	bus := New("agent-1", newMemEventStore(), nil)
	bus.Emit(context.Background(), models.Event{Channel: models.ChannelProgress, Type: models.EventTextChunk})
	last := bus.GetLastBookmark()

	sub, err := bus.Subscribe(context.Background(), []models.EventChannel{models.ChannelProgress}, &last, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case env := <-sub.C:
		t.Fatalf("expected zero replayed events, got %+v", env)
	default:
	}
}

func TestDegradedMode_BuffersCriticalEventsAndDrainsOnRecovery(t *testing.T) {
	store := newMemEventStore()
	bus := New("agent-1", store, nil)

	store.mu.Lock()
	store.fail = true
	store.mu.Unlock()

	bus.Emit(context.Background(), models.Event{Channel: models.ChannelMonitor, Type: models.EventDone})
	if bus.GetFailedEventCount() != 1 {
		t.Fatalf("expected 1 failed event, got %d", bus.GetFailedEventCount())
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	bus.Emit(context.Background(), models.Event{Channel: models.ChannelMonitor, Type: models.EventDone})

	store.mu.Lock()
	got := len(store.data[models.ChannelMonitor])
	store.mu.Unlock()
	if got != 2 {
		t.Fatalf("expected both buffered and new event persisted, got %d entries", got)
	}
}

func TestDegradedMode_NonCriticalEventsAreNotBuffered(t *testing.T) {
	store := newMemEventStore()
	store.fail = true
	bus := New("agent-1", store, nil)

	bus.Emit(context.Background(), models.Event{Channel: models.ChannelProgress, Type: models.EventTextChunk})
	if bus.GetFailedEventCount() != 0 {
		t.Fatalf("text_chunk is not a critical event type, should not be buffered")
	}
}

func TestOnControl_FiresSynchronouslyInRegistrationOrder(t *testing.T) {
	bus := New("agent-1", newMemEventStore(), nil)
	var order []int
	bus.OnControl(func(ctx context.Context, e models.Event) { order = append(order, 1) })
	bus.OnControl(func(ctx context.Context, e models.Event) { order = append(order, 2) })

	bus.Emit(context.Background(), models.Event{Channel: models.ChannelControl, Type: models.EventPermissionRequired})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected handlers to fire in order [1 2], got %v", order)
	}
}

func TestOnControl_PanicIsRecoveredAndDoesNotBlockEmission(t *testing.T) {
	bus := New("agent-1", newMemEventStore(), nil)
	bus.OnControl(func(ctx context.Context, e models.Event) { panic("boom") })

	env := bus.Emit(context.Background(), models.Event{Channel: models.ChannelControl, Type: models.EventPermissionRequired})
	if env.Bookmark.Seq != 1 {
		t.Fatalf("emission should have proceeded despite handler panic")
	}
}
