// Package eventbus implements the durable three-channel pub/sub bus that
// drives an agent's progress, control, and monitor streams.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kodeforge/agentcore/pkg/models"
)

// Store is the subset of the persistence contract the bus needs: appending
// an event timeline and reading it back for replay.
type Store interface {
	AppendEvent(ctx context.Context, agentID string, env models.EventEnvelope) error
	ReadEvents(ctx context.Context, agentID string, channel models.EventChannel, since models.Bookmark) ([]models.EventEnvelope, error)
}

// criticalEventTypes are buffered in degraded mode when persistence fails.
var criticalEventTypes = map[models.EventType]bool{
	models.EventToolEnd:           true,
	models.EventDone:              true,
	models.EventPermissionDecided: true,
	models.EventAgentResumed:      true,
	models.EventStateChanged:      true,
	models.EventBreakpointChanged: true,
	models.EventError:             true,
}

const (
	defaultTimelineSize    = 2048
	defaultSubscriberQueue = 256
	defaultFailedBuffer    = 1024
)

// Subscription is a live handle to a stream of envelopes for one subscriber.
type Subscription struct {
	C      <-chan models.EventEnvelope
	cancel func()
}

// Close stops delivery to this subscription's channel.
func (s *Subscription) Close() {
	s.cancel()
}

type subscriber struct {
	id       uint64
	channels map[models.EventChannel]bool
	kinds    map[models.EventType]bool
	queue    chan models.EventEnvelope
	lastSeq  uint64
}

// Bus is the in-process, per-agent EventBus.
type Bus struct {
	agentID string
	store   Store
	log     *slog.Logger

	mu       sync.Mutex
	seq      uint64
	timeline []models.EventEnvelope

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64

	handlersMu sync.Mutex
	onControl  []func(context.Context, models.Event)
	onMonitor  []func(context.Context, models.Event)

	failedMu    sync.Mutex
	failedCount int
	failedBuf   []models.EventEnvelope
	degraded    atomic.Bool

	queueSize int
}

// New creates an EventBus for the given agent.
func New(agentID string, store Store, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		agentID:   agentID,
		store:     store,
		log:       log,
		subs:      make(map[uint64]*subscriber),
		queueSize: defaultSubscriberQueue,
	}
}

// SetSubscriberQueueSize overrides the per-subscriber delivery buffer depth
// for subscriptions opened after this call. Configured from RuntimeConfig's
// event bus section; has no effect on subscriptions already open.
func (b *Bus) SetSubscriberQueueSize(n int) {
	if n <= 0 {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.queueSize = n
}

// GetCursor returns the highest cursor assigned so far.
func (b *Bus) GetCursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// GetLastBookmark returns the bookmark of the most recently emitted event.
func (b *Bus) GetLastBookmark() models.Bookmark {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.timeline) == 0 {
		return models.Bookmark{}
	}
	return b.timeline[len(b.timeline)-1].Bookmark
}

// SeedFromBookmark primes the sequence counter so newly emitted events
// continue monotonically after a resume.
func (b *Bus) SeedFromBookmark(bm models.Bookmark) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bm.Seq > b.seq {
		b.seq = bm.Seq
	}
}

// OnControl registers a synchronous handler invoked inline, in registration
// order, after every control-channel emit. Handler panics are recovered and
// logged; they never block or abort emission.
func (b *Bus) OnControl(fn func(context.Context, models.Event)) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.onControl = append(b.onControl, fn)
}

// OnMonitor registers a synchronous handler invoked inline after every
// monitor-channel emit.
func (b *Bus) OnMonitor(fn func(context.Context, models.Event)) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.onMonitor = append(b.onMonitor, fn)
}

// Emit assigns the next (seq, cursor), appends to the timeline, broadcasts
// to live subscribers, fires synchronous handlers, and schedules a
// persistent append.
func (b *Bus) Emit(ctx context.Context, evt models.Event) models.EventEnvelope {
	evt.AgentID = b.agentID
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.Lock()
	b.seq++
	seq := b.seq
	env := models.EventEnvelope{
		Cursor:   seq,
		Bookmark: models.Bookmark{Seq: seq, Timestamp: evt.Time},
		Event:    evt,
	}
	b.timeline = append(b.timeline, env)
	if len(b.timeline) > defaultTimelineSize {
		b.timeline = b.timeline[len(b.timeline)-defaultTimelineSize:]
	}
	b.mu.Unlock()

	b.broadcast(env)
	b.runHandlers(ctx, evt)
	b.persist(ctx, env)
	return env
}

func (b *Bus) runHandlers(ctx context.Context, evt models.Event) {
	b.handlersMu.Lock()
	var hooks []func(context.Context, models.Event)
	switch evt.Channel {
	case models.ChannelControl:
		hooks = append(hooks, b.onControl...)
	case models.ChannelMonitor:
		hooks = append(hooks, b.onMonitor...)
	}
	b.handlersMu.Unlock()

	for _, h := range hooks {
		b.runHandlerSafely(ctx, h, evt)
	}
}

func (b *Bus) runHandlerSafely(ctx context.Context, h func(context.Context, models.Event), evt models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("eventbus handler panic", "agent_id", b.agentID, "panic", r)
		}
	}()
	h(ctx, evt)
}

func (b *Bus) broadcast(env models.EventEnvelope) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, sub := range b.subs {
		if !sub.channels[env.Event.Channel] {
			continue
		}
		if len(sub.kinds) > 0 && !sub.kinds[env.Event.Type] {
			continue
		}
		if env.Bookmark.Seq <= sub.lastSeq {
			continue
		}
		sub.lastSeq = env.Bookmark.Seq
		select {
		case sub.queue <- env:
		default:
			// Drop oldest to make room; a slow subscriber must never block emit.
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- env:
			default:
			}
		}
	}
}

func (b *Bus) persist(ctx context.Context, env models.EventEnvelope) {
	if b.store == nil {
		return
	}
	if err := b.store.AppendEvent(ctx, b.agentID, env); err != nil {
		b.enterDegraded(ctx, env)
		return
	}
	if b.degraded.Load() {
		b.drainFailed(ctx)
	}
}

func (b *Bus) enterDegraded(ctx context.Context, env models.EventEnvelope) {
	if !criticalEventTypes[env.Event.Type] {
		return
	}
	b.failedMu.Lock()
	b.failedBuf = append(b.failedBuf, env)
	if len(b.failedBuf) > defaultFailedBuffer {
		b.failedBuf = b.failedBuf[len(b.failedBuf)-defaultFailedBuffer:]
	}
	b.failedCount++
	buffered := len(b.failedBuf)
	b.failedMu.Unlock()
	b.degraded.Store(true)

	storageEvt := models.Event{
		Channel: models.ChannelMonitor,
		Type:    models.EventStorageFailure,
		Time:    time.Now(),
		AgentID: b.agentID,
		Storage: &models.StorageEventPayload{
			Severity:        "error",
			FailedEventType: string(env.Event.Type),
			BufferedCount:   buffered,
		},
	}
	b.mu.Lock()
	b.seq++
	storageEnv := models.EventEnvelope{
		Cursor:   b.seq,
		Bookmark: models.Bookmark{Seq: b.seq, Timestamp: storageEvt.Time},
		Event:    storageEvt,
	}
	b.mu.Unlock()
	b.broadcast(storageEnv) // in-memory only, never persisted
}

// drainFailed retries buffered critical events FIFO; on failure it
// reinserts the remainder (head-first) so order is preserved for next try.
func (b *Bus) drainFailed(ctx context.Context) {
	b.failedMu.Lock()
	pending := b.failedBuf
	b.failedBuf = nil
	b.failedMu.Unlock()

	for i, env := range pending {
		if err := b.store.AppendEvent(ctx, b.agentID, env); err != nil {
			b.failedMu.Lock()
			b.failedBuf = append(pending[i:], b.failedBuf...)
			b.failedMu.Unlock()
			return
		}
	}
	b.failedMu.Lock()
	if len(b.failedBuf) == 0 {
		b.degraded.Store(false)
	}
	b.failedMu.Unlock()
}

// Backlog reports the total number of envelopes sitting in live subscribers'
// delivery queues, summed across every open subscription. Used to feed an
// event-bus backlog gauge; a sustained high value indicates a slow consumer.
func (b *Bus) Backlog() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	total := 0
	for _, sub := range b.subs {
		total += len(sub.queue)
	}
	return total
}

// GetFailedEventCount reports the cumulative number of degraded-mode
// persistence failures observed.
func (b *Bus) GetFailedEventCount() int {
	b.failedMu.Lock()
	defer b.failedMu.Unlock()
	return b.failedCount
}

// FlushFailedEvents forces an immediate retry of the buffered backlog.
func (b *Bus) FlushFailedEvents(ctx context.Context) {
	b.drainFailed(ctx)
}

// Subscribe opens a stream of envelopes on the given channels. If since is
// nil, only future events are delivered (no replay). If since is non-nil,
// events with bookmark.Seq > since.Seq are replayed first (from the
// in-memory timeline, or from the store if since predates it), then the
// subscriber joins the live broadcast.
func (b *Bus) Subscribe(ctx context.Context, channels []models.EventChannel, since *models.Bookmark, kinds []models.EventType) (*Subscription, error) {
	chanSet := make(map[models.EventChannel]bool, len(channels))
	for _, c := range channels {
		chanSet[c] = true
	}
	kindSet := make(map[models.EventType]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	b.subMu.Lock()
	b.nextSub++
	id := b.nextSub
	sub := &subscriber{
		id:       id,
		channels: chanSet,
		kinds:    kindSet,
		queue:    make(chan models.EventEnvelope, b.queueSize),
	}
	if since != nil {
		sub.lastSeq = since.Seq
	}
	b.subs[id] = sub
	b.subMu.Unlock()

	cancel := func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}

	if since != nil {
		replay, err := b.replay(ctx, *since, chanSet, kindSet)
		if err != nil {
			cancel()
			return nil, err
		}
		for _, env := range replay {
			select {
			case sub.queue <- env:
			default:
			}
			if env.Bookmark.Seq > sub.lastSeq {
				sub.lastSeq = env.Bookmark.Seq
			}
		}
	}

	return &Subscription{C: sub.queue, cancel: cancel}, nil
}

func (b *Bus) replay(ctx context.Context, since models.Bookmark, channels map[models.EventChannel]bool, kinds map[models.EventType]bool) ([]models.EventEnvelope, error) {
	b.mu.Lock()
	earliest := uint64(0)
	if len(b.timeline) > 0 {
		earliest = b.timeline[0].Bookmark.Seq
	}
	var fromMemory []models.EventEnvelope
	if since.Seq < earliest || len(b.timeline) == 0 {
		fromMemory = nil
	} else {
		for _, env := range b.timeline {
			if env.Bookmark.Seq > since.Seq {
				fromMemory = append(fromMemory, env)
			}
		}
	}
	needStore := since.Seq < earliest
	b.mu.Unlock()

	var out []models.EventEnvelope
	if needStore && b.store != nil {
		for ch := range channels {
			events, err := b.store.ReadEvents(ctx, b.agentID, ch, since)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
		}
		out = append(out, fromMemory...)
	} else {
		out = fromMemory
	}

	filtered := out[:0]
	for _, env := range out {
		if len(channels) > 0 && !channels[env.Event.Channel] {
			continue
		}
		if len(kinds) > 0 && !kinds[env.Event.Type] {
			continue
		}
		filtered = append(filtered, env)
	}
	sortBySeq(filtered)
	return filtered, nil
}

func sortBySeq(envs []models.EventEnvelope) {
	for i := 1; i < len(envs); i++ {
		for j := i; j > 0 && envs[j].Bookmark.Seq < envs[j-1].Bookmark.Seq; j-- {
			envs[j], envs[j-1] = envs[j-1], envs[j]
		}
	}
}
