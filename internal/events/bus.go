// Package events provides the in-process pub/sub fabric connecting the
// scheduler, sessions, and API observers. Every emitted event is also
// persisted to the store for audit.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
)

// Wildcard subscribes a queue to every event type.
const Wildcard = "*"

// Event-type taxonomy emitted by the engine.
const (
	HeartbeatStarted     = "heartbeat.started"
	HeartbeatStopped     = "heartbeat.stopped"
	HeartbeatTick        = "heartbeat.tick"
	HeartbeatRateLimited = "heartbeat.rate_limited"

	TaskCreated            = "task.created"
	TaskUpdated            = "task.updated"
	TaskAssessed           = "task.assessed"
	TaskExecuting          = "task.executing"
	TaskReadyForReview     = "task.ready_for_review"
	TaskCompleted          = "task.completed"
	TaskFailed             = "task.failed"
	TaskCancelled          = "task.cancelled"
	TaskNeedsDecomposition = "task.needs_decomposition"
	TaskRequeued           = "task.requeued"
	TasksReordered         = "tasks.reordered"

	SessionCreated     = "session.created"
	SessionStarted     = "session.started"
	SessionOutput      = "session.output"
	SessionTurn        = "session.turn_completed"
	SessionCompleted   = "session.completed"
	SessionFailed      = "session.failed"
	SessionCancelled   = "session.cancelled"
	SessionRateLimited = "session.rate_limited"

	CommentCreated  = "comment.created"
	ProjectCreated  = "project.created"
	ProjectSwitched = "project.switched"
)

// Envelope is the event form delivered to subscribers and persisted.
type Envelope struct {
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Queue is a bounded subscriber channel.
type Queue <-chan Envelope

// Bus is a process-wide pub/sub with wildcard subscriptions. The subscriber
// set is guarded by a mutex; delivery happens on a snapshot so emitters
// never block on the lock during fan-out.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]chan Envelope
	store       core.Store
	logger      *logging.Logger
	dropped     int64
	closed      bool
}

// New creates a bus. The store receives a copy of every emitted event;
// pass nil to disable persistence (tests).
func New(store core.Store, logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		subscribers: make(map[string][]chan Envelope),
		store:       store,
		logger:      logger,
	}
}

// Emit persists the event, then delivers it to every queue subscribed to
// its type and to every wildcard queue. Delivery is non-blocking: a full
// queue drops the event for that subscriber with a warning. Persistence
// failure is logged and does not prevent delivery.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]any, entityType, entityID string) {
	env := Envelope{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  time.Now(),
	}

	if b.store != nil {
		rec := &core.Event{
			UUID:       uuid.NewString(),
			EventType:  eventType,
			EntityType: entityType,
			Payload:    payload,
			Timestamp:  env.Timestamp,
		}
		if entityID != "" {
			rec.EntityID = &entityID
		}
		if err := b.store.CreateEvent(ctx, rec); err != nil {
			b.logger.Error("events: persisting event failed",
				"event_type", eventType, "error", err)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]chan Envelope, 0, len(b.subscribers[eventType])+len(b.subscribers[Wildcard]))
	targets = append(targets, b.subscribers[eventType]...)
	targets = append(targets, b.subscribers[Wildcard]...)
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- env:
		default:
			atomic.AddInt64(&b.dropped, 1)
			b.logger.Warn("events: subscriber queue full, dropping event",
				"event_type", eventType)
		}
	}
}

// Subscribe returns a bounded queue receiving events of the given type.
// Use Wildcard for all events.
func (b *Bus) Subscribe(eventType string, maxsize int) Queue {
	if maxsize <= 0 {
		maxsize = 100
	}
	ch := make(chan Envelope, maxsize)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// Unsubscribe removes and closes the queue.
func (b *Bus) Unsubscribe(q Queue, eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, ch := range subs {
		if Queue(ch) == q {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// DroppedCount returns the total number of dropped deliveries.
func (b *Bus) DroppedCount() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close closes all subscriber queues. Subsequent Emit calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[string][]chan Envelope)
}
