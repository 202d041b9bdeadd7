package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
)

// recordingStore captures persisted events for assertions.
type recordingStore struct {
	core.Store
	mu     sync.Mutex
	events []*core.Event
	fail   bool
}

func (s *recordingStore) CreateEvent(_ context.Context, e *core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return core.ErrExecution("DB_DOWN", "store unavailable")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEmitDeliversToTypedSubscriber(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	q := bus.Subscribe(TaskCreated, 10)
	bus.Emit(context.Background(), TaskCreated, map[string]any{"id": 1}, "task", "1")

	select {
	case env := <-q:
		if env.EventType != TaskCreated {
			t.Errorf("event_type = %q", env.EventType)
		}
		if env.EntityID != "1" {
			t.Errorf("entity_id = %q", env.EntityID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("event not delivered")
	}
}

func TestEmitDeliversToWildcard(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	q := bus.Subscribe(Wildcard, 10)
	bus.Emit(context.Background(), SessionStarted, nil, "session", "5")
	bus.Emit(context.Background(), HeartbeatTick, nil, "system", "")

	for _, want := range []string{SessionStarted, HeartbeatTick} {
		select {
		case env := <-q:
			if env.EventType != want {
				t.Errorf("got %q, want %q", env.EventType, want)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("missing %q", want)
		}
	}
}

func TestEmitDoesNotDeliverToOtherTypes(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	q := bus.Subscribe(TaskCompleted, 10)
	bus.Emit(context.Background(), TaskFailed, nil, "task", "3")

	select {
	case env := <-q:
		t.Fatalf("unexpected delivery: %v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	q := bus.Subscribe(TaskCreated, 1)
	done := make(chan struct{})
	go func() {
		bus.Emit(context.Background(), TaskCreated, nil, "task", "1")
		bus.Emit(context.Background(), TaskCreated, nil, "task", "2")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on full queue")
	}

	if bus.DroppedCount() != 1 {
		t.Errorf("dropped = %d, want 1", bus.DroppedCount())
	}

	env := <-q
	if env.EntityID != "1" {
		t.Errorf("kept event = %q, want first", env.EntityID)
	}
}

func TestEmitPersistsToStore(t *testing.T) {
	store := &recordingStore{}
	bus := New(store, nil)
	defer bus.Close()

	bus.Emit(context.Background(), TaskAssessed, map[string]any{"complexity": "simple"}, "task", "9")

	if store.count() != 1 {
		t.Fatalf("persisted = %d, want 1", store.count())
	}
	e := store.events[0]
	if e.EventType != TaskAssessed || e.EntityType != "task" {
		t.Errorf("persisted event = %+v", e)
	}
	if e.EntityID == nil || *e.EntityID != "9" {
		t.Errorf("entity_id = %v", e.EntityID)
	}
}

func TestStoreFailureDoesNotBlockDelivery(t *testing.T) {
	store := &recordingStore{fail: true}
	bus := New(store, nil)
	defer bus.Close()

	q := bus.Subscribe(Wildcard, 10)
	bus.Emit(context.Background(), TaskCreated, nil, "task", "1")

	select {
	case <-q:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("delivery suppressed by store failure")
	}
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	q := bus.Subscribe(TaskCreated, 10)
	bus.Unsubscribe(q, TaskCreated)

	if _, ok := <-q; ok {
		t.Error("queue not closed")
	}

	// Emitting after unsubscribe must not panic.
	bus.Emit(context.Background(), TaskCreated, nil, "task", "1")
}

func TestDeliveryPreservesEmissionOrder(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	q := bus.Subscribe(Wildcard, 100)
	for i := 0; i < 50; i++ {
		bus.Emit(context.Background(), TaskUpdated, map[string]any{"seq": i}, "task", "1")
	}

	for i := 0; i < 50; i++ {
		select {
		case env := <-q:
			if env.Payload["seq"] != i {
				t.Fatalf("out of order: got %v at %d", env.Payload["seq"], i)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestCloseStopsEmission(t *testing.T) {
	bus := New(nil, nil)
	q := bus.Subscribe(Wildcard, 10)
	bus.Close()

	bus.Emit(context.Background(), TaskCreated, nil, "task", "1")
	if _, ok := <-q; ok {
		t.Error("queue should be closed with no pending events")
	}
}
