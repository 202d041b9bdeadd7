package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/events"
)

type panickyLimits struct{}

func (panickyLimits) Status(context.Context) *core.RateLimitStatus {
	panic("probe exploded")
}

func waitEvent(t *testing.T, q events.Queue, eventType string) events.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-q:
			if env.EventType == eventType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestHeartbeatTriggerRunsBeat(t *testing.T) {
	f := newFixture(Config{})
	bus := events.New(nil, nil)
	defer bus.Close()
	f.scheduler.bus = bus

	h := NewHeartbeat(f.scheduler, bus, time.Hour, nil)
	q := bus.Subscribe(events.Wildcard, 50)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	waitEvent(t, q, events.HeartbeatStarted)
	h.Trigger()
	tick := waitEvent(t, q, events.HeartbeatTick)
	if tick.Payload["beat_number"] != int64(1) {
		t.Errorf("beat_number = %v", tick.Payload["beat_number"])
	}
	if tick.Payload["phase"] != "assess" {
		t.Errorf("phase = %v", tick.Payload["phase"])
	}

	h.Trigger()
	tick = waitEvent(t, q, events.HeartbeatTick)
	if tick.Payload["phase"] != "execute" {
		t.Errorf("second phase = %v", tick.Payload["phase"])
	}

	cancel()
	waitEvent(t, q, events.HeartbeatStopped)
	<-done
}

func TestHeartbeatSurvivesPanic(t *testing.T) {
	bus := events.New(nil, nil)
	defer bus.Close()
	store := newMemStore()
	s := New(store, &fakeSessions{store: store}, panickyLimits{}, &fakeAssessor{},
		&fakeWorkspace{}, bus, Config{}, nil)

	h := NewHeartbeat(s, bus, time.Hour, nil)
	q := bus.Subscribe(events.HeartbeatTick, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.Trigger()
	tick := waitEvent(t, q, events.HeartbeatTick)
	if tick.Payload["error"] == nil {
		t.Errorf("degraded tick payload = %v", tick.Payload)
	}

	// The loop is still alive after the panic.
	h.Trigger()
	waitEvent(t, q, events.HeartbeatTick)
}
