package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/events"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
)

// Heartbeat runs scheduler beats on a fixed interval. Manual triggers and
// the ticker share one loop, so beats never overlap.
type Heartbeat struct {
	scheduler *Scheduler
	bus       *events.Bus
	logger    *logging.Logger
	interval  time.Duration
	trigger   chan struct{}
	active    atomic.Bool
}

// NewHeartbeat creates a heartbeat with the given beat interval.
func NewHeartbeat(s *Scheduler, bus *events.Bus, interval time.Duration, logger *logging.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Heartbeat{
		scheduler: s,
		bus:       bus,
		logger:    logger,
		interval:  interval,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests an immediate beat. It never blocks; a trigger while one
// is already queued is coalesced.
func (h *Heartbeat) Trigger() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

// Active reports whether the loop is running.
func (h *Heartbeat) Active() bool { return h.active.Load() }

// Run loops until ctx is cancelled. It blocks; callers run it in a
// goroutine.
func (h *Heartbeat) Run(ctx context.Context) {
	h.active.Store(true)
	defer h.active.Store(false)
	if h.bus != nil {
		h.bus.Emit(ctx, events.HeartbeatStarted, map[string]any{
			"interval_seconds": h.interval.Seconds(),
		}, "system", "")
	}
	h.logger.Info("heartbeat started", "interval", h.interval)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if h.bus != nil {
				h.bus.Emit(context.Background(), events.HeartbeatStopped, nil, "system", "")
			}
			h.logger.Info("heartbeat stopped")
			return
		case <-ticker.C:
			h.beat(ctx)
		case <-h.trigger:
			h.beat(ctx)
		}
	}
}

// beat runs one scheduler beat, converting panics into a degraded tick so
// one bad beat never kills the loop.
func (h *Heartbeat) beat(ctx context.Context) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		h.logger.Error("beat panicked", "beat", h.scheduler.BeatCount(), "panic", r)
		if h.bus != nil {
			h.bus.Emit(ctx, events.HeartbeatTick, map[string]any{
				"timestamp":   time.Now(),
				"beat_number": h.scheduler.BeatCount(),
				"error":       fmt.Sprint(r),
			}, "system", "")
		}
	}()
	h.scheduler.Beat(ctx)
}
