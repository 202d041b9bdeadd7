package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
)

// Prober runs a one-shot capacity check against the agent CLI.
type Prober interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

// Monitor owns the cached RateLimitStatus. It probes at most once per
// interval and skips probing entirely while a cached limited verdict has
// not expired.
type Monitor struct {
	store    core.Store
	prober   Prober
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time

	mu        sync.Mutex
	cached    *core.RateLimitStatus
	lastProbe time.Time
	loaded    bool
}

// New creates a monitor. interval is the minimum spacing between probes.
func New(store core.Store, prober Prober, interval time.Duration, logger *logging.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Monitor{
		store:    store,
		prober:   prober,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Status returns the freshest rate-limit status. It probes when the cadence
// allows and the cached verdict does not already block scheduling; probe
// failures degrade to the cached status or a conservative "not limited".
// Status never returns an error: the heartbeat must not stall on it.
func (m *Monitor) Status(ctx context.Context) *core.RateLimitStatus {
	now := m.now()

	m.mu.Lock()
	m.loadLocked(ctx)
	cached := m.cached
	if cached != nil && cached.LimitedNow(now) {
		m.mu.Unlock()
		return cached
	}
	if !m.lastProbe.IsZero() && now.Sub(m.lastProbe) < m.interval {
		m.mu.Unlock()
		return m.fallback(cached, now)
	}
	m.lastProbe = now
	m.mu.Unlock()

	// Probe outside the lock: subprocess I/O must not block other callers.
	res, err := m.prober.Probe(ctx)
	if err != nil || res.Verdict == VerdictUnknown {
		m.logger.Warn("ratelimit: probe inconclusive", "error", err)
		return m.fallback(cached, now)
	}

	status := &core.RateLimitStatus{LastUpdated: now}
	if res.Verdict == VerdictLimited {
		reset := ParseResetTime(res.Text, now)
		status.IsLimited = true
		status.ResetAt = &reset
		m.logger.Warn("ratelimit: agent CLI is rate limited", "reset_at", reset)
	}
	m.update(ctx, status)
	return status
}

// MarkRateLimited injects a limited verdict observed outside the probe,
// typically from a session that hit the limit mid-run.
func (m *Monitor) MarkRateLimited(ctx context.Context, resetAt time.Time) {
	status := &core.RateLimitStatus{
		IsLimited:   true,
		ResetAt:     &resetAt,
		LastUpdated: m.now(),
	}
	m.logger.Warn("ratelimit: limit reported by session", "reset_at", resetAt)
	m.update(ctx, status)
}

// Cached returns the current cached status without probing, nil when none.
func (m *Monitor) Cached(ctx context.Context) *core.RateLimitStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	return m.cached
}

func (m *Monitor) update(ctx context.Context, status *core.RateLimitStatus) {
	m.mu.Lock()
	m.cached = status
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.SaveRateLimit(ctx, status); err != nil {
		m.logger.Error("ratelimit: persisting status failed", "error", err)
	}
}

// loadLocked hydrates the cache from the store once. Callers hold m.mu.
func (m *Monitor) loadLocked(ctx context.Context) {
	if m.loaded || m.store == nil {
		return
	}
	m.loaded = true
	status, err := m.store.GetRateLimit(ctx)
	if err != nil {
		if !core.IsCategory(err, core.ErrCatNotFound) {
			m.logger.Warn("ratelimit: loading cached status failed", "error", err)
		}
		return
	}
	m.cached = status
}

func (m *Monitor) fallback(cached *core.RateLimitStatus, now time.Time) *core.RateLimitStatus {
	if cached != nil {
		return cached
	}
	return &core.RateLimitStatus{LastUpdated: now}
}
