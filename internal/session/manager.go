// Package session owns the lifecycle of agent-CLI subprocesses: one
// Session record per invocation, supervised by a background goroutine
// that mirrors subprocess state into the store and the event bus.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/adapters/cli"
	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/events"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
	"github.com/hugo-lorenzo-mato/conductor/internal/ratelimit"
)

// Driver is the subprocess interface the manager supervises.
type Driver interface {
	RunTask(ctx context.Context, opts cli.RunOptions) (*cli.RunResult, error)
	Terminate(pid int, grace time.Duration) error
}

// Limiter receives rate-limit verdicts observed mid-session.
type Limiter interface {
	MarkRateLimited(ctx context.Context, resetAt time.Time)
}

// Manager creates, starts, and cancels sessions. It holds transient
// pid and supervisor handles for running sessions only; the store is
// the source of truth for session status.
type Manager struct {
	store       core.Store
	driver      Driver
	bus         *events.Bus
	limiter     Limiter
	logger      *logging.Logger
	sessionsDir string

	timeout        time.Duration
	terminateGrace time.Duration

	mu        sync.Mutex
	pids      map[int64]int
	cancels   map[int64]context.CancelFunc
	cancelled map[int64]bool
}

// Config holds manager construction parameters.
type Config struct {
	SessionsDir    string
	Timeout        time.Duration
	TerminateGrace time.Duration
}

// NewManager creates a session manager.
func NewManager(store core.Store, driver Driver, bus *events.Bus, limiter Limiter, cfg Config, logger *logging.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 600 * time.Second
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		store:          store,
		driver:         driver,
		bus:            bus,
		limiter:        limiter,
		logger:         logger,
		sessionsDir:    cfg.SessionsDir,
		timeout:        cfg.Timeout,
		terminateGrace: cfg.TerminateGrace,
		pids:           make(map[int64]int),
		cancels:        make(map[int64]context.CancelFunc),
		cancelled:      make(map[int64]bool),
	}
}

// Create persists a new session with a per-session log directory.
func (m *Manager) Create(ctx context.Context, taskID int64, workingDir, model string) (*core.Session, error) {
	sess := core.NewSession(taskID, workingDir, model)

	if m.sessionsDir != "" {
		dir := filepath.Join(m.sessionsDir, sess.UUID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating session dir: %w", err)
		}
		sess.StdoutPath = filepath.Join(dir, "stdout.log")
		sess.StderrPath = filepath.Join(dir, "stderr.log")
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	m.emit(ctx, events.SessionCreated, sess, nil)
	return sess, nil
}

// Start flips the session to running and launches its supervisor. It
// returns as soon as the supervisor is scheduled; completion is observed
// through the store and the bus.
func (m *Manager) Start(ctx context.Context, sessionID int64, prompt string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != core.SessionCreated {
		return core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("session %d is %s, not created", sessionID, sess.Status))
	}

	now := time.Now()
	sess.Status = core.SessionRunning
	sess.StartedAt = &now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return err
	}

	// Supervisors outlive the caller's context: engine shutdown does not
	// kill running subprocesses, the store reconciles them on restart.
	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[sessionID] = cancel
	m.mu.Unlock()

	go m.supervise(runCtx, sess, prompt)
	return nil
}

func (m *Manager) supervise(ctx context.Context, sess *core.Session, prompt string) {
	m.emit(ctx, events.SessionStarted, sess, nil)
	log := m.logger.WithSession(sess.ID).WithTask(sess.TaskID)

	turns := 0
	res, runErr := m.driver.RunTask(ctx, cli.RunOptions{
		Prompt:     prompt,
		WorkingDir: sess.WorkingDir,
		Model:      sess.Model,
		StdoutPath: sess.StdoutPath,
		StderrPath: sess.StderrPath,
		Timeout:    m.timeout,
		OnStart: func(pid int) {
			m.mu.Lock()
			m.pids[sess.ID] = pid
			m.mu.Unlock()
		},
		OnOutput: func(line string) {
			m.emit(ctx, events.SessionOutput, sess, map[string]any{"text": line})
		},
		OnEvent: func(event map[string]any) {
			if text := cli.ExtractText(event); text != "" {
				m.emit(ctx, events.SessionOutput, sess, map[string]any{"text": text})
			}
			if event["type"] == "result" {
				turns = cli.NumTurns(event)
				m.emit(ctx, events.SessionTurn, sess, map[string]any{"num_turns": turns})
			}
		},
	})

	now := time.Now()
	sess.EndedAt = &now
	sess.TurnCount = turns

	if res != nil {
		sess.ExitCode = &res.ExitCode
		if res.PID != 0 {
			pid := res.PID
			sess.PID = &pid
		}
		if res.RateLimited {
			reset := ratelimit.ParseResetTime(res.RateLimitText, now)
			if m.limiter != nil {
				m.limiter.MarkRateLimited(ctx, reset)
			}
			m.emit(ctx, events.SessionRateLimited, sess, map[string]any{
				"reset_at": reset, "text": res.RateLimitText,
			})
		}
	}

	m.mu.Lock()
	wasCancelled := m.cancelled[sess.ID]
	delete(m.pids, sess.ID)
	delete(m.cancels, sess.ID)
	delete(m.cancelled, sess.ID)
	m.mu.Unlock()

	var terminal string
	switch {
	case wasCancelled:
		sess.Status = core.SessionCancelled
		terminal = events.SessionCancelled
	case runErr == nil && res != nil && res.ExitCode == 0 && !resultHasError(res):
		sess.Status = core.SessionCompleted
		terminal = events.SessionCompleted
	default:
		sess.Status = core.SessionFailed
		terminal = events.SessionFailed
		log.Warn("session failed", "exit_code", exitCodeOf(res), "error", runErr)
	}

	// Persist with a fresh context: the run context may be cancelled.
	if err := m.store.UpdateSession(context.Background(), sess); err != nil {
		log.Error("persisting final session state failed", "error", err)
	}
	m.emit(context.Background(), terminal, sess, map[string]any{"exit_code": exitCodeOf(res)})
}

// Cancel terminates the subprocess and marks the session cancelled.
func (m *Manager) Cancel(ctx context.Context, sessionID int64) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != core.SessionRunning && sess.Status != core.SessionCreated {
		return core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("session %d is already %s", sessionID, sess.Status))
	}

	m.mu.Lock()
	m.cancelled[sessionID] = true
	pid, hasPID := m.pids[sessionID]
	cancel, hasSupervisor := m.cancels[sessionID]
	m.mu.Unlock()

	if hasPID {
		if err := m.driver.Terminate(pid, m.terminateGrace); err != nil {
			m.logger.Warn("terminating session subprocess failed",
				"session_id", sessionID, "pid", pid, "error", err)
		}
	}
	if hasSupervisor {
		cancel()
		// The supervisor writes the cancelled status on its way out.
		return nil
	}

	// No supervisor (created but never started): finalize here.
	now := time.Now()
	sess.Status = core.SessionCancelled
	sess.EndedAt = &now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	m.emit(ctx, events.SessionCancelled, sess, nil)
	return nil
}

// Running reports whether a supervisor is currently attached.
func (m *Manager) Running(sessionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancels[sessionID]
	return ok
}

func (m *Manager) emit(ctx context.Context, eventType string, sess *core.Session, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["session_id"] = sess.ID
	payload["task_id"] = sess.TaskID
	m.bus.Emit(ctx, eventType, payload, "session", strconv.FormatInt(sess.ID, 10))
}

func resultHasError(res *cli.RunResult) bool {
	if res == nil || res.ResultJSON == nil {
		return false
	}
	isError, _ := res.ResultJSON["is_error"].(bool)
	return isError
}

func exitCodeOf(res *cli.RunResult) int {
	if res == nil {
		return -1
	}
	return res.ExitCode
}
