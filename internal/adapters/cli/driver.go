// Package cli drives the coding-agent CLI as a supervised subprocess,
// in streaming-JSON mode for task sessions and one-shot JSON mode for
// capacity probes and assessments.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
	"github.com/hugo-lorenzo-mato/conductor/internal/ratelimit"
)

// scrubbedEnvVars are removed from the subprocess environment so the CLI
// authenticates with its subscription login instead of a raw API key.
var scrubbedEnvVars = []string{"ANTHROPIC_API_KEY"}

// Driver spawns agent-CLI subprocesses.
type Driver struct {
	path   string
	logger *logging.Logger

	probeTimeout time.Duration
}

// NewDriver creates a driver for the CLI at path ("claude" when empty).
func NewDriver(path string, probeTimeout time.Duration, logger *logging.Logger) *Driver {
	if path == "" {
		path = "claude"
	}
	if probeTimeout <= 0 {
		probeTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Driver{path: path, probeTimeout: probeTimeout, logger: logger}
}

// RunOptions configures one streaming run.
type RunOptions struct {
	Prompt     string
	WorkingDir string
	Model      string

	// StdoutPath and StderrPath receive raw subprocess output when set.
	StdoutPath string
	StderrPath string

	// OnStart receives the pid as soon as the subprocess is spawned.
	OnStart func(pid int)
	// OnOutput receives non-JSON stdout lines and stderr lines.
	OnOutput func(line string)
	// OnEvent receives each parsed JSON event.
	OnEvent func(event map[string]any)

	// Timeout bounds the whole run; zero means 600s.
	Timeout time.Duration
}

// RunResult is the outcome of one streaming run.
type RunResult struct {
	ExitCode      int
	PID           int
	ResultJSON    map[string]any
	RateLimited   bool
	RateLimitText string
	TimedOut      bool
}

// RunTask runs one agent session to completion. The returned error covers
// spawn failures and timeouts; a non-zero exit with clean spawn is reported
// through ExitCode, not error, so callers can inspect the captured output.
func (d *Driver) RunTask(ctx context.Context, opts RunOptions) (*RunResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := buildTaskArgs(opts)

	// #nosec G204 -- path and args come from validated config
	cmd := exec.Command(d.path, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = scrubEnv(os.Environ())

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		_ = stdoutPipe.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	stdoutLog := openLog(opts.StdoutPath, d.logger)
	stderrLog := openLog(opts.StderrPath, d.logger)
	defer closeLog(stdoutLog)
	defer closeLog(stderrLog)

	d.logger.Info("cli: starting session",
		"path", d.path,
		"model", opts.Model,
		"work_dir", opts.WorkingDir,
		"timeout", timeout,
		"prompt_length", len(opts.Prompt),
	)

	if err := cmd.Start(); err != nil {
		_ = stdoutPipe.Close()
		_ = stderrPipe.Close()
		return nil, core.ErrExecution(core.CodeAgentFailed,
			"starting agent CLI: "+err.Error())
	}

	res := &RunResult{PID: cmd.Process.Pid}
	d.logger.Info("cli: session process started", "pid", res.PID)
	if opts.OnStart != nil {
		opts.OnStart(res.PID)
	}

	// On timeout or cancellation, terminate gracefully before the hard kill.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = d.Terminate(cmd.Process.Pid, 2*time.Second)
		case <-waitDone:
		}
	}()

	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.consumeStdout(stdoutPipe, stdoutLog, opts, res, &mu)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.consumeStderr(stderrPipe, stderrLog, opts, res, &mu)
	}()

	wg.Wait()
	err = cmd.Wait()
	close(waitDone)

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		d.logger.Error("cli: session timed out", "pid", res.PID, "timeout", timeout)
		return res, core.ErrTimeout(fmt.Sprintf("session timed out after %v", timeout))
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			d.logger.Warn("cli: session exited non-zero",
				"pid", res.PID, "exit_code", res.ExitCode, "rate_limited", res.RateLimited)
			return res, nil
		}
		return res, core.ErrExecution(core.CodeAgentFailed, "waiting for agent CLI: "+err.Error())
	}

	d.logger.Info("cli: session completed",
		"pid", res.PID, "exit_code", 0, "rate_limited", res.RateLimited)
	return res, nil
}

func buildTaskArgs(opts RunOptions) []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return append(args, opts.Prompt)
}

func (d *Driver) consumeStdout(pipe io.ReadCloser, log *os.File, opts RunOptions, res *RunResult, mu *sync.Mutex) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		writeLog(log, line)

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
			// Not JSON: surface the raw line and scan it for limit phrases.
			if opts.OnOutput != nil {
				opts.OnOutput(line)
			}
			d.noteLimitPhrase(line, res, mu)
			continue
		}

		if opts.OnEvent != nil {
			opts.OnEvent(event)
		}
		if event["type"] == "result" {
			mu.Lock()
			res.ResultJSON = event
			mu.Unlock()
			if isError, _ := event["is_error"].(bool); isError {
				if text, _ := event["result"].(string); ratelimit.ContainsLimitPhrase(text) {
					mu.Lock()
					res.RateLimited = true
					res.RateLimitText = text
					mu.Unlock()
				}
			}
		}
	}
	// Scanner errors are expected when the pipe closes on termination.
}

func (d *Driver) consumeStderr(pipe io.ReadCloser, log *os.File, opts RunOptions, res *RunResult, mu *sync.Mutex) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		writeLog(log, line)
		if opts.OnOutput != nil {
			opts.OnOutput(line)
		}
		d.noteLimitPhrase(line, res, mu)
	}
}

func (d *Driver) noteLimitPhrase(line string, res *RunResult, mu *sync.Mutex) {
	if !ratelimit.ContainsLimitPhrase(line) {
		return
	}
	mu.Lock()
	if !res.RateLimited {
		res.RateLimited = true
		res.RateLimitText = line
	}
	mu.Unlock()
}

// Terminate sends SIGTERM to the process, waits up to grace, then SIGKILL.
// A process that is already gone is not an error.
func (d *Driver) Terminate(pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone || strings.Contains(err.Error(), "no such process") {
			return nil
		}
		return core.ErrExecution(core.CodeAgentFailed, "terminating pid: "+err.Error())
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	d.logger.Warn("cli: process ignored SIGTERM, killing", "pid", pid)
	if err := proc.Kill(); err != nil && err != os.ErrProcessDone {
		if strings.Contains(err.Error(), "no such process") {
			return nil
		}
		return core.ErrExecution(core.CodeAgentFailed, "killing pid: "+err.Error())
	}
	return nil
}

// probePrompts are deliberately trivial so a probe consumes almost nothing.
var probePrompts = []string{"ok", "ping", "hi", "test", "1"}

// Probe runs a one-shot JSON invocation to check whether the CLI has quota.
func (d *Driver) Probe(ctx context.Context) (ratelimit.ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	prompt := probePrompts[rand.Intn(len(probePrompts))]
	args := []string{"-p", "--output-format", "json", "--max-turns", "1", prompt}

	// #nosec G204 -- path comes from validated config
	cmd := exec.CommandContext(ctx, d.path, args...)
	cmd.Env = scrubEnv(os.Environ())

	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		d.logger.Warn("cli: probe timed out", "timeout", d.probeTimeout)
		return ratelimit.ProbeResult{Verdict: ratelimit.VerdictUnknown},
			core.ErrTimeout("probe timed out")
	}

	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		if ratelimit.ContainsLimitPhrase(stderr) || ratelimit.ContainsLimitPhrase(string(out)) {
			text := stderr
			if text == "" {
				text = string(out)
			}
			return ratelimit.ProbeResult{Verdict: ratelimit.VerdictLimited, Text: text}, nil
		}
		d.logger.Warn("cli: probe failed", "error", err)
		return ratelimit.ProbeResult{Verdict: ratelimit.VerdictUnknown}, err
	}

	verdict, text := interpretProbeOutput(out)
	return ratelimit.ProbeResult{Verdict: verdict, Text: text}, nil
}

func interpretProbeOutput(out []byte) (ratelimit.Verdict, string) {
	var parsed struct {
		IsError bool   `json:"is_error"`
		Result  string `json:"result"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		// Exit 0 with unparseable output: treat as available unless a
		// limit phrase leaked into it.
		if ratelimit.ContainsLimitPhrase(string(out)) {
			return ratelimit.VerdictLimited, string(out)
		}
		return ratelimit.VerdictAvailable, ""
	}
	if parsed.IsError && ratelimit.ContainsLimitPhrase(parsed.Result) {
		return ratelimit.VerdictLimited, parsed.Result
	}
	return ratelimit.VerdictAvailable, ""
}

// RunOneShot runs a single non-streaming JSON invocation and returns the
// result text. Used by the assessment engine.
func (d *Driver) RunOneShot(ctx context.Context, prompt, model string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", "--output-format", "json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, prompt)

	// #nosec G204 -- path comes from validated config
	cmd := exec.CommandContext(ctx, d.path, args...)
	cmd.Env = scrubEnv(os.Environ())

	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", core.ErrTimeout(fmt.Sprintf("agent call timed out after %v", timeout))
	}
	if err != nil {
		return "", core.ErrExecution(core.CodeAgentFailed, "agent CLI failed: "+err.Error())
	}

	var parsed struct {
		IsError bool   `json:"is_error"`
		Result  string `json:"result"`
	}
	if jsonErr := json.Unmarshal(out, &parsed); jsonErr != nil {
		return "", core.ErrExecution(core.CodeParseFailed,
			"unparseable agent CLI output: "+jsonErr.Error())
	}
	if parsed.IsError {
		return "", core.ErrExecution(core.CodeAgentFailed, parsed.Result)
	}
	return parsed.Result, nil
}

func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		scrubbed := false
		for _, name := range scrubbedEnvVars {
			if strings.HasPrefix(kv, name+"=") {
				scrubbed = true
				break
			}
		}
		if !scrubbed {
			out = append(out, kv)
		}
	}
	return out
}

func openLog(path string, logger *logging.Logger) *os.File {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logger.Warn("cli: opening session log failed", "path", path, "error", err)
		return nil
	}
	return f
}

func writeLog(f *os.File, line string) {
	if f == nil {
		return
	}
	_, _ = f.WriteString(line + "\n")
}

func closeLog(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
