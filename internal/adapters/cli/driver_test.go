package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/ratelimit"
)

// writeStub creates a fake agent CLI that ignores its arguments.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildTaskArgs(t *testing.T) {
	args := buildTaskArgs(RunOptions{Prompt: "do the thing", Model: "sonnet"})
	want := []string{
		"-p", "--verbose", "--output-format", "stream-json",
		"--dangerously-skip-permissions", "--model", "sonnet", "do the thing",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}

	args = buildTaskArgs(RunOptions{Prompt: "p"})
	if args[len(args)-1] != "p" {
		t.Errorf("prompt must be last arg: %v", args)
	}
	for _, a := range args {
		if a == "--model" {
			t.Error("--model present without a model")
		}
	}
}

func TestScrubEnv(t *testing.T) {
	env := []string{"PATH=/usr/bin", "ANTHROPIC_API_KEY=sk-ant-secret", "HOME=/root"}
	got := scrubEnv(env)
	if len(got) != 2 {
		t.Fatalf("scrubbed env = %v", got)
	}
	for _, kv := range got {
		if strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") {
			t.Error("API key survived scrubbing")
		}
	}
}

func TestExtractText(t *testing.T) {
	assistant := map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "hello "},
				map[string]any{"type": "tool_use", "name": "bash"},
				map[string]any{"type": "text", "text": "world"},
			},
		},
	}
	if got := ExtractText(assistant); got != "hello world" {
		t.Errorf("assistant text = %q", got)
	}

	delta := map[string]any{
		"type":  "content_block_delta",
		"delta": map[string]any{"type": "text_delta", "text": "chunk"},
	}
	if got := ExtractText(delta); got != "chunk" {
		t.Errorf("delta text = %q", got)
	}

	result := map[string]any{"type": "result", "result": "final answer"}
	if got := ExtractText(result); got != "final answer" {
		t.Errorf("result text = %q", got)
	}

	if got := ExtractText(map[string]any{"type": "system"}); got != "" {
		t.Errorf("system event text = %q", got)
	}
}

func TestNumTurns(t *testing.T) {
	if n := NumTurns(map[string]any{"type": "result", "num_turns": float64(4)}); n != 4 {
		t.Errorf("num_turns = %d", n)
	}
	if n := NumTurns(map[string]any{"type": "result"}); n != 0 {
		t.Errorf("absent num_turns = %d", n)
	}
}

func TestInterpretProbeOutput(t *testing.T) {
	v, _ := interpretProbeOutput([]byte(`{"type":"result","is_error":false,"result":"ok"}`))
	if v != ratelimit.VerdictAvailable {
		t.Errorf("clean result verdict = %v", v)
	}

	v, text := interpretProbeOutput([]byte(`{"type":"result","is_error":true,"result":"You've hit your limit, resets 8pm (UTC)"}`))
	if v != ratelimit.VerdictLimited {
		t.Errorf("limited result verdict = %v", v)
	}
	if !strings.Contains(text, "resets 8pm") {
		t.Errorf("limit text = %q", text)
	}

	v, _ = interpretProbeOutput([]byte(`{"type":"result","is_error":true,"result":"tool crashed"}`))
	if v != ratelimit.VerdictAvailable {
		t.Errorf("non-limit error verdict = %v", v)
	}
}

func TestRunTaskStreamsEvents(t *testing.T) {
	path := writeStub(t, strings.Join([]string{
		`echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}'`,
		`echo 'plain progress line'`,
		`echo '{"type":"result","is_error":false,"result":"all done","num_turns":3}'`,
		`echo 'warning: noisy tool' >&2`,
	}, "\n"))

	d := NewDriver(path, 0, nil)

	var mu sync.Mutex
	var events []map[string]any
	var lines []string
	stdoutLog := filepath.Join(t.TempDir(), "stdout.log")

	res, err := d.RunTask(context.Background(), RunOptions{
		Prompt:     "irrelevant",
		StdoutPath: stdoutLog,
		Timeout:    10 * time.Second,
		OnEvent: func(e map[string]any) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
		OnOutput: func(l string) {
			mu.Lock()
			lines = append(lines, l)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if res.ExitCode != 0 {
		t.Errorf("exit_code = %d", res.ExitCode)
	}
	if res.RateLimited {
		t.Error("unexpected rate-limit verdict")
	}
	if res.ResultJSON == nil || res.ResultJSON["result"] != "all done" {
		t.Errorf("result_json = %v", res.ResultJSON)
	}
	if NumTurns(res.ResultJSON) != 3 {
		t.Errorf("num_turns = %d", NumTurns(res.ResultJSON))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Errorf("json events = %d, want 2", len(events))
	}
	if len(lines) != 2 {
		t.Errorf("raw lines = %d, want 2 (stdout plain + stderr)", len(lines))
	}

	logged, readErr := os.ReadFile(stdoutLog)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !strings.Contains(string(logged), "all done") {
		t.Error("stdout log missing result line")
	}
}

func TestRunTaskDetectsRateLimit(t *testing.T) {
	path := writeStub(t,
		`echo '{"type":"result","is_error":true,"result":"5-hour usage limit reached, try again in 2 hours"}'`)

	d := NewDriver(path, 0, nil)
	res, err := d.RunTask(context.Background(), RunOptions{Prompt: "x", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if !res.RateLimited {
		t.Fatal("rate limit not detected")
	}
	if !strings.Contains(res.RateLimitText, "usage limit") {
		t.Errorf("rate_limit_text = %q", res.RateLimitText)
	}
}

func TestRunTaskDetectsRateLimitInStderr(t *testing.T) {
	path := writeStub(t, strings.Join([]string{
		`echo 'Error: rate limit exceeded' >&2`,
		`exit 1`,
	}, "\n"))

	d := NewDriver(path, 0, nil)
	res, err := d.RunTask(context.Background(), RunOptions{Prompt: "x", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit_code = %d", res.ExitCode)
	}
	if !res.RateLimited {
		t.Error("stderr rate limit not detected")
	}
}

func TestRunTaskTimeout(t *testing.T) {
	path := writeStub(t, "exec sleep 30")

	d := NewDriver(path, 0, nil)
	start := time.Now()
	res, err := d.RunTask(context.Background(), RunOptions{Prompt: "x", Timeout: 300 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !core.IsCategory(err, core.ErrCatTimeout) {
		t.Errorf("error category: %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut not set")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("termination took %v", elapsed)
	}
}

func TestTerminateToleratesMissingProcess(t *testing.T) {
	d := NewDriver("claude", 0, nil)
	if err := d.Terminate(999999, 100*time.Millisecond); err != nil {
		t.Errorf("Terminate on missing pid: %v", err)
	}
}

func TestProbeAvailable(t *testing.T) {
	path := writeStub(t, `echo '{"type":"result","is_error":false,"result":"ok"}'`)

	d := NewDriver(path, 5*time.Second, nil)
	res, err := d.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Verdict != ratelimit.VerdictAvailable {
		t.Errorf("verdict = %v", res.Verdict)
	}
}

func TestProbeLimitedViaStderr(t *testing.T) {
	path := writeStub(t, strings.Join([]string{
		`echo 'too many requests' >&2`,
		`exit 1`,
	}, "\n"))

	d := NewDriver(path, 5*time.Second, nil)
	res, err := d.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Verdict != ratelimit.VerdictLimited {
		t.Errorf("verdict = %v", res.Verdict)
	}
}

func TestRunOneShot(t *testing.T) {
	path := writeStub(t, `echo '{"type":"result","is_error":false,"result":"{\"answer\":42}"}'`)

	d := NewDriver(path, 0, nil)
	out, err := d.RunOneShot(context.Background(), "question", "haiku", 5*time.Second)
	if err != nil {
		t.Fatalf("RunOneShot: %v", err)
	}
	if !strings.Contains(out, "42") {
		t.Errorf("result = %q", out)
	}
}
