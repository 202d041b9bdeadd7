// Package assess triages pending tasks: one batched LLM call classifies
// complexity, picks a model, and flags decomposition candidates.
package assess

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
)

// Caller runs one non-streaming agent invocation and returns its text.
type Caller interface {
	RunOneShot(ctx context.Context, prompt, model string, timeout time.Duration) (string, error)
}

// Engine batches task triage through the agent CLI.
type Engine struct {
	caller  Caller
	model   string
	timeout time.Duration
	logger  *logging.Logger
}

// New creates an engine using the given assessment model.
func New(caller Caller, model string, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		caller:  caller,
		model:   model,
		timeout: 120 * time.Second,
		logger:  logger,
	}
}

// AssessBatch triages up to a batch of tasks in a single LLM call. Every
// input task gets exactly one result: on call or parse failure the result
// is the conservative default, never an error. Results are keyed back to
// tasks by id.
func (e *Engine) AssessBatch(ctx context.Context, tasks []*core.Task) []core.AssessmentResult {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]core.AssessmentResult, 0, len(tasks))

	text, err := e.caller.RunOneShot(ctx, buildPrompt(tasks), e.model, e.timeout)
	if err != nil {
		e.logger.Error("assess: batch call failed, using defaults",
			"tasks", len(tasks), "error", err)
		for _, t := range tasks {
			results = append(results, core.DefaultAssessment(t.ID))
		}
		return results
	}

	parsed, err := parseResponse(text)
	if err != nil {
		e.logger.Error("assess: unparseable response, using defaults",
			"tasks", len(tasks), "error", err)
		for _, t := range tasks {
			results = append(results, core.DefaultAssessment(t.ID))
		}
		return results
	}

	byID := make(map[int64]core.AssessmentResult, len(parsed))
	for _, r := range parsed {
		byID[r.TaskID] = normalize(r)
	}
	for _, t := range tasks {
		if r, ok := byID[t.ID]; ok {
			results = append(results, r)
		} else {
			e.logger.Warn("assess: task missing from response", "task_id", t.ID)
			results = append(results, core.DefaultAssessment(t.ID))
		}
	}
	return results
}

func buildPrompt(tasks []*core.Task) string {
	var sb strings.Builder
	sb.WriteString("Analyze these coding tasks and assess each one.\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&sb, "Task id=%d\nTitle: %s\nDescription:\n%s\n\n", t.ID, t.Title, t.Description)
	}
	sb.WriteString(`Respond with a JSON array, one object per task, each containing:
1. id: the task id from above
2. complexity: "simple", "medium", or "complex"
3. recommended_model: "haiku" (simple tasks), "sonnet" (most tasks), or "opus" (complex tasks)
4. should_decompose: boolean - whether this should be broken into subtasks
5. subtasks: array of strings - if decomposition recommended, list subtask titles
6. reasoning: string explaining your assessment
7. comment: optional string shown to the user when something needs their attention

Consider:
- File operations, API integrations, and complex logic increase complexity
- Well-specified tasks are simpler than vague ones
- Simple fixes or additions are usually "simple"
- Multi-file changes with testing are usually "medium"
- Architecture changes or new systems are usually "complex"

Respond ONLY with valid JSON, no additional text:`)
	return sb.String()
}

// parseResponse tolerates markdown code fences around the JSON array.
func parseResponse(text string) ([]core.AssessmentResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var results []core.AssessmentResult
	if err := json.Unmarshal([]byte(text), &results); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed,
			"parsing assessment response: "+err.Error())
	}
	return results, nil
}

func normalize(r core.AssessmentResult) core.AssessmentResult {
	r.Complexity = core.ParseComplexity(string(r.Complexity))
	if r.RecommendedModel == "" {
		r.RecommendedModel = "sonnet"
	}
	return r
}
