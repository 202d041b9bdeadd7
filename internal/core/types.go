// Package core defines the domain model shared by the scheduler, session
// manager, store, and API layers.
package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskAssessing      TaskStatus = "assessing"
	TaskExecuting      TaskStatus = "executing"
	TaskDecomposed     TaskStatus = "decomposed"
	TaskReadyForReview TaskStatus = "ready_for_review"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
)

// ParseTaskStatus validates a status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskPending, TaskAssessing, TaskExecuting, TaskDecomposed,
		TaskReadyForReview, TaskCompleted, TaskFailed, TaskCancelled:
		return TaskStatus(s), nil
	}
	return "", ErrValidation("INVALID_STATUS", "unknown task status: "+s)
}

// IsTerminal reports whether the status admits no further transitions.
// failed is not terminal: the scheduler requeues failed tasks.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Complexity is the assessed difficulty of a task.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ParseComplexity validates a complexity string, defaulting to medium.
func ParseComplexity(s string) Complexity {
	switch Complexity(s) {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return Complexity(s)
	}
	return ComplexityMedium
}

// Metadata keys the engine reads and writes on tasks.
const (
	MetaActive              = "active"
	MetaAssessment          = "assessment"
	MetaBranch              = "branch"
	MetaWorktreePath        = "worktree_path"
	MetaRepoDir             = "repo_dir"
	MetaRetryCount          = "retry_count"
	MetaError               = "error"
	MetaLastFailure         = "last_failure"
	MetaDecomposeOnBeat     = "decompose_on_heartbeat"
	MetaDecomposedInto      = "decomposed_into"
	MetaPRURL               = "pr_url"
	MetaCancelledReason     = "cancelled_reason"
)

// Task is the unit of work users enqueue.
type Task struct {
	ID               int64          `json:"id"`
	UUID             string         `json:"uuid"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Status           TaskStatus     `json:"status"`
	Priority         int            `json:"priority"`
	Position         int            `json:"position"`
	ParentTaskID     *int64         `json:"parent_task_id,omitempty"`
	ProjectID        *int64         `json:"project_id,omitempty"`
	Complexity       *Complexity    `json:"complexity,omitempty"`
	RecommendedModel *string        `json:"recommended_model,omitempty"`
	ActiveSessionID  *int64         `json:"active_session_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with a fresh UUID.
func NewTask(title, description string) (*Task, error) {
	if title == "" {
		return nil, ErrValidation(CodeEmptyTitle, "task title is required")
	}
	now := time.Now()
	return &Task{
		UUID:        uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      TaskPending,
		Metadata:    map[string]any{MetaActive: true},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// IsActive reports whether the task is flagged for scheduling.
func (t *Task) IsActive() bool {
	v, ok := t.Metadata[MetaActive]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	}
	return false
}

// IsAssessed reports whether the task has an assessed complexity.
func (t *Task) IsAssessed() bool {
	return t.Complexity != nil
}

// RetryCount returns metadata.retry_count, zero when absent.
func (t *Task) RetryCount() int {
	switch v := t.Metadata[MetaRetryCount].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// MetaString returns a string metadata field, empty when absent.
func (t *Task) MetaString(key string) string {
	if s, ok := t.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// Assessment returns the metadata.assessment sub-object, nil when absent.
func (t *Task) Assessment() map[string]any {
	if m, ok := t.Metadata[MetaAssessment].(map[string]any); ok {
		return m
	}
	return nil
}

// ShouldDecompose reports whether either the decompose-on-heartbeat flag or
// the assessment recommends splitting the task.
func (t *Task) ShouldDecompose() bool {
	if b, ok := t.Metadata[MetaDecomposeOnBeat].(bool); ok && b {
		return true
	}
	if a := t.Assessment(); a != nil {
		if b, ok := a["should_decompose"].(bool); ok {
			return b
		}
	}
	return false
}

// CanTransition reports whether the status change is allowed by the task
// state machine.
func (t *Task) CanTransition(to TaskStatus) bool {
	switch t.Status {
	case TaskPending:
		return to == TaskAssessing || to == TaskExecuting || to == TaskDecomposed || to == TaskCancelled
	case TaskAssessing:
		return to == TaskPending || to == TaskExecuting || to == TaskDecomposed || to == TaskCancelled
	case TaskExecuting:
		return to == TaskReadyForReview || to == TaskFailed || to == TaskCancelled
	case TaskReadyForReview:
		return to == TaskPending || to == TaskCompleted || to == TaskFailed || to == TaskCancelled
	case TaskFailed:
		return to == TaskPending || to == TaskCancelled
	case TaskDecomposed:
		// Parent completion is derived from its children.
		return to == TaskReadyForReview || to == TaskCompleted || to == TaskFailed || to == TaskCancelled
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Session is one agent-CLI invocation for a task.
type Session struct {
	ID         int64         `json:"id"`
	UUID       string        `json:"uuid"`
	TaskID     int64         `json:"task_id"`
	WorkingDir string        `json:"working_dir"`
	Model      string        `json:"model"`
	Status     SessionStatus `json:"status"`
	TurnCount  int           `json:"turn_count"`
	StdoutPath string        `json:"stdout_path,omitempty"`
	StderrPath string        `json:"stderr_path,omitempty"`
	PID        *int          `json:"pid,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}

// NewSession creates a session record in the created state.
func NewSession(taskID int64, workingDir, model string) *Session {
	return &Session{
		UUID:       uuid.NewString(),
		TaskID:     taskID,
		WorkingDir: workingDir,
		Model:      model,
		Status:     SessionCreated,
		CreatedAt:  time.Now(),
	}
}

// Comment annotates a task. Author is "user" or "system".
type Comment struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	TaskID    int64     `json:"task_id"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// NewComment creates a comment on a task.
func NewComment(taskID int64, content, author string) *Comment {
	return &Comment{
		UUID:      uuid.NewString(),
		TaskID:    taskID,
		Content:   content,
		Author:    author,
		CreatedAt: time.Now(),
	}
}

// Event is the persisted record of a state change.
type Event struct {
	ID         int64          `json:"id"`
	UUID       string         `json:"uuid"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   *string        `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Project is a git repository context tasks execute against.
type Project struct {
	ID            int64      `json:"id"`
	UUID          string     `json:"uuid"`
	Name          string     `json:"name"`
	WorkingDir    string     `json:"working_dir"`
	GithubRepo    string     `json:"github_repo,omitempty"`
	DefaultBranch string     `json:"default_branch,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	FileMap       string     `json:"file_map,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewProject creates a project record.
func NewProject(name, workingDir string) (*Project, error) {
	if name == "" {
		return nil, ErrValidation("EMPTY_NAME", "project name is required")
	}
	now := time.Now()
	return &Project{
		UUID:          uuid.NewString(),
		Name:          name,
		WorkingDir:    workingDir,
		DefaultBranch: "main",
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// RateLimitStatus is the cached verdict from the rate-limit probe.
type RateLimitStatus struct {
	Tier          string     `json:"tier,omitempty"`
	MessagesUsed  int        `json:"messages_used"`
	MessagesLimit int        `json:"messages_limit"`
	PercentUsed   float64    `json:"percent_used"`
	IsLimited     bool       `json:"is_limited"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
	LastUpdated   time.Time  `json:"last_updated"`
}

// LimitedNow reports whether the cached status still blocks scheduling.
func (r *RateLimitStatus) LimitedNow(now time.Time) bool {
	return r.IsLimited && r.ResetAt != nil && r.ResetAt.After(now)
}

// AssessmentResult is the LLM triage of a single task.
type AssessmentResult struct {
	TaskID           int64      `json:"id"`
	Complexity       Complexity `json:"complexity"`
	RecommendedModel string     `json:"recommended_model"`
	ShouldDecompose  bool       `json:"should_decompose"`
	Subtasks         []string   `json:"subtasks,omitempty"`
	Reasoning        string     `json:"reasoning,omitempty"`
	Comment          string     `json:"comment,omitempty"`
}

// DefaultAssessment is the conservative fallback when the LLM call fails.
func DefaultAssessment(taskID int64) AssessmentResult {
	return AssessmentResult{
		TaskID:           taskID,
		Complexity:       ComplexityMedium,
		RecommendedModel: "sonnet",
		Reasoning:        "default assessment (model unavailable or failed)",
	}
}
