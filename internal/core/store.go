package core

import "context"

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status    *TaskStatus
	ParentID  *int64
	ProjectID *int64
	Limit     int
	Offset    int
}

// Store is the persistence contract for all engine entities. The store is
// the sole synchronization primitive for cross-task state: concurrent
// writers rely on it serializing each statement.
type Store interface {
	// Tasks. Listings are ordered position ASC, priority DESC.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	// UpdateTaskMetadata merges the patch into the stored metadata JSON.
	UpdateTaskMetadata(ctx context.Context, id int64, patch map[string]any) error
	// ActiveUnassessed returns pending tasks with metadata.active=true and
	// no assessed complexity.
	ActiveUnassessed(ctx context.Context, limit int) ([]*Task, error)
	// NextAssessed returns pending active tasks whose complexity is set.
	NextAssessed(ctx context.Context, limit int) ([]*Task, error)
	Subtasks(ctx context.Context, parentID int64) ([]*Task, error)
	ReorderTasks(ctx context.Context, positions map[int64]int) error

	// Sessions.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id int64) (*Session, error)
	ListSessions(ctx context.Context, taskID int64) ([]*Session, error)
	UpdateSession(ctx context.Context, s *Session) error

	// Comments.
	CreateComment(ctx context.Context, c *Comment) error
	ListComments(ctx context.Context, taskID int64) ([]*Comment, error)
	// LatestComments returns the newest comment per task in one query.
	LatestComments(ctx context.Context, taskIDs []int64) (map[int64]*Comment, error)

	// Events.
	CreateEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, limit int) ([]*Event, error)

	// Projects.
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id int64) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	UpdateProject(ctx context.Context, p *Project) error

	// RateLimitStatus is a single-row cache (id=1).
	SaveRateLimit(ctx context.Context, s *RateLimitStatus) error
	GetRateLimit(ctx context.Context) (*RateLimitStatus, error)

	Close() error
}
