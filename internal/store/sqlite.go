// Package store implements the persistence layer on SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLite implements core.Store on a single sqlite file. A mutex serializes
// writers, so the read-modify-write metadata merge never interleaves.
type SQLite struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
}

// Open opens (and migrates) the store at dbPath.
func Open(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLite{dbPath: dbPath, db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLite) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// --- Tasks ---

const taskColumns = `id, uuid, title, description, status, priority, position,
	parent_task_id, project_id, complexity, recommended_model,
	active_session_id, metadata, created_at, updated_at, completed_at`

func (s *SQLite) CreateTask(ctx context.Context, t *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Append to the end of the queue when no position was chosen.
	if t.Position == 0 {
		var maxPos sql.NullInt64
		if err := s.db.QueryRowContext(ctx, "SELECT MAX(position) FROM tasks").Scan(&maxPos); err == nil && maxPos.Valid {
			t.Position = int(maxPos.Int64) + 1
		} else {
			t.Position = 1
		}
	}

	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (uuid, title, description, status, priority, position,
			parent_task_id, project_id, complexity, recommended_model,
			active_session_id, metadata, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UUID, t.Title, t.Description, string(t.Status), t.Priority, t.Position,
		t.ParentTaskID, t.ProjectID, complexityPtr(t.Complexity), t.RecommendedModel,
		t.ActiveSessionID, meta, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("task", strconv.FormatInt(id, 10))
	}
	return t, err
}

func (s *SQLite) ListTasks(ctx context.Context, f core.TaskFilter) ([]*core.Task, error) {
	var where []string
	var args []any
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.ParentID != nil {
		where = append(where, "parent_task_id = ?")
		args = append(args, *f.ParentID)
	}
	if f.ProjectID != nil {
		where = append(where, "project_id = ?")
		args = append(args, *f.ProjectID)
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY position ASC, priority DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	return s.queryTasks(ctx, query, args...)
}

func (s *SQLite) UpdateTask(ctx context.Context, t *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.UpdatedAt = time.Now()
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?,
			position = ?, parent_task_id = ?, project_id = ?, complexity = ?,
			recommended_model = ?, active_session_id = ?, metadata = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		t.Title, t.Description, string(t.Status), t.Priority,
		t.Position, t.ParentTaskID, t.ProjectID, complexityPtr(t.Complexity),
		t.RecommendedModel, t.ActiveSessionID, meta,
		t.UpdatedAt, t.CompletedAt, t.ID)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", t.ID, err)
	}
	return nil
}

// UpdateTaskMetadata merges the patch into the stored metadata JSON.
func (s *SQLite) UpdateTaskMetadata(ctx context.Context, id int64, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT metadata FROM tasks WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return core.ErrNotFound("task", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return fmt.Errorf("reading task metadata: %w", err)
	}

	meta := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			meta = map[string]any{}
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(meta, k)
			continue
		}
		meta[k] = v
	}

	merged, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE tasks SET metadata = ?, updated_at = ? WHERE id = ?",
		string(merged), time.Now(), id)
	return err
}

func (s *SQLite) ActiveUnassessed(ctx context.Context, limit int) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending'
		  AND json_extract(metadata, '$.active') IN (1, true)
		  AND complexity IS NULL
		ORDER BY position ASC, priority DESC
		LIMIT ?`, limit)
}

func (s *SQLite) NextAssessed(ctx context.Context, limit int) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending'
		  AND json_extract(metadata, '$.active') IN (1, true)
		  AND complexity IS NOT NULL
		ORDER BY position ASC, priority DESC
		LIMIT ?`, limit)
}

func (s *SQLite) Subtasks(ctx context.Context, parentID int64) ([]*core.Task, error) {
	return s.queryTasks(ctx, "SELECT "+taskColumns+` FROM tasks
		WHERE parent_task_id = ? ORDER BY position ASC, priority DESC`, parentID)
}

func (s *SQLite) ReorderTasks(ctx context.Context, positions map[int64]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for id, pos := range positions {
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET position = ?, updated_at = ? WHERE id = ?", pos, now, id); err != nil {
			return fmt.Errorf("reordering task %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*core.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*core.Task, error) {
	var t core.Task
	var status, meta string
	var complexity, model sql.NullString
	var parentID, projectID, sessionID sql.NullInt64
	var completedAt sql.NullTime

	err := r.Scan(&t.ID, &t.UUID, &t.Title, &t.Description, &status, &t.Priority,
		&t.Position, &parentID, &projectID, &complexity, &model, &sessionID,
		&meta, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Status = core.TaskStatus(status)
	if parentID.Valid {
		t.ParentTaskID = &parentID.Int64
	}
	if projectID.Valid {
		t.ProjectID = &projectID.Int64
	}
	if sessionID.Valid {
		t.ActiveSessionID = &sessionID.Int64
	}
	if complexity.Valid {
		c := core.Complexity(complexity.String)
		t.Complexity = &c
	}
	if model.Valid {
		t.RecommendedModel = &model.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &t.Metadata)
	}
	return &t, nil
}

// --- Sessions ---

const sessionColumns = `id, uuid, task_id, working_dir, model, status, turn_count,
	stdout_path, stderr_path, pid, exit_code, created_at, started_at, ended_at`

func (s *SQLite) CreateSession(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (uuid, task_id, working_dir, model, status, turn_count,
			stdout_path, stderr_path, pid, exit_code, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.UUID, sess.TaskID, sess.WorkingDir, sess.Model, string(sess.Status),
		sess.TurnCount, nullStr(sess.StdoutPath), nullStr(sess.StderrPath),
		sess.PID, sess.ExitCode, sess.CreatedAt, sess.StartedAt, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	sess.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) GetSession(ctx context.Context, id int64) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("session", strconv.FormatInt(id, 10))
	}
	return sess, err
}

func (s *SQLite) ListSessions(ctx context.Context, taskID int64) ([]*core.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions"
	var args []any
	if taskID > 0 {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*core.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLite) UpdateSession(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET working_dir = ?, model = ?, status = ?, turn_count = ?,
			stdout_path = ?, stderr_path = ?, pid = ?, exit_code = ?,
			started_at = ?, ended_at = ?
		WHERE id = ?`,
		sess.WorkingDir, sess.Model, string(sess.Status), sess.TurnCount,
		nullStr(sess.StdoutPath), nullStr(sess.StderrPath), sess.PID, sess.ExitCode,
		sess.StartedAt, sess.EndedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("updating session %d: %w", sess.ID, err)
	}
	return nil
}

func scanSession(r rowScanner) (*core.Session, error) {
	var sess core.Session
	var status string
	var stdout, stderr sql.NullString
	var pid, exitCode sql.NullInt64
	var startedAt, endedAt sql.NullTime

	err := r.Scan(&sess.ID, &sess.UUID, &sess.TaskID, &sess.WorkingDir, &sess.Model,
		&status, &sess.TurnCount, &stdout, &stderr, &pid, &exitCode,
		&sess.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	sess.Status = core.SessionStatus(status)
	sess.StdoutPath = stdout.String
	sess.StderrPath = stderr.String
	if pid.Valid {
		p := int(pid.Int64)
		sess.PID = &p
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		sess.ExitCode = &c
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}

// --- Comments ---

func (s *SQLite) CreateComment(ctx context.Context, c *core.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (uuid, task_id, content, author, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.UUID, c.TaskID, c.Content, c.Author, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting comment: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) ListComments(ctx context.Context, taskID int64) ([]*core.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, task_id, content, author, created_at
		FROM comments WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying comments: %w", err)
	}
	defer rows.Close()

	comments := make([]*core.Comment, 0)
	for rows.Next() {
		var c core.Comment
		if err := rows.Scan(&c.ID, &c.UUID, &c.TaskID, &c.Content, &c.Author, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// LatestComments returns the newest comment per task in one query.
func (s *SQLite) LatestComments(ctx context.Context, taskIDs []int64) (map[int64]*core.Comment, error) {
	result := make(map[int64]*core.Comment)
	if len(taskIDs) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskIDs)), ",")
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.uuid, c.task_id, c.content, c.author, c.created_at
		FROM comments c
		JOIN (SELECT task_id, MAX(id) AS max_id FROM comments
		      WHERE task_id IN (`+placeholders+`) GROUP BY task_id) latest
		  ON c.id = latest.max_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying latest comments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c core.Comment
		if err := rows.Scan(&c.ID, &c.UUID, &c.TaskID, &c.Content, &c.Author, &c.CreatedAt); err != nil {
			return nil, err
		}
		result[c.TaskID] = &c
	}
	return result, rows.Err()
}

// --- Events ---

func (s *SQLite) CreateEvent(ctx context.Context, e *core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := marshalMeta(e.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (uuid, event_type, entity_type, entity_id, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.UUID, e.EventType, e.EntityType, e.EntityID, payload, e.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) ListEvents(ctx context.Context, limit int) ([]*core.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, event_type, entity_type, entity_id, payload, timestamp
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	evts := make([]*core.Event, 0)
	for rows.Next() {
		var e core.Event
		var entityID sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.UUID, &e.EventType, &e.EntityType, &entityID, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = &entityID.String
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		evts = append(evts, &e)
	}
	return evts, rows.Err()
}

// --- Projects ---

func (s *SQLite) CreateProject(ctx context.Context, p *core.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (uuid, name, working_dir, github_repo, default_branch,
			summary, file_map, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UUID, p.Name, p.WorkingDir, nullStr(p.GithubRepo), p.DefaultBranch,
		nullStr(p.Summary), nullStr(p.FileMap), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) GetProject(ctx context.Context, id int64) (*core.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, working_dir, github_repo, default_branch,
			summary, file_map, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("project", strconv.FormatInt(id, 10))
	}
	return p, err
}

func (s *SQLite) ListProjects(ctx context.Context) ([]*core.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, name, working_dir, github_repo, default_branch,
			summary, file_map, created_at, updated_at
		FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	projects := make([]*core.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLite) UpdateProject(ctx context.Context, p *core.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, working_dir = ?, github_repo = ?,
			default_branch = ?, summary = ?, file_map = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.WorkingDir, nullStr(p.GithubRepo), p.DefaultBranch,
		nullStr(p.Summary), nullStr(p.FileMap), p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("updating project %d: %w", p.ID, err)
	}
	return nil
}

func scanProject(r rowScanner) (*core.Project, error) {
	var p core.Project
	var repo, summary, fileMap sql.NullString
	err := r.Scan(&p.ID, &p.UUID, &p.Name, &p.WorkingDir, &repo, &p.DefaultBranch,
		&summary, &fileMap, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.GithubRepo = repo.String
	p.Summary = summary.String
	p.FileMap = fileMap.String
	return &p, nil
}

// --- Rate limit cache ---

func (s *SQLite) SaveRateLimit(ctx context.Context, st *core.RateLimitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit (id, tier, messages_used, messages_limit,
			percent_used, is_limited, reset_at, last_updated)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			messages_used = excluded.messages_used,
			messages_limit = excluded.messages_limit,
			percent_used = excluded.percent_used,
			is_limited = excluded.is_limited,
			reset_at = excluded.reset_at,
			last_updated = excluded.last_updated`,
		nullStr(st.Tier), st.MessagesUsed, st.MessagesLimit,
		st.PercentUsed, st.IsLimited, st.ResetAt, st.LastUpdated)
	if err != nil {
		return fmt.Errorf("upserting rate limit: %w", err)
	}
	return nil
}

func (s *SQLite) GetRateLimit(ctx context.Context) (*core.RateLimitStatus, error) {
	var st core.RateLimitStatus
	var tier sql.NullString
	var resetAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT tier, messages_used, messages_limit, percent_used,
			is_limited, reset_at, last_updated
		FROM rate_limit WHERE id = 1`).
		Scan(&tier, &st.MessagesUsed, &st.MessagesLimit, &st.PercentUsed,
			&st.IsLimited, &resetAt, &st.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("rate_limit", "1")
	}
	if err != nil {
		return nil, fmt.Errorf("reading rate limit: %w", err)
	}
	st.Tier = tier.String
	if resetAt.Valid {
		st.ResetAt = &resetAt.Time
	}
	return &st, nil
}

// --- helpers ---

func marshalMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func complexityPtr(c *core.Complexity) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

var _ core.Store = (*SQLite)(nil)
