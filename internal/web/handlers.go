package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/events"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type systemStatus struct {
	RateLimit       *core.RateLimitStatus `json:"rate_limit"`
	ActiveTasks     int                   `json:"active_tasks"`
	PendingTasks    int                   `json:"pending_tasks"`
	RunningSessions int                   `json:"running_sessions"`
	HeartbeatActive bool                  `json:"heartbeat_active"`
	LastBeat        *time.Time            `json:"last_heartbeat,omitempty"`
	BeatNumber      int64                 `json:"beat_number"`
}

// handleStatus reports system state from cached data only; it never probes.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := systemStatus{
		RateLimit:       s.limits.Cached(ctx),
		HeartbeatActive: s.pulse.Active(),
		BeatNumber:      s.control.BeatCount(),
	}
	if last := s.control.LastBeat(); !last.IsZero() {
		status.LastBeat = &last
	}

	tasks, err := s.store.ListTasks(ctx, core.TaskFilter{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, t := range tasks {
		switch t.Status {
		case core.TaskPending:
			status.PendingTasks++
		case core.TaskAssessing, core.TaskExecuting:
			status.ActiveTasks++
		}
		if t.Status == core.TaskExecuting && t.ActiveSessionID != nil {
			if sess, err := s.store.GetSession(ctx, *t.ActiveSessionID); err == nil &&
				sess.Status == core.SessionRunning {
				status.RunningSessions++
			}
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"timestamp":        time.Now().UTC(),
		"heartbeat_active": s.pulse.Active(),
	})
}

func (s *Server) handleHeartbeatTrigger(w http.ResponseWriter, _ *http.Request) {
	s.pulse.Trigger()
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "triggered",
		"beat_number": s.control.BeatCount(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := core.TaskFilter{Limit: queryInt(r, "limit", 100), Offset: queryInt(r, "offset", 0)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := core.ParseTaskStatus(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		filter.Status = &status
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*core.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

type taskCreateRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	ProjectID   *int64         `json:"project_id"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	task, err := core.NewTask(req.Title, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	task.Priority = req.Priority
	task.ProjectID = req.ProjectID
	for k, v := range req.Metadata {
		task.Metadata[k] = v
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.writeError(w, err)
		return
	}
	s.emit(r, events.TaskCreated, map[string]any{
		"task_id":  task.ID,
		"title":    task.Title,
		"priority": task.Priority,
	}, "task", task.UUID)
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

type taskUpdateRequest struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Priority    *int           `json:"priority"`
	Position    *int           `json:"position"`
	Active      *bool          `json:"active"`
	Status      *string        `json:"status"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var req taskUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.Position != nil {
		task.Position = *req.Position
	}
	if req.Active != nil {
		task.Metadata[core.MetaActive] = *req.Active
	}
	if req.Status != nil {
		status, err := core.ParseTaskStatus(*req.Status)
		if err != nil {
			s.writeError(w, err)
			return
		}
		task.Status = status
	}
	for k, v := range req.Metadata {
		if v == nil {
			delete(task.Metadata, k)
			continue
		}
		task.Metadata[k] = v
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.writeError(w, err)
		return
	}
	s.emit(r, events.TaskUpdated, map[string]any{"task_id": task.ID}, "task", task.UUID)
	s.writeJSON(w, http.StatusOK, task)
}

// handleChangeTaskStatus is the manual override: any valid status, with
// completed_at maintained and parent reconciliation for subtasks.
func (s *Server) handleChangeTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	status, err := core.ParseTaskStatus(req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}

	previous := task.Status
	task.Status = status
	switch status {
	case core.TaskCompleted, core.TaskFailed, core.TaskCancelled:
		now := time.Now()
		task.CompletedAt = &now
	case core.TaskPending, core.TaskExecuting:
		task.CompletedAt = nil
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.writeError(w, err)
		return
	}
	s.emit(r, "task."+string(status), map[string]any{
		"task_id":         task.ID,
		"manual":          true,
		"previous_status": string(previous),
	}, "task", task.UUID)

	if task.ParentTaskID != nil {
		switch status {
		case core.TaskCompleted, core.TaskFailed, core.TaskCancelled, core.TaskReadyForReview:
			s.control.ReconcileParent(r.Context(), *task.ParentTaskID)
		}
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	if err := s.control.CancelTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleReorderTasks(w http.ResponseWriter, r *http.Request) {
	var req []struct {
		ID       int64 `json:"id"`
		Position int   `json:"position"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	positions := make(map[int64]int, len(req))
	for _, item := range req {
		positions[item.ID] = item.Position
	}
	if err := s.store.ReorderTasks(r.Context(), positions); err != nil {
		s.writeError(w, err)
		return
	}
	s.emit(r, events.TasksReordered, map[string]any{"count": len(positions)}, "system", "")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
}

func (s *Server) handleListSubtasks(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	subtasks, err := s.store.Subtasks(r.Context(), task.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if subtasks == nil {
		subtasks = []*core.Task{}
	}
	s.writeJSON(w, http.StatusOK, subtasks)
}

func (s *Server) handleLatestComments(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	for _, part := range strings.Split(r.URL.Query().Get("task_ids"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			s.writeError(w, core.ErrValidation("INVALID_ID", "task_ids must be comma-separated integers"))
			return
		}
		ids = append(ids, id)
	}
	latest, err := s.store.LatestComments(r.Context(), ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make(map[string]*core.Comment, len(latest))
	for id, c := range latest {
		out[strconv.FormatInt(id, 10)] = c
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	comments, err := s.store.ListComments(r.Context(), task.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if comments == nil {
		comments = []*core.Comment{}
	}
	s.writeJSON(w, http.StatusOK, comments)
}

// handleCreateComment adds a comment. A user comment on a task in review
// sends it back to pending so the next execute beat reworks it with the
// feedback in its prompt.
func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
		Author  string `json:"author"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		s.writeError(w, core.ErrValidation("EMPTY_CONTENT", "comment content is required"))
		return
	}
	if req.Author == "" {
		req.Author = "user"
	}

	comment := core.NewComment(task.ID, req.Content, req.Author)
	if err := s.store.CreateComment(r.Context(), comment); err != nil {
		s.writeError(w, err)
		return
	}
	s.emit(r, events.CommentCreated, map[string]any{
		"task_id":    task.ID,
		"comment_id": comment.ID,
		"author":     comment.Author,
	}, "comment", comment.UUID)

	if req.Author == "user" && task.Status == core.TaskReadyForReview {
		task.Status = core.TaskPending
		task.ActiveSessionID = nil
		task.CompletedAt = nil
		if err := s.store.UpdateTask(r.Context(), task); err != nil {
			s.writeError(w, err)
			return
		}
		s.emit(r, events.TaskRequeued, map[string]any{
			"task_id": task.ID,
			"reason":  "user_feedback",
		}, "task", task.UUID)
	}

	s.writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), task.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*core.Session{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "sessionID")
	if !ok {
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	path := sess.StdoutPath
	if r.URL.Query().Get("stream") == "stderr" {
		path = sess.StderrPath
	}
	if path == "" {
		s.writeError(w, core.ErrNotFound("session log", strconv.FormatInt(id, 10)))
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.writeError(w, core.ErrNotFound("session log", strconv.FormatInt(id, 10)))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if projects == nil {
		projects = []*core.Project{}
	}
	s.writeJSON(w, http.StatusOK, projects)
}

type projectRequest struct {
	Name          *string `json:"name"`
	WorkingDir    *string `json:"working_dir"`
	GithubRepo    *string `json:"github_repo"`
	DefaultBranch *string `json:"default_branch"`
	Summary       *string `json:"summary"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !s.decode(w, r, &req) {
		return
	}
	name, workingDir := "", ""
	if req.Name != nil {
		name = *req.Name
	}
	if req.WorkingDir != nil {
		workingDir = *req.WorkingDir
	}
	project, err := core.NewProject(name, workingDir)
	if err != nil {
		s.writeError(w, err)
		return
	}
	applyProjectPatch(project, req)
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		s.writeError(w, err)
		return
	}
	s.emit(r, events.ProjectCreated, map[string]any{
		"project_id": project.ID,
		"name":       project.Name,
	}, "project", project.UUID)
	s.writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "projectID")
	if !ok {
		return
	}
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "projectID")
	if !ok {
		return
	}
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req projectRequest
	if !s.decode(w, r, &req) {
		return
	}
	applyProjectPatch(project, req)
	if err := s.store.UpdateProject(r.Context(), project); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

func applyProjectPatch(p *core.Project, req projectRequest) {
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.WorkingDir != nil {
		p.WorkingDir = *req.WorkingDir
	}
	if req.GithubRepo != nil {
		p.GithubRepo = *req.GithubRepo
	}
	if req.DefaultBranch != nil {
		p.DefaultBranch = *req.DefaultBranch
	}
	if req.Summary != nil {
		p.Summary = *req.Summary
	}
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListEvents(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*core.Event{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

// helpers

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*core.Task, bool) {
	id, ok := s.pathID(w, r, "taskID")
	if !ok {
		return nil, false
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return task, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		s.writeError(w, core.ErrValidation("INVALID_ID", name+" must be an integer"))
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, core.ErrValidation("INVALID_BODY", "malformed JSON body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		code = domErr.Code
		switch domErr.Category {
		case core.ErrCatValidation:
			status = http.StatusBadRequest
		case core.ErrCatNotFound:
			status = http.StatusNotFound
		case core.ErrCatState:
			status = http.StatusConflict
		case core.ErrCatRateLimit:
			status = http.StatusTooManyRequests
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func (s *Server) emit(r *http.Request, eventType string, payload map[string]any, entityType, entityID string) {
	if s.bus != nil {
		s.bus.Emit(r.Context(), eventType, payload, entityType, entityID)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
