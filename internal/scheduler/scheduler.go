// Package scheduler drives the task queue: each heartbeat records a beat,
// checks rate limits, deduplicates the queue, and runs either the assess
// phase or the execute phase.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/conductor/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/events"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
)

// Sessions is the session-manager surface the scheduler drives.
type Sessions interface {
	Create(ctx context.Context, taskID int64, workingDir, model string) (*core.Session, error)
	Start(ctx context.Context, sessionID int64, prompt string) error
	Cancel(ctx context.Context, sessionID int64) error
}

// Limits supplies the current rate-limit verdict.
type Limits interface {
	Status(ctx context.Context) *core.RateLimitStatus
}

// Assessor triages pending tasks.
type Assessor interface {
	AssessBatch(ctx context.Context, tasks []*core.Task) []core.AssessmentResult
}

// Config holds scheduler tuning.
type Config struct {
	// MaxConcurrent caps simultaneously executing tasks.
	MaxConcurrent int
	// AssessBatchSize caps tasks triaged per assess beat.
	AssessBatchSize int
	// GCEveryBeats is the worktree cleanup cadence.
	GCEveryBeats int64
	// DefaultWorkingDir hosts sessions for tasks without a project.
	DefaultWorkingDir string
}

// Scheduler owns one beat of queue processing at a time.
type Scheduler struct {
	store     core.Store
	sessions  Sessions
	limits    Limits
	assessor  Assessor
	workspace Workspace
	bus       *events.Bus
	logger    *logging.Logger
	cfg       Config

	beatCount int64
	lastBeat  time.Time
}

// New creates a scheduler.
func New(store core.Store, sessions Sessions, limits Limits, assessor Assessor,
	workspace Workspace, bus *events.Bus, cfg Config, logger *logging.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.AssessBatchSize <= 0 {
		cfg.AssessBatchSize = 10
	}
	if cfg.GCEveryBeats <= 0 {
		cfg.GCEveryBeats = 10
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		store:     store,
		sessions:  sessions,
		limits:    limits,
		assessor:  assessor,
		workspace: workspace,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
	}
}

// BeatCount returns how many beats have run.
func (s *Scheduler) BeatCount() int64 { return s.beatCount }

// LastBeat returns when the last beat ran, zero before the first.
func (s *Scheduler) LastBeat() time.Time { return s.lastBeat }

// Beat runs one heartbeat: odd beats assess, even beats execute. The
// caller serializes beats; Beat is not safe for concurrent use.
func (s *Scheduler) Beat(ctx context.Context) {
	s.beatCount++
	s.lastBeat = time.Now()
	beat := s.beatCount
	log := s.logger.WithBeat(beat)

	phase := "execute"
	if beat%2 == 1 {
		phase = "assess"
	}

	status := s.limits.Status(ctx)
	s.emit(ctx, events.HeartbeatTick, map[string]any{
		"timestamp":   s.lastBeat,
		"beat_number": beat,
		"phase":       phase,
		"rate_limit":  status,
	}, "")

	if status != nil && status.LimitedNow(time.Now()) {
		log.Warn("skipping beat, rate limited", "reset_at", status.ResetAt)
		s.emit(ctx, events.HeartbeatRateLimited, map[string]any{
			"beat_number": beat,
			"reset_at":    status.ResetAt,
		}, "")
		return
	}

	s.dedupe(ctx)

	if phase == "assess" {
		s.assessPhase(ctx, log)
	} else {
		s.executePhase(ctx, log)
	}

	if beat%s.cfg.GCEveryBeats == 0 {
		s.cleanupWorktrees(ctx, log)
	}
}

// dedupe cancels pending tasks whose normalized title duplicates an
// earlier-positioned pending task.
func (s *Scheduler) dedupe(ctx context.Context) {
	pending := core.TaskPending
	tasks, err := s.store.ListTasks(ctx, core.TaskFilter{Status: &pending})
	if err != nil {
		s.logger.Error("dedupe: listing pending tasks failed", "error", err)
		return
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		key := strings.ToLower(strings.TrimSpace(t.Title))
		if !seen[key] {
			seen[key] = true
			continue
		}
		t.Status = core.TaskCancelled
		now := time.Now()
		t.CompletedAt = &now
		if err := s.store.UpdateTask(ctx, t); err != nil {
			s.logger.Error("dedupe: cancelling duplicate failed", "task_id", t.ID, "error", err)
			continue
		}
		if err := s.store.UpdateTaskMetadata(ctx, t.ID, map[string]any{
			core.MetaCancelledReason: "duplicate",
		}); err != nil {
			s.logger.Error("dedupe: writing cancel reason failed", "task_id", t.ID, "error", err)
		}
		s.emitTask(ctx, events.TaskCancelled, t, map[string]any{"reason": "duplicate"})
		s.logger.Info("cancelled duplicate task", "task_id", t.ID, "title", t.Title)
	}
}

func (s *Scheduler) assessPhase(ctx context.Context, log *logging.Logger) {
	tasks, err := s.store.ActiveUnassessed(ctx, s.cfg.AssessBatchSize)
	if err != nil {
		log.Error("assess: listing unassessed tasks failed", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	log.Info("assessing tasks", "count", len(tasks))

	results := s.assessor.AssessBatch(ctx, tasks)
	byID := make(map[int64]core.AssessmentResult, len(results))
	for _, r := range results {
		byID[r.TaskID] = r
	}

	for _, t := range tasks {
		r, ok := byID[t.ID]
		if !ok {
			continue
		}
		complexity := r.Complexity
		model := r.RecommendedModel
		t.Complexity = &complexity
		t.RecommendedModel = &model
		if err := s.store.UpdateTask(ctx, t); err != nil {
			log.Error("assess: persisting assessment failed", "task_id", t.ID, "error", err)
			continue
		}
		if err := s.store.UpdateTaskMetadata(ctx, t.ID, map[string]any{
			core.MetaAssessment: map[string]any{
				"reasoning":        r.Reasoning,
				"subtasks":         r.Subtasks,
				"should_decompose": r.ShouldDecompose,
			},
		}); err != nil {
			log.Error("assess: persisting assessment metadata failed", "task_id", t.ID, "error", err)
		}
		if r.Comment != "" {
			s.addSystemComment(ctx, t.ID, r.Comment)
		}
		s.emitTask(ctx, events.TaskAssessed, t, map[string]any{
			"complexity":        string(complexity),
			"recommended_model": model,
		})
	}
}

func (s *Scheduler) executePhase(ctx context.Context, log *logging.Logger) {
	executing := core.TaskExecuting
	running, err := s.store.ListTasks(ctx, core.TaskFilter{Status: &executing})
	if err != nil {
		log.Error("execute: listing executing tasks failed", "error", err)
		return
	}

	stillRunning := 0
	for _, t := range running {
		if s.checkExecutingTask(ctx, t) {
			stillRunning++
		}
	}

	slots := s.cfg.MaxConcurrent - stillRunning
	if slots <= 0 {
		return
	}

	next, err := s.store.NextAssessed(ctx, slots)
	if err != nil {
		log.Error("execute: listing assessed tasks failed", "error", err)
		return
	}
	if len(next) == 0 {
		return
	}

	var launches []*core.Task
	for _, t := range next {
		if t.ShouldDecompose() {
			s.decompose(ctx, t)
			continue
		}
		launches = append(launches, t)
	}

	var g errgroup.Group
	for _, t := range launches {
		task := t
		g.Go(func() error {
			s.launch(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
}

// checkExecutingTask reconciles an executing task against its session and
// reports whether it is still running.
func (s *Scheduler) checkExecutingTask(ctx context.Context, task *core.Task) bool {
	if task.ActiveSessionID == nil {
		s.markFailed(ctx, task, "executing task has no session")
		return false
	}
	sess, err := s.store.GetSession(ctx, *task.ActiveSessionID)
	if err != nil {
		s.logger.Error("loading session for executing task failed",
			"task_id", task.ID, "session_id", *task.ActiveSessionID, "error", err)
		return true
	}

	switch sess.Status {
	case core.SessionCreated, core.SessionRunning:
		return true
	case core.SessionCompleted:
		s.markReadyForReview(ctx, task, sess)
	case core.SessionCancelled:
		task.Status = core.TaskCancelled
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Error("cancelling task after session cancel failed", "task_id", task.ID, "error", err)
			return true
		}
		s.emitTask(ctx, events.TaskCancelled, task, nil)
	default:
		s.markFailed(ctx, task, fmt.Sprintf("session %d failed", sess.ID))
	}
	return false
}

// decompose replaces a task with subtasks positioned ahead of the whole
// queue so children run before anything else.
func (s *Scheduler) decompose(ctx context.Context, task *core.Task) {
	titles := subtaskTitles(task)
	if len(titles) == 0 {
		s.logger.Warn("decomposition flagged without subtasks, executing directly", "task_id", task.ID)
		if err := s.store.UpdateTaskMetadata(ctx, task.ID, map[string]any{
			core.MetaDecomposeOnBeat: false,
		}); err != nil {
			s.logger.Error("clearing decompose flag failed", "task_id", task.ID, "error", err)
		}
		s.launch(ctx, task)
		return
	}

	minPos := task.Position
	if all, err := s.store.ListTasks(ctx, core.TaskFilter{}); err == nil {
		for _, t := range all {
			if t.Position < minPos {
				minPos = t.Position
			}
		}
	}

	childIDs := make([]int64, 0, len(titles))
	for i, title := range titles {
		child, err := core.NewTask(title, "Subtask of: "+task.Title)
		if err != nil {
			s.logger.Error("creating subtask failed", "task_id", task.ID, "title", title, "error", err)
			continue
		}
		child.Priority = task.Priority
		child.ParentTaskID = &task.ID
		child.ProjectID = task.ProjectID
		if err := s.store.CreateTask(ctx, child); err != nil {
			s.logger.Error("persisting subtask failed", "task_id", task.ID, "title", title, "error", err)
			continue
		}
		// CreateTask auto-assigns a queue-tail position, so the
		// ahead-of-queue slot (which may be zero or negative) is
		// written in a second update.
		child.Position = minPos - len(titles) + i
		if err := s.store.UpdateTask(ctx, child); err != nil {
			s.logger.Error("positioning subtask failed", "task_id", child.ID, "error", err)
		}
		childIDs = append(childIDs, child.ID)
		s.emitTask(ctx, events.TaskCreated, child, map[string]any{"parent_task_id": task.ID})
	}

	task.Status = core.TaskDecomposed
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("marking task decomposed failed", "task_id", task.ID, "error", err)
		return
	}
	if err := s.store.UpdateTaskMetadata(ctx, task.ID, map[string]any{
		core.MetaDecomposeOnBeat: false,
		core.MetaDecomposedInto:  childIDs,
	}); err != nil {
		s.logger.Error("writing decomposition metadata failed", "task_id", task.ID, "error", err)
	}
	s.emitTask(ctx, events.TaskNeedsDecomposition, task, map[string]any{
		"subtasks":         titles,
		"created_task_ids": childIDs,
	})
	s.logger.Info("decomposed task", "task_id", task.ID, "subtasks", len(childIDs))
}

// launch moves a task to executing and starts a session for it, preferring
// an isolated worktree when the task belongs to a GitHub-backed project.
func (s *Scheduler) launch(ctx context.Context, task *core.Task) {
	task.Status = core.TaskExecuting
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("marking task executing failed", "task_id", task.ID, "error", err)
		return
	}
	s.emitTask(ctx, events.TaskExecuting, task, nil)

	workingDir := s.cfg.DefaultWorkingDir
	if task.ProjectID != nil {
		project, err := s.store.GetProject(ctx, *task.ProjectID)
		if err != nil {
			s.markFailed(ctx, task, "loading project: "+err.Error())
			return
		}
		workingDir = project.WorkingDir
		if project.GithubRepo != "" {
			branch := git.BranchName(task.ID, task.Title)
			wtPath, err := s.workspace.PrepareWorktree(ctx, project, branch)
			if err != nil {
				// Fall back to the main clone; the session still runs, just
				// without branch isolation.
				s.logger.Warn("worktree creation failed, using main clone",
					"task_id", task.ID, "branch", branch, "error", err)
			} else {
				workingDir = wtPath
				// Mirror the patch into the struct: the session-link update
				// below writes the whole metadata column back.
				if task.Metadata == nil {
					task.Metadata = map[string]any{}
				}
				task.Metadata[core.MetaBranch] = branch
				task.Metadata[core.MetaWorktreePath] = wtPath
				task.Metadata[core.MetaRepoDir] = project.WorkingDir
				if err := s.store.UpdateTaskMetadata(ctx, task.ID, map[string]any{
					core.MetaBranch:       branch,
					core.MetaWorktreePath: wtPath,
					core.MetaRepoDir:      project.WorkingDir,
				}); err != nil {
					s.logger.Error("writing worktree metadata failed", "task_id", task.ID, "error", err)
				}
			}
		}
	}

	model := "sonnet"
	if task.RecommendedModel != nil && *task.RecommendedModel != "" {
		model = *task.RecommendedModel
	}

	sess, err := s.sessions.Create(ctx, task.ID, workingDir, model)
	if err != nil {
		s.markFailed(ctx, task, "creating session: "+err.Error())
		return
	}
	task.ActiveSessionID = &sess.ID
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("linking session to task failed", "task_id", task.ID, "error", err)
	}

	comments, err := s.store.ListComments(ctx, task.ID)
	if err != nil {
		s.logger.Warn("loading comments for prompt failed", "task_id", task.ID, "error", err)
	}

	if err := s.sessions.Start(ctx, sess.ID, BuildPrompt(task, comments)); err != nil {
		s.markFailed(ctx, task, "starting session: "+err.Error())
		return
	}
	s.logger.Info("task executing", "task_id", task.ID, "session_id", sess.ID, "model", model)
}

// markReadyForReview finishes a successful execution: review comment, commit
// and push, pull request, then worktree removal.
func (s *Scheduler) markReadyForReview(ctx context.Context, task *core.Task, sess *core.Session) {
	task.Status = core.TaskReadyForReview
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("marking task ready for review failed", "task_id", task.ID, "error", err)
		return
	}
	s.emitTask(ctx, events.TaskReadyForReview, task, map[string]any{"exit_code": exitCode(sess)})

	review := buildReviewComment(sess.StdoutPath, exitCode(sess))

	branch := task.MetaString(core.MetaBranch)
	if task.ProjectID != nil && branch != "" {
		if project, err := s.store.GetProject(ctx, *task.ProjectID); err == nil && project.GithubRepo != "" {
			review = s.publish(ctx, task, project, branch, review)
		}
	}

	s.addSystemComment(ctx, task.ID, review)

	if task.ParentTaskID != nil {
		s.checkParentCompletion(ctx, *task.ParentTaskID)
	}
}

// publish pushes the task branch and opens a PR, annotating the review
// comment with the outcome. The worktree is removed only after success.
func (s *Scheduler) publish(ctx context.Context, task *core.Task, project *core.Project, branch, review string) string {
	worktree := task.MetaString(core.MetaWorktreePath)
	repoDir := task.MetaString(core.MetaRepoDir)
	if repoDir == "" {
		repoDir = project.WorkingDir
	}
	commitDir := worktree
	if commitDir == "" {
		commitDir = project.WorkingDir
	}

	message := fmt.Sprintf("Task #%d: %s", task.ID, task.Title)
	if err := s.workspace.CommitAndPush(ctx, commitDir, branch, message); err != nil {
		s.logger.Error("commit and push failed", "task_id", task.ID, "branch", branch, "error", err)
		return review + fmt.Sprintf("\n\n*Auto-PR failed: %v*", err)
	}

	prURL, err := s.workspace.CreatePR(ctx, project, branch, task.Title, review)
	if err != nil {
		s.logger.Error("pull request creation failed", "task_id", task.ID, "branch", branch, "error", err)
		return review + fmt.Sprintf("\n\n*Auto-PR failed: %v*", err)
	}

	if err := s.store.UpdateTaskMetadata(ctx, task.ID, map[string]any{core.MetaPRURL: prURL}); err != nil {
		s.logger.Error("writing pr url failed", "task_id", task.ID, "error", err)
	}
	if worktree != "" {
		if err := s.workspace.RemoveWorktree(ctx, repoDir, worktree); err != nil {
			s.logger.Warn("removing worktree after PR failed", "task_id", task.ID, "error", err)
		}
	}
	s.logger.Info("pull request created", "task_id", task.ID, "url", prURL)
	return review + "\n\n**Pull Request:** " + prURL
}

// markFailed requeues a task after a failure: worktree and branch are torn
// down, the retry counter advances, and the task returns to pending.
func (s *Scheduler) markFailed(ctx context.Context, task *core.Task, reason string) {
	worktree := task.MetaString(core.MetaWorktreePath)
	repoDir := task.MetaString(core.MetaRepoDir)
	branch := task.MetaString(core.MetaBranch)
	if worktree != "" && repoDir != "" {
		if err := s.workspace.RemoveWorktree(ctx, repoDir, worktree); err != nil {
			s.logger.Warn("removing worktree for failed task failed", "task_id", task.ID, "error", err)
		}
		if branch != "" {
			if err := s.workspace.DeleteBranch(ctx, repoDir, branch); err != nil {
				s.logger.Warn("deleting branch for failed task failed", "task_id", task.ID, "error", err)
			}
		}
	}

	retries := task.RetryCount() + 1
	task.Status = core.TaskPending
	task.ActiveSessionID = nil
	task.CompletedAt = nil
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("requeueing failed task failed", "task_id", task.ID, "error", err)
		return
	}
	if err := s.store.UpdateTaskMetadata(ctx, task.ID, map[string]any{
		core.MetaError:        reason,
		core.MetaRetryCount:   retries,
		core.MetaLastFailure:  time.Now().Format(time.RFC3339),
		core.MetaWorktreePath: nil,
		core.MetaRepoDir:      nil,
		core.MetaBranch:       nil,
	}); err != nil {
		s.logger.Error("writing failure metadata failed", "task_id", task.ID, "error", err)
	}
	s.emitTask(ctx, events.TaskRequeued, task, map[string]any{
		"error":       reason,
		"retry_count": retries,
	})
	s.logger.Warn("task requeued after failure", "task_id", task.ID, "retry_count", retries, "error", reason)
}

// checkParentCompletion derives a decomposed parent's status from its
// children once none of them remain in flight.
// ReconcileParent re-derives a decomposed parent's status from its children.
func (s *Scheduler) ReconcileParent(ctx context.Context, parentID int64) {
	s.checkParentCompletion(ctx, parentID)
}

func (s *Scheduler) checkParentCompletion(ctx context.Context, parentID int64) {
	parent, err := s.store.GetTask(ctx, parentID)
	if err != nil || parent.Status != core.TaskDecomposed {
		return
	}
	children, err := s.store.Subtasks(ctx, parentID)
	if err != nil || len(children) == 0 {
		return
	}

	anyFailed, anyReviewing := false, false
	for _, c := range children {
		switch c.Status {
		case core.TaskCompleted, core.TaskCancelled:
		case core.TaskFailed:
			anyFailed = true
		case core.TaskReadyForReview:
			anyReviewing = true
		default:
			// A child still pending or executing keeps the parent open.
			return
		}
	}

	switch {
	case anyFailed:
		parent.Status = core.TaskFailed
		s.emitTask(ctx, events.TaskFailed, parent, nil)
	case anyReviewing:
		parent.Status = core.TaskReadyForReview
		s.emitTask(ctx, events.TaskReadyForReview, parent, nil)
	default:
		now := time.Now()
		parent.Status = core.TaskCompleted
		parent.CompletedAt = &now
		s.emitTask(ctx, events.TaskCompleted, parent, nil)
	}
	if err := s.store.UpdateTask(ctx, parent); err != nil {
		s.logger.Error("updating decomposed parent failed", "task_id", parentID, "error", err)
	}
}

// CancelTask cancels a task, stopping its session and tearing down its
// worktree and branch.
func (s *Scheduler) CancelTask(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("task %d is already %s", taskID, task.Status))
	}

	if task.ActiveSessionID != nil {
		if err := s.sessions.Cancel(ctx, *task.ActiveSessionID); err != nil {
			s.logger.Warn("cancelling session for task failed",
				"task_id", taskID, "session_id", *task.ActiveSessionID, "error", err)
		}
	}

	worktree := task.MetaString(core.MetaWorktreePath)
	repoDir := task.MetaString(core.MetaRepoDir)
	branch := task.MetaString(core.MetaBranch)
	if worktree != "" && repoDir != "" {
		if err := s.workspace.RemoveWorktree(ctx, repoDir, worktree); err != nil {
			s.logger.Warn("removing worktree for cancelled task failed", "task_id", taskID, "error", err)
		}
		if branch != "" {
			if err := s.workspace.DeleteBranch(ctx, repoDir, branch); err != nil {
				s.logger.Warn("deleting branch for cancelled task failed", "task_id", taskID, "error", err)
			}
		}
	}

	task.Status = core.TaskCancelled
	task.ActiveSessionID = nil
	now := time.Now()
	task.CompletedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	s.emitTask(ctx, events.TaskCancelled, task, nil)
	return nil
}

// cleanupWorktrees removes worktrees whose branch no longer belongs to a
// live task. Branches of non-terminal tasks are kept.
func (s *Scheduler) cleanupWorktrees(ctx context.Context, log *logging.Logger) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		log.Error("gc: listing projects failed", "error", err)
		return
	}
	tasks, err := s.store.ListTasks(ctx, core.TaskFilter{})
	if err != nil {
		log.Error("gc: listing tasks failed", "error", err)
		return
	}

	active := make(map[string]bool)
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if branch := t.MetaString(core.MetaBranch); branch != "" {
			active[branch] = true
		}
	}

	for _, p := range projects {
		if p.GithubRepo == "" {
			continue
		}
		removed, err := s.workspace.CleanupStale(ctx, p, active)
		if err != nil {
			log.Warn("gc: cleanup failed", "project", p.Name, "error", err)
			continue
		}
		if removed > 0 {
			log.Info("gc: removed stale worktrees", "project", p.Name, "count", removed)
		}
	}
}

func (s *Scheduler) addSystemComment(ctx context.Context, taskID int64, content string) {
	comment := core.NewComment(taskID, content, "system")
	if err := s.store.CreateComment(ctx, comment); err != nil {
		s.logger.Error("creating system comment failed", "task_id", taskID, "error", err)
		return
	}
	s.emit(ctx, events.CommentCreated, map[string]any{
		"task_id": taskID,
		"author":  "system",
	}, strconv.FormatInt(comment.ID, 10))
}

func (s *Scheduler) emitTask(ctx context.Context, eventType string, task *core.Task, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["task_id"] = task.ID
	payload["status"] = string(task.Status)
	if s.bus != nil {
		s.bus.Emit(ctx, eventType, payload, "task", strconv.FormatInt(task.ID, 10))
	}
}

func (s *Scheduler) emit(ctx context.Context, eventType string, payload map[string]any, entityID string) {
	if s.bus != nil {
		s.bus.Emit(ctx, eventType, payload, "system", entityID)
	}
}

func subtaskTitles(task *core.Task) []string {
	assessment := task.Assessment()
	if assessment == nil {
		return nil
	}
	var titles []string
	switch v := assessment["subtasks"].(type) {
	case []string:
		titles = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				titles = append(titles, s)
			}
		}
	}
	return titles
}

func exitCode(sess *core.Session) int {
	if sess.ExitCode == nil {
		return -1
	}
	return *sess.ExitCode
}
