package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/events"
	"github.com/hugo-lorenzo-mato/conductor/internal/store"
)

// memStore is the in-memory core.Store subset the scheduler touches.
type memStore struct {
	core.Store
	mu       sync.Mutex
	tasks    map[int64]*core.Task
	sessions map[int64]*core.Session
	comments map[int64][]*core.Comment
	projects map[int64]*core.Project
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    make(map[int64]*core.Task),
		sessions: make(map[int64]*core.Session),
		comments: make(map[int64][]*core.Comment),
		projects: make(map[int64]*core.Project),
	}
}

func (m *memStore) CreateTask(_ context.Context, t *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	cp := cloneTask(t)
	m.tasks[t.ID] = cp
	return nil
}

func (m *memStore) GetTask(_ context.Context, id int64) (*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", "x")
	}
	return cloneTask(t), nil
}

func (m *memStore) ListTasks(_ context.Context, f core.TaskFilter) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Task
	for _, t := range m.tasks {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sortTasks(out)
	return out, nil
}

func (m *memStore) UpdateTask(_ context.Context, t *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *memStore) UpdateTaskMetadata(_ context.Context, id int64, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return core.ErrNotFound("task", "x")
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(t.Metadata, k)
			continue
		}
		t.Metadata[k] = v
	}
	return nil
}

func (m *memStore) ActiveUnassessed(_ context.Context, limit int) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Task
	for _, t := range m.tasks {
		if t.Status == core.TaskPending && t.IsActive() && !t.IsAssessed() {
			out = append(out, cloneTask(t))
		}
	}
	sortTasks(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) NextAssessed(_ context.Context, limit int) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Task
	for _, t := range m.tasks {
		if t.Status == core.TaskPending && t.IsActive() && t.IsAssessed() {
			out = append(out, cloneTask(t))
		}
	}
	sortTasks(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Subtasks(_ context.Context, parentID int64) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Task
	for _, t := range m.tasks {
		if t.ParentTaskID != nil && *t.ParentTaskID == parentID {
			out = append(out, cloneTask(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *memStore) CreateSession(_ context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) GetSession(_ context.Context, id int64) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrNotFound("session", "x")
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) CreateComment(_ context.Context, c *core.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	cp := *c
	m.comments[c.TaskID] = append(m.comments[c.TaskID], &cp)
	return nil
}

func (m *memStore) ListComments(_ context.Context, taskID int64) ([]*core.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*core.Comment(nil), m.comments[taskID]...), nil
}

func (m *memStore) CreateProject(_ context.Context, p *core.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *memStore) GetProject(_ context.Context, id int64) (*core.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, core.ErrNotFound("project", "x")
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListProjects(_ context.Context) ([]*core.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Project
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CreateEvent(_ context.Context, _ *core.Event) error { return nil }

func (m *memStore) task(t *testing.T, id int64) *core.Task {
	t.Helper()
	task, err := m.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("task %d: %v", id, err)
	}
	return task
}

func cloneTask(t *core.Task) *core.Task {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func sortTasks(tasks []*core.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})
}

type startedSession struct {
	sessionID int64
	prompt    string
}

type fakeSessions struct {
	store     *memStore
	createErr error
	startErr  error

	mu        sync.Mutex
	started   []startedSession
	cancelled []int64
}

func (f *fakeSessions) Create(ctx context.Context, taskID int64, workingDir, model string) (*core.Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	sess := core.NewSession(taskID, workingDir, model)
	if err := f.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (f *fakeSessions) Start(_ context.Context, sessionID int64, prompt string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, startedSession{sessionID, prompt})
	return nil
}

func (f *fakeSessions) Cancel(_ context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

func (f *fakeSessions) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type fakeLimits struct {
	status *core.RateLimitStatus
}

func (f *fakeLimits) Status(context.Context) *core.RateLimitStatus {
	if f.status == nil {
		return &core.RateLimitStatus{}
	}
	return f.status
}

type fakeAssessor struct {
	results []core.AssessmentResult
	calls   int
}

func (f *fakeAssessor) AssessBatch(_ context.Context, tasks []*core.Task) []core.AssessmentResult {
	f.calls++
	if f.results != nil {
		return f.results
	}
	out := make([]core.AssessmentResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, core.DefaultAssessment(t.ID))
	}
	return out
}

type fakeWorkspace struct {
	prepareErr error
	pushErr    error
	prErr      error
	prURL      string

	mu              sync.Mutex
	prepared        []string
	removed         []string
	deletedBranches []string
	pushed          []string
	prTitles        []string
	cleanupCalls    int
	lastActive      map[string]bool
}

func (f *fakeWorkspace) PrepareWorktree(_ context.Context, _ *core.Project, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return "", f.prepareErr
	}
	f.prepared = append(f.prepared, branch)
	return "/worktrees/" + branch, nil
}

func (f *fakeWorkspace) RemoveWorktree(_ context.Context, _, worktreePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, worktreePath)
	return nil
}

func (f *fakeWorkspace) DeleteBranch(_ context.Context, _, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedBranches = append(f.deletedBranches, branch)
	return nil
}

func (f *fakeWorkspace) CommitAndPush(_ context.Context, _, branch, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, branch)
	return nil
}

func (f *fakeWorkspace) CreatePR(_ context.Context, _ *core.Project, _, title, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prErr != nil {
		return "", f.prErr
	}
	f.prTitles = append(f.prTitles, title)
	if f.prURL != "" {
		return f.prURL, nil
	}
	return "https://github.com/acme/widgets/pull/1", nil
}

func (f *fakeWorkspace) CleanupStale(_ context.Context, _ *core.Project, active map[string]bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
	f.lastActive = active
	return 0, nil
}

type fixture struct {
	store     *memStore
	sessions  *fakeSessions
	limits    *fakeLimits
	assessor  *fakeAssessor
	workspace *fakeWorkspace
	scheduler *Scheduler
}

func newFixture(cfg Config) *fixture {
	store := newMemStore()
	f := &fixture{
		store:     store,
		sessions:  &fakeSessions{store: store},
		limits:    &fakeLimits{},
		assessor:  &fakeAssessor{},
		workspace: &fakeWorkspace{},
	}
	f.scheduler = New(store, f.sessions, f.limits, f.assessor, f.workspace, nil, cfg, nil)
	return f
}

func (f *fixture) addTask(t *testing.T, title string, mutate func(*core.Task)) *core.Task {
	t.Helper()
	task, err := core.NewTask(title, "do "+title)
	if err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(task)
	}
	if err := f.store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func (f *fixture) addProject(t *testing.T, repo string) *core.Project {
	t.Helper()
	p, err := core.NewProject("widgets", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p.GithubRepo = repo
	if err := f.store.CreateProject(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

func assessed(model string) func(*core.Task) {
	return func(t *core.Task) {
		c := core.ComplexityMedium
		t.Complexity = &c
		t.RecommendedModel = &model
	}
}

func TestBeatAlternatesPhases(t *testing.T) {
	f := newFixture(Config{})
	f.addTask(t, "write docs", nil)

	f.scheduler.Beat(context.Background())
	if f.assessor.calls != 1 {
		t.Fatalf("assessor calls after beat 1 = %d", f.assessor.calls)
	}

	f.scheduler.Beat(context.Background())
	if f.assessor.calls != 1 {
		t.Errorf("assessor ran during execute beat")
	}
	if got := f.scheduler.BeatCount(); got != 2 {
		t.Errorf("beat count = %d", got)
	}
}

func TestRateLimitedBeatSkipsWork(t *testing.T) {
	f := newFixture(Config{})
	reset := time.Now().Add(time.Hour)
	f.limits.status = &core.RateLimitStatus{IsLimited: true, ResetAt: &reset}
	f.addTask(t, "write docs", nil)

	bus := events.New(nil, nil)
	defer bus.Close()
	f.scheduler.bus = bus
	q := bus.Subscribe(events.Wildcard, 10)

	f.scheduler.Beat(context.Background())

	if f.assessor.calls != 0 {
		t.Errorf("assessor ran while rate limited")
	}
	tick := <-q
	if tick.EventType != events.HeartbeatTick {
		t.Errorf("first event = %s", tick.EventType)
	}
	limited := <-q
	if limited.EventType != events.HeartbeatRateLimited {
		t.Errorf("second event = %s", limited.EventType)
	}
}

func TestDedupeCancelsLaterDuplicate(t *testing.T) {
	f := newFixture(Config{})
	first := f.addTask(t, "Fix login bug", func(task *core.Task) { task.Position = 1 })
	dup := f.addTask(t, "  fix login BUG ", func(task *core.Task) { task.Position = 2 })

	f.scheduler.dedupe(context.Background())

	if got := f.store.task(t, first.ID).Status; got != core.TaskPending {
		t.Errorf("original status = %s", got)
	}
	cancelled := f.store.task(t, dup.ID)
	if cancelled.Status != core.TaskCancelled {
		t.Errorf("duplicate status = %s", cancelled.Status)
	}
	if cancelled.MetaString(core.MetaCancelledReason) != "duplicate" {
		t.Errorf("cancelled_reason = %q", cancelled.MetaString(core.MetaCancelledReason))
	}
	if cancelled.CompletedAt == nil {
		t.Errorf("cancelled duplicate has no completed_at")
	}
}

func TestDedupeSecondPassIsNoop(t *testing.T) {
	f := newFixture(Config{})
	f.addTask(t, "Fix login bug", func(task *core.Task) { task.Position = 1 })
	dup := f.addTask(t, "fix login bug", func(task *core.Task) { task.Position = 2 })

	bus := events.New(nil, nil)
	defer bus.Close()
	f.scheduler.bus = bus
	q := bus.Subscribe(events.TaskCancelled, 10)

	f.scheduler.dedupe(context.Background())
	first := <-q
	if got := first.Payload["task_id"]; got != dup.ID {
		t.Fatalf("first pass cancelled task %v", got)
	}

	f.scheduler.dedupe(context.Background())
	select {
	case env := <-q:
		t.Fatalf("second pass cancelled task %v", env.Payload["task_id"])
	default:
	}
}

func TestAssessPhasePersistsResults(t *testing.T) {
	f := newFixture(Config{})
	task := f.addTask(t, "add search endpoint", nil)
	f.assessor.results = []core.AssessmentResult{{
		TaskID:           task.ID,
		Complexity:       core.ComplexitySimple,
		RecommendedModel: "haiku",
		Reasoning:        "small change",
		Comment:          "double-check the pagination defaults",
	}}

	f.scheduler.assessPhase(context.Background(), f.scheduler.logger)

	got := f.store.task(t, task.ID)
	if got.Complexity == nil || *got.Complexity != core.ComplexitySimple {
		t.Errorf("complexity = %v", got.Complexity)
	}
	if got.RecommendedModel == nil || *got.RecommendedModel != "haiku" {
		t.Errorf("recommended_model = %v", got.RecommendedModel)
	}
	if got.Assessment()["reasoning"] != "small change" {
		t.Errorf("assessment metadata = %v", got.Assessment())
	}
	comments, _ := f.store.ListComments(context.Background(), task.ID)
	if len(comments) != 1 || comments[0].Author != "system" {
		t.Fatalf("comments = %v", comments)
	}
}

func TestExecuteLaunchesInWorktree(t *testing.T) {
	f := newFixture(Config{})
	project := f.addProject(t, "acme/widgets")
	task := f.addTask(t, "add search endpoint", func(task *core.Task) {
		assessed("sonnet")(task)
		task.ProjectID = &project.ID
	})

	f.scheduler.executePhase(context.Background(), f.scheduler.logger)

	got := f.store.task(t, task.ID)
	if got.Status != core.TaskExecuting {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ActiveSessionID == nil {
		t.Fatal("no session linked")
	}
	branch := got.MetaString(core.MetaBranch)
	if !strings.HasPrefix(branch, "task-") || !strings.Contains(branch, "add-search") {
		t.Errorf("branch = %q", branch)
	}
	if got.MetaString(core.MetaWorktreePath) != "/worktrees/"+branch {
		t.Errorf("worktree_path = %q", got.MetaString(core.MetaWorktreePath))
	}

	sess, _ := f.store.GetSession(context.Background(), *got.ActiveSessionID)
	if sess.WorkingDir != "/worktrees/"+branch {
		t.Errorf("session working dir = %q", sess.WorkingDir)
	}
	if sess.Model != "sonnet" {
		t.Errorf("session model = %q", sess.Model)
	}

	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	if len(f.sessions.started) != 1 {
		t.Fatalf("started sessions = %d", len(f.sessions.started))
	}
	prompt := f.sessions.started[0].prompt
	for _, frag := range []string{"add search endpoint", "## Git rules", "## How to test"} {
		if !strings.Contains(prompt, frag) {
			t.Errorf("prompt missing %q", frag)
		}
	}
}

func TestExecuteFallsBackWhenWorktreeFails(t *testing.T) {
	f := newFixture(Config{})
	f.workspace.prepareErr = errors.New("disk full")
	project := f.addProject(t, "acme/widgets")
	task := f.addTask(t, "add search endpoint", func(task *core.Task) {
		assessed("sonnet")(task)
		task.ProjectID = &project.ID
	})

	f.scheduler.executePhase(context.Background(), f.scheduler.logger)

	got := f.store.task(t, task.ID)
	if got.Status != core.TaskExecuting {
		t.Fatalf("status = %s", got.Status)
	}
	if got.MetaString(core.MetaBranch) != "" {
		t.Errorf("branch metadata set despite worktree failure")
	}
	sess, _ := f.store.GetSession(context.Background(), *got.ActiveSessionID)
	if sess.WorkingDir != project.WorkingDir {
		t.Errorf("session working dir = %q, want main clone", sess.WorkingDir)
	}
}

func TestExecuteRespectsConcurrencyCap(t *testing.T) {
	f := newFixture(Config{MaxConcurrent: 2})
	for i := 0; i < 2; i++ {
		sess := core.NewSession(0, "", "sonnet")
		sess.Status = core.SessionRunning
		if err := f.store.CreateSession(context.Background(), sess); err != nil {
			t.Fatal(err)
		}
		f.addTask(t, "running "+sess.UUID, func(task *core.Task) {
			task.Status = core.TaskExecuting
			task.ActiveSessionID = &sess.ID
		})
	}
	f.addTask(t, "queued work", assessed("sonnet"))

	f.scheduler.executePhase(context.Background(), f.scheduler.logger)

	if n := f.sessions.startedCount(); n != 0 {
		t.Errorf("sessions started over cap = %d", n)
	}
}

func TestDecomposeCreatesSubtasksAheadOfQueue(t *testing.T) {
	f := newFixture(Config{})
	f.addTask(t, "unrelated", func(task *core.Task) { task.Position = 3 })
	parent := f.addTask(t, "big migration", func(task *core.Task) {
		assessed("opus")(task)
		task.Position = 5
		task.Priority = 7
		task.Metadata[core.MetaAssessment] = map[string]any{
			"should_decompose": true,
			"subtasks":         []any{"design schema", "migrate data"},
		}
	})

	f.scheduler.executePhase(context.Background(), f.scheduler.logger)

	got := f.store.task(t, parent.ID)
	if got.Status != core.TaskDecomposed {
		t.Fatalf("parent status = %s", got.Status)
	}
	if ids, ok := got.Metadata[core.MetaDecomposedInto].([]int64); !ok || len(ids) != 2 {
		t.Errorf("decomposed_into = %v", got.Metadata[core.MetaDecomposedInto])
	}

	children, _ := f.store.Subtasks(context.Background(), parent.ID)
	if len(children) != 2 {
		t.Fatalf("children = %d", len(children))
	}
	if children[0].Position != 1 || children[1].Position != 2 {
		t.Errorf("child positions = %d, %d", children[0].Position, children[1].Position)
	}
	for _, c := range children {
		if c.Priority != 7 {
			t.Errorf("child priority = %d", c.Priority)
		}
		if !strings.HasPrefix(c.Description, "Subtask of: ") {
			t.Errorf("child description = %q", c.Description)
		}
	}
	if f.sessions.startedCount() != 0 {
		t.Errorf("decomposed parent launched a session")
	}
}

// The sqlite store auto-assigns a queue-tail position on create, so
// decomposition must write the ahead-of-queue slots in a follow-up
// update; zero is a legitimate slot, not "unset".
func TestDecomposePositionsPersistThroughStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	parent, err := core.NewTask("big migration", "split me")
	if err != nil {
		t.Fatal(err)
	}
	parent.Position = 1
	parent.Metadata[core.MetaAssessment] = map[string]any{
		"should_decompose": true,
		"subtasks":         []any{"design schema", "migrate data"},
	}
	if err := db.CreateTask(ctx, parent); err != nil {
		t.Fatal(err)
	}

	other, err := core.NewTask("unrelated", "later work")
	if err != nil {
		t.Fatal(err)
	}
	other.Position = 2
	if err := db.CreateTask(ctx, other); err != nil {
		t.Fatal(err)
	}

	sched := New(db, &fakeSessions{}, &fakeLimits{}, &fakeAssessor{}, &fakeWorkspace{}, nil, Config{}, nil)
	loaded, err := db.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	sched.decompose(ctx, loaded)

	children, err := db.Subtasks(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d", len(children))
	}
	wantPos := []int{-1, 0}
	for i, c := range children {
		if c.Position != wantPos[i] {
			t.Errorf("child %q position = %d, want %d", c.Title, c.Position, wantPos[i])
		}
		if c.Position >= other.Position {
			t.Errorf("child %q queued behind the unrelated task", c.Title)
		}
	}
}

func TestCompletedSessionOpensPullRequest(t *testing.T) {
	f := newFixture(Config{})
	project := f.addProject(t, "acme/widgets")

	sess := core.NewSession(0, "/worktrees/task-1-fix", "sonnet")
	sess.Status = core.SessionCompleted
	zero := 0
	sess.ExitCode = &zero
	if err := f.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	task := f.addTask(t, "fix crash", func(task *core.Task) {
		task.Status = core.TaskExecuting
		task.ProjectID = &project.ID
		task.ActiveSessionID = &sess.ID
		task.Metadata[core.MetaBranch] = "task-1-fix"
		task.Metadata[core.MetaWorktreePath] = "/worktrees/task-1-fix"
		task.Metadata[core.MetaRepoDir] = project.WorkingDir
	})

	f.scheduler.executePhase(context.Background(), f.scheduler.logger)

	got := f.store.task(t, task.ID)
	if got.Status != core.TaskReadyForReview {
		t.Fatalf("status = %s", got.Status)
	}
	if got.MetaString(core.MetaPRURL) == "" {
		t.Error("pr_url metadata not set")
	}

	f.workspace.mu.Lock()
	pushed, removed, titles := f.workspace.pushed, f.workspace.removed, f.workspace.prTitles
	f.workspace.mu.Unlock()
	if len(pushed) != 1 || pushed[0] != "task-1-fix" {
		t.Errorf("pushed = %v", pushed)
	}
	if len(titles) != 1 || titles[0] != "fix crash" {
		t.Errorf("pr titles = %v", titles)
	}
	if len(removed) != 1 || removed[0] != "/worktrees/task-1-fix" {
		t.Errorf("removed worktrees = %v", removed)
	}

	comments, _ := f.store.ListComments(context.Background(), task.ID)
	if len(comments) != 1 {
		t.Fatalf("comments = %d", len(comments))
	}
	if !strings.Contains(comments[0].Content, "**Pull Request:**") {
		t.Errorf("review comment = %q", comments[0].Content)
	}
}

func TestPullRequestFailureKeepsWorktree(t *testing.T) {
	f := newFixture(Config{})
	f.workspace.prErr = errors.New("gh: not authenticated")
	project := f.addProject(t, "acme/widgets")

	sess := core.NewSession(0, "/worktrees/task-1-fix", "sonnet")
	sess.Status = core.SessionCompleted
	if err := f.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	task := f.addTask(t, "fix crash", func(task *core.Task) {
		task.Status = core.TaskExecuting
		task.ProjectID = &project.ID
		task.ActiveSessionID = &sess.ID
		task.Metadata[core.MetaBranch] = "task-1-fix"
		task.Metadata[core.MetaWorktreePath] = "/worktrees/task-1-fix"
		task.Metadata[core.MetaRepoDir] = project.WorkingDir
	})

	f.scheduler.executePhase(context.Background(), f.scheduler.logger)

	comments, _ := f.store.ListComments(context.Background(), task.ID)
	if len(comments) != 1 || !strings.Contains(comments[0].Content, "*Auto-PR failed:") {
		t.Fatalf("comments = %v", comments)
	}
	f.workspace.mu.Lock()
	defer f.workspace.mu.Unlock()
	if len(f.workspace.removed) != 0 {
		t.Errorf("worktree removed despite PR failure")
	}
}

func TestFailedSessionRequeuesTask(t *testing.T) {
	f := newFixture(Config{})
	sess := core.NewSession(0, "/worktrees/task-1-fix", "sonnet")
	sess.Status = core.SessionFailed
	if err := f.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	task := f.addTask(t, "fix crash", func(task *core.Task) {
		task.Status = core.TaskExecuting
		task.ActiveSessionID = &sess.ID
		task.Metadata[core.MetaBranch] = "task-1-fix"
		task.Metadata[core.MetaWorktreePath] = "/worktrees/task-1-fix"
		task.Metadata[core.MetaRepoDir] = "/repos/widgets"
	})

	f.scheduler.executePhase(context.Background(), f.scheduler.logger)

	got := f.store.task(t, task.ID)
	if got.Status != core.TaskPending {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ActiveSessionID != nil {
		t.Error("active_session_id not cleared")
	}
	if got.RetryCount() != 1 {
		t.Errorf("retry_count = %d", got.RetryCount())
	}
	if got.MetaString(core.MetaWorktreePath) != "" || got.MetaString(core.MetaBranch) != "" {
		t.Errorf("worktree metadata not cleared: %v", got.Metadata)
	}
	if got.MetaString(core.MetaError) == "" {
		t.Error("error metadata not set")
	}

	f.workspace.mu.Lock()
	defer f.workspace.mu.Unlock()
	if len(f.workspace.removed) != 1 {
		t.Errorf("removed worktrees = %v", f.workspace.removed)
	}
	if len(f.workspace.deletedBranches) != 1 || f.workspace.deletedBranches[0] != "task-1-fix" {
		t.Errorf("deleted branches = %v", f.workspace.deletedBranches)
	}
}

func TestParentCompletionFromChildren(t *testing.T) {
	cases := []struct {
		name     string
		statuses []core.TaskStatus
		want     core.TaskStatus
	}{
		{"all completed", []core.TaskStatus{core.TaskCompleted, core.TaskCompleted}, core.TaskCompleted},
		{"one failed", []core.TaskStatus{core.TaskCompleted, core.TaskFailed}, core.TaskFailed},
		{"one reviewing", []core.TaskStatus{core.TaskCompleted, core.TaskReadyForReview}, core.TaskReadyForReview},
		{"one executing", []core.TaskStatus{core.TaskCompleted, core.TaskExecuting}, core.TaskDecomposed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(Config{})
			parent := f.addTask(t, "big migration", func(task *core.Task) {
				task.Status = core.TaskDecomposed
			})
			for i, status := range tc.statuses {
				st := status
				f.addTask(t, "child", func(task *core.Task) {
					task.Status = st
					task.ParentTaskID = &parent.ID
					task.Position = i
				})
			}

			f.scheduler.checkParentCompletion(context.Background(), parent.ID)

			got := f.store.task(t, parent.ID)
			if got.Status != tc.want {
				t.Errorf("parent status = %s, want %s", got.Status, tc.want)
			}
			if tc.want == core.TaskCompleted && got.CompletedAt == nil {
				t.Error("completed_at not set")
			}
		})
	}
}

func TestCancelTaskStopsSessionAndCleansUp(t *testing.T) {
	f := newFixture(Config{})
	sess := core.NewSession(0, "", "sonnet")
	sess.Status = core.SessionRunning
	if err := f.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	task := f.addTask(t, "fix crash", func(task *core.Task) {
		task.Status = core.TaskExecuting
		task.ActiveSessionID = &sess.ID
		task.Metadata[core.MetaBranch] = "task-1-fix"
		task.Metadata[core.MetaWorktreePath] = "/worktrees/task-1-fix"
		task.Metadata[core.MetaRepoDir] = "/repos/widgets"
	})

	if err := f.scheduler.CancelTask(context.Background(), task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	got := f.store.task(t, task.ID)
	if got.Status != core.TaskCancelled {
		t.Errorf("status = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Errorf("cancelled task has no completed_at")
	}
	f.sessions.mu.Lock()
	cancelled := f.sessions.cancelled
	f.sessions.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != sess.ID {
		t.Errorf("cancelled sessions = %v", cancelled)
	}
	f.workspace.mu.Lock()
	defer f.workspace.mu.Unlock()
	if len(f.workspace.removed) != 1 || len(f.workspace.deletedBranches) != 1 {
		t.Errorf("cleanup calls: removed=%v branches=%v", f.workspace.removed, f.workspace.deletedBranches)
	}

	if err := f.scheduler.CancelTask(context.Background(), task.ID); err == nil {
		t.Error("cancelling a cancelled task succeeded")
	}
}

func TestWorktreeGCRunsEveryTenthBeat(t *testing.T) {
	f := newFixture(Config{})
	f.addProject(t, "acme/widgets")
	f.addTask(t, "live work", func(task *core.Task) {
		task.Status = core.TaskExecuting
		sid := int64(999)
		task.ActiveSessionID = &sid
		task.Metadata[core.MetaBranch] = "task-9-live"
	})

	for i := 0; i < 10; i++ {
		f.scheduler.Beat(context.Background())
	}

	f.workspace.mu.Lock()
	defer f.workspace.mu.Unlock()
	if f.workspace.cleanupCalls != 1 {
		t.Fatalf("cleanup calls = %d", f.workspace.cleanupCalls)
	}
	if !f.workspace.lastActive["task-9-live"] {
		t.Errorf("active branch set = %v", f.workspace.lastActive)
	}
}
