package scheduler

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/conductor/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/conductor/internal/adapters/github"
	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
)

// Workspace isolates the git and GitHub side effects of task execution so
// the scheduler can be tested without repositories.
type Workspace interface {
	// PrepareWorktree creates an isolated worktree on a new branch cut from
	// the project's default branch and returns its path.
	PrepareWorktree(ctx context.Context, project *core.Project, branch string) (string, error)
	RemoveWorktree(ctx context.Context, repoDir, worktreePath string) error
	DeleteBranch(ctx context.Context, repoDir, branch string) error
	// CommitAndPush commits any pending changes in dir and pushes branch.
	CommitAndPush(ctx context.Context, dir, branch, message string) error
	CreatePR(ctx context.Context, project *core.Project, branch, title, body string) (string, error)
	// CleanupStale removes worktrees whose branch is not in activeBranches.
	CleanupStale(ctx context.Context, project *core.Project, activeBranches map[string]bool) (int, error)
}

// GitWorkspace is the production Workspace over the git and gh CLIs.
type GitWorkspace struct {
	worktreesDir string
	logger       *logging.Logger
}

// NewGitWorkspace creates a workspace placing worktrees under worktreesDir.
func NewGitWorkspace(worktreesDir string, logger *logging.Logger) *GitWorkspace {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GitWorkspace{worktreesDir: worktreesDir, logger: logger}
}

func (w *GitWorkspace) PrepareWorktree(ctx context.Context, project *core.Project, branch string) (string, error) {
	client, err := git.NewClient(project.WorkingDir)
	if err != nil {
		return "", err
	}

	// A stale remote view cuts branches from old commits. Fetch failures
	// are survivable: the local default branch still works offline.
	startPoint := ""
	if err := client.Fetch(ctx, "origin"); err != nil {
		w.logger.Warn("fetch before worktree creation failed", "project", project.Name, "error", err)
	} else {
		startPoint = "origin/" + w.defaultBranch(ctx, client, project)
	}

	mgr := git.NewWorktreeManager(client, w.worktreesDir)
	wt, err := mgr.Add(ctx, branch, startPoint)
	if err != nil {
		return "", err
	}
	return wt.Path, nil
}

func (w *GitWorkspace) RemoveWorktree(ctx context.Context, repoDir, worktreePath string) error {
	client, err := git.NewClient(repoDir)
	if err != nil {
		return err
	}
	return git.NewWorktreeManager(client, w.worktreesDir).Remove(ctx, worktreePath, true)
}

func (w *GitWorkspace) DeleteBranch(ctx context.Context, repoDir, branch string) error {
	client, err := git.NewClient(repoDir)
	if err != nil {
		return err
	}
	return client.DeleteBranch(ctx, branch, true)
}

func (w *GitWorkspace) CommitAndPush(ctx context.Context, dir, branch, message string) error {
	client, err := git.NewClient(dir)
	if err != nil {
		return err
	}
	dirty, err := client.HasChanges(ctx)
	if err != nil {
		return err
	}
	if dirty {
		if _, err := client.CommitAll(ctx, message); err != nil {
			return err
		}
	}
	return client.Push(ctx, "origin", branch)
}

func (w *GitWorkspace) CreatePR(ctx context.Context, project *core.Project, branch, title, body string) (string, error) {
	if project.GithubRepo == "" {
		return "", core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("project %s has no github repo configured", project.Name))
	}
	client, err := git.NewClient(project.WorkingDir)
	if err != nil {
		return "", err
	}
	return github.NewClient(project.GithubRepo).CreatePR(ctx, github.PRCreateOptions{
		Title: title,
		Body:  body,
		Base:  w.defaultBranch(ctx, client, project),
		Head:  branch,
	})
}

func (w *GitWorkspace) CleanupStale(ctx context.Context, project *core.Project, activeBranches map[string]bool) (int, error) {
	client, err := git.NewClient(project.WorkingDir)
	if err != nil {
		return 0, err
	}
	return git.NewWorktreeManager(client, w.worktreesDir).CleanupStale(ctx, activeBranches)
}

func (w *GitWorkspace) defaultBranch(ctx context.Context, client *git.Client, project *core.Project) string {
	if project.DefaultBranch != "" {
		return project.DefaultBranch
	}
	branch, err := client.DefaultBranch(ctx)
	if err != nil || branch == "" {
		return "main"
	}
	return branch
}
