package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
)

// resolvePath resolves symlinks and returns an absolute path, for
// cross-platform comparison (macOS /var -> /private/var).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}

// WorktreeManager manages per-task worktrees carved out of one clone.
type WorktreeManager struct {
	git     *Client
	baseDir string
}

// NewWorktreeManager creates a manager rooted at baseDir.
func NewWorktreeManager(git *Client, baseDir string) *WorktreeManager {
	if baseDir == "" {
		baseDir = filepath.Join(git.RepoPath(), ".worktrees")
	}
	return &WorktreeManager{git: git, baseDir: baseDir}
}

// Worktree is one entry from `git worktree list --porcelain`.
type Worktree struct {
	Path     string
	Branch   string
	Commit   string
	Detached bool
	Locked   bool
	Prunable bool
}

// Add creates a worktree on a new branch cut from startPoint, typically
// origin/<default_branch> after a fetch. The directory is named after the
// branch.
func (m *WorktreeManager) Add(ctx context.Context, branch, startPoint string) (*Worktree, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree base dir: %w", err)
	}

	path := filepath.Join(m.baseDir, branch)
	if _, err := os.Stat(path); err == nil {
		return nil, core.ErrState("WORKTREE_EXISTS",
			fmt.Sprintf("worktree %s already exists", path))
	}

	args := []string{"worktree", "add", "-b", branch, path}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	if _, err := m.git.run(ctx, args...); err != nil {
		return nil, core.ErrExecution(core.CodeWorktreeFailed,
			"creating worktree: "+err.Error())
	}
	return &Worktree{Path: path, Branch: branch}, nil
}

// Remove removes a worktree directory from the repository.
func (m *WorktreeManager) Remove(ctx context.Context, path string, force bool) error {
	resolvedPath := resolvePath(path)
	resolvedBase := resolvePath(m.baseDir)
	if !strings.HasPrefix(resolvedPath, resolvedBase) {
		return core.ErrValidation("INVALID_WORKTREE",
			"worktree is not managed by this manager")
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := m.git.run(ctx, args...)
	return err
}

// List returns all worktrees of the repository, main clone included.
func (m *WorktreeManager) List(ctx context.Context) ([]Worktree, error) {
	output, err := m.git.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

func parseWorktreeList(output string) []Worktree {
	worktrees := make([]Worktree, 0)
	var current *Worktree

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "worktree ") {
			if current != nil {
				worktrees = append(worktrees, *current)
			}
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		} else if current != nil {
			switch {
			case strings.HasPrefix(line, "HEAD "):
				current.Commit = strings.TrimPrefix(line, "HEAD ")
			case strings.HasPrefix(line, "branch "):
				current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			case line == "detached":
				current.Detached = true
			case line == "locked":
				current.Locked = true
			case line == "prunable":
				current.Prunable = true
			}
		}
	}
	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees
}

// Prune removes stale worktree bookkeeping entries.
func (m *WorktreeManager) Prune(ctx context.Context) error {
	_, err := m.git.run(ctx, "worktree", "prune")
	return err
}

// CleanupStale removes every managed worktree whose branch is not in the
// activeBranches set, and deletes its branch. The main clone is never
// touched. Returns the number of worktrees removed.
func (m *WorktreeManager) CleanupStale(ctx context.Context, activeBranches map[string]bool) (int, error) {
	worktrees, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	resolvedRepo := resolvePath(m.git.RepoPath())
	resolvedBase := resolvePath(m.baseDir)

	cleaned := 0
	for _, wt := range worktrees {
		resolved := resolvePath(wt.Path)
		if resolved == resolvedRepo || !strings.HasPrefix(resolved, resolvedBase) {
			continue
		}
		if wt.Branch != "" && activeBranches[wt.Branch] {
			continue
		}
		if err := m.Remove(ctx, wt.Path, true); err != nil {
			continue
		}
		cleaned++
		if wt.Branch != "" {
			_ = m.git.DeleteBranch(ctx, wt.Branch, true)
		}
	}

	_ = m.Prune(ctx)
	return cleaned, nil
}

// BaseDir returns the directory worktrees are created under.
func (m *WorktreeManager) BaseDir() string {
	return m.baseDir
}
