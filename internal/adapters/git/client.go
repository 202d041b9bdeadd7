// Package git wraps the git CLI for the clone, branch, worktree, and
// push operations the scheduler needs for task isolation.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
)

// Client wraps git CLI operations on one repository.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a client for an existing repository.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	client := &Client{
		repoPath: absPath,
		timeout:  30 * time.Second,
	}
	if _, err := client.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, core.ErrValidation("NOT_GIT_REPO",
			fmt.Sprintf("%s is not a git repository", absPath))
	}
	return client, nil
}

// Clone clones url into dest and returns a client for the new repository.
func Clone(ctx context.Context, url, dest string) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "clone", url, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, core.ErrTimeout("git clone timed out")
		}
		return nil, fmt.Errorf("git clone %s: %s: %w", url, stderr.String(), err)
	}
	return NewClient(dest)
}

// run executes a git command in the repository.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out")
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RepoPath returns the repository path.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// WithTimeout sets the per-command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Fetch fetches the remote and prunes deleted refs.
func (c *Client) Fetch(ctx context.Context, remote string) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := c.run(ctx, "fetch", "--prune", remote)
	return err
}

// Pull pulls a branch from the remote.
func (c *Client) Pull(ctx context.Context, remote, branch string) error {
	_, err := c.run(ctx, "pull", remote, branch)
	return err
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// DefaultBranch resolves the remote default branch, falling back to main
// or master when origin/HEAD is not set.
func (c *Client) DefaultBranch(ctx context.Context) (string, error) {
	output, err := c.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(output, "refs/remotes/origin/"), nil
	}

	branches, _ := c.ListBranches(ctx)
	for _, b := range branches {
		if b == "main" {
			return "main", nil
		}
	}
	for _, b := range branches {
		if b == "master" {
			return "master", nil
		}
	}
	return "main", nil
}

// ListBranches returns all local branches.
func (c *Client) ListBranches(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "branch", "--list", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}

	branches := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// BranchExists checks if a local branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	branches, err := c.ListBranches(ctx)
	if err != nil {
		return false, err
	}
	for _, b := range branches {
		if b == name {
			return true, nil
		}
	}
	return false, nil
}

// DeleteBranch deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, "branch", flag, name)
	return err
}

// HasChanges reports whether the working tree has uncommitted changes.
func (c *Client) HasChanges(ctx context.Context) (bool, error) {
	output, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output != "", nil
}

// CommitAll stages everything and commits, returning the new commit hash.
func (c *Client) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return c.run(ctx, "rev-parse", "HEAD")
}

// Push pushes a branch to the remote.
func (c *Client) Push(ctx context.Context, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := c.run(ctx, "push", "-u", remote, branch)
	return err
}

// RemoteURL returns the URL of a remote.
func (c *Client) RemoteURL(ctx context.Context, remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	return c.run(ctx, "remote", "get-url", remote)
}
