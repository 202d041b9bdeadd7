// Package github wraps the gh CLI for the pull-request and repo-metadata
// calls the scheduler makes when a task reaches review.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
)

// maxPRBodyLen is GitHub's limit on pull-request body size.
const maxPRBodyLen = 65000

// Client wraps gh CLI operations against one repository.
type Client struct {
	repo    string // "owner/name"
	runner  CommandRunner
	timeout time.Duration
}

// NewClient creates a client for the given "owner/name" repo handle.
func NewClient(repo string) *Client {
	return &Client{
		repo:    repo,
		runner:  NewExecRunner(),
		timeout: 60 * time.Second,
	}
}

// WithRunner swaps the command runner, for tests.
func (c *Client) WithRunner(r CommandRunner) *Client {
	c.runner = r
	return c
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.runner.Run(ctx, "gh", args...)
	if ctx.Err() == context.DeadlineExceeded {
		return "", core.ErrTimeout("gh command timed out")
	}
	return out, err
}

// Repo returns the "owner/name" handle.
func (c *Client) Repo() string {
	return c.repo
}

// CloneURL returns the HTTPS clone URL for the repository.
func (c *Client) CloneURL() string {
	return "https://github.com/" + c.repo + ".git"
}

// PRCreateOptions holds the inputs for pull-request creation.
type PRCreateOptions struct {
	Title string
	Body  string
	Base  string
	Head  string
}

// CreatePR opens a pull request and returns its URL. The body is truncated
// to GitHub's 65000-character limit.
func (c *Client) CreatePR(ctx context.Context, opts PRCreateOptions) (string, error) {
	body := opts.Body
	if len(body) > maxPRBodyLen {
		body = body[:maxPRBodyLen]
	}

	url, err := c.run(ctx, "pr", "create",
		"--repo", c.repo,
		"--title", opts.Title,
		"--body", body,
		"--base", opts.Base,
		"--head", opts.Head,
	)
	if err != nil {
		return "", core.ErrExecution(core.CodePRCreationFailed,
			fmt.Sprintf("creating PR for %s: %v", opts.Head, err))
	}
	return url, nil
}

// DefaultBranch returns the repository's default branch.
func (c *Client) DefaultBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "repo", "view", c.repo, "--json", "defaultBranchRef")
	if err != nil {
		return "", err
	}

	var parsed struct {
		DefaultBranchRef struct {
			Name string `json:"name"`
		} `json:"defaultBranchRef"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return "", core.ErrExecution(core.CodeParseFailed,
			"parsing gh repo view output: "+err.Error())
	}
	if parsed.DefaultBranchRef.Name == "" {
		return "main", nil
	}
	return parsed.DefaultBranchRef.Name, nil
}

// VerifyAuth checks whether the gh CLI is authenticated.
func (c *Client) VerifyAuth(ctx context.Context) error {
	if _, err := c.run(ctx, "auth", "status"); err != nil {
		return core.ErrValidation("GH_NOT_AUTHENTICATED",
			"gh CLI is not authenticated, run 'gh auth login'")
	}
	return nil
}
