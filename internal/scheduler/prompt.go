package scheduler

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
)

const gitRules = "---\n" +
	"## Git rules\n" +
	"You are already on a dedicated branch in an isolated worktree. " +
	"Do NOT run git checkout, git branch, git commit, git push, " +
	"gh pr create, or any other git/gh commands. " +
	"The harness that launched you handles all git operations — " +
	"branching, committing, pushing, and PR creation happen automatically " +
	"after your session ends. Just write code, edit files, and run tests."

const testingInstructions = "---\n" +
	"IMPORTANT: When you finish, end your response with a section titled " +
	"'## How to test' that explains step-by-step how to verify your changes work. " +
	"Include specific commands to run, URLs to visit, or steps to check. " +
	"A human will review before marking this task complete."

const reviewerPreamble = "\nThis task was previously attempted. A reviewer sent it back. " +
	"Address the feedback in the comments above, then continue."

// BuildPrompt assembles the session prompt for a task. No project context
// is injected: the agent reads CLAUDE.md from the working directory itself.
func BuildPrompt(task *core.Task, comments []*core.Comment) string {
	parts := []string{task.Title}
	if task.Description != "" {
		parts = append(parts, task.Description)
	}

	if len(comments) > 0 {
		parts = append(parts, "---\n## Comment history")
		for _, c := range comments {
			parts = append(parts, fmt.Sprintf("[%s]: %s", c.Author, c.Content))
		}
		parts = append(parts, reviewerPreamble)
	}

	parts = append(parts, gitRules, testingInstructions)
	return strings.Join(parts, "\n\n")
}
