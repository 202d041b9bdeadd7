package git

import (
	"strconv"
	"strings"
)

// Slug converts a task title into a branch-safe fragment: lowercased,
// runs of characters outside [a-z0-9] collapsed to a single dash, trimmed
// to 40 characters.
func Slug(title string) string {
	var sb strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			sb.WriteByte('-')
			lastDash = true
		}
	}
	s := strings.TrimRight(sb.String(), "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	return s
}

// BranchName returns the branch for a task, task-<id>-<slug>.
func BranchName(taskID int64, title string) string {
	return "task-" + strconv.FormatInt(taskID, 10) + "-" + Slug(title)
}
