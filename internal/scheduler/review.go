package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var howToTestRe = regexp.MustCompile(`(?s)(?:^|\n)#{1,3}\s*[Hh]ow\s+to\s+[Tt]est.*?\n.*`)

const maxReviewSnippet = 1500

// buildReviewComment summarizes a finished session for the human reviewer:
// the agent's "How to test" section when present, otherwise the tail of its
// readable output.
func buildReviewComment(stdoutPath string, exitCode int) string {
	if stdoutPath == "" {
		return fmt.Sprintf("Session finished (exit code %d). No session output available.", exitCode)
	}
	raw, err := os.ReadFile(stdoutPath)
	if err != nil {
		return fmt.Sprintf("Session finished (exit code %d). Session log not found.", exitCode)
	}

	text := extractTextFromJSONL(string(raw))
	if strings.TrimSpace(text) == "" {
		return fmt.Sprintf("Session finished (exit code %d). No readable output found.", exitCode)
	}

	if match := howToTestRe.FindString(text); match != "" {
		instructions := strings.TrimSpace(match)
		if len(instructions) > maxReviewSnippet {
			instructions = instructions[:maxReviewSnippet] + "..."
		}
		return instructions
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > 40 {
		lines = lines[len(lines)-40:]
	}
	tail := strings.Join(lines, "\n")
	if len(tail) > maxReviewSnippet {
		tail = tail[len(tail)-maxReviewSnippet:]
	}
	return fmt.Sprintf("Session finished (exit code %d). No 'How to test' section found. Last output:\n\n%s",
		exitCode, tail)
}

// extractTextFromJSONL pulls the human-readable text out of a stream-json
// session log: assistant text blocks plus the final result line. Non-JSON
// lines are kept verbatim.
func extractTextFromJSONL(raw string) string {
	var chunks []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			chunks = append(chunks, line)
			continue
		}
		switch obj["type"] {
		case "result":
			if text, _ := obj["result"].(string); text != "" {
				chunks = append(chunks, text)
			}
		case "assistant":
			msg, _ := obj["message"].(map[string]any)
			content, _ := msg["content"].([]any)
			for _, block := range content {
				b, ok := block.(map[string]any)
				if !ok || b["type"] != "text" {
					continue
				}
				if text, _ := b["text"].(string); text != "" {
					chunks = append(chunks, text)
				}
			}
		}
	}
	return strings.Join(chunks, "\n\n")
}
