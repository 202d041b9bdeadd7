package cli

import "strings"

// ExtractText pulls the human-readable text out of one streaming JSON event.
// Assistant messages yield their concatenated text blocks, deltas yield the
// delta text, and the final result event yields its result field. Returns
// "" for events that carry no text.
func ExtractText(event map[string]any) string {
	switch event["type"] {
	case "assistant":
		msg, _ := event["message"].(map[string]any)
		content, _ := msg["content"].([]any)
		var sb strings.Builder
		for _, block := range content {
			b, _ := block.(map[string]any)
			if b["type"] == "text" {
				if text, _ := b["text"].(string); text != "" {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()

	case "content_block_delta":
		delta, _ := event["delta"].(map[string]any)
		if delta["type"] == "text_delta" {
			text, _ := delta["text"].(string)
			return text
		}

	case "result":
		text, _ := event["result"].(string)
		return text
	}
	return ""
}

// NumTurns reads num_turns from a result event, zero when absent.
func NumTurns(event map[string]any) int {
	if n, ok := event["num_turns"].(float64); ok {
		return int(n)
	}
	return 0
}
