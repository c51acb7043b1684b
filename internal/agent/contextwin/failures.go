package contextwin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loopcore/agentd/internal/agent/session"
)

// Failed tool results carry signal a summary must not lose: the model keeps
// avoiding commands it has already seen fail. Failures from the summarized
// span are appended to the summary verbatim (truncated).

type toolFailure struct {
	toolName string
	summary  string
}

const (
	maxToolFailures     = 8
	maxToolFailureChars = 240
)

// collectToolFailures extracts failed tool results, deduplicated by call ID.
func collectToolFailures(messages []session.Message) []toolFailure {
	var failures []toolFailure
	seen := make(map[string]bool)

	for _, msg := range messages {
		if msg.Role != "tool" || len(msg.ToolResults) == 0 {
			continue
		}

		var results []session.ToolResult
		if err := json.Unmarshal(msg.ToolResults, &results); err != nil {
			continue
		}

		for _, r := range results {
			if !r.IsError {
				continue
			}
			if r.ToolCallID == "" || seen[r.ToolCallID] {
				continue
			}
			seen[r.ToolCallID] = true

			toolName := findToolName(messages, r.ToolCallID)
			if toolName == "" {
				toolName = "tool"
			}

			text := normalizeWhitespace(r.Content)
			if text == "" {
				text = "failed (no output)"
			}
			failures = append(failures, toolFailure{
				toolName: toolName,
				summary:  truncate(text, maxToolFailureChars),
			})
		}
	}
	return failures
}

// failuresSection formats collected failures for the summary turn.
func failuresSection(failures []toolFailure) string {
	if len(failures) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\n\nTool failures in the summarized span:\n")

	count := len(failures)
	if count > maxToolFailures {
		count = maxToolFailures
	}
	for i := 0; i < count; i++ {
		fmt.Fprintf(&sb, "- %s: %s\n", failures[i].toolName, failures[i].summary)
	}
	if len(failures) > maxToolFailures {
		fmt.Fprintf(&sb, "- ...and %d more\n", len(failures)-maxToolFailures)
	}
	return sb.String()
}

func findToolName(messages []session.Message, toolCallID string) string {
	for _, msg := range messages {
		if msg.Role != "assistant" || len(msg.ToolCalls) == 0 {
			continue
		}
		var calls []session.ToolCall
		if err := json.Unmarshal(msg.ToolCalls, &calls); err != nil {
			continue
		}
		for _, call := range calls {
			if call.ID == toolCallID {
				return call.Name
			}
		}
	}
	return ""
}

func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func truncate(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= 3 {
		return text[:maxChars]
	}
	return text[:maxChars-3] + "..."
}
