package contextwin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loopcore/agentd/internal/agent/ai"
	"github.com/loopcore/agentd/internal/agent/session"
)

const summarizerSystemPrompt = `You compress conversation transcripts. Produce a dense summary of the conversation below: goals, decisions, tool actions taken and their outcomes, and any unresolved threads. Keep concrete identifiers (paths, commands, error messages) intact. Output only the summary text.`

// ProviderSummarizer summarizes a span with a dedicated model call.
type ProviderSummarizer struct {
	provider ai.Provider
	model    string
}

// NewProviderSummarizer creates a summarizer over a provider. Model may be
// empty to use the provider default.
func NewProviderSummarizer(provider ai.Provider, model string) *ProviderSummarizer {
	return &ProviderSummarizer{provider: provider, model: model}
}

// Summarize renders the span as plain text and asks the model for a summary.
func (s *ProviderSummarizer) Summarize(ctx context.Context, messages []session.Message) (string, error) {
	req := &ai.ChatRequest{
		System: summarizerSystemPrompt,
		Model:  s.model,
		Messages: []ai.Message{
			{Role: "user", Content: renderSpan(messages)},
		},
		MaxTokens: 1024,
	}

	events, err := s.provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for event := range events {
		switch event.Type {
		case ai.EventTypeText:
			sb.WriteString(event.Text)
		case ai.EventTypeError:
			return "", event.Error
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// renderSpan flattens turns into a readable transcript for the summarizer.
func renderSpan(messages []session.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			if msg.Content != "" {
				fmt.Fprintf(&sb, "assistant: %s\n", msg.Content)
			}
			if len(msg.ToolCalls) > 0 {
				var calls []session.ToolCall
				if err := json.Unmarshal(msg.ToolCalls, &calls); err == nil {
					for _, call := range calls {
						fmt.Fprintf(&sb, "assistant -> %s(%s)\n", call.Name, string(call.Input))
					}
				}
			}
		case "tool":
			var results []session.ToolResult
			if err := json.Unmarshal(msg.ToolResults, &results); err == nil {
				for _, r := range results {
					status := "ok"
					if r.IsError {
						status = "error"
					}
					fmt.Fprintf(&sb, "tool result (%s): %s\n", status, truncate(r.Content, 500))
				}
			}
		default:
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	return sb.String()
}
