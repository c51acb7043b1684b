package contextwin

import "github.com/loopcore/agentd/internal/agent/session"

// charsPerToken is the length heuristic used instead of a real tokenizer.
// Rough but cheap, and it only needs to be consistent.
const charsPerToken = 4

// EstimateTokens estimates the token cost of a single message.
func EstimateTokens(msg session.Message) int {
	chars := len(msg.Content) + len(msg.ToolCalls) + len(msg.ToolResults)
	return chars / charsPerToken
}

// EstimateTranscript estimates the token cost of a whole transcript.
func EstimateTranscript(messages []session.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}
