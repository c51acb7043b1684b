// Package ai defines the model provider abstraction and its implementations.
// Providers stream responses as a flat event sequence so the loop controller
// can treat Anthropic, OpenAI and local Ollama models uniformly.
package ai

import (
	"context"
	"encoding/json"
	"strings"
)

// StreamEventType defines the type of streaming event
type StreamEventType string

const (
	EventTypeText     StreamEventType = "text"
	EventTypeToolCall StreamEventType = "tool_call"
	EventTypeError    StreamEventType = "error"
	EventTypeDone     StreamEventType = "done"
	EventTypeThinking StreamEventType = "thinking"
)

// StreamEvent represents a streaming response event
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Error    error           `json:"error,omitempty"`
}

// ToolCall represents a tool invocation from the model
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolDefinition describes a tool advertised to the model
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest represents a request to a model provider
type ChatRequest struct {
	Messages       []Message        `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Temperature    float64          `json:"temperature,omitempty"`
	System         string           `json:"system,omitempty"`
	Model          string           `json:"model,omitempty"`           // Model override from the router
	EnableThinking bool             `json:"enable_thinking,omitempty"` // Extended thinking for reasoning tasks
}

// Message is the provider-facing view of one conversation turn. It mirrors
// session.Message but lives here so providers do not depend on the store.
type Message struct {
	Role        string          `json:"role"` // user, assistant, system, tool
	Content     string          `json:"content,omitempty"`
	ToolCalls   json.RawMessage `json:"tool_calls,omitempty"`
	ToolResults json.RawMessage `json:"tool_results,omitempty"`
}

// MsgToolCall mirrors one recorded tool invocation inside Message.ToolCalls.
type MsgToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// MsgToolResult mirrors one recorded result inside Message.ToolResults.
type MsgToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Provider interface for model providers
type Provider interface {
	// ID returns the provider identifier (e.g., "anthropic", "openai", "ollama")
	ID() string

	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed after a done or error event.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}

// ProviderError represents an error from a provider
type ProviderError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// IsContextOverflow checks if an error indicates context window overflow
func IsContextOverflow(err error) bool {
	if pe, ok := err.(*ProviderError); ok {
		return pe.Code == "context_length_exceeded" ||
			pe.Type == "invalid_request_error" && containsContextError(pe.Message)
	}
	return false
}

// IsRateLimitOrAuth checks if an error is due to rate limiting or auth issues
func IsRateLimitOrAuth(err error) bool {
	if pe, ok := err.(*ProviderError); ok {
		return pe.Code == "rate_limit_exceeded" ||
			pe.Code == "authentication_error" ||
			pe.Type == "rate_limit_error" ||
			pe.Type == "authentication_error"
	}
	return false
}

func containsContextError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range []string{"context", "token", "length", "exceeded", "too long"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ClassifyErrorReason determines the category of error for cooldown duration.
// Returns: "billing", "rate_limit", "auth", "timeout", or "other".
func ClassifyErrorReason(err error) string {
	if err == nil {
		return "other"
	}

	if pe, ok := err.(*ProviderError); ok {
		switch pe.Code {
		case "rate_limit_exceeded":
			return "rate_limit"
		case "authentication_error", "invalid_api_key", "unauthorized":
			return "auth"
		case "insufficient_quota", "billing_error", "payment_required":
			return "billing"
		}
		switch pe.Type {
		case "rate_limit_error":
			return "rate_limit"
		case "authentication_error":
			return "auth"
		}
	}

	lower := strings.ToLower(err.Error())

	for _, p := range []string{"billing", "quota", "payment", "credit", "insufficient", "spending limit"} {
		if strings.Contains(lower, p) {
			return "billing"
		}
	}
	for _, p := range []string{"rate limit", "rate_limit", "too many requests", "429", "throttl", "slow down"} {
		if strings.Contains(lower, p) {
			return "rate_limit"
		}
	}
	for _, p := range []string{"authentication", "unauthorized", "api key", "401", "forbidden", "403", "invalid credentials"} {
		if strings.Contains(lower, p) {
			return "auth"
		}
	}
	for _, p := range []string{"timeout", "timed out", "deadline exceeded", "context canceled"} {
		if strings.Contains(lower, p) {
			return "timeout"
		}
	}

	return "other"
}
