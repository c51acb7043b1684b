package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loopcore/agentd/internal/logging"
)

// GeminiProvider implements the Provider interface for Google Gemini
type GeminiProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool     `json:"tools,omitempty"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text,omitempty"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultGeminiBaseURL,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// ID returns the provider identifier
func (p *GeminiProvider) ID() string {
	return "gemini"
}

// Stream sends a request to Gemini and streams the SSE response
func (p *GeminiProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	resultCh := make(chan StreamEvent, 100)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	geminiReq := geminiRequest{
		Contents: p.buildContents(req.Messages),
	}
	if req.System != "" {
		geminiReq.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.System}},
		}
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		geminiReq.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	if len(req.Tools) > 0 {
		funcs := make([]geminiFunctionDecl, 0, len(req.Tools))
		for _, tool := range req.Tools {
			funcs = append(funcs, geminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
		geminiReq.Tools = []geminiTool{{FunctionDeclarations: funcs}}
	}

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	logging.Debugf("[Gemini] Sending request: model=%s messages=%d tools=%d",
		model, len(geminiReq.Contents), len(req.Tools))

	go func() {
		defer close(resultCh)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			resultCh <- StreamEvent{Type: EventTypeError, Error: fmt.Errorf("request failed: %w", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			resultCh <- StreamEvent{Type: EventTypeError, Error: geminiStatusError(resp.StatusCode, string(respBody))}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

		toolCallCounter := 0
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "" {
				continue
			}

			var chunk geminiStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if chunk.Error != nil {
				resultCh <- StreamEvent{
					Type:  EventTypeError,
					Error: geminiStatusError(chunk.Error.Code, chunk.Error.Message),
				}
				return
			}

			for _, candidate := range chunk.Candidates {
				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						resultCh <- StreamEvent{Type: EventTypeText, Text: part.Text}
					}
					if part.FunctionCall != nil {
						// Gemini does not assign call IDs; synthesize stable ones
						toolCallCounter++
						resultCh <- StreamEvent{
							Type: EventTypeToolCall,
							ToolCall: &ToolCall{
								ID:    fmt.Sprintf("gemini-call-%d", toolCallCounter),
								Name:  part.FunctionCall.Name,
								Input: part.FunctionCall.Args,
							},
						}
					}
				}
				if candidate.FinishReason == "STOP" || candidate.FinishReason == "MAX_TOKENS" {
					resultCh <- StreamEvent{Type: EventTypeDone}
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			resultCh <- StreamEvent{Type: EventTypeError, Error: fmt.Errorf("stream read error: %w", err)}
			return
		}
		resultCh <- StreamEvent{Type: EventTypeDone}
	}()

	return resultCh, nil
}

// buildContents converts transcript messages to Gemini's alternating
// user/model turn format. Tool calls and results are flattened into text
// parts since the transcript stores them as opaque JSON.
func (p *GeminiProvider) buildContents(msgs []Message) []geminiContent {
	contents := make([]geminiContent, 0, len(msgs))

	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			if msg.Content != "" {
				contents = append(contents, geminiContent{
					Role:  "user",
					Parts: []geminiPart{{Text: msg.Content}},
				})
			}

		case "assistant":
			text := msg.Content
			if len(msg.ToolCalls) > 0 {
				var calls []MsgToolCall
				if err := json.Unmarshal(msg.ToolCalls, &calls); err == nil {
					var lines []string
					for _, c := range calls {
						lines = append(lines, fmt.Sprintf("[Calling tool %s with %s]", c.Name, string(c.Input)))
					}
					if text != "" {
						lines = append([]string{text}, lines...)
					}
					text = strings.Join(lines, "\n")
				}
			}
			if text != "" {
				contents = append(contents, geminiContent{
					Role:  "model",
					Parts: []geminiPart{{Text: text}},
				})
			}

		case "tool":
			if len(msg.ToolResults) == 0 {
				continue
			}
			var results []MsgToolResult
			if err := json.Unmarshal(msg.ToolResults, &results); err != nil {
				continue
			}
			for _, r := range results {
				label := "Tool result"
				if r.IsError {
					label = "Tool error"
				}
				contents = append(contents, geminiContent{
					Role:  "user",
					Parts: []geminiPart{{Text: fmt.Sprintf("[%s %s]\n%s", label, r.ToolCallID, r.Content)}},
				})
			}
		}
	}

	return mergeAlternating(contents)
}

// mergeAlternating collapses consecutive same-role turns and ensures the
// conversation starts with a user turn, both required by the Gemini API.
func mergeAlternating(contents []geminiContent) []geminiContent {
	merged := make([]geminiContent, 0, len(contents))
	for _, c := range contents {
		if len(merged) == 0 && c.Role != "user" {
			merged = append(merged, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: "Continue."}},
			})
		}
		if len(merged) > 0 && merged[len(merged)-1].Role == c.Role {
			last := &merged[len(merged)-1]
			last.Parts = append(last.Parts, c.Parts...)
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

// geminiStatusError maps HTTP/API status codes onto ProviderError so the
// loop's failure classification sees auth and rate-limit errors.
func geminiStatusError(code int, message string) error {
	pe := &ProviderError{Message: fmt.Sprintf("gemini error (%d): %s", code, message)}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		pe.Type = "authentication_error"
	case http.StatusTooManyRequests:
		pe.Type = "rate_limit_error"
	}
	return pe
}
