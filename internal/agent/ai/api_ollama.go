package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/loopcore/agentd/internal/logging"
)

// OllamaProvider implements the Provider interface for local models via Ollama
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "qwen3:4b"
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}

	// Local inference can be slow on first load
	httpClient := &http.Client{
		Timeout: 5 * time.Minute,
	}

	return &OllamaProvider{
		client: api.NewClient(parsedURL, httpClient),
		model:  model,
	}
}

// ID returns the provider identifier
func (p *OllamaProvider) ID() string {
	return "ollama"
}

// Stream sends a request to Ollama and streams the response
func (p *OllamaProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	resultCh := make(chan StreamEvent, 100)

	messages := p.buildMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
	}

	stream := true
	chatReq.Stream = &stream

	if req.Temperature > 0 || req.MaxTokens > 0 {
		chatReq.Options = make(map[string]any)
		if req.Temperature > 0 {
			chatReq.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			chatReq.Options["num_predict"] = req.MaxTokens
		}
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = p.buildTools(req.Tools)
	}

	logging.Debugf("[Ollama] Sending request: model=%s messages=%d tools=%d",
		model, len(messages), len(req.Tools))

	go func() {
		defer close(resultCh)

		toolCallCounter := 0

		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				resultCh <- StreamEvent{
					Type: EventTypeText,
					Text: resp.Message.Content,
				}
			}

			if len(resp.Message.ToolCalls) > 0 {
				for _, tc := range resp.Message.ToolCalls {
					// Ollama does not assign call IDs; synthesize stable ones
					toolCallCounter++
					argsJSON, _ := json.Marshal(tc.Function.Arguments.ToMap())
					resultCh <- StreamEvent{
						Type: EventTypeToolCall,
						ToolCall: &ToolCall{
							ID:    fmt.Sprintf("ollama-call-%d", toolCallCounter),
							Name:  tc.Function.Name,
							Input: argsJSON,
						},
					}
				}
			}

			if resp.Done {
				resultCh <- StreamEvent{Type: EventTypeDone}
			}

			return nil
		})

		if err != nil {
			logging.Errorf("[Ollama] Stream error: %v", err)
			resultCh <- StreamEvent{
				Type:  EventTypeError,
				Error: err,
			}
		}
	}()

	return resultCh, nil
}

// buildMessages converts transcript messages to Ollama format
func (p *OllamaProvider) buildMessages(req *ChatRequest) []api.Message {
	messages := make([]api.Message, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, api.Message{
			Role:    "system",
			Content: req.System,
		})
	}

	respondedToolIDs := make(map[string]bool)
	for _, msg := range req.Messages {
		if msg.Role == "tool" && len(msg.ToolResults) > 0 {
			var results []MsgToolResult
			if err := json.Unmarshal(msg.ToolResults, &results); err == nil {
				for _, r := range results {
					respondedToolIDs[r.ToolCallID] = true
				}
			}
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			messages = append(messages, api.Message{
				Role:    "user",
				Content: msg.Content,
			})

		case "assistant":
			assistantMsg := api.Message{
				Role:    "assistant",
				Content: msg.Content,
			}

			if len(msg.ToolCalls) > 0 {
				var toolCalls []MsgToolCall
				if err := json.Unmarshal(msg.ToolCalls, &toolCalls); err == nil {
					for _, tc := range toolCalls {
						if !respondedToolIDs[tc.ID] {
							logging.Debugf("[Ollama] Skipping tool_call without response: %s", tc.ID)
							continue
						}

						args := api.NewToolCallFunctionArguments()
						var argsMap map[string]any
						if err := json.Unmarshal(tc.Input, &argsMap); err == nil {
							for k, v := range argsMap {
								args.Set(k, v)
							}
						}

						assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, api.ToolCall{
							ID: tc.ID,
							Function: api.ToolCallFunction{
								Name:      tc.Name,
								Arguments: args,
							},
						})
					}
				}
			}

			if assistantMsg.Content != "" || len(assistantMsg.ToolCalls) > 0 {
				messages = append(messages, assistantMsg)
			}

		case "system":
			messages = append(messages, api.Message{
				Role:    "system",
				Content: msg.Content,
			})

		case "tool":
			if len(msg.ToolResults) > 0 {
				var results []MsgToolResult
				if err := json.Unmarshal(msg.ToolResults, &results); err == nil {
					for _, r := range results {
						toolName := p.findToolName(r.ToolCallID, req.Messages)
						messages = append(messages, api.Message{
							Role:       "tool",
							Content:    r.Content,
							ToolCallID: r.ToolCallID,
							ToolName:   toolName,
						})
					}
				}
			}
		}
	}

	return messages
}

// findToolName finds the tool name for a tool call ID by searching messages
func (p *OllamaProvider) findToolName(toolCallID string, msgs []Message) string {
	for _, msg := range msgs {
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			var calls []MsgToolCall
			if err := json.Unmarshal(msg.ToolCalls, &calls); err == nil {
				for _, c := range calls {
					if c.ID == toolCallID {
						return c.Name
					}
				}
			}
		}
	}
	return "unknown"
}

// buildTools converts tool definitions to Ollama format
func (p *OllamaProvider) buildTools(tools []ToolDefinition) api.Tools {
	result := make(api.Tools, 0, len(tools))

	for _, tool := range tools {
		var schemaRaw map[string]any
		if err := json.Unmarshal([]byte(tool.InputSchema), &schemaRaw); err != nil {
			continue
		}

		params := api.ToolFunctionParameters{
			Type: "object",
		}

		if props, ok := schemaRaw["properties"].(map[string]any); ok {
			propsMap := api.NewToolPropertiesMap()
			for name, propRaw := range props {
				if propObj, ok := propRaw.(map[string]any); ok {
					propsMap.Set(name, p.convertProperty(propObj))
				}
			}
			params.Properties = propsMap
		}

		if required, ok := schemaRaw["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					params.Required = append(params.Required, s)
				}
			}
		}

		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	return result
}

// convertProperty converts a JSON schema property to Ollama format
func (p *OllamaProvider) convertProperty(prop map[string]any) api.ToolProperty {
	result := api.ToolProperty{}

	if typeVal, ok := prop["type"].(string); ok {
		result.Type = api.PropertyType{typeVal}
	}
	if desc, ok := prop["description"].(string); ok {
		result.Description = desc
	}
	if enum, ok := prop["enum"].([]any); ok {
		result.Enum = enum
	}
	if items, ok := prop["items"]; ok {
		result.Items = items
	}

	return result
}

// CheckOllamaAvailable reports whether an Ollama server is reachable
func CheckOllamaAvailable(baseURL string) bool {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/api/tags")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
