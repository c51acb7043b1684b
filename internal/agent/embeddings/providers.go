package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loopcore/agentd/internal/logging"
)

// Remote backends speak plain JSON over HTTP and are thin codecs over
// postJSON. Retry, caching and batching policy live in Service.

// OpenAIConfig configures the OpenAI embedding backend.
type OpenAIConfig struct {
	APIKey     string
	Model      string // default text-embedding-3-small
	Dimensions int    // default 1536
	BaseURL    string // default https://api.openai.com/v1
}

// OpenAIProvider requests embeddings from the OpenAI embeddings endpoint.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{cfg: cfg, client: &http.Client{Timeout: time.Minute}}
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload := map[string]any{
		"model":      p.cfg.Model,
		"input":      texts,
		"dimensions": p.cfg.Dimensions,
	}
	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
	if err := postJSON(ctx, p.client, p.cfg.BaseURL+"/embeddings", headers, payload, &out); err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	// Items can arrive out of order; slot them by index.
	vectors := make([][]float32, len(texts))
	for _, item := range out.Data {
		if item.Index >= 0 && item.Index < len(vectors) {
			vectors[item.Index] = item.Embedding
		}
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector for input %d", i)
		}
	}
	return vectors, nil
}

func (p *OpenAIProvider) Dimensions() int { return p.cfg.Dimensions }

func (p *OpenAIProvider) Model() string { return p.cfg.Model }

// OllamaConfig configures the local Ollama embedding backend.
type OllamaConfig struct {
	BaseURL    string // default http://localhost:11434
	Model      string // default qwen3-embedding
	Dimensions int    // default 256
}

// OllamaProvider requests embeddings from a local Ollama server.
type OllamaProvider struct {
	cfg    OllamaConfig
	client *http.Client
}

// NewOllamaProvider creates an Ollama embedding provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen3-embedding"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 256
	}
	// The first call may need to pull the model into memory.
	return &OllamaProvider{cfg: cfg, client: &http.Client{Timeout: 2 * time.Minute}}
}

func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload := map[string]any{
		"model":      p.cfg.Model,
		"input":      texts,
		"dimensions": p.cfg.Dimensions,
	}
	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := postJSON(ctx, p.client, p.cfg.BaseURL+"/api/embed", nil, payload, &out); err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: got %d vectors for %d inputs", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

func (p *OllamaProvider) Dimensions() int { return p.cfg.Dimensions }

func (p *OllamaProvider) Model() string { return p.cfg.Model }

// postJSON sends one JSON request and decodes the JSON response into out.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logging.Debugf("[Embeddings] POST %s (%d bytes)", url, len(body))
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, string(detail))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
