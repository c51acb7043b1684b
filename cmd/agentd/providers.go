package cli

import (
	"github.com/loopcore/agentd/internal/agent/ai"
	"github.com/loopcore/agentd/internal/agent/config"
	"github.com/loopcore/agentd/internal/agent/embeddings"
	"github.com/loopcore/agentd/internal/logging"
)

// createProviders builds the provider map from config, keyed by the
// provider id the routing table references.
func createProviders(cfg *config.Config) map[string]ai.Provider {
	providers := make(map[string]ai.Provider)
	for _, pc := range cfg.Providers {
		switch pc.Name {
		case "anthropic":
			providers["anthropic"] = ai.NewAnthropicProvider(pc.APIKey, "")
		case "openai":
			providers["openai"] = ai.NewOpenAIProvider(pc.APIKey, "")
		case "gemini":
			providers["gemini"] = ai.NewGeminiProvider(pc.APIKey, "")
		case "ollama":
			if ai.CheckOllamaAvailable(pc.BaseURL) {
				providers["ollama"] = ai.NewOllamaProvider(pc.BaseURL, "")
			} else {
				logging.Debugf("[CLI] ollama not reachable at %s, skipping", pc.BaseURL)
			}
		}
	}
	return providers
}

// createEmbeddings builds the embedding service the loop detector and
// reasoning cache share. Returns nil when no backend is usable; both
// consumers degrade gracefully without one.
func createEmbeddings(cfg *config.Config) *embeddings.Service {
	switch cfg.Embeddings.Provider {
	case "openai":
		pc := cfg.GetProvider("openai")
		if pc == nil || pc.APIKey == "" {
			logging.Warnf("[CLI] openai embeddings configured but no API key set")
			return nil
		}
		return embeddings.NewService(embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
			APIKey:  pc.APIKey,
			Model:   cfg.Embeddings.Model,
			BaseURL: cfg.Embeddings.BaseURL,
		}))
	case "ollama":
		return embeddings.NewService(embeddings.NewOllamaProvider(embeddings.OllamaConfig{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		}))
	case "local":
		return embeddings.NewService(embeddings.NewLocalProvider(256))
	default:
		return nil
	}
}
