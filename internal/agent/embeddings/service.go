// Package embeddings generates text embeddings for the loop detector and the
// reasoning cache. A Service wraps a Provider with retry and an in-memory
// cache keyed by content hash, so repeated texts within a session cost one
// API call.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/loopcore/agentd/internal/logging"
)

// Provider interface for embedding providers
type Provider interface {
	// Embed generates embeddings for the given texts
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding dimension size
	Dimensions() int
	// Model returns the model identifier
	Model() string
}

// Service provides embedding generation with caching and retry
type Service struct {
	mu       sync.RWMutex
	provider Provider
	cache    map[string][]float32
}

// NewService creates a new embedding service
func NewService(provider Provider) *Service {
	return &Service{
		provider: provider,
		cache:    make(map[string][]float32),
	}
}

// SetProvider sets the embedding provider
func (s *Service) SetProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = p
}

// HasProvider returns true if an embedding provider is configured
func (s *Service) HasProvider() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider != nil
}

// Embed generates embeddings for the given texts
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}

	if len(texts) == 0 {
		return nil, nil
	}

	model := provider.Model()
	results := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0)
	uncachedTexts := make([]string, 0)

	for i, text := range texts {
		key := hashText(text) + ":" + model
		s.mu.RLock()
		embedding, ok := s.cache[key]
		s.mu.RUnlock()
		if ok {
			results[i] = embedding
		} else {
			uncachedIndices = append(uncachedIndices, i)
			uncachedTexts = append(uncachedTexts, text)
		}
	}

	if len(uncachedTexts) > 0 {
		var embeddings [][]float32
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			embeddings, err = provider.Embed(ctx, uncachedTexts)
			if err == nil {
				break
			}
			// Auth and client errors will not heal with retries
			errStr := err.Error()
			if containsAny(errStr, "401", "403", "400", "Unauthorized", "invalid_api_key", "Bad Request") {
				break
			}
			// Backoff: 500ms, 2s, 8s
			backoff := time.Duration(1<<uint(attempt*2)) * 500 * time.Millisecond
			logging.Warnf("[Embeddings] Attempt %d failed: %v, retrying in %v", attempt+1, err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(embeddings) != len(uncachedTexts) {
			return nil, fmt.Errorf("expected %d embeddings, got %d", len(uncachedTexts), len(embeddings))
		}

		s.mu.Lock()
		for j, embedding := range embeddings {
			idx := uncachedIndices[j]
			results[idx] = embedding
			s.cache[hashText(uncachedTexts[j])+":"+model] = embedding
		}
		s.mu.Unlock()
	}

	return results, nil
}

// EmbedOne generates an embedding for a single text
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	results, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no embedding generated")
	}
	return results[0], nil
}

// Dimensions returns the embedding dimensions
func (s *Service) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.provider == nil {
		return 0
	}
	return s.provider.Dimensions()
}

// Model returns the current model identifier
func (s *Service) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.provider == nil {
		return ""
	}
	return s.provider.Model()
}

// CosineSimilarity computes the cosine similarity between two vectors
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func hashText(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
