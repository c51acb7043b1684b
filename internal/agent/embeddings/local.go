package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalProvider is a deterministic bag-of-tokens embedder used when no API
// provider is configured. It hashes each token into a fixed-size vector and
// normalizes the result. The vectors are crude but stable, which is enough
// for repetition detection: identical texts map to identical vectors and
// near-identical texts stay close.
type LocalProvider struct {
	dimensions int
}

// NewLocalProvider creates a local hash embedder
func NewLocalProvider(dimensions int) *LocalProvider {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &LocalProvider{dimensions: dimensions}
}

func (p *LocalProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	for i, text := range texts {
		result[i] = p.embedOne(text)
	}
	return result, nil
}

func (p *LocalProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dimensions)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		idx := int(sum) % p.dimensions
		if idx < 0 {
			idx += p.dimensions
		}
		// Alternate sign by a second hash bit to spread mass
		if sum&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func (p *LocalProvider) Dimensions() int {
	return p.dimensions
}

func (p *LocalProvider) Model() string {
	return "local-hash"
}
