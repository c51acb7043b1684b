// Package detector flags sessions that are stuck cycling through
// near-identical actions. It keeps a rolling window of embeddings of recent
// assistant states and reports stuck when the last M entries are mutually
// similar above a cosine threshold. This fires well before the hard
// iteration ceiling when the model is looping.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loopcore/agentd/internal/agent/embeddings"
	"github.com/loopcore/agentd/internal/logging"
)

const (
	// DefaultWindow is how many consecutive similar states trigger stuck.
	DefaultWindow = 3
	// DefaultThreshold is the pairwise cosine similarity floor.
	DefaultThreshold = 0.92
)

// Config tunes the detector.
type Config struct {
	Window    int     `yaml:"window"`
	Threshold float64 `yaml:"threshold"`
}

// Embedder is the slice of the embedding service the detector needs.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Detector watches per-iteration state embeddings for repetition.
type Detector struct {
	mu        sync.Mutex
	embedder  Embedder
	window    [][]float32 // ring buffer, capacity = size
	size      int
	next      int
	count     int
	threshold float64
}

// New creates a detector. Zero config fields fall back to defaults.
func New(embedder Embedder, cfg Config) *Detector {
	size := cfg.Window
	if size <= 0 {
		size = DefaultWindow
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{
		embedder:  embedder,
		window:    make([][]float32, size),
		size:      size,
		threshold: threshold,
	}
}

// ObserveText records the latest assistant text output and reports whether
// the session is stuck.
func (d *Detector) ObserveText(ctx context.Context, text string) (bool, error) {
	return d.observe(ctx, text)
}

// ObserveToolCall records a tool call as its signature (name plus sorted
// argument keys) and reports whether the session is stuck. Using keys rather
// than values means "read a.txt" and "read b.txt" look alike only when the
// argument values also embed alike, which the text path covers.
func (d *Detector) ObserveToolCall(ctx context.Context, name string, args json.RawMessage) (bool, error) {
	return d.observe(ctx, CallSignature(name, args))
}

func (d *Detector) observe(ctx context.Context, state string) (bool, error) {
	if d.embedder == nil {
		return false, nil
	}

	vec, err := d.embedder.EmbedOne(ctx, state)
	if err != nil {
		// Detection is best-effort; an embedding failure must not stall the loop
		logging.Warnf("[Detector] embedding failed: %v", err)
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.window[d.next] = vec
	d.next = (d.next + 1) % d.size
	if d.count < d.size {
		d.count++
	}

	if d.count < d.size {
		return false, nil
	}

	// All pairs in the window must clear the threshold
	for i := 0; i < d.size; i++ {
		for j := i + 1; j < d.size; j++ {
			if embeddings.CosineSimilarity(d.window[i], d.window[j]) < d.threshold {
				return false, nil
			}
		}
	}
	return true, nil
}

// Reset clears the window, used when a human redirects a stuck session.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.window {
		d.window[i] = nil
	}
	d.next = 0
	d.count = 0
}

// CallSignature renders a tool call as "name(key1,key2,...)" with keys sorted.
func CallSignature(name string, args json.RawMessage) string {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(args, &parsed); err != nil || len(parsed) == 0 {
		return name + "()"
	}
	keys := make([]string, 0, len(parsed))
	for k := range parsed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s(%s)", name, strings.Join(keys, ","))
}
