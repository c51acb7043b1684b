// Package rcache is the reasoning cache: solutions to previously solved
// problems, keyed by an embedding of the problem description. A lookup whose
// nearest neighbor clears the similarity threshold yields the cached solution
// as a hint for the model. The cache never executes anything itself.
package rcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loopcore/agentd/internal/agent/embeddings"
	"github.com/loopcore/agentd/internal/logging"
)

// DefaultThreshold is the minimum similarity for a hit. Anything lower
// surfaces no hint at all.
const DefaultThreshold = 0.95

// Hit is a successful cache lookup.
type Hit struct {
	Problem    string
	Solution   string
	Similarity float64
}

// Cache stores problem embeddings and their solutions in sqlite.
type Cache struct {
	db        *sql.DB
	embedder  *embeddings.Service
	threshold float64
}

// New creates a cache over the shared store connection. A threshold of 0
// uses the default.
func New(db *sql.DB, embedder *embeddings.Service, threshold float64) *Cache {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Cache{db: db, embedder: embedder, threshold: threshold}
}

// Threshold returns the configured similarity floor.
func (c *Cache) Threshold() float64 {
	return c.threshold
}

// Lookup embeds the problem description and scans for the nearest stored
// neighbor. Returns nil when nothing clears the threshold. Embedding or scan
// failures are reported as a miss; the loop must not fail over a cache.
func (c *Cache) Lookup(ctx context.Context, problem string) (*Hit, error) {
	if c.embedder == nil || !c.embedder.HasProvider() {
		return nil, nil
	}

	query, err := c.embedder.EmbedOne(ctx, problem)
	if err != nil {
		logging.Warnf("[Cache] embed failed: %v", err)
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, `SELECT problem, embedding, solution FROM reasoning_cache`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan reasoning cache: %w", err)
	}
	defer rows.Close()

	var best *Hit
	for rows.Next() {
		var storedProblem, blob, solution string
		if err := rows.Scan(&storedProblem, &blob, &solution); err != nil {
			return nil, err
		}
		var stored []float32
		if err := json.Unmarshal([]byte(blob), &stored); err != nil {
			continue
		}
		sim := embeddings.CosineSimilarity(query, stored)
		if best == nil || sim > best.Similarity {
			best = &Hit{Problem: storedProblem, Solution: solution, Similarity: sim}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if best == nil || best.Similarity < c.threshold {
		return nil, nil
	}
	return best, nil
}

// Insert records a solved problem for future reuse. Append-only.
func (c *Cache) Insert(ctx context.Context, problem, solution string) error {
	if c.embedder == nil || !c.embedder.HasProvider() {
		return nil
	}
	if problem == "" || solution == "" {
		return nil
	}

	vec, err := c.embedder.EmbedOne(ctx, problem)
	if err != nil {
		return fmt.Errorf("failed to embed problem: %w", err)
	}
	blob, err := json.Marshal(vec)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO reasoning_cache (id, problem, embedding, solution) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), problem, string(blob), solution,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// Size returns the number of stored entries.
func (c *Cache) Size(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reasoning_cache`).Scan(&n)
	return n, err
}
