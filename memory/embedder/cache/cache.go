// Package cache memoizes embeddings in front of a slower embedder.
package cache

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultMaxEntries bounds the cache when New is given a size <= 0.
const DefaultMaxEntries = 10000

// Embedder wraps another embedder with a bounded in-memory cache keyed
// by text. Writes are admitted asynchronously, so a vector may be
// recomputed once before it becomes visible.
type Embedder struct {
	next  memory.Embedder
	cache *ristretto.Cache
}

// New wraps next, holding up to maxEntries vectors.
func New(next memory.Embedder, maxEntries int64) (*Embedder, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache", goerr.V("max_entries", maxEntries))
	}

	return &Embedder{next: next, cache: c}, nil
}

// Embed implements memory.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return clone(vec), nil
		}
	}

	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, clone(vec), 1)
	return vec, nil
}

// Dimensions implements memory.Embedder.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// Wait blocks until pending cache writes are applied.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close stops the cache's background goroutines.
func (e *Embedder) Close() {
	e.cache.Close()
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
