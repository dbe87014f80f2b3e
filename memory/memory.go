package memory

import (
	"context"
)

// Record is one entry of the embedding index: the indexed text, its
// string metadata and, for query results, the distance to the query
// (lower is closer).
type Record struct {
	ID       string
	Content  string
	Metadata map[string]string
	Distance float32
}

// Index is the vector index backend.
// Implementations: chromem.Index (embedded, optionally persistent).
type Index interface {
	// Index embeds text and stores it with metadata under id.
	// Re-using an id silently overwrites the previous record.
	Index(ctx context.Context, id string, text string, metadata map[string]string) error

	// Query returns up to k records nearest to text, closest first.
	// An empty index yields an empty result, not an error.
	Query(ctx context.Context, text string, k int) ([]Record, error)

	// Scan returns up to limit records without vector ranking. Order is
	// unspecified. A non-empty where restricts results to records whose
	// metadata matches every pair exactly.
	Scan(ctx context.Context, limit int, where map[string]string) ([]Record, error)

	// Get returns the record stored under id, or core.ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Close releases resources.
	Close() error
}

// Embedder converts text to embedding vectors.
// Implementations: hash.Embedder (offline, deterministic), onnx.Embedder
// (local MiniLM), gemini.Client (API), cache.Embedder (memoizing wrapper).
//
// Embedders must be deterministic: the same text yields the same vector.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
