package chromem

import (
	"context"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultCollection is the collection traces are stored in.
const DefaultCollection = "traces"

// Index wraps chromem-go for vector storage.
// chromem-go is a pure Go, embedded vector database; with a persist path
// every document is also written to disk and reloaded on start.
type Index struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder memory.Embedder

	// chromem answers Query with an error instead of fewer results when
	// nResults exceeds the collection size, so reads clamp to Count under
	// this lock while writes hold it exclusively.
	mu sync.RWMutex
}

type options struct {
	persistPath string
	compress    bool
	collection  string
}

// Option configures the index.
type Option func(*options)

// WithPersistence stores documents under path, gzip-compressed if
// compress is set.
func WithPersistence(path string, compress bool) Option {
	return func(o *options) {
		o.persistPath = path
		o.compress = compress
	}
}

// WithCollection overrides the collection name.
func WithCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.collection = name
		}
	}
}

// New creates a chromem-based index embedding text with embedder.
func New(embedder memory.Embedder, opts ...Option) (*Index, error) {
	o := &options{collection: DefaultCollection}
	for _, opt := range opts {
		opt(o)
	}

	db := chromem.NewDB()
	if o.persistPath != "" {
		var err error
		db, err = chromem.NewPersistentDB(o.persistPath, o.compress)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open persistent vector db", goerr.V("path", o.persistPath))
		}
	}

	col, err := db.GetOrCreateCollection(
		o.collection,
		nil, // No collection metadata
		nil, // No embedding func (we provide embeddings)
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create collection", goerr.V("collection", o.collection))
	}

	return &Index{
		db:       db,
		col:      col,
		embedder: embedder,
	}, nil
}

// Index implements memory.Index.
func (x *Index) Index(ctx context.Context, id string, text string, metadata map[string]string) error {
	embedding, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return goerr.Wrap(err, "failed to embed document", goerr.V("id", id))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: embedding,
		Metadata:  metadata,
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to add document", goerr.V("id", id))
	}

	logging.Component(ctx, "chromem").Debug("indexed document", "id", id, "count", x.col.Count())
	return nil
}

// Query implements memory.Index.
func (x *Index) Query(ctx context.Context, text string, k int) ([]memory.Record, error) {
	if k <= 0 {
		return nil, nil
	}

	embedding, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := min(k, x.col.Count())
	if n == 0 {
		logging.Component(ctx, "chromem").Debug("collection is empty")
		return nil, nil
	}

	results, err := x.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		if isInsufficientDocsError(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "chromem query failed", goerr.V("n", n))
	}
	return toRecords(results), nil
}

// Scan implements memory.Index. chromem-go has no listing call, so the
// scan ranks documents against a fixed probe vector and returns the first
// limit. The ranking carries no meaning for callers.
func (x *Index) Scan(ctx context.Context, limit int, where map[string]string) ([]memory.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := min(limit, x.col.Count())
	if n == 0 {
		return nil, nil
	}

	results, err := x.col.QueryEmbedding(ctx, x.probe(), n, where, nil)
	if err != nil {
		if isInsufficientDocsError(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "chromem scan failed", goerr.V("n", n))
	}
	return toRecords(results), nil
}

// Get implements memory.Index.
func (x *Index) Get(ctx context.Context, id string) (memory.Record, error) {
	doc, err := x.col.GetByID(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return memory.Record{}, core.NotFound("trace not found", goerr.V("id", id))
		}
		return memory.Record{}, goerr.Wrap(err, "failed to get document", goerr.V("id", id))
	}
	return memory.Record{
		ID:       doc.ID,
		Content:  doc.Content,
		Metadata: doc.Metadata,
	}, nil
}

// Count returns the number of stored documents.
func (x *Index) Count() int {
	return x.col.Count()
}

// Close releases resources. Persistent documents are written on add, so
// there is nothing to flush.
func (x *Index) Close() error {
	return nil
}

// probe is a unit vector of the embedder's dimension.
func (x *Index) probe() []float32 {
	dims := x.embedder.Dimensions()
	if dims <= 0 {
		dims = 1
	}
	v := make([]float32, dims)
	v[0] = 1
	return v
}

func toRecords(results []chromem.Result) []memory.Record {
	records := make([]memory.Record, 0, len(results))
	for _, r := range results {
		records = append(records, memory.Record{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Distance: distance(r.Similarity),
		})
	}
	return records
}

// distance converts cosine similarity of unit vectors to squared
// euclidean distance.
func distance(similarity float32) float32 {
	d := 2 * (1 - similarity)
	if d < 0 {
		return 0
	}
	return d
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "nResults must be") || strings.Contains(errStr, "number of documents")
}
