package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Store adds traces to the index and reads them back.
//
// Features:
//   - Append-only writes with generated ids and timestamps
//   - Thresholded, deduplicated, scoped similarity search
//   - Time-windowed reads for consolidation
type Store struct {
	index  Index
	config *Config
	now    func() time.Time
}

// Hit is one search result, closest first.
type Hit struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
	Distance float32           `json:"distance"`
}

// Role returns the trace role of the hit.
func (h Hit) Role() Role {
	return Role(h.Metadata[KeyRole])
}

// Filter narrows search results after retrieval. Empty fields match
// anything.
type Filter struct {
	OwnerID string
	ScopeID string
	Role    Role
}

// Match reports whether metadata satisfies every set field.
func (f *Filter) Match(md map[string]string) bool {
	if f == nil {
		return true
	}
	if f.OwnerID != "" && md[KeyOwnerID] != f.OwnerID {
		return false
	}
	if f.ScopeID != "" && md[KeyScopeID] != f.ScopeID {
		return false
	}
	if f.Role != "" && md[KeyRole] != string(f.Role) {
		return false
	}
	return true
}

func (f *Filter) empty() bool {
	return f == nil || (f.OwnerID == "" && f.ScopeID == "" && f.Role == "")
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source used for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store on top of index.
func NewStore(index Index, config *Config, opts ...Option) *Store {
	if config == nil {
		config = DefaultConfig
	}
	s := &Store{
		index:  index,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the store configuration.
func (s *Store) Config() *Config {
	return s.config
}

// Add writes a trace and returns its id. A missing id or timestamp is
// generated and, once the write succeeds, filled into trace in place; on
// error trace is left unchanged. Index failures are reported as
// core.ErrServiceUnavailable.
func (s *Store) Add(ctx context.Context, trace *Trace) (string, error) {
	if strings.TrimSpace(trace.Content) == "" {
		return "", goerr.New("trace content is empty", goerr.V("owner_id", trace.OwnerID))
	}
	if !trace.Role.Valid() {
		return "", goerr.New("unknown trace role", goerr.V("role", trace.Role))
	}

	stored := *trace
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now()
	}
	if stored.ID == "" {
		stored.ID = NewTraceID(stored.Timestamp)
	}

	if err := s.index.Index(ctx, stored.ID, stored.Content, stored.Metadata()); err != nil {
		return "", core.Unavailable(err, "failed to index trace",
			goerr.V("id", stored.ID),
			goerr.V("owner_id", stored.OwnerID),
		)
	}
	trace.ID = stored.ID
	trace.Timestamp = stored.Timestamp

	logging.Component(ctx, "memory").Debug("stored trace",
		"id", trace.ID,
		"role", trace.Role,
		"owner_id", trace.OwnerID,
		"scope_id", trace.ScopeID,
	)
	return trace.ID, nil
}

// Search returns up to k hits for query, closest first. Steps, in order:
// drop hits farther than threshold, drop repeated content keeping the
// closest occurrence, then drop hits not matching filter.
//
// The index has no native filter at query time, so filtering happens after
// the nearest neighbours are fetched. A filtered search fetches
// k*FilterFetchFactor candidates and may still return fewer than k hits
// when closer out-of-scope traces crowd the candidates out.
func (s *Store) Search(ctx context.Context, query string, k int, filter *Filter, threshold float64) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	fetch := k
	if !filter.empty() && s.config.FilterFetchFactor > 1 {
		fetch = k * s.config.FilterFetchFactor
	}

	records, err := s.index.Query(ctx, query, fetch)
	if err != nil {
		return nil, core.Unavailable(err, "failed to query index", goerr.V("k", fetch))
	}

	hits := make([]Hit, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if float64(rec.Distance) > threshold {
			continue
		}
		if _, dup := seen[rec.Content]; dup {
			continue
		}
		seen[rec.Content] = struct{}{}

		if !filter.Match(rec.Metadata) {
			continue
		}
		hits = append(hits, Hit{
			ID:       rec.ID,
			Content:  rec.Content,
			Metadata: rec.Metadata,
			Distance: rec.Distance,
		})
		if len(hits) == k {
			break
		}
	}

	logging.Component(ctx, "memory").Debug("searched memory",
		"query", Truncate(query, 50),
		"fetched", len(records),
		"returned", len(hits),
	)
	return hits, nil
}

// WindowSince returns the owner's traces with a timestamp strictly after
// since, oldest first. At most limit traces are scanned; a limit <= 0
// uses Config.WindowLimit.
func (s *Store) WindowSince(ctx context.Context, ownerID string, since time.Time, limit int) ([]*Trace, error) {
	if limit <= 0 {
		limit = s.config.WindowLimit
	}

	records, err := s.index.Scan(ctx, limit, map[string]string{KeyOwnerID: ownerID})
	if err != nil {
		return nil, core.Unavailable(err, "failed to scan index", goerr.V("owner_id", ownerID))
	}

	watermark := core.FormatTime(since)
	traces := make([]*Trace, 0, len(records))
	for _, rec := range records {
		if rec.Metadata[KeyOwnerID] != ownerID {
			continue
		}
		if rec.Metadata[KeyTimestamp] <= watermark {
			continue
		}
		traces = append(traces, TraceFromRecord(rec))
	}

	sort.SliceStable(traces, func(i, j int) bool {
		ti, tj := traces[i].Timestamp, traces[j].Timestamp
		if ti.Equal(tj) {
			return traces[i].ID < traces[j].ID
		}
		return ti.Before(tj)
	})

	if len(records) >= limit {
		logging.Component(ctx, "memory").Warn("window scan hit its limit, older traces may be missing",
			"owner_id", ownerID,
			"limit", limit,
		)
	}
	return traces, nil
}

// Get returns the trace stored under id.
func (s *Store) Get(ctx context.Context, id string) (*Trace, error) {
	rec, err := s.index.Get(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		return nil, core.Unavailable(err, "failed to read trace", goerr.V("id", id))
	}
	return TraceFromRecord(rec), nil
}

// Config holds Store configuration.
type Config struct {
	// DistanceThreshold is the default maximum distance for search hits.
	// Distances are squared euclidean between unit vectors, 2*(1-cosine),
	// so 1.0 keeps hits with cosine similarity >= 0.5.
	// Default: 1.0
	DistanceThreshold float64

	// FilterFetchFactor multiplies k when a filter is applied, to leave
	// room for hits dropped by the filter. 1 fetches exactly k.
	// Default: 3
	FilterFetchFactor int

	// WindowLimit caps the number of records scanned by WindowSince.
	// Default: 10000
	WindowLimit int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	DistanceThreshold: 1.0,
	FilterFetchFactor: 3,
	WindowLimit:       10000,
}
