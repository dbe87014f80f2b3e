// Package ingest turns a paper into memory: a summary trace other
// components can pin or retrieve, and a critique trace the adversarial
// pipeline searches for counter-evidence.
package ingest

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/goerr/v2"
)

//go:embed prompt/analyze.md
var analyzePrompt string

// KeyPaperID is the extra trace metadata key linking a trace to its paper.
const KeyPaperID = "paper_id"

// Paper is a document to ingest.
type Paper struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	ScopeID string `json:"scope_id"`
	Title   string `json:"title"`
	Text    string `json:"text"`
}

// Analysis is what was extracted from a paper.
type Analysis struct {
	Summary   string   `json:"summary"`
	Claims    []string `json:"claims"`
	Critiques []string `json:"critiques"`

	// Fallback is set when the model analysis failed and Summary is a
	// prefix of the text.
	Fallback bool `json:"fallback"`
}

// SummaryTraceID returns the id of the summary trace for paperID.
func SummaryTraceID(paperID string) string {
	return "paper_" + paperID
}

// CritiqueTraceID returns the id of the critique trace for paperID.
func CritiqueTraceID(paperID string) string {
	return "paper_" + paperID + "_critique"
}

// Config holds ingester configuration.
type Config struct {
	// InputLimit caps the runes of paper text sent to the model.
	// Default: 2000
	InputLimit int

	// FallbackLength is the rune length of the summary used when analysis
	// fails.
	// Default: 500
	FallbackLength int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	InputLimit:     2000,
	FallbackLength: 500,
}

// Ingester analyzes papers and writes them to memory.
type Ingester struct {
	store  *memory.Store
	client llm.Client
	config *Config
}

// New creates an ingester.
func New(store *memory.Store, client llm.Client, config *Config) *Ingester {
	if config == nil {
		config = DefaultConfig
	}
	return &Ingester{store: store, client: client, config: config}
}

// Ingest analyzes paper and writes its traces. A failed analysis is not an
// error: the summary falls back to the start of the text and no critique
// trace is written. Only memory failures are returned.
func (x *Ingester) Ingest(ctx context.Context, paper Paper) (*Analysis, error) {
	if strings.TrimSpace(paper.ID) == "" {
		return nil, core.Invalid("paper id is empty")
	}
	if strings.TrimSpace(paper.Text) == "" {
		return nil, core.Invalid("paper text is empty", goerr.V("paper_id", paper.ID))
	}
	logger := logging.Component(ctx, "ingest")

	analysis, err := x.analyze(ctx, paper)
	if err != nil {
		logger.Warn("paper analysis failed, using text prefix", "paper_id", paper.ID, "error", err)
		analysis = &Analysis{
			Summary:  prefix(paper.Text, x.config.FallbackLength) + "...",
			Fallback: true,
		}
	}

	extra := map[string]string{KeyPaperID: paper.ID}
	if _, err := x.store.Add(ctx, &memory.Trace{
		ID:      SummaryTraceID(paper.ID),
		Content: summaryText(paper.Title, analysis),
		Role:    memory.RolePaperSummary,
		OwnerID: paper.OwnerID,
		ScopeID: paper.ScopeID,
		Extra:   extra,
	}); err != nil {
		return nil, err
	}

	if len(analysis.Critiques) > 0 {
		if _, err := x.store.Add(ctx, &memory.Trace{
			ID:      CritiqueTraceID(paper.ID),
			Content: critiqueText(paper.Title, analysis.Critiques),
			Role:    memory.RolePaperCritique,
			OwnerID: paper.OwnerID,
			ScopeID: paper.ScopeID,
			Extra:   extra,
		}); err != nil {
			return nil, err
		}
	}

	logger.Info("ingested paper",
		"paper_id", paper.ID,
		"claims", len(analysis.Claims),
		"critiques", len(analysis.Critiques),
		"fallback", analysis.Fallback,
	)
	return analysis, nil
}

func (x *Ingester) analyze(ctx context.Context, paper Paper) (*Analysis, error) {
	parsed, err := llm.CompleteJSON[Analysis](ctx, x.client, []core.Message{
		core.SystemMessage(analyzePrompt),
		core.UserMessage(prefix(paper.Text, x.config.InputLimit)),
	})
	if err != nil {
		return nil, err
	}
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	if parsed.Summary == "" {
		return nil, core.Malformed(goerr.New("empty summary"), "failed to analyze paper", goerr.V("paper_id", paper.ID))
	}
	parsed.Claims = compact(parsed.Claims)
	parsed.Critiques = compact(parsed.Critiques)
	parsed.Fallback = false
	return &parsed, nil
}

func summaryText(title string, a *Analysis) string {
	var b strings.Builder
	b.WriteString("Paper title: " + title + "\n")
	b.WriteString("Summary: " + a.Summary + "\n")
	if len(a.Claims) > 0 {
		b.WriteString("Claims: " + strings.Join(a.Claims, "; ") + "\n")
	}
	return b.String()
}

func critiqueText(title string, critiques []string) string {
	return "Paper title: " + title + "\nLimitations and reflections: " + strings.Join(critiques, "; ")
}

func prefix(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func compact(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ReadFile loads a plain text paper from disk. The title defaults to the
// file name and the id to the file name without its extension.
func ReadFile(path string) (Paper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Paper{}, goerr.Wrap(err, "failed to read paper", goerr.V("path", path))
	}
	name := filepath.Base(path)
	return Paper{
		ID:    strings.TrimSuffix(name, filepath.Ext(name)),
		Title: name,
		Text:  string(data),
	}, nil
}
