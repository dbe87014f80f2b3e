// Package adversarial searches memory for evidence against a claim and
// reports only the evidence a model judges to be in real conflict with it.
package adversarial

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/ka1naas/Research-Engram/memory"
	"golang.org/x/sync/errgroup"
)

//go:embed prompt/queries.md
var queriesPrompt string

//go:embed prompt/score.md
var scorePrompt string

//go:embed prompt/report.md
var reportPrompt string

var (
	queriesTemplate = template.Must(template.New("queries").Parse(queriesPrompt))
	scoreTemplate   = template.Must(template.New("score").Parse(scorePrompt))
	reportTemplate  = template.Must(template.New("report").Parse(reportPrompt))
)

// Config holds pipeline configuration.
type Config struct {
	// MaxQueries caps the adversarial queries generated per claim.
	// Default: 3
	MaxQueries int

	// CritiqueResults is k for each adversarial query.
	// Default: 2
	CritiqueResults int

	// SupportResults is k for the supporting search.
	// Default: 3
	SupportResults int

	// ConflictThreshold is the minimum score kept in the report.
	// Default: 6
	ConflictThreshold int

	// DistanceThreshold bounds every search. 0 uses the store default.
	DistanceThreshold float64

	// ScoreConcurrency bounds parallel scoring calls.
	// Default: 4
	ScoreConcurrency int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	MaxQueries:        3,
	CritiqueResults:   2,
	SupportResults:    3,
	ConflictThreshold: 6,
	ScoreConcurrency:  4,
}

// Assessment is the model's judgement of one piece of counter-evidence.
type Assessment struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    int               `json:"score"`
	Reason   string            `json:"reason"`
}

// Report is the result of Critique.
type Report struct {
	Claim      string       `json:"claim"`
	Queries    []string     `json:"queries"`
	Examined   int          `json:"examined"`
	Conflicts  []Assessment `json:"conflicts"`
	Supporting []memory.Hit `json:"supporting"`
	Narrative  string       `json:"narrative"`
}

// Pipeline runs adversarial retrieval.
type Pipeline struct {
	store  *memory.Store
	client llm.Client
	config *Config
}

// New creates a pipeline.
func New(store *memory.Store, client llm.Client, config *Config) *Pipeline {
	if config == nil {
		config = DefaultConfig
	}
	return &Pipeline{store: store, client: client, config: config}
}

func (p *Pipeline) threshold() float64 {
	if p.config.DistanceThreshold > 0 {
		return p.config.DistanceThreshold
	}
	return p.store.Config().DistanceThreshold
}

// Critique searches for critique traces that conflict with claim. scope
// narrows every search to an owner and/or scope; its Role is ignored.
// Model failures degrade the report rather than failing it; only memory
// failures are returned as errors.
func (p *Pipeline) Critique(ctx context.Context, claim string, scope *memory.Filter) (*Report, error) {
	claim = strings.TrimSpace(claim)
	if claim == "" {
		return nil, core.Invalid("claim is empty")
	}
	logger := logging.Component(ctx, "adversarial")

	report := &Report{Claim: claim}
	report.Queries = p.Queries(ctx, claim)

	critiqueFilter := &memory.Filter{Role: memory.RolePaperCritique}
	supportFilter := &memory.Filter{}
	if scope != nil {
		critiqueFilter.OwnerID, critiqueFilter.ScopeID = scope.OwnerID, scope.ScopeID
		supportFilter.OwnerID, supportFilter.ScopeID = scope.OwnerID, scope.ScopeID
	}

	var evidence []memory.Hit
	seen := make(map[string]struct{})
	for _, q := range report.Queries {
		hits, err := p.store.Search(ctx, q, p.config.CritiqueResults, critiqueFilter, p.threshold())
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if _, dup := seen[h.Content]; dup {
				continue
			}
			seen[h.Content] = struct{}{}
			evidence = append(evidence, h)
		}
	}
	report.Examined = len(evidence)

	for _, a := range p.scoreAll(ctx, claim, evidence) {
		if a.Score >= p.config.ConflictThreshold {
			report.Conflicts = append(report.Conflicts, a)
		}
	}

	supporting, err := p.store.Search(ctx, claim, p.config.SupportResults, supportFilter, p.threshold())
	if err != nil {
		return nil, err
	}
	report.Supporting = supporting

	report.Narrative = p.compose(ctx, report)

	logger.Info("critique finished",
		"queries", len(report.Queries),
		"examined", report.Examined,
		"conflicts", len(report.Conflicts),
		"supporting", len(report.Supporting),
	)
	return report, nil
}

// Queries asks the model for adversarial search phrases. A failed or empty
// reply falls back to two fixed phrasings of the claim.
func (p *Pipeline) Queries(ctx context.Context, claim string) []string {
	fallback := []string{claim + " limitation", "rebuttal of " + claim}

	prompt, err := llm.Render(queriesTemplate, map[string]any{"Claim": claim, "Max": p.config.MaxQueries})
	if err != nil {
		return fallback
	}
	reply, err := p.client.Complete(ctx, []core.Message{core.UserMessage(prompt)})
	if err != nil {
		logging.Component(ctx, "adversarial").Warn("query generation failed, using fallback", "error", err)
		return fallback
	}
	queries, err := llm.DecodeStringList(reply, "queries")
	if err != nil || len(queries) == 0 {
		logging.Component(ctx, "adversarial").Warn("unusable query reply, using fallback", "error", err)
		return fallback
	}
	if p.config.MaxQueries > 0 && len(queries) > p.config.MaxQueries {
		queries = queries[:p.config.MaxQueries]
	}
	return queries
}

// scoreAll scores evidence in parallel, keeping input order.
func (p *Pipeline) scoreAll(ctx context.Context, claim string, evidence []memory.Hit) []Assessment {
	out := make([]Assessment, len(evidence))

	var eg errgroup.Group
	eg.SetLimit(max(1, p.config.ScoreConcurrency))
	for i, h := range evidence {
		eg.Go(func() error {
			a := p.Score(ctx, claim, h.Content)
			a.Metadata = h.Metadata
			out[i] = a
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

// Score rates how strongly evidence conflicts with claim, 0 to 10. It
// fails open: any model or parse failure scores 0.
func (p *Pipeline) Score(ctx context.Context, claim, evidence string) Assessment {
	a := Assessment{Content: evidence, Reason: "could not assess"}

	prompt, err := llm.Render(scoreTemplate, map[string]any{"Claim": claim, "Evidence": evidence})
	if err != nil {
		return a
	}
	reply, err := p.client.Complete(ctx, []core.Message{core.UserMessage(prompt)})
	if err != nil {
		logging.Component(ctx, "adversarial").Warn("conflict scoring failed", "error", err)
		return a
	}

	parsed, err := llm.DecodeJSON[struct {
		Score  any    `json:"score"`
		Reason string `json:"reason"`
	}](reply)
	if err != nil {
		logging.Component(ctx, "adversarial").Warn("unparsable conflict score", "error", err)
		return a
	}
	score, ok := toScore(parsed.Score)
	if !ok {
		return a
	}

	a.Score = score
	a.Reason = strings.TrimSpace(parsed.Reason)
	return a
}

// toScore accepts numbers and numeric strings, rounds, and clamps to 0-10.
func toScore(v any) (int, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return int(math.Max(0, math.Min(10, math.Round(f)))), true
}

// compose asks the model for the narrative, falling back to a plain text
// rendering of the report.
func (p *Pipeline) compose(ctx context.Context, r *Report) string {
	supporting := make([]string, len(r.Supporting))
	for i, h := range r.Supporting {
		supporting[i] = h.Content
	}

	prompt, err := llm.Render(reportTemplate, map[string]any{
		"Claim":      r.Claim,
		"Supporting": supporting,
		"Conflicts":  r.Conflicts,
	})
	if err == nil {
		reply, err := p.client.Complete(ctx, []core.Message{
			core.SystemMessage(prompt),
			core.UserMessage(r.Claim),
		})
		if err == nil && strings.TrimSpace(reply) != "" {
			return reply
		}
		logging.Component(ctx, "adversarial").Warn("report composition failed, using plain report", "error", err)
	}
	return PlainReport(r)
}

// PlainReport renders r without a model.
func PlainReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim: %s\n", r.Claim)

	b.WriteString("\nSupporting evidence:\n")
	if len(r.Supporting) == 0 {
		b.WriteString("- none found\n")
	}
	for _, h := range r.Supporting {
		fmt.Fprintf(&b, "- %s\n", memory.Truncate(h.Content, 200))
	}

	b.WriteString("\nPotential conflicts:\n")
	if len(r.Conflicts) == 0 {
		b.WriteString("- no high-conflict evidence found\n")
	}
	for _, c := range r.Conflicts {
		fmt.Fprintf(&b, "- [score %d] %s (%s)\n", c.Score, memory.Truncate(c.Content, 200), c.Reason)
	}
	return b.String()
}
