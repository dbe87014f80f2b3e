// Package consolidation folds a user's recent traces into their persona
// and promotes durable statements to implicit_knowledge traces.
//
// A pass moves through idle -> collecting -> merging -> committed or
// aborted. Collection reads evidence newer than the profile watermark;
// merging asks the model for an updated persona and a knowledge list in
// parallel; commit saves the persona, the advanced watermark and the
// knowledge list in one profile write. The knowledge is indexed as traces
// afterwards and cleared from the profile. Any failure before the profile
// write leaves the watermark untouched, so the same window is retried by
// the next pass. Knowledge left pending by an interrupted pass is indexed
// at the start of the next one.
package consolidation

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"sync"
	"text/template"
	"time"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/ka1naas/Research-Engram/profile"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

//go:embed prompt/persona.md
var personaPrompt string

//go:embed prompt/knowledge.md
var knowledgePrompt string

var (
	personaTemplate   = template.Must(template.New("persona").Parse(personaPrompt))
	knowledgeTemplate = template.Must(template.New("knowledge").Parse(knowledgePrompt))
)

const systemPrompt = "You are the memory consolidation process of a research assistant. Reply with JSON only."

// ErrAlreadyConsolidating is returned when a pass for the same user is
// already running.
var ErrAlreadyConsolidating = goerr.New("consolidation already in progress")

// State is the phase of a consolidation pass.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateMerging    State = "merging"
	StateCommitted  State = "committed"
	StateAborted    State = "aborted"
)

// Result describes one pass. State is StateIdle when there was nothing to
// consolidate.
type Result struct {
	UserID    string          `json:"user_id"`
	State     State           `json:"state"`
	Collected int             `json:"collected"`
	Knowledge int             `json:"knowledge"`
	Persona   profile.Persona `json:"persona"`
	Watermark time.Time       `json:"watermark"`
	Duration  time.Duration   `json:"duration"`
}

// Config holds consolidation configuration.
type Config struct {
	// UseInteractionLog merges the chat log into the evidence window.
	// Requires WithInteractionLog.
	UseInteractionLog bool

	// Concurrency bounds parallel passes in RunAll.
	// Default: 4
	Concurrency int

	// Interval is the Scheduler period.
	// Default: 24h
	Interval time.Duration

	// WindowLimit caps the traces scanned per pass. 0 uses the store
	// default.
	WindowLimit int

	// EvidenceMaxLen truncates each evidence line, in characters.
	// Default: 1000
	EvidenceMaxLen int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	Concurrency:    4,
	Interval:       24 * time.Hour,
	EvidenceMaxLen: 1000,
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithInteractionLog sets the chat log read when Config.UseInteractionLog
// is on.
func WithInteractionLog(log profile.InteractionLog) Option {
	return func(c *Consolidator) {
		c.log = log
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) {
		c.now = now
	}
}

// Consolidator runs consolidation passes.
type Consolidator struct {
	store    *memory.Store
	profiles profile.Repository
	log      profile.InteractionLog
	client   llm.Client
	config   *Config
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Consolidator.
func New(store *memory.Store, profiles profile.Repository, client llm.Client, config *Config, opts ...Option) *Consolidator {
	if config == nil {
		config = DefaultConfig
	}
	c := &Consolidator{
		store:    store,
		profiles: profiles,
		client:   client,
		config:   config,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consolidator) acquire(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[userID]; busy {
		return false
	}
	c.inFlight[userID] = struct{}{}
	return true
}

func (c *Consolidator) release(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, userID)
}

// evidence is one collected item, already rendered for the prompt.
type evidence struct {
	at   time.Time
	id   string
	line string
}

// Run executes one pass for userID. It returns ErrAlreadyConsolidating if
// a pass for the same user is running, core.ErrNotFound for an unknown
// user, and the cause of an aborted pass otherwise. An empty window is a
// no-op with State StateIdle and a nil error.
func (c *Consolidator) Run(ctx context.Context, userID string) (*Result, error) {
	if !c.acquire(userID) {
		return nil, goerr.Wrap(ErrAlreadyConsolidating, "rejected consolidation trigger", goerr.V("user_id", userID))
	}
	defer c.release(userID)

	started := c.now()
	logger := logging.Component(ctx, "consolidation").With("user_id", userID)
	res := &Result{UserID: userID, State: StateCollecting}
	defer func() { res.Duration = c.now().Sub(started) }()

	p, err := c.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	res.Persona = p.Persona
	res.Watermark = p.LastConsolidation

	if len(p.PendingKnowledge) > 0 {
		logger.Info("indexing knowledge pending from an earlier pass", "count", len(p.PendingKnowledge))
		if err := c.flush(ctx, userID, p.PendingKnowledge, p.LastConsolidation); err != nil {
			res.State = StateAborted
			logger.Warn("consolidation aborted while indexing pending knowledge", "error", err)
			return res, err
		}
	}

	items, err := c.collect(ctx, userID, p.LastConsolidation)
	if err != nil {
		res.State = StateAborted
		logger.Warn("consolidation aborted while collecting", "error", err)
		return res, err
	}
	res.Collected = len(items)
	if len(items) == 0 {
		res.State = StateIdle
		logger.Debug("no new evidence")
		return res, nil
	}

	res.State = StateMerging
	logger.Debug("merging evidence", "collected", len(items))
	persona, knowledge, err := c.merge(ctx, p, items)
	if err != nil {
		res.State = StateAborted
		logger.Warn("consolidation aborted while merging", "error", err)
		return res, err
	}

	watermark := items[len(items)-1].at
	if err := c.profiles.Save(ctx, userID, persona, watermark, knowledge); err != nil {
		res.State = StateAborted
		err = core.Unavailable(err, "failed to save profile", goerr.V("user_id", userID))
		logger.Warn("consolidation aborted while committing", "error", err)
		return res, err
	}
	if err := c.flush(ctx, userID, knowledge, watermark); err != nil {
		logger.Warn("knowledge stays pending until the next pass", "error", err)
	}

	res.State = StateCommitted
	res.Persona = persona
	res.Knowledge = len(knowledge)
	res.Watermark = watermark
	logger.Info("consolidation committed",
		"collected", res.Collected,
		"traits", len(persona.Traits),
		"knowledge", res.Knowledge,
		"watermark", core.FormatTime(watermark),
	)
	return res, nil
}

// collect gathers evidence after since, oldest first. implicit_knowledge
// traces are the output of earlier passes and never count as evidence.
func (c *Consolidator) collect(ctx context.Context, userID string, since time.Time) ([]evidence, error) {
	traces, err := c.store.WindowSince(ctx, userID, since, c.config.WindowLimit)
	if err != nil {
		return nil, err
	}

	var items []evidence
	seen := make(map[string]struct{})
	for _, t := range traces {
		if t.Role == memory.RoleImplicitKnowledge {
			continue
		}
		seen[t.Content] = struct{}{}
		items = append(items, evidence{
			at:   t.Timestamp,
			id:   t.ID,
			line: t.Format(c.config.EvidenceMaxLen),
		})
	}

	if c.config.UseInteractionLog && c.log != nil {
		msgs, err := c.log.MessagesSince(ctx, userID, since)
		if err != nil {
			return nil, core.Unavailable(err, "failed to read interaction log", goerr.V("user_id", userID))
		}
		for _, m := range msgs {
			// Dialogue turns are also written as utterance traces.
			if _, dup := seen[m.Content]; dup {
				continue
			}
			seen[m.Content] = struct{}{}
			content := m.Content
			if c.config.EvidenceMaxLen > 0 {
				content = memory.Truncate(content, c.config.EvidenceMaxLen)
			}
			line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.UTC().Format(time.DateTime), m.Role, content)
			items = append(items, evidence{
				at:   m.Timestamp,
				id:   fmt.Sprintf("msg-%020d", m.ID),
				line: line,
			})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].at.Equal(items[j].at) {
			return items[i].id < items[j].id
		}
		return items[i].at.Before(items[j].at)
	})
	return items, nil
}

// merge runs the persona and knowledge transformations concurrently. Both
// must succeed.
func (c *Consolidator) merge(ctx context.Context, p *profile.Profile, items []evidence) (profile.Persona, []string, error) {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = it.line
	}

	since := "the beginning"
	if !p.LastConsolidation.IsZero() {
		since = core.FormatTime(p.LastConsolidation)
	}

	personaInput, err := llm.Render(personaTemplate, map[string]any{
		"Persona":  p.Persona.Encode(),
		"Since":    since,
		"Evidence": lines,
	})
	if err != nil {
		return profile.Persona{}, nil, err
	}
	knowledgeInput, err := llm.Render(knowledgeTemplate, map[string]any{
		"Evidence": lines,
	})
	if err != nil {
		return profile.Persona{}, nil, err
	}

	var (
		persona   profile.Persona
		knowledge []string
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		reply, err := c.client.Complete(ctx, []core.Message{
			core.SystemMessage(systemPrompt),
			core.UserMessage(personaInput),
		})
		if err != nil {
			return err
		}
		parsed, err := profile.ParsePersona(reply)
		if err != nil {
			return err
		}
		persona = Reconcile(p.Persona, parsed)
		return nil
	})
	eg.Go(func() error {
		reply, err := c.client.Complete(ctx, []core.Message{
			core.SystemMessage(systemPrompt),
			core.UserMessage(knowledgeInput),
		})
		if err != nil {
			return err
		}
		knowledge, err = llm.DecodeStringList(reply, "knowledge")
		return err
	})
	if err := eg.Wait(); err != nil {
		return profile.Persona{}, nil, err
	}
	return persona, knowledge, nil
}

// Reconcile applies decay-by-omission to a model-updated persona: an old
// trait that no new trait mentions is carried over verbatim after the
// updated traits. A trait only leaves the persona when the model rewrites
// it into a trait that mentions it.
func Reconcile(old, updated profile.Persona) profile.Persona {
	out := profile.NewPersona(updated.Traits...)
	for _, trait := range old.Traits {
		if out.Mentions(trait) {
			continue
		}
		out.Traits = append(out.Traits, trait)
	}
	return out
}

// KnowledgeID is the trace id of the i-th knowledge item committed with
// watermark.
func KnowledgeID(userID string, watermark time.Time, i int) string {
	return fmt.Sprintf("ik_%s_%s_%d", userID, watermark.UTC().Format("20060102150405.000000"), i)
}

// flush indexes knowledge committed with watermark, then clears it from
// the profile. Ids depend only on the watermark and position, so indexing
// the same list again overwrites the same traces.
func (c *Consolidator) flush(ctx context.Context, userID string, knowledge []string, watermark time.Time) error {
	for i, item := range knowledge {
		_, err := c.store.Add(ctx, &memory.Trace{
			ID:        KnowledgeID(userID, watermark, i),
			Content:   item,
			Role:      memory.RoleImplicitKnowledge,
			OwnerID:   userID,
			Timestamp: c.now(),
		})
		if err != nil {
			return err
		}
	}
	if len(knowledge) == 0 {
		return nil
	}
	if err := c.profiles.ClearPending(ctx, userID, watermark); err != nil {
		return core.Unavailable(err, "failed to clear pending knowledge", goerr.V("user_id", userID))
	}
	return nil
}
