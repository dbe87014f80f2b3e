// Package dialogue routes a chat turn to a context-assembly strategy and
// records the exchange in the interaction log and in memory.
package dialogue

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/ka1naas/Research-Engram/adversarial"
	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/ingest"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/ka1naas/Research-Engram/profile"
	"github.com/m-mizutani/goerr/v2"
)

//go:embed prompt/*.md
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompt/*.md"))

// SystemErrorText is returned to the user when the model fails.
const SystemErrorText = "Something went wrong on our side while preparing the answer. Please check the logs and try again."

// Mode selects how a turn is answered.
type Mode string

const (
	ModeChat     Mode = "chat"
	ModeUpdate   Mode = "update"
	ModeCritique Mode = "critique"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeChat, ModeUpdate, ModeCritique:
		return true
	}
	return false
}

// Request is one user turn.
type Request struct {
	UserID  string `json:"user_id"`
	ScopeID string `json:"scope_id,omitempty"`
	Mode    Mode   `json:"mode,omitempty"`
	Message string `json:"message"`

	// GlobalSearch searches notes of every scope instead of ScopeID only.
	GlobalSearch bool `json:"global_search,omitempty"`

	// SaveAsKnowledge also stores the exchange as explicit knowledge.
	SaveAsKnowledge bool `json:"save_as_knowledge,omitempty"`

	// PaperID pins the summary of an ingested paper into the context.
	PaperID string `json:"paper_id,omitempty"`
}

// Response is the answer to a turn.
type Response struct {
	Text           string   `json:"text"`
	SuggestedIdea  string   `json:"suggested_idea,omitempty"`
	UsedReferences []string `json:"used_references"`

	// MessageID is the interaction log id of the answer. 0 means the answer
	// was not recorded.
	MessageID int64 `json:"message_id"`
}

// Config holds orchestrator configuration.
type Config struct {
	// HistoryLimit is the number of same-scope messages put in context.
	// Default: 10
	HistoryLimit int

	// SearchResults is k for context and tool searches.
	// Default: 3
	SearchResults int

	// MaxToolCalls bounds search rounds in chat mode.
	// Default: 2
	MaxToolCalls int

	// DistanceThreshold bounds searches. 0 uses the store default.
	DistanceThreshold float64

	// ReferencePreview is the rune length of each used reference.
	// Default: 20
	ReferencePreview int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	HistoryLimit:     10,
	SearchResults:    3,
	MaxToolCalls:     2,
	ReferencePreview: 20,
}

// Orchestrator answers turns.
type Orchestrator struct {
	client   llm.Client
	store    *memory.Store
	profiles profile.Repository
	log      profile.InteractionLog
	critic   *adversarial.Pipeline
	config   *Config
	now      func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the configuration.
func WithConfig(config *Config) Option {
	return func(o *Orchestrator) {
		if config != nil {
			o.config = config
		}
	}
}

// WithCritic sets the pipeline used in critique mode.
func WithCritic(p *adversarial.Pipeline) Option {
	return func(o *Orchestrator) {
		o.critic = p
	}
}

// WithClock overrides the time source for recorded messages and traces.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator. Without WithCritic, critique mode uses an
// adversarial pipeline with default configuration.
func New(client llm.Client, store *memory.Store, profiles profile.Repository, log profile.InteractionLog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		store:    store,
		profiles: profiles,
		log:      log,
		config:   DefaultConfig,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.critic == nil {
		o.critic = adversarial.New(store, client, nil)
	}
	return o
}

// turn is the assembled context of one request.
type turn struct {
	req        *Request
	filter     *memory.Filter
	persona    profile.Persona
	history    []*profile.Message
	paper      string
	knowledge  []memory.Hit
	references []string
	seen       map[string]struct{}
}

func (t *turn) reference(hits []memory.Hit, n int) {
	for _, h := range hits {
		if _, dup := t.seen[h.ID]; dup {
			continue
		}
		t.seen[h.ID] = struct{}{}
		t.references = append(t.references, memory.Preview(h.Content, n))
	}
}

// Respond answers req. Invalid requests, unknown papers and failures while
// assembling context are returned as errors. A service failure while
// answering is not: the response then carries SystemErrorText and
// MessageID 0, and nothing is recorded.
func (o *Orchestrator) Respond(ctx context.Context, req *Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	logger := logging.Component(ctx, "dialogue").With("user_id", req.UserID, "mode", req.Mode)

	t, err := o.assemble(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp *Response
	switch req.Mode {
	case ModeCritique:
		resp, err = o.critique(ctx, t)
	case ModeUpdate:
		resp, err = o.update(ctx, t)
	default:
		resp, err = o.chat(ctx, t)
	}
	if err != nil {
		if errors.Is(err, core.ErrServiceUnavailable) || errors.Is(err, core.ErrMalformedResponse) {
			logger.Error("answer failed, replying with system error", "error", err)
			return &Response{Text: SystemErrorText, UsedReferences: []string{}}, nil
		}
		return nil, err
	}

	resp.MessageID = o.record(ctx, t, resp.Text)
	logger.Info("answered turn",
		"scope_id", req.ScopeID,
		"references", len(resp.UsedReferences),
		"message_id", resp.MessageID,
	)
	return resp, nil
}

func validate(req *Request) error {
	if strings.TrimSpace(req.UserID) == "" {
		return core.Invalid("user id is empty")
	}
	if strings.TrimSpace(req.Message) == "" {
		return core.Invalid("message is empty", goerr.V("user_id", req.UserID))
	}
	if req.Mode == "" {
		req.Mode = ModeChat
	}
	if !req.Mode.Valid() {
		return core.Invalid("unknown dialogue mode", goerr.V("mode", req.Mode))
	}
	return nil
}

func (o *Orchestrator) assemble(ctx context.Context, req *Request) (*turn, error) {
	t := &turn{
		req:        req,
		filter:     &memory.Filter{OwnerID: req.UserID},
		references: []string{},
		seen:       make(map[string]struct{}),
	}
	if !req.GlobalSearch {
		t.filter.ScopeID = req.ScopeID
	}

	p, err := o.profiles.Create(ctx, req.UserID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load profile", goerr.V("user_id", req.UserID))
	}
	t.persona = p.Persona

	t.history, err = o.log.History(ctx, req.UserID, req.ScopeID, o.config.HistoryLimit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load history", goerr.V("user_id", req.UserID))
	}

	if req.PaperID != "" {
		paper, err := o.store.Get(ctx, ingest.SummaryTraceID(req.PaperID))
		if err != nil {
			return nil, err
		}
		if paper.OwnerID != req.UserID {
			return nil, core.NotFound("paper not found", goerr.V("paper_id", req.PaperID))
		}
		t.paper = paper.Content
	}

	if req.Mode != ModeCritique {
		t.knowledge, err = o.search(ctx, req.Message, t.filter)
		if err != nil {
			return nil, err
		}
		t.reference(t.knowledge, o.config.ReferencePreview)
	}
	return t, nil
}

func (o *Orchestrator) search(ctx context.Context, query string, filter *memory.Filter) ([]memory.Hit, error) {
	threshold := o.config.DistanceThreshold
	if threshold <= 0 {
		threshold = o.store.Config().DistanceThreshold
	}
	return o.store.Search(ctx, query, o.config.SearchResults, filter, threshold)
}

type historyLine struct {
	Role    core.Role
	Content string
}

func (o *Orchestrator) render(name string, t *turn) (string, error) {
	history := make([]historyLine, len(t.history))
	for i, m := range t.history {
		history[i] = historyLine{Role: m.Role, Content: m.Content}
	}
	knowledge := make([]string, len(t.knowledge))
	for i, h := range t.knowledge {
		knowledge[i] = h.Content
	}

	return llm.Render(prompts.Lookup(name), map[string]any{
		"Persona":   t.persona.String(),
		"Paper":     t.paper,
		"ScopeID":   t.req.ScopeID,
		"Global":    t.req.GlobalSearch,
		"History":   history,
		"Knowledge": knowledge,
	})
}

// complete calls the model, classifying unclassified failures as
// unavailability.
func (o *Orchestrator) complete(ctx context.Context, msgs []core.Message) (string, error) {
	reply, err := o.client.Complete(ctx, msgs)
	if err != nil {
		if errors.Is(err, core.ErrServiceUnavailable) || errors.Is(err, core.ErrMalformedResponse) {
			return "", err
		}
		return "", core.Unavailable(err, "model call failed")
	}
	return reply, nil
}

var toolCallPattern = regexp.MustCompile(`(?s)<TOOL_CALL>\s*search:\s*(.*?)\s*</TOOL_CALL>`)

// ToolCall returns the keywords of the first search tool call in reply.
func ToolCall(reply string) (string, bool) {
	m := toolCallPattern.FindStringSubmatch(reply)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func (o *Orchestrator) chat(ctx context.Context, t *turn) (*Response, error) {
	system, err := o.render("chat.md", t)
	if err != nil {
		return nil, err
	}
	msgs := []core.Message{core.SystemMessage(system), core.UserMessage(t.req.Message)}

	for round := 0; ; round++ {
		reply, err := o.complete(ctx, msgs)
		if err != nil {
			return nil, err
		}

		keywords, ok := ToolCall(reply)
		if !ok || round >= o.config.MaxToolCalls {
			text := strings.TrimSpace(toolCallPattern.ReplaceAllString(reply, ""))
			if text == "" {
				return nil, core.Malformed(goerr.New("reply holds only tool calls"), "failed to answer", goerr.V("rounds", round))
			}
			return &Response{Text: text, UsedReferences: t.references}, nil
		}

		hits, err := o.search(ctx, keywords, t.filter)
		if err != nil {
			return nil, err
		}
		t.reference(hits, o.config.ReferencePreview)
		logging.Component(ctx, "dialogue").Debug("ran search tool", "keywords", keywords, "hits", len(hits))

		msgs = append(msgs,
			core.AssistantMessage(reply),
			core.UserMessage(toolResult(keywords, hits)),
		)
	}
}

func toolResult(keywords string, hits []memory.Hit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", keywords)
	if len(hits) == 0 {
		b.WriteString("(nothing found)\n")
	}
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s\n", h.Content)
	}
	b.WriteString("\nAnswer the original question using these results.")
	return b.String()
}

const (
	suggestStart = "<SUGGEST_IDEA>"
	suggestEnd   = "</SUGGEST_IDEA>"
)

// ExtractSuggestion splits reply into the visible text and the suggested
// idea between the suggestion markers. A reply without a complete marker
// pair has no suggestion.
func ExtractSuggestion(reply string) (text, suggestion string) {
	start := strings.Index(reply, suggestStart)
	if start < 0 {
		return strings.TrimSpace(reply), ""
	}
	end := strings.Index(reply[start:], suggestEnd)
	if end < 0 {
		return strings.TrimSpace(reply), ""
	}
	end += start

	suggestion = strings.TrimSpace(reply[start+len(suggestStart) : end])
	text = strings.TrimSpace(reply[:start] + reply[end+len(suggestEnd):])
	return text, suggestion
}

func (o *Orchestrator) update(ctx context.Context, t *turn) (*Response, error) {
	system, err := o.render("update.md", t)
	if err != nil {
		return nil, err
	}
	reply, err := o.complete(ctx, []core.Message{core.SystemMessage(system), core.UserMessage(t.req.Message)})
	if err != nil {
		return nil, err
	}

	text, suggestion := ExtractSuggestion(reply)
	if text == "" && suggestion != "" {
		text = "Here is a revised version of your idea."
	}
	return &Response{Text: text, SuggestedIdea: suggestion, UsedReferences: t.references}, nil
}

func (o *Orchestrator) critique(ctx context.Context, t *turn) (*Response, error) {
	report, err := o.critic.Critique(ctx, t.req.Message, t.filter)
	if err != nil {
		return nil, err
	}
	for _, c := range report.Conflicts {
		t.references = append(t.references, memory.Preview(c.Content, o.config.ReferencePreview))
	}
	t.reference(report.Supporting, o.config.ReferencePreview)
	return &Response{Text: report.Narrative, UsedReferences: t.references}, nil
}

// record appends the exchange to the interaction log and to memory and
// returns the id of the answer message. Failures are logged; the answer
// is still returned to the user.
func (o *Orchestrator) record(ctx context.Context, t *turn, answer string) int64 {
	logger := logging.Component(ctx, "dialogue")
	req := t.req
	now := o.now()

	if _, err := o.log.Append(ctx, &profile.Message{
		UserID:    req.UserID,
		ScopeID:   req.ScopeID,
		Role:      core.RoleUser,
		Content:   req.Message,
		Timestamp: now,
	}); err != nil {
		logger.Error("failed to log user message", "error", err)
	}
	answerID, err := o.log.Append(ctx, &profile.Message{
		UserID:    req.UserID,
		ScopeID:   req.ScopeID,
		Role:      core.RoleAssistant,
		Content:   answer,
		Timestamp: now,
	})
	if err != nil {
		logger.Error("failed to log answer", "error", err)
		answerID = 0
	}

	var extra map[string]string
	if req.PaperID != "" {
		extra = map[string]string{ingest.KeyPaperID: req.PaperID}
	}
	traces := []*memory.Trace{
		{Content: req.Message, Role: memory.RoleUserUtterance},
		{Content: answer, Role: memory.RoleAIUtterance},
	}
	if req.SaveAsKnowledge {
		traces = append(traces, &memory.Trace{
			Content: "Saved exchange\nQ: " + req.Message + "\nA: " + answer,
			Role:    memory.RoleExplicitKnowledge,
		})
	}
	for i, tr := range traces {
		tr.OwnerID = req.UserID
		tr.ScopeID = req.ScopeID
		// Keep the answer after the question when ordering by time.
		tr.Timestamp = now.Add(time.Duration(i) * time.Microsecond)
		tr.Extra = extra
		if _, err := o.store.Add(ctx, tr); err != nil {
			logger.Error("failed to store trace", "role", tr.Role, "error", err)
		}
	}
	return answerID
}
