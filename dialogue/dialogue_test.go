package dialogue_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/dialogue"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/ka1naas/Research-Engram/memory/embedder/hash"
	"github.com/ka1naas/Research-Engram/memory/index/chromem"
	"github.com/ka1naas/Research-Engram/profile"
	"github.com/m-mizutani/gt"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// recorder replies from a script and keeps every conversation it saw.
type recorder struct {
	mu      sync.Mutex
	replies []string
	err     error
	seen    [][]core.Message
}

func (r *recorder) Complete(ctx context.Context, msgs []core.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, append([]core.Message(nil), msgs...))
	if r.err != nil {
		return "", r.err
	}
	reply := r.replies[0]
	if len(r.replies) > 1 {
		r.replies = r.replies[1:]
	}
	return reply, nil
}

func (r *recorder) system(i int) string {
	return r.seen[i][0].Content
}

type fixture struct {
	store *memory.Store
	repo  *profile.MemoryRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idx, err := chromem.New(hash.New(256))
	gt.NoError(t, err)
	return &fixture{
		store: memory.NewStore(idx, nil),
		repo:  profile.NewMemoryRepository(),
	}
}

func (f *fixture) orchestrator(client llm.Client, opts ...dialogue.Option) *dialogue.Orchestrator {
	opts = append([]dialogue.Option{dialogue.WithClock(func() time.Time { return now })}, opts...)
	return dialogue.New(client, f.store, f.repo, f.repo, opts...)
}

func (f *fixture) trace(t *testing.T, tr *memory.Trace) {
	t.Helper()
	_, err := f.store.Add(context.Background(), tr)
	gt.NoError(t, err)
}

func TestChatRecordsExchange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &recorder{replies: []string{"Transformers rely on attention."}}

	resp, err := f.orchestrator(client).Respond(ctx, &dialogue.Request{
		UserID:  "u1",
		ScopeID: "idea-1",
		Message: "How do transformers work?",
	})
	gt.NoError(t, err)
	gt.Equal(t, resp.Text, "Transformers rely on attention.")
	gt.Equal(t, resp.MessageID, int64(2))

	history, err := f.repo.History(ctx, "u1", "idea-1", 10)
	gt.NoError(t, err)
	gt.A(t, history).Length(2)
	gt.Equal(t, history[0].Role, core.RoleUser)
	gt.Equal(t, history[1].Content, "Transformers rely on attention.")

	traces, err := f.store.WindowSince(ctx, "u1", time.Time{}, 0)
	gt.NoError(t, err)
	gt.A(t, traces).Length(2)
	gt.Equal(t, traces[0].Role, memory.RoleUserUtterance)
	gt.Equal(t, traces[1].Role, memory.RoleAIUtterance)
	gt.Equal(t, traces[1].ScopeID, "idea-1")

	// First contact registers the user for consolidation.
	_, err = f.repo.Get(ctx, "u1")
	gt.NoError(t, err)
}

func TestChatContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.trace(t, &memory.Trace{Content: "diffusion models for video", Role: memory.RoleExplicitKnowledge, OwnerID: "u1", ScopeID: "idea-1"})
	f.trace(t, &memory.Trace{Content: "diffusion models for audio", Role: memory.RoleExplicitKnowledge, OwnerID: "u1", ScopeID: "idea-2"})
	f.trace(t, &memory.Trace{Content: "diffusion models for text", Role: memory.RoleExplicitKnowledge, OwnerID: "u2", ScopeID: "idea-1"})
	_, err := f.repo.Create(ctx, "u1")
	gt.NoError(t, err)
	gt.NoError(t, f.repo.Save(ctx, "u1", profile.NewPersona("works on generative models"), time.Time{}, nil))

	t.Run("scoped", func(t *testing.T) {
		client := &recorder{replies: []string{"ok"}}
		resp, err := f.orchestrator(client).Respond(ctx, &dialogue.Request{UserID: "u1", ScopeID: "idea-1", Message: "diffusion models"})
		gt.NoError(t, err)

		system := client.system(0)
		gt.S(t, system).Contains("works on generative models")
		gt.S(t, system).Contains("diffusion models for video")
		gt.S(t, system).NotContains("diffusion models for audio")
		gt.S(t, system).NotContains("diffusion models for text")
		gt.Equal(t, resp.UsedReferences, []string{"diffusion models for"})
	})

	t.Run("global", func(t *testing.T) {
		client := &recorder{replies: []string{"ok"}}
		_, err := f.orchestrator(client).Respond(ctx, &dialogue.Request{UserID: "u1", ScopeID: "idea-1", Message: "diffusion models", GlobalSearch: true})
		gt.NoError(t, err)

		system := client.system(0)
		gt.S(t, system).Contains("diffusion models for video")
		gt.S(t, system).Contains("diffusion models for audio")
		gt.S(t, system).NotContains("diffusion models for text")
	})

	t.Run("history", func(t *testing.T) {
		client := &recorder{replies: []string{"ok"}}
		_, err := f.orchestrator(client).Respond(ctx, &dialogue.Request{UserID: "u1", ScopeID: "idea-1", Message: "and for 3D?"})
		gt.NoError(t, err)
		gt.S(t, client.system(0)).Contains("user: diffusion models")
	})
}

func TestChatToolLoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.trace(t, &memory.Trace{Content: "graph networks scale poorly", Role: memory.RolePaperCritique, OwnerID: "u1"})

	client := &recorder{replies: []string{
		"Let me check. <TOOL_CALL>search: graph networks</TOOL_CALL>",
		"They scale poorly on large graphs.",
	}}
	resp, err := f.orchestrator(client).Respond(ctx, &dialogue.Request{UserID: "u1", Message: "what about GNN?"})
	gt.NoError(t, err)
	gt.Equal(t, resp.Text, "They scale poorly on large graphs.")
	gt.Equal(t, resp.UsedReferences, []string{"graph networks scale"})

	gt.A(t, client.seen).Length(2)
	followUp := client.seen[1]
	gt.Equal(t, followUp[2].Role, core.RoleAssistant)
	gt.S(t, followUp[3].Content).Contains("graph networks scale poorly")
}

func TestChatToolLoopIsBounded(t *testing.T) {
	f := newFixture(t)
	client := &recorder{replies: []string{"<TOOL_CALL>search: more</TOOL_CALL>"}}

	resp, err := f.orchestrator(client, dialogue.WithConfig(&dialogue.Config{MaxToolCalls: 2, SearchResults: 3})).
		Respond(context.Background(), &dialogue.Request{UserID: "u1", Message: "loop forever"})
	gt.NoError(t, err)
	gt.Equal(t, resp.Text, dialogue.SystemErrorText)
	gt.Equal(t, resp.MessageID, int64(0))
	gt.A(t, client.seen).Length(3)
}

func TestModelFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &recorder{err: errors.New("connection refused")}

	for _, mode := range []dialogue.Mode{dialogue.ModeChat, dialogue.ModeUpdate} {
		resp, err := f.orchestrator(client).Respond(ctx, &dialogue.Request{UserID: "u1", Mode: mode, Message: "hello"})
		gt.NoError(t, err)
		gt.Equal(t, resp.Text, dialogue.SystemErrorText)
		gt.Equal(t, resp.MessageID, int64(0))
	}

	history, err := f.repo.History(ctx, "u1", "", 10)
	gt.NoError(t, err)
	gt.A(t, history).Length(0)
}

func TestUpdateExtractsSuggestion(t *testing.T) {
	f := newFixture(t)
	client := &recorder{replies: []string{"I narrowed the scope.\n<SUGGEST_IDEA>\nUse sparse attention for long documents.\n</SUGGEST_IDEA>"}}

	resp, err := f.orchestrator(client).Respond(context.Background(), &dialogue.Request{
		UserID:  "u1",
		ScopeID: "idea-1",
		Mode:    dialogue.ModeUpdate,
		Message: "make it more focused",
	})
	gt.NoError(t, err)
	gt.Equal(t, resp.Text, "I narrowed the scope.")
	gt.Equal(t, resp.SuggestedIdea, "Use sparse attention for long documents.")
	gt.S(t, client.system(0)).Contains("<SUGGEST_IDEA>")
}

func TestExtractSuggestion(t *testing.T) {
	testCases := []struct {
		name       string
		reply      string
		text       string
		suggestion string
	}{
		{name: "block", reply: "a <SUGGEST_IDEA> b </SUGGEST_IDEA> c", text: "a  c", suggestion: "b"},
		{name: "no markers", reply: "just text", text: "just text"},
		{name: "unterminated", reply: "x <SUGGEST_IDEA> y", text: "x <SUGGEST_IDEA> y"},
		{name: "multiline", reply: "<SUGGEST_IDEA>\nline 1\nline 2\n</SUGGEST_IDEA>", suggestion: "line 1\nline 2"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			text, suggestion := dialogue.ExtractSuggestion(tc.reply)
			gt.Equal(t, text, tc.text)
			gt.Equal(t, suggestion, tc.suggestion)
		})
	}
}

func TestToolCall(t *testing.T) {
	kw, ok := dialogue.ToolCall("thinking <TOOL_CALL> search:  vision transformers </TOOL_CALL>")
	gt.True(t, ok)
	gt.Equal(t, kw, "vision transformers")

	_, ok = dialogue.ToolCall("<TOOL_CALL>search: </TOOL_CALL>")
	gt.False(t, ok)
	_, ok = dialogue.ToolCall("plain answer")
	gt.False(t, ok)
}

func TestSaveAsKnowledge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &recorder{replies: []string{"Use cosine schedules."}}

	_, err := f.orchestrator(client).Respond(ctx, &dialogue.Request{
		UserID:          "u1",
		Message:         "Which noise schedule?",
		SaveAsKnowledge: true,
	})
	gt.NoError(t, err)

	traces, err := f.store.WindowSince(ctx, "u1", time.Time{}, 0)
	gt.NoError(t, err)
	gt.A(t, traces).Length(3)
	gt.Equal(t, traces[2].Role, memory.RoleExplicitKnowledge)
	gt.S(t, traces[2].Content).Contains("Which noise schedule?")
	gt.S(t, traces[2].Content).Contains("Use cosine schedules.")
}

func TestPaperIsPinned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.trace(t, &memory.Trace{ID: "paper_7", Content: "Paper title: Scaling Laws", Role: memory.RolePaperSummary, OwnerID: "u1"})

	client := &recorder{replies: []string{"ok"}}
	_, err := f.orchestrator(client).Respond(ctx, &dialogue.Request{UserID: "u1", Message: "summarize", PaperID: "7"})
	gt.NoError(t, err)
	gt.S(t, client.system(0)).Contains("Paper title: Scaling Laws")

	_, err = f.orchestrator(client).Respond(ctx, &dialogue.Request{UserID: "u1", Message: "summarize", PaperID: "8"})
	gt.True(t, errors.Is(err, core.ErrNotFound))

	_, err = f.orchestrator(client).Respond(ctx, &dialogue.Request{UserID: "u2", Message: "summarize", PaperID: "7"})
	gt.True(t, errors.Is(err, core.ErrNotFound))
}

func TestCritiqueMode(t *testing.T) {
	f := newFixture(t)
	client := llm.ClientFunc(func(ctx context.Context, msgs []core.Message) (string, error) {
		if strings.Contains(msgs[0].Content, "research partner") {
			return "Your idea has no known conflicts.", nil
		}
		return "", core.Unavailable(errors.New("down"), "model call failed")
	})

	resp, err := f.orchestrator(client).Respond(context.Background(), &dialogue.Request{
		UserID:  "u1",
		Mode:    dialogue.ModeCritique,
		Message: "bigger models always generalize better",
	})
	gt.NoError(t, err)
	gt.Equal(t, resp.Text, "Your idea has no known conflicts.")
	gt.True(t, resp.MessageID > 0)
}

func TestRespondValidation(t *testing.T) {
	o := newFixture(t).orchestrator(&recorder{replies: []string{"ok"}})

	for _, req := range []*dialogue.Request{
		{Message: "hi"},
		{UserID: "u1", Message: "  "},
		{UserID: "u1", Message: "hi", Mode: "shout"},
	} {
		_, err := o.Respond(context.Background(), req)
		gt.True(t, errors.Is(err, core.ErrInvalidArgument))
	}
}
