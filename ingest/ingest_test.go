package ingest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/ingest"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/ka1naas/Research-Engram/memory/embedder/hash"
	"github.com/ka1naas/Research-Engram/memory/index/chromem"
	"github.com/m-mizutani/gt"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	idx, err := chromem.New(hash.New(64))
	gt.NoError(t, err)
	return memory.NewStore(idx, nil)
}

func reply(text string, err error) llm.Client {
	return llm.ClientFunc(func(ctx context.Context, msgs []core.Message) (string, error) {
		return text, err
	})
}

var paper = ingest.Paper{
	ID:      "42",
	OwnerID: "u1",
	ScopeID: "idea-1",
	Title:   "Attention Is All You Need",
	Text:    "We propose the Transformer, a model architecture based solely on attention.",
}

func TestIngestWritesSummaryAndCritique(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	client := reply("```json\n"+`{
		"summary": "Introduces the Transformer.",
		"claims": ["attention replaces recurrence", " "],
		"critiques": ["quadratic cost in sequence length", "needs large data"]
	}`+"\n```", nil)

	a, err := ingest.New(s, client, nil).Ingest(ctx, paper)
	gt.NoError(t, err)
	gt.False(t, a.Fallback)
	gt.Equal(t, a.Claims, []string{"attention replaces recurrence"})

	summary, err := s.Get(ctx, ingest.SummaryTraceID("42"))
	gt.NoError(t, err)
	gt.Equal(t, summary.ID, "paper_42")
	gt.Equal(t, summary.Role, memory.RolePaperSummary)
	gt.Equal(t, summary.OwnerID, "u1")
	gt.Equal(t, summary.ScopeID, "idea-1")
	gt.Equal(t, summary.Extra[ingest.KeyPaperID], "42")
	gt.S(t, summary.Content).Contains("Attention Is All You Need")
	gt.S(t, summary.Content).Contains("Introduces the Transformer.")
	gt.S(t, summary.Content).Contains("attention replaces recurrence")

	critique, err := s.Get(ctx, "paper_42_critique")
	gt.NoError(t, err)
	gt.Equal(t, critique.Role, memory.RolePaperCritique)
	gt.S(t, critique.Content).Contains("quadratic cost in sequence length; needs large data")
}

func TestIngestFallsBackOnFailure(t *testing.T) {
	long := strings.Repeat("é", 800)

	testCases := map[string]llm.Client{
		"model error":   reply("", core.Unavailable(errors.New("down"), "model call failed")),
		"prose":         reply("This paper is about transformers.", nil),
		"empty summary": reply(`{"summary": "", "critiques": ["x"]}`, nil),
	}

	for name, client := range testCases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			p := paper
			p.Text = long

			a, err := ingest.New(s, client, nil).Ingest(ctx, p)
			gt.NoError(t, err)
			gt.True(t, a.Fallback)
			gt.Equal(t, utf8.RuneCountInString(a.Summary), 503)
			gt.True(t, strings.HasSuffix(a.Summary, "..."))

			_, err = s.Get(ctx, "paper_42")
			gt.NoError(t, err)
			_, err = s.Get(ctx, "paper_42_critique")
			gt.True(t, errors.Is(err, core.ErrNotFound))
		})
	}
}

func TestIngestSendsTruncatedText(t *testing.T) {
	var sent string
	client := llm.ClientFunc(func(ctx context.Context, msgs []core.Message) (string, error) {
		sent = msgs[len(msgs)-1].Content
		return `{"summary": "s"}`, nil
	})

	p := paper
	p.Text = strings.Repeat("a", 100)
	_, err := ingest.New(newStore(t), client, &ingest.Config{InputLimit: 10, FallbackLength: 5}).Ingest(context.Background(), p)
	gt.NoError(t, err)
	gt.Equal(t, sent, strings.Repeat("a", 10))
}

func TestIngestValidation(t *testing.T) {
	x := ingest.New(newStore(t), reply("{}", nil), nil)

	_, err := x.Ingest(context.Background(), ingest.Paper{Text: "text"})
	gt.True(t, errors.Is(err, core.ErrInvalidArgument))

	_, err = x.Ingest(context.Background(), ingest.Paper{ID: "1", Text: "  "})
	gt.True(t, errors.Is(err, core.ErrInvalidArgument))
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaling-laws.txt")
	gt.NoError(t, os.WriteFile(path, []byte("body"), 0o600))

	p, err := ingest.ReadFile(path)
	gt.NoError(t, err)
	gt.Equal(t, p.ID, "scaling-laws")
	gt.Equal(t, p.Title, "scaling-laws.txt")
	gt.Equal(t, p.Text, "body")

	_, err = ingest.ReadFile(filepath.Join(t.TempDir(), "missing.txt"))
	gt.Error(t, err)
}
