package adversarial_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ka1naas/Research-Engram/adversarial"
	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/ka1naas/Research-Engram/memory/embedder/hash"
	"github.com/ka1naas/Research-Engram/memory/index/chromem"
	"github.com/m-mizutani/gt"
)

const (
	critiqueWeak   = "tokenizer vocabulary overlap skews evaluation"
	critiqueMedium = "quadratic attention memory blows up"
	critiqueStrong = "benchmark contamination invalidates reported gains"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	idx, err := chromem.New(hash.New(256))
	gt.NoError(t, err)
	return memory.NewStore(idx, nil)
}

func addTrace(t *testing.T, s *memory.Store, owner, content string, role memory.Role) {
	t.Helper()
	_, err := s.Add(context.Background(), &memory.Trace{Content: content, Role: role, OwnerID: owner, ScopeID: "idea-1"})
	gt.NoError(t, err)
}

// scripted routes each prompt kind to its own handler.
type scripted struct {
	queries func() (string, error)
	score   func(evidence string) (string, error)
	report  func() (string, error)
	calls   atomic.Int32
}

func (s *scripted) Complete(ctx context.Context, msgs []core.Message) (string, error) {
	s.calls.Add(1)
	first := msgs[0].Content
	switch {
	case strings.Contains(first, "search queries"):
		return s.queries()
	case strings.Contains(first, "Retrieved passage:"):
		for _, c := range []string{critiqueWeak, critiqueMedium, critiqueStrong} {
			if strings.Contains(first, c) {
				return s.score(c)
			}
		}
		return s.score(first)
	default:
		return s.report()
	}
}

func scoresByEvidence(evidence string) (string, error) {
	switch evidence {
	case critiqueWeak:
		return `{"score": 3, "reason": "tangential"}`, nil
	case critiqueMedium:
		return `{"score": 6, "reason": "limits scale"}`, nil
	case critiqueStrong:
		return "```json\n{\"score\": 9, \"reason\": \"undermines the result\"}\n```", nil
	}
	return `{"score": 0, "reason": "unrelated"}`, nil
}

func TestCritiqueKeepsHighConflictsInRetrievalOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	addTrace(t, s, "u1", critiqueWeak, memory.RolePaperCritique)
	addTrace(t, s, "u1", critiqueMedium, memory.RolePaperCritique)
	addTrace(t, s, "u1", critiqueStrong, memory.RolePaperCritique)

	client := &scripted{
		queries: func() (string, error) {
			return `{"queries": ["` + critiqueWeak + `", "` + critiqueMedium + `", "` + critiqueStrong + `"]}`, nil
		},
		score:  scoresByEvidence,
		report: func() (string, error) { return "narrative text", nil },
	}

	report, err := adversarial.New(s, client, nil).Critique(ctx, "scaling transformers always helps", &memory.Filter{OwnerID: "u1"})
	gt.NoError(t, err)

	gt.Equal(t, report.Examined, 3)
	gt.A(t, report.Conflicts).Length(2)
	gt.Equal(t, report.Conflicts[0].Content, critiqueMedium)
	gt.Equal(t, report.Conflicts[0].Score, 6)
	gt.Equal(t, report.Conflicts[1].Content, critiqueStrong)
	gt.Equal(t, report.Conflicts[1].Score, 9)
	gt.Equal(t, report.Conflicts[1].Reason, "undermines the result")
	gt.Equal(t, report.Narrative, "narrative text")
}

func TestCritiqueOnlySearchesCritiquesInScope(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	addTrace(t, s, "u1", critiqueStrong, memory.RoleUserUtterance)
	addTrace(t, s, "u2", critiqueMedium, memory.RolePaperCritique)

	client := &scripted{
		queries: func() (string, error) {
			return `["` + critiqueStrong + `", "` + critiqueMedium + `"]`, nil
		},
		score:  scoresByEvidence,
		report: func() (string, error) { return "ok", nil },
	}

	report, err := adversarial.New(s, client, nil).Critique(ctx, "claim", &memory.Filter{OwnerID: "u1"})
	gt.NoError(t, err)
	gt.Equal(t, report.Examined, 0)
	gt.A(t, report.Conflicts).Length(0)
}

func TestQueriesFallback(t *testing.T) {
	ctx := context.Background()
	want := []string{"sparse models limitation", "rebuttal of sparse models"}

	for name, reply := range map[string]func() (string, error){
		"error":   func() (string, error) { return "", core.Unavailable(errors.New("down"), "model call failed") },
		"garbage": func() (string, error) { return "I cannot help with that", nil },
		"empty":   func() (string, error) { return `{"queries": []}`, nil },
	} {
		t.Run(name, func(t *testing.T) {
			p := adversarial.New(newStore(t), &scripted{queries: reply}, nil)
			gt.Equal(t, p.Queries(ctx, "sparse models"), want)
		})
	}

	p := adversarial.New(newStore(t), &scripted{queries: func() (string, error) {
		return `["a", "b", "c", "d"]`, nil
	}}, nil)
	gt.Equal(t, p.Queries(ctx, "x"), []string{"a", "b", "c"})
}

func TestScore(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name  string
		reply string
		err   error
		want  int
	}{
		{name: "integer", reply: `{"score": 7, "reason": "r"}`, want: 7},
		{name: "string", reply: `{"score": "8", "reason": "r"}`, want: 8},
		{name: "rounded", reply: `{"score": 6.6, "reason": "r"}`, want: 7},
		{name: "clamped high", reply: `{"score": 15, "reason": "r"}`, want: 10},
		{name: "clamped low", reply: `{"score": -2, "reason": "r"}`, want: 0},
		{name: "prose", reply: "It conflicts a lot.", want: 0},
		{name: "model error", err: errors.New("down"), want: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := &scripted{score: func(string) (string, error) { return tc.reply, tc.err }}
			a := adversarial.New(newStore(t), client, nil).Score(ctx, "claim", "evidence")
			gt.Equal(t, a.Score, tc.want)
			gt.Equal(t, a.Content, "evidence")
		})
	}
}

func TestCritiqueFailsOpen(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	addTrace(t, s, "u1", critiqueStrong, memory.RolePaperCritique)
	addTrace(t, s, "u1", "scaling transformers always helps", memory.RoleExplicitKnowledge)

	down := func() (string, error) { return "", core.Unavailable(errors.New("down"), "model call failed") }
	client := &scripted{
		queries: func() (string, error) { return `["` + critiqueStrong + `"]`, nil },
		score:   func(string) (string, error) { return down() },
		report:  down,
	}

	report, err := adversarial.New(s, client, nil).Critique(ctx, "scaling transformers always helps", nil)
	gt.NoError(t, err)
	gt.Equal(t, report.Examined, 1)
	gt.A(t, report.Conflicts).Length(0)
	gt.A(t, report.Supporting).Length(1)
	gt.S(t, report.Narrative).Contains("no high-conflict evidence found")
	gt.S(t, report.Narrative).Contains("scaling transformers always helps")
}

func TestCritiqueRejectsEmptyClaim(t *testing.T) {
	_, err := adversarial.New(newStore(t), llm.ClientFunc(nil), nil).Critique(context.Background(), "  ", nil)
	gt.True(t, errors.Is(err, core.ErrInvalidArgument))
}
