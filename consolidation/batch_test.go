package consolidation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ka1naas/Research-Engram/consolidation"
	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/gt"
)

func TestRunAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.user(t, "alice")
	f.user(t, "bob")
	f.user(t, "carol")
	f.trace(t, "alice", "alice works on diffusion models", memory.RoleUserUtterance, t0)
	f.trace(t, "bob", "poison pill for bob", memory.RoleUserUtterance, t0)

	client := llm.ClientFunc(func(ctx context.Context, msgs []core.Message) (string, error) {
		if strings.Contains(msgs[len(msgs)-1].Content, "poison") {
			return "", core.Unavailable(errors.New("boom"), "model call failed")
		}
		return `[]`, nil
	})
	c := consolidation.New(f.store, f.profiles, client, &consolidation.Config{Concurrency: 2})

	report, err := c.RunAll(ctx)
	gt.NoError(t, err)
	gt.A(t, report.Results).Length(3)
	gt.Equal(t, report.Results[0].UserID, "alice")
	gt.Equal(t, report.Results[0].State, consolidation.StateCommitted)
	gt.Equal(t, report.Results[1].State, consolidation.StateAborted)
	gt.Equal(t, report.Results[2].State, consolidation.StateIdle)

	gt.Equal(t, report.Count(consolidation.StateCommitted), 1)
	gt.True(t, errors.Is(report.Err("bob"), core.ErrServiceUnavailable))
	gt.NoError(t, report.Err("alice"))
	gt.Equal(t, len(report.Errors), 1)

	p, err := f.profiles.Get(ctx, "alice")
	gt.NoError(t, err)
	gt.True(t, p.LastConsolidation.Equal(t0))
}

func TestSchedulerRunsBatches(t *testing.T) {
	f := newFixture(t)
	f.user(t, "alice")
	f.trace(t, "alice", "alice works on diffusion models", memory.RoleUserUtterance, t0)

	c := consolidation.New(f.store, f.profiles, f.client(`["works on diffusion models"]`, `[]`), nil)
	s := consolidation.NewScheduler(c, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	gt.NoError(t, s.Run(ctx))

	p, err := f.profiles.Get(context.Background(), "alice")
	gt.NoError(t, err)
	gt.Equal(t, p.Persona.Traits, []string{"works on diffusion models"})
	gt.True(t, p.LastConsolidation.Equal(t0))
}
