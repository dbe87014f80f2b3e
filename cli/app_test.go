package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ka1naas/Research-Engram/config"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/gt"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKey = "sk-test"
	cfg.Embedder.Dimensions = 64
	return cfg
}

func TestNewApp(t *testing.T) {
	ctx := context.Background()

	t.Run("memory backend", func(t *testing.T) {
		a, err := newApp(ctx, testConfig(t))
		gt.NoError(t, err)
		gt.NotNil(t, a.dialogue)
		gt.NotNil(t, a.critic)
		gt.NotNil(t, a.ingester)
		gt.NotNil(t, a.consolidator)

		id, err := a.store.Add(ctx, &memory.Trace{Content: "sparse attention", Role: memory.RoleUserUtterance, OwnerID: "u1"})
		gt.NoError(t, err)
		_, err = a.store.Get(ctx, id)
		gt.NoError(t, err)
		gt.NoError(t, a.Close())
	})

	t.Run("sqlite backend with persisted index", func(t *testing.T) {
		dir := t.TempDir()
		cfg := testConfig(t)
		cfg.Profile.Backend = "sqlite"
		cfg.Profile.Path = filepath.Join(dir, "engram.db")
		cfg.Index.Path = filepath.Join(dir, "index")
		cfg.Consolidation.UseInteractionLog = true

		a, err := newApp(ctx, cfg)
		gt.NoError(t, err)
		_, err = a.profiles.Create(ctx, "u1")
		gt.NoError(t, err)
		gt.NoError(t, a.Close())

		a, err = newApp(ctx, cfg)
		gt.NoError(t, err)
		defer a.Close()
		users, err := a.profiles.Users(ctx)
		gt.NoError(t, err)
		gt.Equal(t, users, []string{"u1"})
	})
}

// Failures after some backends were opened must close them and return the
// error rather than panic.
func TestNewAppRejects(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	testCases := map[string]func(*config.Config){
		"unknown llm":      func(c *config.Config) { c.LLM.Provider = "palm" },
		"anthropic no key": func(c *config.Config) { c.LLM.Provider = "anthropic"; c.LLM.APIKey = "" },
		"openai no key":    func(c *config.Config) { c.LLM.APIKey = "" },
		"unknown embedder": func(c *config.Config) { c.Embedder.Provider = "word2vec" },
		"unknown backend":  func(c *config.Config) { c.Profile.Backend = "postgres" },
		"sqlite open fails": func(c *config.Config) {
			c.Profile.Backend = "sqlite"
			c.Profile.Path = dir
		},
		"no cache": func(c *config.Config) {
			c.Embedder.CacheSize = 0
			c.Profile.Backend = "postgres"
		},
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(cfg)
			a, err := newApp(ctx, cfg)
			gt.Error(t, err)
			gt.True(t, a == nil)
		})
	}
}

func TestRunRequiresArguments(t *testing.T) {
	ctx := context.Background()

	gt.True(t, Run(ctx, []string{"engram", "search", "--user", "u1"}) != nil)
	gt.True(t, Run(ctx, []string{"engram", "chat", "hello"}) != nil)
}
