package cli

import (
	"context"
	"errors"

	"github.com/ka1naas/Research-Engram/adversarial"
	"github.com/ka1naas/Research-Engram/config"
	"github.com/ka1naas/Research-Engram/consolidation"
	"github.com/ka1naas/Research-Engram/dialogue"
	"github.com/ka1naas/Research-Engram/ingest"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/llm/anthropic"
	"github.com/ka1naas/Research-Engram/llm/gemini"
	"github.com/ka1naas/Research-Engram/llm/openai"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/ka1naas/Research-Engram/memory/embedder/cache"
	"github.com/ka1naas/Research-Engram/memory/embedder/hash"
	"github.com/ka1naas/Research-Engram/memory/index/chromem"
	"github.com/ka1naas/Research-Engram/profile"
	"github.com/ka1naas/Research-Engram/profile/firestore"
	"github.com/ka1naas/Research-Engram/profile/sqlite"
	"github.com/m-mizutani/goerr/v2"
)

// profileBackend stores both profiles and the interaction log.
type profileBackend interface {
	profile.Repository
	profile.InteractionLog
}

// app holds the components built from one configuration.
type app struct {
	cfg *config.Config

	client   llm.Client
	store    *memory.Store
	profiles profileBackend

	consolidator *consolidation.Consolidator
	critic       *adversarial.Pipeline
	ingester     *ingest.Ingester
	dialogue     *dialogue.Orchestrator

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// build creates the components, registering every backend it opens in
// a.closers as it goes.
func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	var err error
	if a.client, err = newClient(ctx, &cfg.LLM); err != nil {
		return err
	}

	embedder, err := a.newEmbedder(ctx)
	if err != nil {
		return err
	}

	indexOpts := []chromem.Option{chromem.WithCollection(cfg.Index.Collection)}
	if cfg.Index.Path != "" {
		indexOpts = append(indexOpts, chromem.WithPersistence(cfg.Index.Path, cfg.Index.Compress))
	}
	idx, err := chromem.New(embedder, indexOpts...)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, idx.Close)
	a.store = memory.NewStore(idx, cfg.StoreConfig())

	if a.profiles, err = a.newProfiles(ctx); err != nil {
		return err
	}

	var consolidationOpts []consolidation.Option
	if cfg.Consolidation.UseInteractionLog {
		consolidationOpts = append(consolidationOpts, consolidation.WithInteractionLog(a.profiles))
	}
	a.consolidator = consolidation.New(a.store, a.profiles, a.client, cfg.ConsolidationConfig(), consolidationOpts...)
	a.critic = adversarial.New(a.store, a.client, cfg.AdversarialConfig())
	a.ingester = ingest.New(a.store, a.client, nil)
	a.dialogue = dialogue.New(a.client, a.store, a.profiles, a.profiles,
		dialogue.WithConfig(cfg.DialogueConfig()),
		dialogue.WithCritic(a.critic),
	)

	logging.Component(ctx, "cli").Debug("components ready",
		"llm", cfg.LLM.Provider,
		"embedder", cfg.Embedder.Provider,
		"profile", cfg.Profile.Backend,
	)
	return nil
}

// Close releases backends in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newClient(ctx context.Context, cfg *config.LLM) (llm.Client, error) {
	var client llm.Client
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, goerr.New("llm.api_key is required for anthropic")
		}
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model), anthropic.WithMaxTokens(cfg.MaxTokens)}
		if cfg.Temperature != nil {
			opts = append(opts, anthropic.WithTemperature(*cfg.Temperature))
		}
		client = anthropic.New(cfg.APIKey, nil, opts...)

	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithBaseURL(cfg.BaseURL)}
		if cfg.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxTokens(cfg.MaxTokens))
		}
		if cfg.Temperature != nil {
			opts = append(opts, openai.WithTemperature(*cfg.Temperature))
		}
		c, err := openai.New(cfg.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		client = c

	case "gemini":
		opts := []gemini.Option{gemini.WithGenerativeModel(cfg.Model)}
		if cfg.Temperature != nil {
			opts = append(opts, gemini.WithTemperature(float32(*cfg.Temperature)))
		}
		c, err := gemini.New(ctx, gemini.Config{
			Project:  cfg.Project,
			Location: cfg.Location,
			APIKey:   cfg.APIKey,
		}, opts...)
		if err != nil {
			return nil, err
		}
		client = c

	default:
		return nil, goerr.New("unknown llm provider", goerr.V("provider", cfg.Provider))
	}

	return llm.NewGuard(client,
		llm.WithTimeout(cfg.Timeout),
		llm.WithRateLimit(cfg.RateLimit, cfg.Burst),
	), nil
}

func (a *app) newEmbedder(ctx context.Context) (memory.Embedder, error) {
	cfg := a.cfg.Embedder

	var embedder memory.Embedder
	switch cfg.Provider {
	case "hash":
		embedder = hash.New(cfg.Dimensions)

	case "gemini":
		c, err := gemini.New(ctx, gemini.Config{
			Project:  a.cfg.LLM.Project,
			Location: a.cfg.LLM.Location,
			APIKey:   a.cfg.LLM.APIKey,
		}, gemini.WithEmbeddingModel(cfg.Model), gemini.WithDimensions(cfg.Dimensions))
		if err != nil {
			return nil, err
		}
		embedder = c

	case "onnx":
		e, closer, err := newONNXEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closer)
		embedder = e

	default:
		return nil, goerr.New("unknown embedder provider", goerr.V("provider", cfg.Provider))
	}

	if cfg.CacheSize <= 0 {
		return embedder, nil
	}
	cached, err := cache.New(embedder, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		cached.Close()
		return nil
	})
	return cached, nil
}

func (a *app) newProfiles(ctx context.Context) (profileBackend, error) {
	cfg := a.cfg.Profile

	switch cfg.Backend {
	case "memory":
		logging.Component(ctx, "cli").Warn("profiles are kept in memory and lost on exit")
		return profile.NewMemoryRepository(), nil

	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	case "firestore":
		s, err := firestore.New(ctx, cfg.Project, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
	return nil, goerr.New("unknown profile backend", goerr.V("backend", cfg.Backend))
}
