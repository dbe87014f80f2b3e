package llm

import (
	"context"
	"errors"
	"time"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single completion when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// Guard bounds every call to the wrapped client with a timeout and an
// optional client-side rate limit. Any failure, timeouts included, is
// reported as core.ErrServiceUnavailable so callers can apply their
// fallback policy without knowing the provider.
type Guard struct {
	client  Client
	timeout time.Duration
	limiter *rate.Limiter
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithRateLimit allows perSecond calls per second with the given burst.
// Zero or negative perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) GuardOption {
	return func(g *Guard) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewGuard wraps client.
func NewGuard(client Client, opts ...GuardOption) *Guard {
	g := &Guard{
		client:  client,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete implements Client.
func (g *Guard) Complete(ctx context.Context, messages []core.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", core.Unavailable(err, "rate limiter wait aborted")
		}
	}

	started := time.Now()
	text, err := g.client.Complete(ctx, messages)
	if err != nil {
		logging.Component(ctx, "llm").Warn("completion failed",
			"error", err,
			"elapsed", time.Since(started),
			"timeout", g.timeout,
		)
		if errors.Is(err, core.ErrServiceUnavailable) || errors.Is(err, core.ErrMalformedResponse) {
			return "", err
		}
		return "", core.Unavailable(err, "failed to complete",
			goerr.V("timeout", g.timeout.String()),
			goerr.V("messages", len(messages)),
		)
	}

	logging.Component(ctx, "llm").Debug("completion done",
		"elapsed", time.Since(started),
		"reply_len", len(text),
	)
	return text, nil
}
