// Package llm defines the completion capability the memory subsystem
// depends on, plus helpers for guarded calls and lenient JSON decoding of
// model output.
//
// Providers live in subpackages (anthropic, gemini, openai) and all satisfy
// Client. Callers wrap a provider in a Guard once at start-up and share it.
package llm

import (
	"bytes"
	"context"
	"text/template"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/m-mizutani/goerr/v2"
)

// Client is a black-box text completion service.
type Client interface {
	// Complete sends a role-tagged conversation and returns the model's
	// text reply.
	Complete(ctx context.Context, messages []core.Message) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []core.Message) (string, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, messages []core.Message) (string, error) {
	return f(ctx, messages)
}

// Render executes a prompt template.
func Render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", goerr.Wrap(err, "failed to render prompt", goerr.V("template", tmpl.Name()))
	}
	return buf.String(), nil
}

// SplitSystem separates system instructions from the conversation turns.
// Providers that carry the system prompt out of band use it.
func SplitSystem(messages []core.Message) (system string, turns []core.Message) {
	var sys bytes.Buffer
	for _, msg := range messages {
		if msg.Role == core.RoleSystem {
			if sys.Len() > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(msg.Content)
			continue
		}
		turns = append(turns, msg)
	}
	return sys.String(), turns
}
