// Package anthropic implements llm.Client on the Claude Messages API.
package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 4096
)

// Client sends conversations to Claude.
type Client struct {
	client      *anthropic.Client
	model       string
	maxTokens   int64
	temperature *float64
}

// Option configures the client.
type Option func(*Client)

// WithModel sets the Claude model to use.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithMaxTokens sets the maximum response tokens.
func WithMaxTokens(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// New creates a client authenticated with apiKey. Extra request options
// (base URL, retries, HTTP client) are passed through to the SDK.
func New(apiKey string, reqOpts []option.RequestOption, opts ...Option) *Client {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)
	client := anthropic.NewClient(all...)
	return NewWithClient(&client, opts...)
}

// NewWithClient wraps an existing SDK client.
func NewWithClient(client *anthropic.Client, opts ...Option) *Client {
	c := &Client{
		client:    client,
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, messages []core.Message) (string, error) {
	params, err := c.params(messages)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "claude API error", goerr.V("model", c.model))
	}

	logging.Component(ctx, "anthropic").Debug("message done",
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return textOf(resp)
}

// Stream behaves like Complete but hands each text delta to callback as
// it arrives. The full reply is returned once the stream ends.
func (c *Client) Stream(ctx context.Context, messages []core.Message, callback func(chunk string)) (string, error) {
	params, err := c.params(messages)
	if err != nil {
		return "", err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			logging.Component(ctx, "anthropic").Debug("failed to accumulate stream event", "error", err)
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if callback != nil {
					callback(delta.Text)
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		return "", goerr.Wrap(err, "claude stream error", goerr.V("model", c.model))
	}
	return textOf(&message)
}

func (c *Client) params(messages []core.Message) (anthropic.MessageNewParams, error) {
	system, turns := llm.SplitSystem(messages)
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, goerr.New("conversation has no user or assistant turn")
	}

	converted := make([]anthropic.MessageParam, 0, len(turns))
	for _, msg := range turns {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == core.RoleAssistant {
			converted = append(converted, anthropic.NewAssistantMessage(block))
		} else {
			converted = append(converted, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if c.temperature != nil {
		params.Temperature = anthropic.Float(*c.temperature)
	}
	return params, nil
}

func textOf(resp *anthropic.Message) (string, error) {
	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", core.Malformed(goerr.New("no text block"), "claude returned no text", goerr.V("stop_reason", string(resp.StopReason)))
	}
	return strings.Join(parts, ""), nil
}
