// Package openai implements llm.Client for OpenAI-compatible chat
// completion endpoints. Any service that speaks the same protocol
// (DeepSeek, Azure OpenAI, local gateways) is reachable through WithBaseURL.
package openai

import (
	"context"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const DefaultModel = "gpt-4o"

// Client sends conversations to a chat completion endpoint.
type Client struct {
	client      openai.Client
	model       string
	baseURL     string
	maxTokens   int64
	temperature *float64
}

// Option configures the client.
type Option func(*Client)

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible API.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithMaxTokens bounds the reply length.
func WithMaxTokens(n int64) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// New creates a client. An empty apiKey is rejected.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, goerr.New("openai api key is required")
	}

	c := &Client{model: DefaultModel}
	for _, opt := range opts {
		opt(c)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if c.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.baseURL))
	}
	c.client = openai.NewClient(reqOpts...)

	return c, nil
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, messages []core.Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: convertMessages(messages),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(c.maxTokens)
	}
	if c.temperature != nil {
		params.Temperature = openai.Float(*c.temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "chat completion error", goerr.V("model", c.model), goerr.V("base_url", c.baseURL))
	}
	if len(resp.Choices) == 0 {
		return "", core.Malformed(goerr.New("no choices"), "chat completion returned no choices", goerr.V("model", c.model))
	}

	logging.Component(ctx, "openai").Debug("completion done",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

func convertMessages(messages []core.Message) []openai.ChatCompletionMessageParamUnion {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case core.RoleSystem:
			converted = append(converted, openai.SystemMessage(msg.Content))
		case core.RoleAssistant:
			converted = append(converted, openai.AssistantMessage(msg.Content))
		default:
			converted = append(converted, openai.UserMessage(msg.Content))
		}
	}
	return converted
}
