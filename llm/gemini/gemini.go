// Package gemini implements llm.Client and a text embedder on the Google
// Gen AI SDK. It talks to Vertex AI when a project is configured and to
// the Gemini API when only an API key is given.
package gemini

import (
	"context"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

const (
	DefaultGenerativeModel = "gemini-2.5-flash"
	DefaultEmbeddingModel  = "gemini-embedding-001"
	DefaultDimensions      = 768
)

// Client wraps a genai client.
type Client struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	dimensions      int
	temperature     *float32
}

// Option configures the client.
type Option func(*Client)

func WithGenerativeModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.generativeModel = model
		}
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.embeddingModel = model
		}
	}
}

// WithDimensions sets the requested embedding size.
func WithDimensions(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.dimensions = n
		}
	}
}

func WithTemperature(t float32) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// Config selects the backend. Project and Location select Vertex AI;
// otherwise APIKey is used against the Gemini API.
type Config struct {
	Project  string
	Location string
	APIKey   string
}

// New creates a client.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey}
	if cfg.Project != "" {
		cc = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client", goerr.V("project", cfg.Project))
	}

	c := &Client{
		client:          client,
		generativeModel: DefaultGenerativeModel,
		embeddingModel:  DefaultEmbeddingModel,
		dimensions:      DefaultDimensions,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, messages []core.Message) (string, error) {
	system, turns := llm.SplitSystem(messages)
	if len(turns) == 0 {
		return "", goerr.New("conversation has no user or assistant turn")
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, msg := range turns {
		role := genai.Role(genai.RoleUser)
		if msg.Role == core.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	zero := int32(0)
	config := &genai.GenerateContentConfig{
		Temperature: c.temperature,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &zero,
		},
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.generativeModel, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate content", goerr.V("model", c.generativeModel))
	}

	text := resp.Text()
	if text == "" {
		return "", core.Malformed(goerr.New("empty candidate"), "gemini returned no text", goerr.V("model", c.generativeModel))
	}
	return text, nil
}

// Embed implements memory.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := int32(c.dimensions)
	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("model", c.embeddingModel))
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, core.Malformed(goerr.New("no embedding"), "gemini returned no embedding", goerr.V("model", c.embeddingModel))
	}
	return resp.Embeddings[0].Values, nil
}

// Dimensions implements memory.Embedder.
func (c *Client) Dimensions() int {
	return c.dimensions
}
