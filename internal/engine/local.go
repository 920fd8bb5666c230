package engine

import (
	"context"
	"time"

	"github.com/kalambet/sitewalk/internal/ollama"
	"github.com/kalambet/sitewalk/internal/proxy"
	"github.com/kalambet/sitewalk/internal/upstream"
)

// DefaultGenerateTimeout bounds a single generation call when neither the
// generator nor Options set one.
const DefaultGenerateTimeout = 90 * time.Second

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

// Client exposes the underlying HTTP client for startup checks.
func (e *OllamaEngine) Client() *ollama.Client { return e.client }

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, schema *Schema, opts Options) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	var s *ollama.Schema
	if schema != nil {
		s = &ollama.Schema{Type: schema.Type, Required: schema.Required}
		if schema.Properties != nil {
			s.Properties = make(map[string]ollama.SchemaProperty, len(schema.Properties))
			for k, v := range schema.Properties {
				s.Properties[k] = ollama.SchemaProperty{Type: v.Type, Description: v.Description}
			}
		}
	}

	var o *ollama.Options
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		o = &ollama.Options{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
	}
	return e.client.Chat(ctx, model, msgs, s, o)
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

// LocalGenerator generates with a fixed model on a local Engine.
type LocalGenerator struct {
	eng     Engine
	model   string
	timeout time.Duration
}

// NewLocalGenerator returns a Generator for model on eng. A zero timeout
// selects DefaultGenerateTimeout.
func NewLocalGenerator(eng Engine, model string, timeout time.Duration) *LocalGenerator {
	if timeout <= 0 {
		timeout = DefaultGenerateTimeout
	}
	return &LocalGenerator{eng: eng, model: model, timeout: timeout}
}

func (g *LocalGenerator) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	return upstream.Call(ctx, opts.timeout(g.timeout), func(ctx context.Context) (string, error) {
		return g.eng.Chat(ctx, g.model, messages, opts.Schema, opts)
	})
}

// CloudGenerator generates through OpenRouter.
type CloudGenerator struct {
	client  *proxy.Client
	model   string
	timeout time.Duration
}

// NewCloudGenerator returns a Generator for model on client. A zero timeout
// selects DefaultGenerateTimeout.
func NewCloudGenerator(client *proxy.Client, model string, timeout time.Duration) *CloudGenerator {
	if timeout <= 0 {
		timeout = DefaultGenerateTimeout
	}
	return &CloudGenerator{client: client, model: model, timeout: timeout}
}

func (g *CloudGenerator) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	req := proxy.CompletionRequest{
		Model:       g.model,
		Messages:    make([]proxy.Message, len(messages)),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	for i, m := range messages {
		req.Messages[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	if opts.Schema != nil {
		req.ResponseFormat = &proxy.ResponseFormat{Type: "json_object"}
	}
	return upstream.Call(ctx, opts.timeout(g.timeout), func(ctx context.Context) (string, error) {
		return g.client.Complete(ctx, req)
	})
}
