// Package engine is the text-generation and embedding boundary. Callers see
// a Generator or an Embedder; the concrete backend is the local Ollama
// server or the OpenRouter cloud API.
package engine

import (
	"context"
	"time"
)

// Engine abstracts a local inference backend.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When schema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, schema *Schema, opts Options) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool
}

// Generator produces one completion for an ordered list of role-tagged messages.
// Errors are classified as upstream.ErrTimeout or upstream.ErrFailure.
type Generator interface {
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)
}

// Options are per-call sampling and deadline settings.
type Options struct {
	Temperature *float64
	MaxTokens   int
	// Schema requests structured JSON output when non-nil.
	Schema *Schema
	// Timeout overrides the generator's default per-call deadline.
	Timeout time.Duration
}

// Temp returns a pointer to t for Options.Temperature.
func Temp(t float64) *float64 { return &t }

func (o Options) timeout(def time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return def
}
