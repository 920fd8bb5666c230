package retrieval

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sitewalk/internal/engine"
	"github.com/kalambet/sitewalk/internal/upstream"
)

const (
	// DefaultMaxInputChars caps the text sent in one embedding request.
	DefaultMaxInputChars = 8000
	defaultEmbedTimeout  = 30 * time.Second
	embedConcurrency     = 4
)

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine   engine.Engine
	model    string
	maxChars int
	timeout  time.Duration
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model, maxChars: DefaultMaxInputChars, timeout: defaultEmbedTimeout}
}

// WithLimits overrides the input cap and per-call timeout. Non-positive values keep the defaults.
func (e *Embedder) WithLimits(maxChars int, timeout time.Duration) *Embedder {
	if maxChars > 0 {
		e.maxChars = maxChars
	}
	if timeout > 0 {
		e.timeout = timeout
	}
	return e
}

// Embed returns the embedding vector for a single text, truncated to the input cap.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = truncate(text, e.maxChars)
	vec, err := upstream.Call(ctx, e.timeout, func(ctx context.Context) ([]float32, error) {
		return e.engine.Embed(ctx, e.model, text)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedEach embeds every text concurrently. A failure affects only its own
// slot: vecs[i] is nil and errs[i] is set.
func (e *Embedder) EmbedEach(ctx context.Context, texts []string) (vecs [][]float32, errs []error) {
	vecs = make([][]float32, len(texts))
	errs = make([]error, len(texts))
	var g errgroup.Group
	g.SetLimit(embedConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vecs[i], errs[i] = e.Embed(ctx, text)
			return nil
		})
	}
	g.Wait()
	return vecs, errs
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
