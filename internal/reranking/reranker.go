// Package reranking re-scores retrieved chunks by asking a generation model
// how relevant each one is to the question.
package reranking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sitewalk/internal/analysis"
	"github.com/kalambet/sitewalk/internal/engine"
	"github.com/kalambet/sitewalk/internal/retrieval"
	"github.com/kalambet/sitewalk/internal/upstream"
)

const (
	defaultConcurrency = 3
	// DefaultThreshold drops chunks the model rates below it.
	DefaultThreshold = 0.3
	// DefaultTimeout bounds one whole Rerank call.
	DefaultTimeout = 5 * time.Second

	maxChunkChars = 2000
)

// Reranker re-scores retrieved chunks by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []retrieval.ScoredChunk) ([]retrieval.ScoredChunk, error)
}

// NewReranker returns an LLMReranker if enabled, NoOpReranker otherwise.
func NewReranker(gen engine.Generator, enabled bool, timeout time.Duration, threshold float64) Reranker {
	if !enabled || gen == nil {
		return NoOpReranker{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LLMReranker{gen: gen, timeout: timeout, threshold: threshold, logger: slog.Default()}
}

// LLMReranker scores (query, chunk) pairs with a generation model, at most
// defaultConcurrency at a time.
type LLMReranker struct {
	gen       engine.Generator
	timeout   time.Duration
	threshold float64
	logger    *slog.Logger
}

type relevance struct {
	Score float64 `json:"score"`
}

func (r *relevance) Validate() error {
	if r.Score < 0 || r.Score > 1 {
		return fmt.Errorf("score %v outside [0, 1]", r.Score)
	}
	return nil
}

var relevanceSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "Relevance score between 0.0 and 1.0"},
	},
	Required: []string{"score"},
}

// Rerank replaces each hit's Similarity with the model's relevance score,
// drops hits under the threshold, and sorts the rest best first. A hit whose
// scoring fails keeps its vector similarity. When the whole call runs out of
// time the hits come back in their original order together with an
// upstream.ErrTimeout error.
func (r *LLMReranker) Rerank(ctx context.Context, query string, hits []retrieval.ScoredChunk) ([]retrieval.ScoredChunk, error) {
	if len(hits) == 0 {
		return hits, nil
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scored := make([]retrieval.ScoredChunk, len(hits))
	copy(scored, hits)

	var mu sync.Mutex
	failed := 0
	g, gctx := errgroup.WithContext(tctx)
	g.SetLimit(defaultConcurrency)
	for i := range scored {
		g.Go(func() error {
			score, err := r.score(gctx, query, scored[i].Text)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				failed++
				mu.Unlock()
				r.logger.Debug("rerank scoring failed, keeping similarity", "chunk_id", scored[i].ID, "error", err)
				return nil
			}
			scored[i].Similarity = float32(score)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return hits, upstream.Classify(fmt.Errorf("reranking %d chunks: %w", len(hits), err))
	}

	out := scored[:0]
	for _, h := range scored {
		if float64(h.Similarity) >= r.threshold {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })

	r.logger.Debug("reranked", "in", len(hits), "kept", len(out), "failed", failed)
	return out, nil
}

func (r *LLMReranker) score(ctx context.Context, query, text string) (float64, error) {
	if len(text) > maxChunkChars {
		text = text[:maxChunkChars]
	}
	prompt := "Rate how relevant the site walk excerpt is to the question on a scale of 0.0 to 1.0.\n" +
		"Question: " + query + "\n" +
		"Excerpt: " + text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	raw, err := r.gen.Generate(ctx, []engine.Message{{Role: engine.RoleUser, Content: prompt}},
		engine.Options{Temperature: engine.Temp(0), MaxTokens: 20, Schema: relevanceSchema})
	if err != nil {
		return 0, err
	}
	res := analysis.ParseStructured[relevance](raw)
	if !res.OK() {
		return 0, fmt.Errorf("parsing relevance: %s", res.ParseError)
	}
	return res.Data.Score, nil
}

// NoOpReranker passes hits through unchanged.
type NoOpReranker struct{}

func (NoOpReranker) Rerank(_ context.Context, _ string, hits []retrieval.ScoredChunk) ([]retrieval.ScoredChunk, error) {
	return hits, nil
}
