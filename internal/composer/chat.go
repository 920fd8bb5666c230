package composer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/sitewalk/internal/engine"
	"github.com/kalambet/sitewalk/internal/retrieval"
	"github.com/kalambet/sitewalk/internal/storage"
)

// Retriever finds the chunks nearest to a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, jobID *int64, topK int) ([]retrieval.ScoredChunk, error)
}

// ActionLister lists action items.
type ActionLister interface {
	ListActionItems(ctx context.Context, f storage.ActionItemFilter) ([]storage.ActionItem, error)
}

// Reranker reorders retrieved chunks by relevance to the question.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []retrieval.ScoredChunk) ([]retrieval.ScoredChunk, error)
}

const maxOpenItems = 25

// Source identifies one chunk used to ground an answer.
type Source struct {
	ChunkID    string              `json:"chunk_id"`
	SessionID  int64               `json:"session_id"`
	JobID      *int64              `json:"job_id,omitempty"`
	JobName    string              `json:"job_name,omitempty"`
	Type       retrieval.ChunkType `json:"type"`
	Date       time.Time           `json:"date"`
	Similarity float32             `json:"similarity"`
	Flagged    bool                `json:"flagged,omitempty"`
}

// Answer is the reply to one chat question.
type Answer struct {
	Answer      string   `json:"answer"`
	Sources     []Source `json:"sources"`
	ActionItems int      `json:"action_items"`
}

// Chat answers questions grounded in indexed site walks.
type Chat struct {
	retriever Retriever
	actions   ActionLister
	composer  *Composer
	gen       engine.Generator
	reranker  Reranker
	topK      int
	logger    *slog.Logger
}

// NewChat creates a Chat. actions may be nil; topK <= 0 uses DefaultTopK.
func NewChat(r Retriever, actions ActionLister, c *Composer, gen engine.Generator, topK int) *Chat {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if c == nil {
		c = New(0)
	}
	return &Chat{retriever: r, actions: actions, composer: c, gen: gen, topK: topK, logger: slog.Default()}
}

// WithReranker makes Ask rerank retrieved chunks before composing the prompt.
func (c *Chat) WithReranker(r Reranker) *Chat {
	c.reranker = r
	return c
}

// Ask retrieves grounding context for question, optionally limited to one
// Job, and asks the generation service. A retrieval failure degrades to an
// ungrounded prompt; a generation failure is returned.
func (c *Chat) Ask(ctx context.Context, question string, jobID *int64) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("empty question")
	}

	hits, err := c.retriever.Retrieve(ctx, question, jobID, c.topK)
	if err != nil {
		c.logger.Warn("chat retrieval failed, answering without context", "error", err)
		hits = nil
	}
	if c.reranker != nil && len(hits) > 0 {
		// On failure the reranker hands back usable hits.
		reranked, rerr := c.reranker.Rerank(ctx, question, hits)
		if rerr != nil {
			c.logger.Warn("chat rerank failed, keeping retrieval order", "error", rerr)
		}
		if reranked != nil {
			hits = reranked
		}
	}

	var open []storage.ActionItem
	if c.actions != nil && WantsActionItems(question) {
		open, err = c.actions.ListActionItems(ctx, storage.ActionItemFilter{JobID: jobID, OpenOnly: true, Limit: maxOpenItems})
		if err != nil {
			c.logger.Warn("listing open action items for chat", "error", err)
			open = nil
		}
	}

	msgs := c.composer.Compose(question, hits, open)
	text, err := c.gen.Generate(ctx, msgs, engine.Options{Temperature: engine.Temp(0.2)})
	if err != nil {
		return Answer{}, fmt.Errorf("generating answer: %w", err)
	}

	ans := Answer{Answer: strings.TrimSpace(text), Sources: make([]Source, 0, len(hits)), ActionItems: len(open)}
	for _, h := range hits {
		ans.Sources = append(ans.Sources, Source{
			ChunkID:    h.ID,
			SessionID:  h.SessionID,
			JobID:      h.JobID,
			JobName:    h.JobName,
			Type:       h.Type,
			Date:       h.SessionDate,
			Similarity: h.Similarity,
			Flagged:    h.Flagged,
		})
	}
	return ans, nil
}
