// Package retrieval indexes chunk embeddings and answers vector, lexical, and
// action-item searches over a single SQLite database.
package retrieval

import (
	"context"
	"database/sql"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sitewalk/internal/storage"
)

// ActionSearcher finds action items by description substring.
type ActionSearcher interface {
	ListActionItems(ctx context.Context, f storage.ActionItemFilter) ([]storage.ActionItem, error)
}

// Results holds the three search paths side by side, unmerged.
type Results struct {
	Vector  []ScoredChunk        `json:"vector"`
	Lexical []LexicalHit         `json:"lexical"`
	Actions []storage.ActionItem `json:"actions"`
	// VectorError is set when the vector path failed but the others ran.
	VectorError string `json:"vector_error,omitempty"`
}

// Retriever combines embedding and vector search, plus the lexical and
// action-item paths used by the search surface.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
	db       *sql.DB
	actions  ActionSearcher
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. db and actions may be nil when only
// vector retrieval is needed.
func NewRetriever(embedder *Embedder, store VectorStore, db *sql.DB, actions ActionSearcher) *Retriever {
	return &Retriever{embedder: embedder, store: store, db: db, actions: actions, logger: slog.Default()}
}

// Retrieve embeds the query and returns the topK nearest chunks, optionally
// restricted to one Job.
func (r *Retriever) Retrieve(ctx context.Context, query string, jobID *int64, topK int) ([]ScoredChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.store.Search(ctx, vec, topK, Filter{JobID: jobID})
}

// Search runs the vector, lexical, and action-item paths concurrently and
// returns their results side by side. A vector-path failure (for example an
// embedding timeout) is reported in Results.VectorError; lexical and action
// failures are returned as errors.
func (r *Retriever) Search(ctx context.Context, query string, jobID *int64, limit int) (Results, error) {
	var res Results
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := r.Retrieve(gctx, query, jobID, limit)
		if err != nil {
			r.logger.Warn("vector search failed", "error", err)
			res.VectorError = err.Error()
			return nil
		}
		res.Vector = hits
		return nil
	})
	if r.db != nil {
		g.Go(func() error {
			hits, err := SearchLexical(gctx, r.db, query, jobID, limit)
			res.Lexical = hits
			return err
		})
	}
	if r.actions != nil {
		g.Go(func() error {
			items, err := r.actions.ListActionItems(gctx, storage.ActionItemFilter{JobID: jobID, Contains: query, Limit: limit})
			res.Actions = items
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return Results{}, err
	}
	return res, nil
}
