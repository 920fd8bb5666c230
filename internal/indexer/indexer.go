// Package indexer cuts session text into overlapping windows, embeds each
// window, and stores the results as retrievable chunks.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sitewalk/internal/retrieval"
)

// Embedder generates one vector per text. A failure affects only its slot.
type Embedder interface {
	EmbedEach(ctx context.Context, texts []string) ([][]float32, []error)
}

// ChunkInserter persists embedded chunks.
type ChunkInserter interface {
	Insert(ctx context.Context, chunks []retrieval.Chunk) error
}

// Report counts the outcome of one indexing call. Embedded + Failed == Chunks.
type Report struct {
	Chunks   int `json:"chunks"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
}

// Add accumulates o into r.
func (r *Report) Add(o Report) {
	r.Chunks += o.Chunks
	r.Embedded += o.Embedded
	r.Failed += o.Failed
}

// Indexer turns text into stored chunks.
type Indexer struct {
	embedder Embedder
	vectors  ChunkInserter
	size     int
	overlap  int
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Indexer. Non-positive size or negative overlap fall back to
// the defaults.
func New(embedder Embedder, vectors ChunkInserter, size, overlap int) *Indexer {
	if size <= 0 {
		size = DefaultWindowWords
	}
	if overlap < 0 {
		overlap = DefaultOverlapWords
	}
	return &Indexer{
		embedder: embedder,
		vectors:  vectors,
		size:     size,
		overlap:  overlap,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// IndexTranscript indexes the cleaned transcript. Windows containing one of
// flagOffsets are stored flagged.
func (ix *Indexer) IndexTranscript(ctx context.Context, sessionID int64, jobID *int64, transcript string, flagOffsets []int) (Report, error) {
	return ix.index(ctx, sessionID, jobID, retrieval.ChunkTranscript, transcript, flagOffsets)
}

// IndexSummary indexes the session summary text.
func (ix *Indexer) IndexSummary(ctx context.Context, sessionID int64, jobID *int64, summary string) (Report, error) {
	return ix.index(ctx, sessionID, jobID, retrieval.ChunkSummary, summary, nil)
}

// IndexPlanAnalysis indexes the readable form of one plan analysis.
func (ix *Indexer) IndexPlanAnalysis(ctx context.Context, sessionID int64, jobID *int64, text string) (Report, error) {
	return ix.index(ctx, sessionID, jobID, retrieval.ChunkPlanAnalysis, text, nil)
}

func (ix *Indexer) index(ctx context.Context, sessionID int64, jobID *int64, typ retrieval.ChunkType, text string, flags []int) (Report, error) {
	windows := ChunkText(text, ix.size, ix.overlap)
	rep := Report{Chunks: len(windows)}
	if len(windows) == 0 {
		return rep, nil
	}

	texts := make([]string, len(windows))
	for i, w := range windows {
		texts[i] = w.Text
	}
	vecs, errs := ix.embedder.EmbedEach(ctx, texts)

	now := ix.now().UTC()
	chunks := make([]retrieval.Chunk, 0, len(windows))
	for i, w := range windows {
		if errs[i] != nil {
			rep.Failed++
			ix.logger.Warn("chunk embedding failed, skipping",
				"session_id", sessionID, "type", typ, "index", i, "error", errs[i])
			continue
		}
		chunks = append(chunks, retrieval.Chunk{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			JobID:     jobID,
			Type:      typ,
			Index:     i,
			Text:      w.Text,
			Embedding: vecs[i],
			Flagged:   w.containsAny(flags),
			CreatedAt: now,
		})
	}

	if len(chunks) > 0 {
		if err := ix.vectors.Insert(ctx, chunks); err != nil {
			return rep, fmt.Errorf("storing %s chunks for session %d: %w", typ, sessionID, err)
		}
	}
	rep.Embedded = len(chunks)
	ix.logger.Debug("indexed", "session_id", sessionID, "type", typ,
		"chunks", rep.Chunks, "embedded", rep.Embedded, "failed", rep.Failed)
	return rep, nil
}
