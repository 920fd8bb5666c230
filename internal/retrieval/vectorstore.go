package retrieval

import (
	"context"
	"errors"
	"time"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimension already stored. Every stored and query vector shares one dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ChunkType tags what a chunk was cut from.
type ChunkType string

const (
	ChunkTranscript   ChunkType = "transcript"
	ChunkSummary      ChunkType = "summary"
	ChunkPlanAnalysis ChunkType = "plan_analysis"
)

// VectorStore stores chunk embeddings and answers nearest-neighbour queries.
type VectorStore interface {
	// Insert adds chunks in one batch.
	Insert(ctx context.Context, chunks []Chunk) error

	// Search returns the topK chunks closest to vector, honouring filter.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredChunk, error)

	// Dimension returns the stored vector dimension, or 0 when empty.
	Dimension(ctx context.Context) (int, error)

	// Count returns the number of live chunks.
	Count(ctx context.Context) (int, error)
}

// Filter narrows a Search.
type Filter struct {
	JobID *int64
	Types []ChunkType
}

// Chunk is one retrievable unit of indexed text. Chunks are immutable once stored.
type Chunk struct {
	ID        string    `json:"id"`
	SessionID int64     `json:"session_id"`
	JobID     *int64    `json:"job_id,omitempty"`
	Type      ChunkType `json:"type"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	Flagged   bool      `json:"flagged,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoredChunk is a search hit. Similarity is 1 - Distance.
type ScoredChunk struct {
	Chunk
	Distance   float32 `json:"distance"`
	Similarity float32 `json:"similarity"`
	// Provenance for display and chat grounding.
	JobName     string    `json:"job_name,omitempty"`
	SessionDate time.Time `json:"session_date"`
}
