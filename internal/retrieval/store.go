package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/sitewalk/internal/storage"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps chunk vectors in the chunks table and ranks them by
// brute-force cosine distance. Soft-deleted chunks are never returned.
type SQLiteStore struct {
	db *sql.DB

	mu  sync.Mutex
	dim int
}

// NewSQLiteStore wraps an existing *sql.DB. The chunks table must already
// exist (created by storage migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB exposes the handle for lexical queries over the same database.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Dimension returns the dimension of stored vectors, or 0 when none exist.
func (s *SQLiteStore) Dimension(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimensionLocked(ctx)
}

func (s *SQLiteStore) dimensionLocked(ctx context.Context) (int, error) {
	if s.dim > 0 {
		return s.dim, nil
	}
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT length(embedding) FROM chunks LIMIT 1`).Scan(&n); err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("reading vector dimension: %w", err)
	}
	if n.Valid {
		s.dim = int(n.Int64 / 4)
	}
	return s.dim, nil
}

// Insert adds chunks in a single transaction. Every vector must match the
// stored dimension; the first batch into an empty store fixes it.
func (s *SQLiteStore) Insert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dim, err := s.dimensionLocked(ctx)
	if err != nil {
		return err
	}
	if dim == 0 {
		dim = len(chunks[0].Embedding)
	}
	for _, c := range chunks {
		if len(c.Embedding) == 0 || len(c.Embedding) != dim {
			return fmt.Errorf("%w: chunk %s has %d, want %d", ErrDimensionMismatch, c.ID, len(c.Embedding), dim)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, session_id, job_id, chunk_type, chunk_index, text, embedding, flagged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		var jobID any
		if c.JobID != nil {
			jobID = *c.JobID
		}
		flagged := 0
		if c.Flagged {
			flagged = 1
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.SessionID, jobID, string(c.Type), c.Index, c.Text,
			encodeFloat32s(c.Embedding), flagged, storage.FormatTime(createdAt)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.dim = dim
	return nil
}

// idScore holds only the ID and score during the scan phase of Search.
// Full records are fetched only for the top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity over live chunks and returns
// the topK closest, most similar first.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	dim, err := s.Dimension(ctx)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if len(vector) != dim {
		return nil, fmt.Errorf("%w: query has %d, store has %d", ErrDimensionMismatch, len(vector), dim)
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	where, args := filterClause(filter)
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()
	if h.Len() == 0 {
		return nil, nil
	}

	scores := make(map[string]float32, h.Len())
	ids := make([]any, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		ids = append(ids, item.ID)
	}

	results, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range results {
		sim := scores[results[i].ID]
		results[i].Similarity = sim
		results[i].Distance = 1 - sim
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	return results, nil
}

func filterClause(f Filter) (string, []any) {
	where := []string{"deleted_at IS NULL"}
	var args []any
	if f.JobID != nil {
		where = append(where, "job_id = ?")
		args = append(args, *f.JobID)
	}
	if len(f.Types) > 0 {
		where = append(where, "chunk_type IN (?"+strings.Repeat(",?", len(f.Types)-1)+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	return strings.Join(where, " AND "), args
}

func (s *SQLiteStore) fetch(ctx context.Context, ids []any) ([]ScoredChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.session_id, c.job_id, c.chunk_type, c.chunk_index, c.text, c.flagged, c.created_at,
		       COALESCE(j.name, ''), s.created_at
		FROM chunks c
		JOIN sessions s ON s.id = c.session_id
		LEFT JOIN jobs j ON j.id = c.job_id
		WHERE c.id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var jobID sql.NullInt64
		var typ string
		var flagged int
		var createdAt, sessionAt string
		if err := rows.Scan(&sc.ID, &sc.SessionID, &jobID, &typ, &sc.Index, &sc.Text, &flagged, &createdAt, &sc.JobName, &sessionAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if jobID.Valid {
			id := jobID.Int64
			sc.JobID = &id
		}
		sc.Type = ChunkType(typ)
		sc.Flagged = flagged == 1
		if sc.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if sc.SessionDate, err = storage.ParseTime(sessionAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Count returns the number of live chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE deleted_at IS NULL`).Scan(&n)
	return n, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing its
// backing array when large enough.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed norm of a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bNormSq)))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
