package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/kalambet/sitewalk/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(t *testing.T, s *storage.Store, jobID *int64) int64 {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), "/audio/walk.m4a", "", jobID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess.ID
}

// unit returns a dim-length vector pointing mostly along axis.
func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis%dim] = 1
	return v
}

func TestInsertAndSearch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	job, _, _ := st.CreateJobOrGet(ctx, storage.Job{Name: "Oak Creek Lot 42", Subdivision: "Oak Creek", LotNumber: "42"})
	sid := newSession(t, st, &job.ID)

	vs := NewSQLiteStore(st.DB())
	err := vs.Insert(ctx, []Chunk{
		{ID: "a", SessionID: sid, JobID: &job.ID, Type: ChunkTranscript, Text: "tile in master bath", Embedding: unit(4, 0)},
		{ID: "b", SessionID: sid, JobID: &job.ID, Type: ChunkSummary, Text: "framing done", Embedding: unit(4, 1), Flagged: true},
		{ID: "c", SessionID: sid, JobID: &job.ID, Type: ChunkTranscript, Text: "roof", Embedding: []float32{0.7, 0.7, 0, 0}},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	hits, err := vs.Search(ctx, unit(4, 0), 2, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "a" || hits[1].ID != "c" {
		t.Errorf("order = %s,%s, want a,c", hits[0].ID, hits[1].ID)
	}
	if math.Abs(float64(hits[0].Similarity-1)) > 1e-6 || math.Abs(float64(hits[0].Distance)) > 1e-6 {
		t.Errorf("exact match similarity=%v distance=%v", hits[0].Similarity, hits[0].Distance)
	}
	for _, h := range hits {
		if math.Abs(float64(h.Similarity+h.Distance-1)) > 1e-6 {
			t.Errorf("similarity %v is not 1 - distance %v", h.Similarity, h.Distance)
		}
	}
	if hits[0].JobName != "Oak Creek Lot 42" || hits[0].SessionDate.IsZero() {
		t.Errorf("provenance missing: %+v", hits[0])
	}

	n, _ := vs.Count(ctx)
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestSearch_JobFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	j5, _, _ := st.CreateJobOrGet(ctx, storage.Job{Subdivision: "A", LotNumber: "5"})
	j7, _, _ := st.CreateJobOrGet(ctx, storage.Job{Subdivision: "B", LotNumber: "7"})
	s5 := newSession(t, st, &j5.ID)
	s7 := newSession(t, st, &j7.ID)

	vs := NewSQLiteStore(st.DB())
	vs.Insert(ctx, []Chunk{
		{ID: "five", SessionID: s5, JobID: &j5.ID, Type: ChunkTranscript, Text: "x", Embedding: unit(3, 0)},
		{ID: "seven", SessionID: s7, JobID: &j7.ID, Type: ChunkTranscript, Text: "y", Embedding: unit(3, 0)},
	})

	hits, err := vs.Search(ctx, unit(3, 0), 10, Filter{JobID: &j7.ID})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "seven" {
		t.Errorf("filtered hits = %+v", hits)
	}

	hits, _ = vs.Search(ctx, unit(3, 0), 10, Filter{Types: []ChunkType{ChunkSummary}})
	if len(hits) != 0 {
		t.Errorf("type filter returned %d hits", len(hits))
	}
}

func TestSearch_SkipsSoftDeleted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	sid := newSession(t, st, nil)
	vs := NewSQLiteStore(st.DB())
	vs.Insert(ctx, []Chunk{{ID: "gone", SessionID: sid, Type: ChunkTranscript, Text: "x", Embedding: unit(3, 0)}})

	if err := st.DeleteSession(ctx, sid); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	hits, err := vs.Search(ctx, unit(3, 0), 5, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("soft-deleted chunk returned: %+v", hits)
	}
}

func TestDimensionEnforced(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	sid := newSession(t, st, nil)
	vs := NewSQLiteStore(st.DB())

	if d, _ := vs.Dimension(ctx); d != 0 {
		t.Fatalf("empty store dimension = %d", d)
	}
	if err := vs.Insert(ctx, []Chunk{{ID: "a", SessionID: sid, Type: ChunkTranscript, Text: "x", Embedding: unit(4, 0)}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := vs.Insert(ctx, []Chunk{{ID: "b", SessionID: sid, Type: ChunkTranscript, Text: "y", Embedding: unit(3, 0)}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("insert mismatch: got %v", err)
	}
	if _, err := vs.Search(ctx, unit(8, 0), 3, Filter{}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("query mismatch: got %v", err)
	}

	// A fresh handle reads the dimension back from stored rows.
	if d, _ := NewSQLiteStore(st.DB()).Dimension(ctx); d != 4 {
		t.Errorf("Dimension = %d, want 4", d)
	}
}

func TestSearch_TopKLargerThanStore(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	sid := newSession(t, st, nil)
	vs := NewSQLiteStore(st.DB())

	var chunks []Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, Chunk{ID: fmt.Sprintf("c%d", i), SessionID: sid, Type: ChunkTranscript, Index: i, Text: "t", Embedding: unit(8, i)})
	}
	if err := vs.Insert(ctx, chunks); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	hits, err := vs.Search(ctx, unit(8, 2), 50, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 5 || hits[0].ID != "c2" {
		t.Errorf("hits = %d, first = %s", len(hits), hits[0].ID)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Similarity > hits[i-1].Similarity {
			t.Error("hits not sorted by similarity")
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0, -1.5, 3.25, math.MaxFloat32}
	out, err := decodeFloat32sInto(nil, encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32sInto(nil, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
