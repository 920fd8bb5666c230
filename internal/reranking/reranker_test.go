package reranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/sitewalk/internal/engine"
	"github.com/kalambet/sitewalk/internal/retrieval"
	"github.com/kalambet/sitewalk/internal/upstream"
)

// mockGenerator answers with a score chosen by the excerpt text in the prompt.
type mockGenerator struct {
	fn    func(ctx context.Context, prompt string) (string, error)
	calls atomic.Int32
}

func (m *mockGenerator) Generate(ctx context.Context, msgs []engine.Message, opts engine.Options) (string, error) {
	m.calls.Add(1)
	if m.fn != nil {
		return m.fn(ctx, msgs[len(msgs)-1].Content)
	}
	return `{"score": 0.5}`, nil
}

// scoresByText returns fn scoring each excerpt from the table.
func scoresByText(table map[string]string) func(context.Context, string) (string, error) {
	return func(_ context.Context, prompt string) (string, error) {
		for text, resp := range table {
			if strings.Contains(prompt, "Excerpt: "+text+"\n") {
				return resp, nil
			}
		}
		return "", fmt.Errorf("unexpected prompt %q", prompt)
	}
}

func makeHits(texts ...string) []retrieval.ScoredChunk {
	hits := make([]retrieval.ScoredChunk, len(texts))
	for i, text := range texts {
		hits[i] = retrieval.ScoredChunk{
			Chunk:      retrieval.Chunk{ID: fmt.Sprintf("chunk-%d", i), Text: text},
			Similarity: 0.6,
		}
	}
	return hits
}

func newLLMReranker(gen engine.Generator, timeout time.Duration) *LLMReranker {
	return NewReranker(gen, true, timeout, DefaultThreshold).(*LLMReranker)
}

func ids(hits []retrieval.ScoredChunk) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestLLMReranker_ReordersHits(t *testing.T) {
	gen := &mockGenerator{fn: scoresByText(map[string]string{
		"rebar spacing":   `{"score": 0.4}`,
		"footing depth":   `{"score": 0.9}`,
		"window schedule": `{"score": 0.7}`,
	})}
	r := newLLMReranker(gen, time.Second)

	got, err := r.Rerank(context.Background(), "how deep are the footings?", makeHits("rebar spacing", "footing depth", "window schedule"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	want := []string{"chunk-1", "chunk-2", "chunk-0"}
	if strings.Join(ids(got), ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", ids(got), want)
	}
	if got[0].Similarity != 0.9 {
		t.Errorf("top similarity = %v, want 0.9", got[0].Similarity)
	}
	if gen.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", gen.calls.Load())
	}
}

func TestLLMReranker_DropsBelowThreshold(t *testing.T) {
	gen := &mockGenerator{fn: scoresByText(map[string]string{
		"a": `{"score": 0.8}`,
		"b": `{"score": 0.1}`,
	})}
	got, err := newLLMReranker(gen, time.Second).Rerank(context.Background(), "q", makeHits("a", "b"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 1 || got[0].ID != "chunk-0" {
		t.Errorf("got %v, want [chunk-0]", ids(got))
	}
}

func TestLLMReranker_AllBelowThreshold(t *testing.T) {
	gen := &mockGenerator{fn: func(context.Context, string) (string, error) { return `{"score": 0.05}`, nil }}
	got, err := newLLMReranker(gen, time.Second).Rerank(context.Background(), "q", makeHits("a", "b"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d hits, want 0", len(got))
	}
}

// TestLLMReranker_Timeout verifies the original hits come back with a
// timeout error when scoring outlives the budget.
func TestLLMReranker_Timeout(t *testing.T) {
	gen := &mockGenerator{fn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	hits := makeHits("a", "b", "c", "d")

	got, err := newLLMReranker(gen, 30*time.Millisecond).Rerank(context.Background(), "q", hits)
	if !errors.Is(err, upstream.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if len(got) != len(hits) || got[0].Similarity != 0.6 {
		t.Errorf("got %+v, want original hits", got)
	}
}

func TestLLMReranker_CodeFenceAndFiller(t *testing.T) {
	gen := &mockGenerator{fn: scoresByText(map[string]string{
		"a": "```json\n{\"score\": 0.75}\n```",
		"b": `Sure! Here is the rating: {"score": 0.5}`,
	})}
	got, err := newLLMReranker(gen, time.Second).Rerank(context.Background(), "q", makeHits("a", "b"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 2 || got[0].Similarity != 0.75 || got[1].Similarity != 0.5 {
		t.Errorf("got %+v", got)
	}
}

// TestLLMReranker_FailedScoreKeepsSimilarity covers malformed output, out of
// range scores, and generator errors.
func TestLLMReranker_FailedScoreKeepsSimilarity(t *testing.T) {
	gen := &mockGenerator{fn: func(_ context.Context, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Excerpt: bad\n"):
			return "not json", nil
		case strings.Contains(prompt, "Excerpt: huge\n"):
			return `{"score": 7}`, nil
		case strings.Contains(prompt, "Excerpt: down\n"):
			return "", errors.New("connection refused")
		}
		return `{"score": 0.9}`, nil
	}}
	got, err := newLLMReranker(gen, time.Second).Rerank(context.Background(), "q", makeHits("good", "bad", "huge", "down"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d hits, want 4", len(got))
	}
	if got[0].ID != "chunk-0" || got[0].Similarity != 0.9 {
		t.Errorf("top = %+v", got[0])
	}
	for _, h := range got[1:] {
		if h.Similarity != 0.6 {
			t.Errorf("%s similarity = %v, want 0.6", h.ID, h.Similarity)
		}
	}
}

func TestLLMReranker_TruncatesLongText(t *testing.T) {
	var longest int
	gen := &mockGenerator{fn: func(_ context.Context, prompt string) (string, error) {
		longest = len(prompt)
		return `{"score": 0.5}`, nil
	}}
	_, err := newLLMReranker(gen, time.Second).Rerank(context.Background(), "q", makeHits(strings.Repeat("x", 10000)))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if longest > maxChunkChars+300 {
		t.Errorf("prompt length = %d, excerpt not truncated", longest)
	}
}

func TestLLMReranker_DoesNotMutateInput(t *testing.T) {
	gen := &mockGenerator{fn: func(context.Context, string) (string, error) { return `{"score": 0.95}`, nil }}
	hits := makeHits("a")
	if _, err := newLLMReranker(gen, time.Second).Rerank(context.Background(), "q", hits); err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if hits[0].Similarity != 0.6 {
		t.Errorf("input similarity changed to %v", hits[0].Similarity)
	}
}

func TestLLMReranker_Empty(t *testing.T) {
	gen := &mockGenerator{}
	got, err := newLLMReranker(gen, time.Second).Rerank(context.Background(), "q", nil)
	if err != nil || len(got) != 0 {
		t.Errorf("got %v, %v", got, err)
	}
	if gen.calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", gen.calls.Load())
	}
}

func TestNoOpReranker(t *testing.T) {
	hits := makeHits("a", "b")
	got, err := NoOpReranker{}.Rerank(context.Background(), "q", hits)
	if err != nil || len(got) != 2 || got[0].ID != "chunk-0" {
		t.Errorf("got %v, %v", ids(got), err)
	}
}

func TestNewReranker(t *testing.T) {
	if _, ok := NewReranker(&mockGenerator{}, true, 0, DefaultThreshold).(*LLMReranker); !ok {
		t.Error("enabled reranker is not *LLMReranker")
	}
	if _, ok := NewReranker(&mockGenerator{}, false, time.Second, DefaultThreshold).(NoOpReranker); !ok {
		t.Error("disabled reranker is not NoOpReranker")
	}
	if _, ok := NewReranker(nil, true, time.Second, DefaultThreshold).(NoOpReranker); !ok {
		t.Error("nil generator should give NoOpReranker")
	}
	if r := NewReranker(&mockGenerator{}, true, 0, DefaultThreshold).(*LLMReranker); r.timeout != DefaultTimeout {
		t.Errorf("timeout = %s, want default", r.timeout)
	}
}
