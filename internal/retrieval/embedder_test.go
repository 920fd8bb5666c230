package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/sitewalk/internal/engine"
	"github.com/kalambet/sitewalk/internal/upstream"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockEngine) Chat(context.Context, string, []engine.Message, *engine.Schema, engine.Options) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}
func (m *mockEngine) IsRunning(context.Context) bool { return true }

func TestEmbed_TruncatesInput(t *testing.T) {
	var got string
	e := NewEmbedder(&mockEngine{embedFn: func(_ context.Context, model, text string) ([]float32, error) {
		if model != "nomic-embed-text" {
			t.Errorf("model = %q", model)
		}
		got = text
		return []float32{1, 2, 3}, nil
	}}, "nomic-embed-text").WithLimits(10, 0)

	if _, err := e.Embed(context.Background(), strings.Repeat("é", 20)); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) > 10 {
		t.Errorf("sent %d bytes, want at most 10", len(got))
	}
	if !strings.HasPrefix(strings.Repeat("é", 20), got) || len(got)%2 != 0 {
		t.Errorf("truncation split a rune: %q", got)
	}
}

func TestEmbed_TimeoutClassified(t *testing.T) {
	e := NewEmbedder(&mockEngine{embedFn: func(ctx context.Context, _, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, "m").WithLimits(0, 20*time.Millisecond)

	_, err := e.Embed(context.Background(), "hello")
	if !errors.Is(err, upstream.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestEmbedEach_PartialFailure(t *testing.T) {
	var calls atomic.Int32
	e := NewEmbedder(&mockEngine{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		calls.Add(1)
		if text == "bad" {
			return nil, errors.New("boom")
		}
		return []float32{float32(len(text))}, nil
	}}, "m")

	vecs, errs := e.EmbedEach(context.Background(), []string{"one", "bad", "three"})
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if errs[0] != nil || errs[2] != nil || errs[1] == nil {
		t.Fatalf("errs = %v", errs)
	}
	if vecs[1] != nil || vecs[0][0] != 3 || vecs[2][0] != 5 {
		t.Errorf("vecs = %v", vecs)
	}
}
