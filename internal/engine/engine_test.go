package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/sitewalk/internal/proxy"
	"github.com/kalambet/sitewalk/internal/upstream"
)

func TestOllamaEngine_Chat(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "hello from ollama"},
		})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	result, err := e.Chat(context.Background(), "llama3.2", []Message{{Role: RoleUser, Content: "hi"}}, nil, Options{MaxTokens: 64})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result != "hello from ollama" {
		t.Errorf("got %q, want %q", result, "hello from ollama")
	}
	opts, _ := req["options"].(map[string]any)
	if opts["num_predict"] != float64(64) {
		t.Errorf("num_predict not forwarded: %v", req["options"])
	}
}

func TestOllamaEngine_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	vec, err := NewOllamaEngine(srv.URL).Embed(context.Background(), "nomic-embed-text", "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("got %d dims, want 3", len(vec))
	}
}

// slowEngine blocks Chat until the context ends.
type slowEngine struct{}

func (slowEngine) Chat(ctx context.Context, _ string, _ []Message, _ *Schema, _ Options) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
func (slowEngine) Embed(context.Context, string, string) ([]float32, error) { return nil, nil }
func (slowEngine) IsRunning(context.Context) bool                          { return true }

func TestLocalGenerator_Timeout(t *testing.T) {
	g := NewLocalGenerator(slowEngine{}, "llama3.2", time.Hour)
	_, err := g.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{Timeout: 20 * time.Millisecond})
	if !errors.Is(err, upstream.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestCloudGenerator_RequestsJSONForSchema(t *testing.T) {
	var got proxy.CompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{}"}}]}`))
	}))
	defer srv.Close()

	g := NewCloudGenerator(proxy.NewClientWithBaseURL("k", srv.URL), "anthropic/claude-sonnet-4", 0)
	out, err := g.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "summarize"},
	}, Options{Schema: &Schema{Type: "object"}, Temperature: Temp(0)})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "{}" {
		t.Errorf("Generate = %q", out)
	}
	if got.Model != "anthropic/claude-sonnet-4" || len(got.Messages) != 2 || got.Messages[0].Role != RoleSystem {
		t.Errorf("request = %+v", got)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", got.Temperature)
	}
}

func TestCloudGenerator_StatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewCloudGenerator(proxy.NewClientWithBaseURL("k", srv.URL), "m", time.Second)
	if _, err := g.Generate(context.Background(), nil, Options{}); !errors.Is(err, upstream.ErrFailure) {
		t.Errorf("got %v, want ErrFailure", err)
	}
}
