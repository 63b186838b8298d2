package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ollamaServer(t *testing.T, names ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		models := make([]map[string]string, 0, len(names))
		for _, n := range names {
			models = append(models, map[string]string{"name": n, "model": n})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeOllama_ModelPresent(t *testing.T) {
	srv := ollamaServer(t, "deepseek-coder:6.7b", "llama3:latest")
	if err := ProbeOllama(context.Background(), srv.URL+"/v1/", "ollama/deepseek-coder:6.7b"); err != nil {
		t.Fatalf("expected model found, got %v", err)
	}
	if err := ProbeOllama(context.Background(), srv.URL, "llama3"); err != nil {
		t.Fatalf("expected :latest tag to match bare name, got %v", err)
	}
}

func TestProbeOllama_ModelMissing(t *testing.T) {
	srv := ollamaServer(t, "llama3:latest")
	if err := ProbeOllama(context.Background(), srv.URL, "qwen2.5"); err == nil {
		t.Fatal("expected missing model error")
	}
}

func TestProbeOllama_Unreachable(t *testing.T) {
	if err := ProbeOllama(context.Background(), "http://127.0.0.1:1", "any"); err == nil {
		t.Fatal("expected error when server unreachable")
	}
}
