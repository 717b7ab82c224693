package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/notekitchen/queryservice/internal/api/handlers"
	"github.com/notekitchen/queryservice/internal/llmclient"
	"github.com/notekitchen/queryservice/internal/mcpclient"
	"github.com/notekitchen/queryservice/internal/queryservice"
	"github.com/notekitchen/queryservice/internal/vectorstore"
)

// fakeLLM answers HealthCheck per its configured error, never used for Chat/Embed.
type fakeLLM struct {
	healthErr error
}

func (f *fakeLLM) Chat(ctx context.Context, req llmclient.ChatRequest) (*llmclient.ChatResult, error) {
	return nil, nil
}
func (f *fakeLLM) Embed(ctx context.Context, texts []string) ([][]float64, error) { return nil, nil }
func (f *fakeLLM) ModelName() string                                              { return "test-model" }
func (f *fakeLLM) APIType() string                                                { return "chat_completions" }
func (f *fakeLLM) HealthCheck(ctx context.Context) error                          { return f.healthErr }

func newHandlersForTest(t *testing.T, llm llmclient.Client, mcpHealthy bool) *handlers.Handlers {
	t.Helper()

	mcpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mcpHealthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(mcpServer.Close)

	store := vectorstore.NewMemoryStore()
	mcp := mcpclient.New(mcpServer.URL, mcpServer.Client())

	deps := &queryservice.Dependencies{LLM: llm, Store: store, MCP: mcp}
	return handlers.New(queryservice.New(deps), deps, "test-model", "chat_completions", true, 5*time.Second)
}

func TestHealthReportsHealthyWhenAllDependenciesAreUp(t *testing.T) {
	h := newHandlersForTest(t, &fakeLLM{}, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want %q", body["status"], "healthy")
	}
}

func TestHealthReportsUnhealthyWhenLLMIsDown(t *testing.T) {
	h := newHandlersForTest(t, &fakeLLM{healthErr: http.ErrServerClosed}, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("status field = %v, want %q", body["status"], "unhealthy")
	}
	checks, ok := body["checks"].(map[string]interface{})
	if !ok {
		t.Fatalf("checks field missing or wrong type: %v", body["checks"])
	}
	if checks["llm"] == "ok" {
		t.Errorf("checks[llm] = %q, want a failure message", checks["llm"])
	}
}

func TestHealthReportsUnhealthyWhenMCPIsDown(t *testing.T) {
	h := newHandlersForTest(t, &fakeLLM{}, false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
