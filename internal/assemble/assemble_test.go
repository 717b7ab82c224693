package assemble_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/notekitchen/queryservice/internal/assemble"
	"github.com/notekitchen/queryservice/pkg/models"
)

func ptr(v int64) *int64 { return &v }

func TestAssembleJoinsCitedReferencesAndDropsMissing(t *testing.T) {
	a := assemble.New(nil)
	candidates := []models.NoteReference{
		{FilePath: "a.md", FileName: "a.md"},
		{FilePath: "b.md", FileName: "b.md"},
	}
	answer := models.AgentAnswer{
		Answer:         "found it",
		CitedFilePaths: []string{"a.md", "missing.md"},
	}

	resp := a.Assemble(context.Background(), "req-1", "where is it", answer, candidates, nil, true)

	if len(resp.RelevantFiles) != 1 || resp.RelevantFiles[0].FilePath != "a.md" {
		t.Errorf("RelevantFiles = %+v, want only a.md (missing.md dropped)", resp.RelevantFiles)
	}
	if resp.GuardrailsTripped == nil {
		t.Error("GuardrailsTripped should be an empty slice, not nil")
	}
}

func TestExtractUsagePrefersAggregatedOverRaw(t *testing.T) {
	aggregated := models.UsageReport{InputTokens: ptr(10)}
	raw := models.UsageReport{InputTokens: ptr(99), OutputTokens: ptr(5)}

	got := assemble.ExtractUsage(aggregated, raw)
	if got.InputTokens == nil || *got.InputTokens != 10 {
		t.Errorf("InputTokens = %v, want aggregated value 10", got.InputTokens)
	}
	if got.OutputTokens == nil || *got.OutputTokens != 5 {
		t.Errorf("OutputTokens = %v, want raw fallback value 5", got.OutputTokens)
	}
}

func TestWriteHeadersOmitsUsageWhenDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	usage := models.UsageReport{InputTokens: ptr(42)}

	assemble.WriteHeaders(rec, "req-1", "gpt-4o-mini", "chat_completions", 2*time.Second, false, usage)

	if rec.Header().Get("X-Input-Tokens") != "" {
		t.Error("X-Input-Tokens should be absent when usage reporting is disabled")
	}
	if rec.Header().Get("X-Request-Id") != "req-1" {
		t.Errorf("X-Request-Id = %q, want req-1", rec.Header().Get("X-Request-Id"))
	}
}

func TestWriteHeadersIncludesKnownUsageFields(t *testing.T) {
	rec := httptest.NewRecorder()
	usage := models.UsageReport{InputTokens: ptr(42)}

	assemble.WriteHeaders(rec, "req-1", "gpt-4o-mini", "chat_completions", 2*time.Second, true, usage)

	if rec.Header().Get("X-Input-Tokens") != "42" {
		t.Errorf("X-Input-Tokens = %q, want 42", rec.Header().Get("X-Input-Tokens"))
	}
	if rec.Header().Get("X-Output-Tokens") != "" {
		t.Error("X-Output-Tokens should be absent when unknown")
	}
}
