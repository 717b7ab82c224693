package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUsesResponsesAPI(t *testing.T) {
	s := &Settings{CompletionModel: "gpt-4o-responses", ResponsesAPIMatch: "responses"}
	if !s.UsesResponsesAPI() {
		t.Fatalf("expected responses API for model %q matching %q", s.CompletionModel, s.ResponsesAPIMatch)
	}

	s2 := &Settings{CompletionModel: "gpt-4o-mini", ResponsesAPIMatch: "responses"}
	if s2.UsesResponsesAPI() {
		t.Fatalf("did not expect responses API for model %q", s2.CompletionModel)
	}

	s3 := &Settings{CompletionModel: "anything", ResponsesAPIMatch: ""}
	if s3.UsesResponsesAPI() {
		t.Fatalf("empty ResponsesAPIMatch should never select the responses path")
	}
}

func TestEmbeddingDimension(t *testing.T) {
	s := &Settings{
		EmbeddingModel: "text-embedding-3-small",
		EmbeddingDims:  map[string]int{"text-embedding-3-small": 1536},
	}
	if got := s.EmbeddingDimension(); got != 1536 {
		t.Fatalf("EmbeddingDimension() = %d, want 1536", got)
	}

	unconfigured := &Settings{EmbeddingModel: "unknown-model", EmbeddingDims: map[string]int{}}
	if got := unconfigured.EmbeddingDimension(); got != 0 {
		t.Fatalf("EmbeddingDimension() for unconfigured model = %d, want 0", got)
	}
}

func TestSecretStringPriorityPrefersFileOverEnv(t *testing.T) {
	dir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(".secrets", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(".secrets", "api_token"), []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_API_TOKEN", "from-env")

	got, err := secretString("TEST_API_TOKEN", "api_token", secretOpts{Required: true})
	if err != nil {
		t.Fatalf("secretString: %v", err)
	}
	if got != "from-file" {
		t.Fatalf("secretString() = %q, want %q (local file should win over env var)", got, "from-file")
	}
}

func TestSecretStringFallsBackToEnvThenDevFallback(t *testing.T) {
	dir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TEST_API_TOKEN", "from-env")
	got, err := secretString("TEST_API_TOKEN", "api_token", secretOpts{Required: true})
	if err != nil {
		t.Fatalf("secretString: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("secretString() = %q, want %q", got, "from-env")
	}

	os.Unsetenv("TEST_API_TOKEN")
	if _, err := secretString("TEST_API_TOKEN", "api_token", secretOpts{Required: true}); err == nil {
		t.Fatal("expected ConfigError when no source yields a value and dev fallback disallowed")
	}

	got, err = secretString("TEST_API_TOKEN", "api_token", secretOpts{
		Required: true, AllowDevFallback: true, DevFallback: "sk-dev-fallback-token",
	})
	if err != nil {
		t.Fatalf("secretString with dev fallback: %v", err)
	}
	if got != "sk-dev-fallback-token" {
		t.Fatalf("secretString() = %q, want dev fallback", got)
	}
}

func TestLoadFailsWithoutAPIToken(t *testing.T) {
	dir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	os.Unsetenv("AGENTOVEN_API_TOKEN")
	os.Unsetenv("QUERYSERVICE_ALLOW_DEV_TOKEN")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load to fail when no API token source is configured")
	}
}
