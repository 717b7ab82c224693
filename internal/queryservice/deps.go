// Package queryservice implements C2 (the Dependencies container) and C12
// (the query service state machine). Grounded on the teacher's
// pkg/server/server.go buildServer(): every client manager is constructed
// eagerly, in one place, and handed down by reference — no lazy init, no
// package-level singletons (§4.1, §9).
package queryservice

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/notekitchen/queryservice/internal/assemble"
	"github.com/notekitchen/queryservice/internal/config"
	"github.com/notekitchen/queryservice/internal/guardrails"
	"github.com/notekitchen/queryservice/internal/llmclient"
	"github.com/notekitchen/queryservice/internal/mcpclient"
	"github.com/notekitchen/queryservice/internal/retrieval"
	"github.com/notekitchen/queryservice/internal/synthesis"
	"github.com/notekitchen/queryservice/internal/vectorstore"
)

// Dependencies owns one instance each of the client managers the pipeline
// needs. It is constructed once, at process startup, and is never
// globally reachable; callers hold an explicit reference to it.
type Dependencies struct {
	Settings *config.Settings

	LLM   llmclient.Client
	Store vectorstore.Store
	MCP   *mcpclient.Client

	InputGuardrail *guardrails.InputGuardrail
	OutputJudge    *guardrails.OutputJudge
	Retrieval      *retrieval.Stage
	Synthesis      *synthesis.Agent
	Assembler      *assemble.Assembler
}

// Build eagerly constructs every client manager from Settings. The
// collection bootstrap (EnsureCollection) is a startup-time side effect,
// same as the teacher's pgvector/embedded store registration.
func Build(ctx context.Context, settings *config.Settings, customCondition *guardrails.CustomCondition) (*Dependencies, error) {
	llm := llmclient.New(settings)
	log.Info().Str("model", settings.CompletionModel).Msg("llm client initialized")

	store := vectorstore.NewQdrantStore(settings.QdrantURL, &http.Client{Timeout: settings.Timeouts.VectorSearch})
	dim := settings.EmbeddingDimension()
	if err := store.EnsureCollection(ctx, settings.CollectionName, dim); err != nil {
		return nil, err
	}
	log.Info().Str("collection", settings.CollectionName).Int("dim", dim).Msg("vector store collection ready")

	mcp := mcpclient.New(settings.MCPURL, &http.Client{Timeout: settings.Timeouts.MCPTool})
	log.Info().Str("tool", mcp.ToolName()).Msg("mcp client initialized")

	deps := &Dependencies{
		Settings:       settings,
		LLM:            llm,
		Store:          store,
		MCP:            mcp,
		InputGuardrail: guardrails.NewInputGuardrail(llm, customCondition),
		OutputJudge:    guardrails.NewOutputJudge(llm),
		Retrieval:      retrieval.New(llm, store, settings),
		Synthesis:      synthesis.New(llm, mcp, settings),
		Assembler:      assemble.New(mcp),
	}

	return deps, nil
}

// now is a seam for timing the request handler; queryservice never calls
// time.Now() directly outside this function, matching the service's own
// no-package-level-state discipline.
func now() time.Time { return time.Now() }
