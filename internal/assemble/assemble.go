// Package assemble implements C11: joining the synthesis agent's citations
// back to full NoteReference records, best-effort concurrent x-callback-url
// enrichment, usage-report extraction, and response header assembly.
// Grounded on the teacher's internal/workflow/engine.go concurrent
// step-execution idiom (sync.WaitGroup plus a mutex-guarded shared slice),
// bounded here by a fixed-size semaphore channel per §5's "short timeout,
// concurrent, order-preserved" requirement for MCP enrichment.
package assemble

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/notekitchen/queryservice/internal/mcpclient"
	"github.com/notekitchen/queryservice/pkg/models"
)

// mcpFanoutLimit bounds how many concurrent DeriveXCallbackURL calls run
// during response assembly.
const mcpFanoutLimit = 4

// Assembler is C11.
type Assembler struct {
	mcp *mcpclient.Client
}

// New constructs the assembler. mcp may be nil, in which case no
// xcallback_url enrichment is attempted.
func New(mcp *mcpclient.Client) *Assembler {
	return &Assembler{mcp: mcp}
}

// Assemble builds the final NoteQueryResponse from the synthesis answer
// and the retrieval candidates it was drawn from.
func (a *Assembler) Assemble(ctx context.Context, requestID, originalQuery string, answer models.AgentAnswer, candidates []models.NoteReference, tripped []models.GuardrailIdentifier, queryAnswered bool) models.NoteQueryResponse {
	byPath := make(map[string]models.NoteReference, len(candidates))
	for _, c := range candidates {
		byPath[c.FilePath] = c
	}

	cited := make([]models.NoteReference, 0, len(answer.CitedFilePaths))
	for _, path := range answer.CitedFilePaths {
		ref, ok := byPath[path]
		if !ok {
			// Missing join: the agent cited a path that didn't survive to
			// this stage. Dropped per §4.10; subset validation in
			// synthesis already guards against this in the normal path.
			continue
		}
		cited = append(cited, ref)
	}

	a.enrichWithXCallbackURLs(ctx, cited)

	if tripped == nil {
		tripped = []models.GuardrailIdentifier{}
	}

	return models.NoteQueryResponse{
		RequestID:         requestID,
		Answer:            answer.Answer,
		Reasoning:         answer.Reasoning,
		RelevantFiles:     cited,
		OriginalQuery:     originalQuery,
		QueryAnswered:     queryAnswered,
		GuardrailsTripped: tripped,
	}
}

// enrichWithXCallbackURLs fetches each reference's xcallback_url
// concurrently, bounded by mcpFanoutLimit, in place. A per-reference
// failure leaves XCallbackURL empty and does not fail the request (§4.5,
// §4.11: MCP failure per reference is non-fatal).
func (a *Assembler) enrichWithXCallbackURLs(ctx context.Context, refs []models.NoteReference) {
	if a.mcp == nil || len(refs) == 0 {
		return
	}

	sem := make(chan struct{}, mcpFanoutLimit)
	var wg sync.WaitGroup

	for i := range refs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			url, err := a.mcp.DeriveXCallbackURL(ctx, refs[i].FilePath)
			if err != nil {
				return
			}
			refs[i].XCallbackURL = url
		}(i)
	}

	wg.Wait()
}

// ExtractUsage picks the first non-empty usage counters it finds, trying
// the aggregated context usage first, then the raw-response usage, per
// §4.10's priority chain. Each field is independent.
func ExtractUsage(aggregated, lastRaw models.UsageReport) models.UsageReport {
	return models.UsageReport{
		InputTokens:  firstKnown(aggregated.InputTokens, lastRaw.InputTokens),
		OutputTokens: firstKnown(aggregated.OutputTokens, lastRaw.OutputTokens),
		TotalTokens:  firstKnown(aggregated.TotalTokens, lastRaw.TotalTokens),
	}
}

func firstKnown(a, b *int64) *int64 {
	if a != nil {
		return a
	}
	return b
}

// WriteHeaders sets the response headers §4.10 names. Usage headers are
// written only when usageReportingEnabled and the corresponding field is
// known.
func WriteHeaders(w http.ResponseWriter, requestID, modelName, apiType string, generationTime time.Duration, usageReportingEnabled bool, usage models.UsageReport) {
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("X-Model-Name", modelName)
	w.Header().Set("X-Api-Type", apiType)
	w.Header().Set("X-Generation-Time-Seconds", strconv.FormatFloat(generationTime.Seconds(), 'f', 3, 64))

	if !usageReportingEnabled {
		return
	}
	if usage.InputTokens != nil {
		w.Header().Set("X-Input-Tokens", strconv.FormatInt(*usage.InputTokens, 10))
	}
	if usage.OutputTokens != nil {
		w.Header().Set("X-Output-Tokens", strconv.FormatInt(*usage.OutputTokens, 10))
	}
	if usage.TotalTokens != nil {
		w.Header().Set("X-Total-Tokens", strconv.FormatInt(*usage.TotalTokens, 10))
	}
}
