package queryservice

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/notekitchen/queryservice/pkg/models"
)

// Service is C12: it orchestrates C7→C8→C9→C10→C11 over a single query,
// translating per-stage failures into the outcome taxonomy §4.11 defines.
// It holds only a Dependencies reference; no per-request state survives
// between calls to Answer.
type Service struct {
	deps *Dependencies
}

// New constructs the query service.
func New(deps *Dependencies) *Service {
	return &Service{deps: deps}
}

// Outcome is the result of running the state machine to completion. It is
// always a successful value from the HTTP handler's point of view except
// when Err is set, which corresponds to a 503-equivalent structured error
// per §4.11 (RETRIEVE or SYNTHESIZE stage failures).
type Outcome struct {
	Response       models.NoteQueryResponse
	Usage          models.UsageReport
	GenerationTime time.Duration
	Err            error
}

// Answer runs AUTH→...→DONE for a single query. AUTH itself is handled by
// the HTTP middleware layer (§4.11); Answer begins at GUARDRAIL_IN. Each
// stage is bounded by its own context deadline drawn from Settings.Timeouts
// (§5): a breach surfaces as the stage's own native error (LLMError,
// EmbeddingError, VectorStoreError, AgentOutputError), not a special
// timeout case, since the underlying HTTP clients already translate a
// cancelled context into their usual error path.
func (s *Service) Answer(ctx context.Context, query models.Query) Outcome {
	start := now()
	timeouts := s.deps.Settings.Timeouts

	guardrailInCtx, cancel := context.WithTimeout(ctx, timeouts.LLMChat)
	verdict, err := s.deps.InputGuardrail.Evaluate(guardrailInCtx, query.Text)
	cancel()
	if err != nil {
		// GUARDRAIL_IN transient failure is treated as a reject (fail
		// closed), per §4.6/§4.11.
		log.Warn().Err(err).Str("request_id", query.RequestID).Msg("input guardrail call failed; failing closed")
		return rejectOutcome(query, "transient classifier failure", start)
	}
	if verdict.Tripped {
		return rejectOutcome(query, verdict.Reason, start)
	}

	retrieveCtx, cancel := context.WithTimeout(ctx, timeouts.Embedding+timeouts.VectorSearch)
	retrievalResult, err := s.deps.Retrieval.Retrieve(retrieveCtx, query.Text)
	cancel()
	if err != nil {
		return Outcome{Err: err, GenerationTime: time.Since(start)}
	}

	synthesizeCtx, cancel := context.WithTimeout(ctx, timeouts.LLMChat)
	answer, usage, err := s.deps.Synthesis.Synthesize(synthesizeCtx, query.Text, retrievalResult.References)
	cancel()
	if err != nil {
		// Both AgentOutputError (citation/schema violation) and LLMError
		// reach the handler as a structured error response per §4.11.
		return Outcome{Err: err, GenerationTime: time.Since(start)}
	}

	guardrailOutCtx, cancel := context.WithTimeout(ctx, timeouts.LLMChat)
	judgeVerdict, err := s.deps.OutputJudge.Evaluate(guardrailOutCtx, query.Text, answer)
	cancel()
	if err != nil {
		// OutputJudge.Evaluate already fails open on transient errors
		// internally; a non-nil error here means a non-transient failure,
		// which still must not block returning an otherwise-good answer.
		log.Warn().Err(err).Str("request_id", query.RequestID).Msg("output judge call failed; proceeding without judgement")
		judgeVerdict = models.JudgeVerdict{Score: models.JudgePass}
	}

	assembleCtx, cancel := context.WithTimeout(ctx, timeouts.MCPTool)
	defer cancel()

	if judgeVerdict.Score == models.JudgeFail {
		resp := s.deps.Assembler.Assemble(assembleCtx, query.RequestID, query.Text, answer, retrievalResult.References,
			[]models.GuardrailIdentifier{models.GuardrailJudgesAnswerQuality}, false)
		resp.Reasoning = judgeVerdict.Feedback
		return Outcome{Response: resp, Usage: usage, GenerationTime: time.Since(start)}
	}

	resp := s.deps.Assembler.Assemble(assembleCtx, query.RequestID, query.Text, answer, retrievalResult.References, nil, true)
	return Outcome{Response: resp, Usage: usage, GenerationTime: time.Since(start)}
}

func rejectOutcome(query models.Query, reason string, start time.Time) Outcome {
	return Outcome{
		Response: models.NoteQueryResponse{
			RequestID:         query.RequestID,
			Reasoning:         reason,
			OriginalQuery:     query.Text,
			QueryAnswered:     false,
			RelevantFiles:     []models.NoteReference{},
			GuardrailsTripped: []models.GuardrailIdentifier{models.GuardrailDescribesNoteQuery},
		},
		GenerationTime: time.Since(start),
	}
}
