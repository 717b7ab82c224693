// Package models holds the data types shared across the note query pipeline.
package models

import "time"

// Query is a single request-scoped, immutable question about the notes corpus.
type Query struct {
	Text      string
	RequestID string
	APIToken  string
}

// NoteReference is a candidate note surfaced by retrieval, optionally
// enriched with a NotePlan x-callback-url during response assembly.
type NoteReference struct {
	FilePath        string    `json:"file_path"`
	FileName        string    `json:"file_name"`
	ModifiedAt      time.Time `json:"modified_at"`
	SimilarityScore float64   `json:"similarity_score"`
	SizeBytes       int64     `json:"size_bytes"`
	XCallbackURL    string    `json:"xcallback_url,omitempty"`
}

// RetrievalResult is the ordered, deduplicated output of the retrieval stage.
type RetrievalResult struct {
	References        []NoteReference `json:"references"`
	QueryEmbeddingDim int             `json:"query_embedding_dim"`
	CollectionName    string          `json:"collection_name"`
}

// AgentAnswer is the structured output of the synthesis agent.
// CitedFilePaths must be a subset of the candidate references it was given.
type AgentAnswer struct {
	Answer         string   `json:"answer"`
	Reasoning      string   `json:"reasoning"`
	CitedFilePaths []string `json:"cited_file_paths"`
}

// JudgeScore is the output judge's tri-state verdict.
type JudgeScore string

const (
	JudgePass             JudgeScore = "pass"
	JudgeNeedsImprovement JudgeScore = "needs_improvement"
	JudgeFail             JudgeScore = "fail"
)

// JudgeVerdict is the output judge guardrail's evaluation of an AgentAnswer.
type JudgeVerdict struct {
	Score            JudgeScore `json:"score"`
	Feedback         string     `json:"feedback"`
	IntentMatchScore float64    `json:"intent_match_score"`
}

// UsageReport carries token counts that may each independently be unknown.
// A nil field means unknown, never zero.
type UsageReport struct {
	InputTokens  *int64 `json:"input_tokens,omitempty"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`
	TotalTokens  *int64 `json:"total_tokens,omitempty"`
}

// Add merges usage counters from a later call on top of an earlier one.
// Unknown fields on either side stay unknown only if both sides are unknown.
func (u UsageReport) Add(other UsageReport) UsageReport {
	return UsageReport{
		InputTokens:  addPtr(u.InputTokens, other.InputTokens),
		OutputTokens: addPtr(u.OutputTokens, other.OutputTokens),
		TotalTokens:  addPtr(u.TotalTokens, other.TotalTokens),
	}
}

func addPtr(a, b *int64) *int64 {
	if a == nil && b == nil {
		return nil
	}
	var sum int64
	if a != nil {
		sum += *a
	}
	if b != nil {
		sum += *b
	}
	return &sum
}

// GuardrailIdentifier names a guardrail that tripped.
type GuardrailIdentifier string

const (
	GuardrailDescribesNoteQuery  GuardrailIdentifier = "describes_note_query"
	GuardrailJudgesAnswerQuality GuardrailIdentifier = "judges_answer_quality"
)

// NoteQueryResponse is the HTTP response body for POST /api/v1/notes/query.
type NoteQueryResponse struct {
	RequestID         string                `json:"request_id"`
	Answer            string                `json:"answer"`
	Reasoning         string                `json:"reasoning"`
	RelevantFiles     []NoteReference       `json:"relevant_files"`
	OriginalQuery     string                `json:"original_query"`
	QueryAnswered     bool                  `json:"query_answered"`
	GuardrailsTripped []GuardrailIdentifier `json:"guardrails_tripped"`
}

// ToolCallRecord traces a single MCP tool invocation made during synthesis.
type ToolCallRecord struct {
	Name      string        `json:"name"`
	Input     string        `json:"input"`
	Output    string        `json:"output"`
	Err       string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
