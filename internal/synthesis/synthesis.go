// Package synthesis implements C9: the synthesis agent that turns a
// query plus candidate note references into a cited AgentAnswer, binding
// C6's single MCP tool and enforcing the citation-subset invariant with
// one corrective retry. Grounded on the teacher's internal/rag/pipeline.go
// prompt-construction idiom and internal/mcpgw/gateway.go's tool-call
// fold-into-context loop, reshaped around llmclient's bounded tool loop
// rather than a hand-rolled one.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/notekitchen/queryservice/internal/apperrors"
	"github.com/notekitchen/queryservice/internal/config"
	"github.com/notekitchen/queryservice/internal/llmclient"
	"github.com/notekitchen/queryservice/internal/mcpclient"
	"github.com/notekitchen/queryservice/pkg/models"
)

// Agent is C9. It is constructed once and is safe for concurrent use
// across requests, since it holds no per-request state.
type Agent struct {
	llm      llmclient.Client
	mcp      *mcpclient.Client
	settings *config.Settings
}

// New constructs the synthesis agent.
func New(llm llmclient.Client, mcp *mcpclient.Client, settings *config.Settings) *Agent {
	return &Agent{llm: llm, mcp: mcp, settings: settings}
}

const systemPromptTemplate = `You are a research assistant answering questions about a user's personal Markdown notes (a NotePlan corpus).

Rules:
- You may cite only files from the candidate list below. Never invent a file path.
- If the candidate list is empty, or none of the candidates are relevant, say so explicitly instead of fabricating an answer.
- You may call the derive_xcallback_url_from_noteplan_file tool to resolve a NotePlan deep link for any candidate file path, zero or more times.
- Respond only with the requested JSON object: {"answer": string, "reasoning": string, "cited_file_paths": [string]}.

Candidate files:
%s`

// Synthesize runs the synthesis agent against the query text and the
// candidate references retrieval surfaced. Per §4.8, a citation-subset
// violation triggers one corrective retry; a second violation is reported
// as AgentOutputError.
func (a *Agent) Synthesize(ctx context.Context, queryText string, candidates []models.NoteReference) (models.AgentAnswer, models.UsageReport, error) {
	allowed := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		allowed[c.FilePath] = true
	}

	systemPrompt := fmt.Sprintf(systemPromptTemplate, describeCandidates(candidates))
	messages := []llmclient.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: queryText},
	}

	tools := a.toolBindings()
	schema := answerSchema()

	answer, usage, err := a.attempt(ctx, messages, tools, schema)
	if err != nil {
		return models.AgentAnswer{}, usage, err
	}

	if violation := subsetViolation(answer, allowed); violation != "" {
		correctiveMessages := append(messages, llmclient.Message{
			Role:    "user",
			Content: fmt.Sprintf("Your previous answer cited %q, which is not in the candidate list. Respond again, citing only files from the candidate list.", violation),
		})
		retryAnswer, retryUsage, err := a.attempt(ctx, correctiveMessages, tools, schema)
		usage = usage.Add(retryUsage)
		if err != nil {
			return models.AgentAnswer{}, usage, err
		}
		if second := subsetViolation(retryAnswer, allowed); second != "" {
			return models.AgentAnswer{}, usage, &apperrors.AgentOutputError{Msg: "synthesis cited a file outside the candidate set after one corrective retry: " + second}
		}
		answer = retryAnswer
	}

	if strings.TrimSpace(answer.Answer) == "" {
		return models.AgentAnswer{}, usage, &apperrors.AgentOutputError{Msg: "synthesis returned an empty answer"}
	}

	return answer, usage, nil
}

func (a *Agent) attempt(ctx context.Context, messages []llmclient.Message, tools []llmclient.Tool, schema map[string]interface{}) (models.AgentAnswer, models.UsageReport, error) {
	maxRounds := a.settings.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 8
	}

	result, err := a.llm.Chat(ctx, llmclient.ChatRequest{
		Messages:       messages,
		Tools:          tools,
		ResponseSchema: schema,
		MaxToolRounds:  maxRounds,
	})
	if err != nil {
		return models.AgentAnswer{}, models.UsageReport{}, err
	}

	if result.Raw == nil {
		return models.AgentAnswer{}, result.Usage, &apperrors.AgentOutputError{Msg: "synthesis returned no structured output"}
	}

	var answer models.AgentAnswer
	if err := json.Unmarshal(result.Raw, &answer); err == nil {
		return answer, result.Usage, nil
	}

	// §4.4: a structured-output parse failure gets one corrective retry,
	// appending an instruction to return only valid JSON, before this
	// raises AgentOutputError.
	retryMessages := append(append([]llmclient.Message{}, messages...), llmclient.Message{
		Role:    "user",
		Content: "Your previous response did not parse as valid JSON. Return only valid JSON matching the requested schema.",
	})
	retryResult, err := a.llm.Chat(ctx, llmclient.ChatRequest{
		Messages:       retryMessages,
		Tools:          tools,
		ResponseSchema: schema,
		MaxToolRounds:  maxRounds,
	})
	usage := result.Usage
	if err != nil {
		return models.AgentAnswer{}, usage, err
	}
	usage = usage.Add(retryResult.Usage)

	if retryResult.Raw == nil {
		return models.AgentAnswer{}, usage, &apperrors.AgentOutputError{Msg: "synthesis returned no structured output after one corrective retry"}
	}
	if err := json.Unmarshal(retryResult.Raw, &answer); err != nil {
		return models.AgentAnswer{}, usage, &apperrors.AgentOutputError{Msg: "synthesis output did not parse after one corrective retry: " + err.Error()}
	}
	return answer, usage, nil
}

func (a *Agent) toolBindings() []llmclient.Tool {
	if a.mcp == nil {
		return nil
	}
	return []llmclient.Tool{
		{
			Name:        a.mcp.ToolName(),
			Description: "Resolve a NotePlan x-callback-url deep link for a note file path.",
			InputSchema: mcpclient.InputSchema(),
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				var args struct {
					FilePath string `json:"file_path"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("decode tool arguments: %w", err)
				}
				url, err := a.mcp.DeriveXCallbackURL(ctx, args.FilePath)
				if err != nil {
					return "", err
				}
				return url, nil
			},
		},
	}
}

// describeCandidates renders the compact representation §4.8 requires:
// file name, path, modified timestamp, similarity score — never raw file
// content.
func describeCandidates(candidates []models.NoteReference) string {
	if len(candidates) == 0 {
		return "(none — no candidate notes were retrieved for this query)"
	}
	lines := make([]string, 0, len(candidates))
	for _, c := range candidates {
		lines = append(lines, fmt.Sprintf("- %s (path: %s, modified: %s, similarity: %.3f)",
			c.FileName, c.FilePath, c.ModifiedAt.Format("2006-01-02"), c.SimilarityScore))
	}
	return strings.Join(lines, "\n")
}

// subsetViolation returns the lexicographically smallest cited file path
// not present in the candidate set, or "" if cited_file_paths is a subset.
func subsetViolation(answer models.AgentAnswer, allowed map[string]bool) string {
	violations := make([]string, 0)
	for _, path := range answer.CitedFilePaths {
		if !allowed[path] {
			violations = append(violations, path)
		}
	}
	if len(violations) == 0 {
		return ""
	}
	sort.Strings(violations)
	return violations[0]
}

func answerSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"answer":           map[string]interface{}{"type": "string"},
			"reasoning":        map[string]interface{}{"type": "string"},
			"cited_file_paths": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"answer", "reasoning", "cited_file_paths"},
	}
}
