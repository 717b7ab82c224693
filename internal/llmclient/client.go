// Package llmclient implements C3 (embedding client) and C5 (LLM/agent
// client) from the note query pipeline: HTTP calls against an
// OpenAI-compatible proxy (LiteLLM or equivalent), abstracting the
// chat-completions and responses protocols behind one interface. Grounded
// on the teacher's internal/router/router.go callOpenAI/callAnthropic
// request shapes and internal/embeddings/openai.go's embedding client.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/notekitchen/queryservice/internal/apperrors"
	"github.com/notekitchen/queryservice/internal/config"
	"github.com/notekitchen/queryservice/pkg/models"
)

// Tool is a callable function the model may invoke during generation.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     func(ctx context.Context, input json.RawMessage) (string, error)
}

// Message is a single turn in the conversation sent to the model.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

// ChatRequest configures one synthesis or classification call.
type ChatRequest struct {
	Messages       []Message
	Tools          []Tool
	ResponseSchema map[string]interface{}
	MaxToolRounds  int // 0 means "no tool loop, single shot"
}

// ChatResult is what every chat path returns once the model stops calling
// tools: the raw structured-output text (caller-defined schema — C9
// decodes an AgentAnswer from it, guardrails decode their own verdict
// shapes), usage counters, and a trace of any tool calls made along the
// way.
type ChatResult struct {
	Raw       json.RawMessage
	Usage     models.UsageReport
	ToolTrace []models.ToolCallRecord
}

// Client is C5's abstraction over the two proxy protocols plus C3's
// embedding operation.
type Client interface {
	// Chat runs one structured-output completion, including any bounded
	// tool-call loop the request configures.
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)

	// Embed produces fixed-dimension vectors for a batch of texts (C3).
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// ModelName returns the completion model in use, for response headers.
	ModelName() string

	// APIType returns "chat_completions" or "responses", for response headers.
	APIType() string

	// HealthCheck reports whether the proxy is reachable, for /health.
	HealthCheck(ctx context.Context) error
}

// proxyClient is the concrete Client talking to an OpenAI-compatible proxy.
type proxyClient struct {
	settings *config.Settings
	http     *http.Client
}

// New constructs the LLM/agent + embedding client from Settings.
func New(settings *config.Settings) Client {
	return &proxyClient{
		settings: settings,
		http:     &http.Client{Timeout: settings.Timeouts.LLMChat},
	}
}

func (c *proxyClient) ModelName() string { return c.settings.CompletionModel }

func (c *proxyClient) APIType() string {
	if c.settings.UsesResponsesAPI() {
		return "responses"
	}
	return "chat_completions"
}

// HealthCheck pings the proxy's model listing endpoint, the same
// lightweight liveness probe the teacher's LiteLLMDriver health check uses.
func (c *proxyClient) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.ProxyBaseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.settings.APIToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &apperrors.LLMError{Kind: apperrors.LLMConnection, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apperrors.LLMError{Kind: apperrors.LLMOther, Err: fmt.Errorf("health status %d", resp.StatusCode)}
	}
	return nil
}

// Chat dispatches to the responses path or the chat-completions path per
// the pure selector in Settings.UsesResponsesAPI (§4.4, §9).
func (c *proxyClient) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if c.settings.UsesResponsesAPI() {
		return c.chatResponses(ctx, req)
	}
	return c.chatCompletions(ctx, req)
}

// ── Chat-completions path ───────────────────────────────────

type ccMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []ccToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

type ccToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type ccTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

type ccRequest struct {
	Model          string            `json:"model"`
	Messages       []ccMessage       `json:"messages"`
	Tools          []ccTool          `json:"tools,omitempty"`
	ToolChoice     string            `json:"tool_choice,omitempty"`
	ResponseFormat *ccResponseFormat `json:"response_format,omitempty"`
}

type ccResponseFormat struct {
	Type       string                 `json:"type"`
	JSONSchema map[string]interface{} `json:"json_schema,omitempty"`
}

type ccChoice struct {
	Message      ccMessage `json:"message"`
	FinishReason string    `json:"finish_reason"`
}

type ccUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens"`
	CompletionTokens *int64 `json:"completion_tokens"`
	TotalTokens      *int64 `json:"total_tokens"`
}

type ccResponse struct {
	Choices []ccChoice `json:"choices"`
	Usage   *ccUsage   `json:"usage"`
	Error   *ccError   `json:"error,omitempty"`
}

type ccError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (c *proxyClient) chatCompletions(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	messages := toCCMessages(req.Messages)
	tools := toCCTools(req.Tools)
	maxRounds := req.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	result := &ChatResult{}
	toolsByName := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		toolsByName[t.Name] = t
	}

	for round := 0; round < maxRounds; round++ {
		body := ccRequest{
			Model:    c.settings.CompletionModel,
			Messages: messages,
			Tools:    tools,
		}
		if req.ResponseSchema != nil {
			body.ResponseFormat = &ccResponseFormat{Type: "json_schema", JSONSchema: req.ResponseSchema}
		}

		_, resp, err := c.postJSON(ctx, "/v1/chat/completions", body)
		if err != nil {
			return nil, err
		}
		result.Usage = result.Usage.Add(usageFromCC(resp.Usage))

		if len(resp.Choices) == 0 {
			return nil, &apperrors.LLMError{Kind: apperrors.LLMOther, Err: fmt.Errorf("empty choices in response")}
		}
		choice := resp.Choices[0]

		if len(choice.Message.ToolCalls) == 0 {
			if choice.Message.Content == "" {
				return nil, &apperrors.AgentOutputError{Msg: "model returned an empty structured-output message"}
			}
			result.Raw = json.RawMessage(choice.Message.Content)
			return result, nil
		}

		// Fold the assistant's tool-call turn and each tool result into context.
		messages = append(messages, choice.Message)
		for _, tc := range choice.Message.ToolCalls {
			tool, ok := toolsByName[tc.Function.Name]
			record := models.ToolCallRecord{Name: tc.Function.Name, Input: tc.Function.Arguments, StartedAt: nowOrZero()}
			var output string
			if !ok {
				output = fmt.Sprintf(`{"error":"unknown tool %s"}`, tc.Function.Name)
				record.Err = "unknown tool"
			} else {
				out, err := tool.Handler(ctx, json.RawMessage(tc.Function.Arguments))
				if err != nil {
					output = fmt.Sprintf(`{"error":%q}`, err.Error())
					record.Err = err.Error()
				} else {
					output = out
				}
			}
			record.Output = output
			result.ToolTrace = append(result.ToolTrace, record)
			messages = append(messages, ccMessage{Role: "tool", ToolCallID: tc.ID, Name: tc.Function.Name, Content: output})
		}
	}

	if result.Raw != nil {
		return result, nil
	}
	return nil, &apperrors.AgentOutputError{Msg: "tool-call budget exhausted with no structured output available"}
}

// ── Responses path ───────────────────────────────────────────
//
// The responses API natively binds tools and returns an array of typed
// output items (messages and function calls) instead of a choices array; this mirrors the LiteLLM-fronted endpoint
// conventions the teacher's LiteLLMDriver forwards to.

type respInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respRequest struct {
	Model      string                 `json:"model"`
	Input      []respInput            `json:"input"`
	Tools      []ccTool               `json:"tools,omitempty"`
	TextFormat map[string]interface{} `json:"text,omitempty"`
}

type respOutputItem struct {
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
}

type respResponse struct {
	Output []respOutputItem `json:"output"`
	Usage  *ccUsage         `json:"usage"`
	Error  *ccError         `json:"error,omitempty"`
}

func (c *proxyClient) chatResponses(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	inputs := make([]respInput, 0, len(req.Messages))
	for _, m := range req.Messages {
		inputs = append(inputs, respInput{Role: m.Role, Content: m.Content})
	}
	tools := toCCTools(req.Tools)
	maxRounds := req.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	result := &ChatResult{}
	toolsByName := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		toolsByName[t.Name] = t
	}

	var textFormat map[string]interface{}
	if req.ResponseSchema != nil {
		textFormat = map[string]interface{}{"format": map[string]interface{}{"type": "json_schema", "schema": req.ResponseSchema}}
	}

	for round := 0; round < maxRounds; round++ {
		body := respRequest{Model: c.settings.CompletionModel, Input: inputs, Tools: tools, TextFormat: textFormat}
		_, resp, err := c.postJSONResponses(ctx, body)
		if err != nil {
			return nil, err
		}
		result.Usage = result.Usage.Add(usageFromCC(resp.Usage))

		var text string
		var toolCalls []respOutputItem
		for _, item := range resp.Output {
			switch item.Type {
			case "message":
				for _, c := range item.Content {
					text += c.Text
				}
			case "function_call":
				toolCalls = append(toolCalls, item)
			}
		}

		if len(toolCalls) == 0 {
			if text == "" {
				return nil, &apperrors.AgentOutputError{Msg: "model returned an empty structured-output message"}
			}
			result.Raw = json.RawMessage(text)
			return result, nil
		}

		inputs = append(inputs, respInput{Role: "assistant", Content: text})
		for _, tc := range toolCalls {
			tool, ok := toolsByName[tc.Name]
			record := models.ToolCallRecord{Name: tc.Name, Input: tc.Arguments, StartedAt: nowOrZero()}
			var output string
			if !ok {
				output = fmt.Sprintf(`{"error":"unknown tool %s"}`, tc.Name)
				record.Err = "unknown tool"
			} else {
				out, err := tool.Handler(ctx, json.RawMessage(tc.Arguments))
				if err != nil {
					output = fmt.Sprintf(`{"error":%q}`, err.Error())
					record.Err = err.Error()
				} else {
					output = out
				}
			}
			record.Output = output
			result.ToolTrace = append(result.ToolTrace, record)
			inputs = append(inputs, respInput{Role: "tool", Content: output})
		}
	}

	if result.Raw != nil {
		return result, nil
	}
	return nil, &apperrors.AgentOutputError{Msg: "tool-call budget exhausted with no structured output available"}
}

// ── Shared HTTP plumbing ─────────────────────────────────────

func (c *proxyClient) postJSON(ctx context.Context, path string, body ccRequest) (json.RawMessage, *ccResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal chat request: %w", err)
	}
	raw, status, respBody, err := c.doPost(ctx, path, payload)
	if err != nil {
		return nil, nil, err
	}
	var resp ccResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nil, &apperrors.LLMError{Kind: apperrors.LLMOther, Err: fmt.Errorf("decode chat response: %w", err)}
	}
	if status != http.StatusOK || resp.Error != nil {
		return nil, nil, llmErrorFromStatus(status, resp.Error)
	}
	return raw, &resp, nil
}

func (c *proxyClient) postJSONResponses(ctx context.Context, body respRequest) (json.RawMessage, *respResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal responses request: %w", err)
	}
	raw, status, respBody, err := c.doPost(ctx, "/v1/responses", payload)
	if err != nil {
		return nil, nil, err
	}
	var resp respResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nil, &apperrors.LLMError{Kind: apperrors.LLMOther, Err: fmt.Errorf("decode responses payload: %w", err)}
	}
	if status != http.StatusOK || resp.Error != nil {
		return nil, nil, llmErrorFromStatus(status, resp.Error)
	}
	return raw, &resp, nil
}

func (c *proxyClient) doPost(ctx context.Context, path string, payload []byte) (json.RawMessage, int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.ProxyBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.settings.APIToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, nil, &apperrors.LLMError{Kind: apperrors.LLMConnection, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, &apperrors.LLMError{Kind: apperrors.LLMOther, Err: fmt.Errorf("read response: %w", err)}
	}
	return json.RawMessage(respBody), resp.StatusCode, respBody, nil
}

func llmErrorFromStatus(status int, apiErr *ccError) *apperrors.LLMError {
	kind := apperrors.LLMOther
	switch {
	case status == http.StatusTooManyRequests:
		kind = apperrors.LLMRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = apperrors.LLMAuth
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		kind = apperrors.LLMTimeout
	case status >= 500:
		kind = apperrors.LLMConnection
	}
	msg := fmt.Sprintf("proxy returned status %d", status)
	if apiErr != nil && apiErr.Message != "" {
		msg = apiErr.Message
	}
	return &apperrors.LLMError{Kind: kind, Err: fmt.Errorf("%s", msg)}
}

func usageFromCC(u *ccUsage) models.UsageReport {
	if u == nil {
		return models.UsageReport{}
	}
	return models.UsageReport{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

func toCCMessages(msgs []Message) []ccMessage {
	out := make([]ccMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ccMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func toCCTools(tools []Tool) []ccTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ccTool, 0, len(tools))
	for _, t := range tools {
		var ct ccTool
		ct.Type = "function"
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.InputSchema
		out = append(out, ct)
	}
	return out
}

func nowOrZero() time.Time {
	return time.Now()
}
