// Package mcpclient implements C6: a client for the single fixed MCP tool
// this pipeline calls, derive_xcallback_url_from_noteplan_file. Grounded
// on the teacher's internal/mcpgw/gateway.go executeHTTPTool/applyAuth
// idiom, reduced from a full JSON-RPC tool-registry gateway down to one
// tool, one endpoint, no registration or discovery.
package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/notekitchen/queryservice/internal/apperrors"
)

const toolName = "derive_xcallback_url_from_noteplan_file"

// Client calls the configured MCP tool service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs an MCP client against baseURL (e.g. "http://localhost:9090").
func New(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, http: httpClient}
}

// ToolName returns the fixed tool name this client calls, for wiring into
// the synthesis agent's tool list (C9).
func (c *Client) ToolName() string { return toolName }

type deriveRequest struct {
	FilePath string `json:"file_path"`
}

type deriveResponse struct {
	URL string `json:"url"`
}

// DeriveXCallbackURL calls POST {mcp_url}/tools/derive_xcallback_url_from_noteplan_file
// with {file_path} and returns the resulting x-callback-url (§6). Per §7,
// MCPError is always recovered locally by the caller — this method never
// panics and the caller is expected to omit the xcallback_url field rather
// than fail the whole response when this call fails.
func (c *Client) DeriveXCallbackURL(ctx context.Context, filePath string) (string, error) {
	payload, err := json.Marshal(deriveRequest{FilePath: filePath})
	if err != nil {
		return "", fmt.Errorf("marshal derive request: %w", err)
	}

	url := fmt.Sprintf("%s/tools/%s", c.baseURL, toolName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build derive request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &apperrors.MCPError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &apperrors.MCPError{Err: fmt.Errorf("read derive response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &apperrors.MCPError{Err: fmt.Errorf("derive tool status %d: %s", resp.StatusCode, string(body))}
	}

	var parsed deriveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &apperrors.MCPError{Err: fmt.Errorf("decode derive response: %w", err)}
	}
	if parsed.URL == "" {
		return "", &apperrors.MCPError{Err: fmt.Errorf("derive tool returned an empty url")}
	}
	return parsed.URL, nil
}

// HealthCheck reports whether the MCP tool service is reachable, for /health.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &apperrors.MCPError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apperrors.MCPError{Err: fmt.Errorf("health status %d", resp.StatusCode)}
	}
	return nil
}

// InputSchema is the JSON schema advertised to the synthesis agent's tool
// binding (C9), mirroring the shape tool.Schema takes in the teacher's
// MCPTool registrations.
func InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"file_path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the NotePlan note file, relative to the notes corpus root",
			},
		},
		"required": []string{"file_path"},
	}
}
