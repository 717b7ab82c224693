// Package config loads the Settings value the Note Query Pipeline is built
// from. Settings is immutable after construction and owned exclusively by
// the Dependencies container (see internal/queryservice).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/notekitchen/queryservice/internal/apperrors"
)

// Settings is the process-lifetime, immutable configuration value.
type Settings struct {
	Port int

	ProxyBaseURL      string
	EmbeddingModel    string
	EmbeddingDims     map[string]int
	CompletionModel   string
	ResponsesAPIMatch string // substring match against CompletionModel selecting the responses path

	CollectionName string
	RetrievalTopN  int
	MaxToolRounds  int // bounds the synthesis agent's tool-call loop (§4.8, default 8)

	SimilarityFloor    float64 // meaningful only when HasSimilarityFloor
	HasSimilarityFloor bool

	QdrantURL string

	MCPURL string

	UsageReportingEnabled bool

	DevFallbackTokenAllowed bool
	APIToken                string

	Timeouts Timeouts

	OTEL OTELConfig
}

// Timeouts holds the per-stage and whole-request deadlines (§5).
type Timeouts struct {
	Embedding    time.Duration
	VectorSearch time.Duration
	LLMChat      time.Duration
	MCPTool      time.Duration
	WholeRequest time.Duration
}

// OTELConfig mirrors the ambient telemetry settings carried from the teacher.
type OTELConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// EmbeddingDimension returns the configured vector width for the given
// embedding model, or 0 if not configured.
func (s *Settings) EmbeddingDimension() int {
	return s.EmbeddingDims[s.EmbeddingModel]
}

// UsesResponsesAPI is the pure selector function from §4.4/§9: a model name
// matching a configured pattern selects the responses path.
func (s *Settings) UsesResponsesAPI() bool {
	if s.ResponsesAPIMatch == "" {
		return false
	}
	return strings.Contains(s.CompletionModel, s.ResponsesAPIMatch)
}

// Load builds Settings from environment variables and the layered secrets
// loader (secretString). Required secrets fail hard via ConfigError; this
// extends the env-with-fallback style of the teacher's config.Load with the
// secrets priority chain §4.1 requires for the bearer token.
func Load() (*Settings, error) {
	token, err := secretString("AGENTOVEN_API_TOKEN", "api_token", secretOpts{
		Required:         true,
		AllowDevFallback: envBool("QUERYSERVICE_ALLOW_DEV_TOKEN", false),
		DevFallback:      "sk-dev-fallback-token",
	})
	if err != nil {
		return nil, err
	}

	s := &Settings{
		Port: envInt("QUERYSERVICE_PORT", 8080),

		ProxyBaseURL:      envStr("QUERYSERVICE_PROXY_URL", "http://localhost:4000"),
		EmbeddingModel:    envStr("QUERYSERVICE_EMBEDDING_MODEL", "text-embedding-3-small"),
		CompletionModel:   envStr("QUERYSERVICE_COMPLETION_MODEL", "gpt-4o-mini"),
		ResponsesAPIMatch: envStr("QUERYSERVICE_RESPONSES_API_MATCH", "responses"),

		EmbeddingDims: map[string]int{
			"text-embedding-3-small": 1536,
			"text-embedding-3-large": 3072,
			"text-embedding-ada-002": 1536,
			"nomic-embed-text":       768,
		},

		CollectionName: envStr("QUERYSERVICE_COLLECTION", "noteplan_notes"),
		RetrievalTopN:  envInt("QUERYSERVICE_TOP_N", 5),
		MaxToolRounds:  envInt("QUERYSERVICE_MAX_TOOL_ROUNDS", 8),

		QdrantURL: envStr("QUERYSERVICE_QDRANT_URL", "http://localhost:6333"),
		MCPURL:    envStr("QUERYSERVICE_MCP_URL", "http://localhost:9090"),

		UsageReportingEnabled: envBool("QUERYSERVICE_USAGE_REPORTING", true),

		DevFallbackTokenAllowed: envBool("QUERYSERVICE_ALLOW_DEV_TOKEN", false),
		APIToken:                token,

		Timeouts: Timeouts{
			Embedding:    envDuration("QUERYSERVICE_TIMEOUT_EMBEDDING", 30*time.Second),
			VectorSearch: envDuration("QUERYSERVICE_TIMEOUT_VECTOR_SEARCH", 15*time.Second),
			LLMChat:      envDuration("QUERYSERVICE_TIMEOUT_LLM_CHAT", 120*time.Second),
			MCPTool:      envDuration("QUERYSERVICE_TIMEOUT_MCP", 10*time.Second),
			WholeRequest: envDuration("QUERYSERVICE_TIMEOUT_REQUEST", 180*time.Second),
		},

		OTEL: OTELConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "notekitchen-queryservice"),
		},
	}

	if floorStr := os.Getenv("QUERYSERVICE_SIMILARITY_FLOOR"); floorStr != "" {
		floor, err := strconv.ParseFloat(floorStr, 64)
		if err != nil {
			return nil, &apperrors.ConfigError{Key: "QUERYSERVICE_SIMILARITY_FLOOR", Msg: "not a float: " + err.Error()}
		}
		s.SimilarityFloor = floor
		s.HasSimilarityFloor = true
	}

	return s, nil
}

// secretOpts configures the layered secrets loader.
type secretOpts struct {
	Required         bool
	AllowDevFallback bool
	DevFallback      string
}

// secretString resolves a secret value in priority order: a mounted secret
// file, then a project-local file, then an environment variable, then —
// only when explicitly permitted — a built-in development fallback.
// Fails with ConfigError when Required is true and no source yields a
// non-empty value.
func secretString(envKey, fileBaseName string, opts secretOpts) (string, error) {
	mountedPath := fmt.Sprintf("/run/secrets/%s", fileBaseName)
	if v, err := readSecretFile(mountedPath); err == nil && v != "" {
		return v, nil
	}

	localPath := fmt.Sprintf(".secrets/%s", fileBaseName)
	if v, err := readSecretFile(localPath); err == nil && v != "" {
		return v, nil
	}

	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}

	if opts.AllowDevFallback && opts.DevFallback != "" {
		return opts.DevFallback, nil
	}

	if opts.Required {
		return "", &apperrors.ConfigError{Key: envKey, Msg: "no source (secret file, local file, env var, dev fallback) yielded a value"}
	}
	return "", nil
}

func readSecretFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
