// Package handlers implements the HTTP handler for the Note Query
// Pipeline's single domain endpoint, POST /api/v1/notes/query. Grounded on
// the teacher's internal/api/handlers/handlers.go respondJSON/respondError
// idiom, reduced to the one route this pipeline exposes.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/notekitchen/queryservice/internal/apperrors"
	"github.com/notekitchen/queryservice/internal/assemble"
	"github.com/notekitchen/queryservice/internal/queryservice"
	"github.com/notekitchen/queryservice/pkg/models"
)

// Handlers holds the query service and the settings headers/usage
// reporting need.
type Handlers struct {
	Service               *queryservice.Service
	Deps                  *queryservice.Dependencies
	ModelName             string
	APIType               string
	UsageReportingEnabled bool
	WholeRequestTimeout   time.Duration
}

// New constructs the handlers.
func New(service *queryservice.Service, deps *queryservice.Dependencies, modelName, apiType string, usageReportingEnabled bool, wholeRequestTimeout time.Duration) *Handlers {
	return &Handlers{
		Service:               service,
		Deps:                  deps,
		ModelName:             modelName,
		APIType:               apiType,
		UsageReportingEnabled: usageReportingEnabled,
		WholeRequestTimeout:   wholeRequestTimeout,
	}
}

// healthTimeout bounds each dependency probe /health runs; it is
// deliberately short since this endpoint is polled by orchestrators and
// must not itself hang on a slow backend.
const healthTimeout = 5 * time.Second

// Health handles GET /health: it reports liveness plus, per §9's
// supplemented health contract, whether the embedding/vector-store/MCP
// backends are themselves reachable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := h.Deps.LLM.HealthCheck(ctx); err != nil {
		checks["llm"] = err.Error()
		healthy = false
	} else {
		checks["llm"] = "ok"
	}

	if err := h.Deps.Store.HealthCheck(ctx); err != nil {
		checks["vector_store"] = err.Error()
		healthy = false
	} else {
		checks["vector_store"] = "ok"
	}

	if err := h.Deps.MCP.HealthCheck(ctx); err != nil {
		checks["mcp"] = err.Error()
		healthy = false
	} else {
		checks["mcp"] = "ok"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "notekitchen-queryservice",
		"checks":  checks,
	})
}

type queryRequest struct {
	Query string `json:"query"`
}

// Query handles POST /api/v1/notes/query: the only state-machine entry
// point the core exposes (§4.11; AUTH itself is handled by the bearer
// middleware before this handler runs).
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, requestID, "invalid_request", "request body must be JSON with a \"query\" field")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusUnprocessableEntity, requestID, "empty_query", "query must not be empty")
		return
	}

	query := models.Query{Text: req.Query, RequestID: requestID, APIToken: strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")}

	// §5: the whole-request deadline is enforced on the handler context
	// itself, not just on http.Server.WriteTimeout, so a breach cancels
	// the in-flight stage rather than merely failing to flush the response.
	ctx, cancel := context.WithTimeout(r.Context(), h.WholeRequestTimeout)
	defer cancel()

	outcome := h.Service.Answer(ctx, query)
	if outcome.Err != nil {
		h.respondStageError(w, requestID, outcome.Err)
		return
	}

	usage := assemble.ExtractUsage(outcome.Usage, models.UsageReport{})
	assemble.WriteHeaders(w, requestID, h.ModelName, h.APIType, outcome.GenerationTime, h.UsageReportingEnabled, usage)
	respondJSON(w, http.StatusOK, outcome.Response)
}

func (h *Handlers) respondStageError(w http.ResponseWriter, requestID string, err error) {
	log.Error().Err(err).Str("request_id", requestID).Msg("query pipeline stage failed")

	switch e := err.(type) {
	case *apperrors.CancelledError:
		// §7: deadline elapsed or client disconnected — propagated, no
		// response body is sent.
		return
	case *apperrors.LLMError:
		respondError(w, http.StatusServiceUnavailable, requestID, string(e.Kind), e.Error())
	case *apperrors.EmbeddingError:
		respondError(w, http.StatusServiceUnavailable, requestID, "embedding_error", "embedding the query failed")
	case *apperrors.VectorStoreError:
		respondError(w, http.StatusServiceUnavailable, requestID, "vector_store_error", "vector search failed")
	case *apperrors.AgentOutputError:
		respondError(w, http.StatusServiceUnavailable, requestID, "agent_output_error", e.Msg)
	default:
		respondError(w, http.StatusInternalServerError, requestID, "internal_error", "an unexpected error occurred")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, requestID, kind, message string) {
	respondJSON(w, status, map[string]string{
		"request_id": requestID,
		"error":      kind,
		"message":    message,
	})
}
