// Package api wires the chi router for the Note Query Pipeline. Grounded
// on the teacher's internal/api/router.go NewRouter: same global
// middleware stack (request ID, real IP, recoverer, compress, structured
// logging, telemetry, CORS) and the same health/version conventions,
// narrowed to the one domain route this service exposes.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/notekitchen/queryservice/internal/api/handlers"
	"github.com/notekitchen/queryservice/internal/api/middleware"
	"github.com/notekitchen/queryservice/internal/config"
)

// NewRouter creates the HTTP router.
func NewRouter(settings *config.Settings, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	auth := middleware.NewBearerAuth(settings.APIToken)
	r.Use(auth.Middleware)

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"POST", "GET"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Model-Name", "X-Api-Type", "X-Generation-Time-Seconds", "X-Input-Tokens", "X-Output-Tokens", "X-Total-Tokens"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/version", versionHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/notes", func(r chi.Router) {
			r.Post("/query", h.Query)
		})
	})

	return r
}

func parseCORSOrigins() []string {
	originsEnv := os.Getenv("QUERYSERVICE_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"version": "0.1.0",
		"service": "notekitchen-queryservice",
	})
}
