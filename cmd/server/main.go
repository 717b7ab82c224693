// Note Kitchen query service — answers natural-language questions about a
// user's personal Markdown notes by combining semantic retrieval over
// per-file embeddings with an LLM agent that synthesizes a cited answer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/notekitchen/queryservice/internal/api"
	"github.com/notekitchen/queryservice/internal/api/handlers"
	"github.com/notekitchen/queryservice/internal/config"
	"github.com/notekitchen/queryservice/internal/guardrails"
	"github.com/notekitchen/queryservice/internal/queryservice"
	"github.com/notekitchen/queryservice/internal/telemetry"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("note query pipeline starting...")

	settings, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}

	shutdownTelemetry, err := telemetry.Init(settings.OTEL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	ctx := context.Background()

	var customCondition *guardrails.CustomCondition
	if expr := os.Getenv("QUERYSERVICE_GUARDRAIL_CONDITION"); expr != "" {
		customCondition, err = guardrails.CompileCustomCondition(expr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to compile QUERYSERVICE_GUARDRAIL_CONDITION")
		}
	}

	deps, err := queryservice.Build(ctx, settings, customCondition)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize dependencies")
	}

	service := queryservice.New(deps)
	h := handlers.New(service, deps, deps.LLM.ModelName(), deps.LLM.APIType(), settings.UsageReportingEnabled, settings.Timeouts.WholeRequest)
	router := api.NewRouter(settings, h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: settings.Timeouts.WholeRequest,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		shutdownTelemetry(shutdownCtx)
	}()

	log.Info().Int("port", settings.Port).Msg("note query pipeline ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
