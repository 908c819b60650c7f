// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roundtable-ai/roundtable-platform/internal/config"
	"github.com/roundtable-ai/roundtable-platform/internal/credit"
	"github.com/roundtable-ai/roundtable-platform/internal/handler"
	"github.com/roundtable-ai/roundtable-platform/internal/llm"
	"github.com/roundtable-ai/roundtable-platform/internal/middleware"
	natsclient "github.com/roundtable-ai/roundtable-platform/internal/nats"
	"github.com/roundtable-ai/roundtable-platform/internal/round"
	"github.com/roundtable-ai/roundtable-platform/internal/service"
	"github.com/roundtable-ai/roundtable-platform/internal/store"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
	"github.com/roundtable-ai/roundtable-platform/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Infow("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "roundtable-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warnw("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Errorw("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	// Ensure JetStream stream exists
	streamManager := natsclient.NewStreamManager(natsClient)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Errorw("failed to ensure stream", "error", err)
		os.Exit(1)
	}

	// Open the SQLite store, the source of truth for all round state
	st, err := store.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Errorw("failed to open store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Register LLM providers
	registry := llm.NewRegistry(llm.Provider(cfg.DefaultLLM))
	if cfg.AnthropicAPIKey != "" {
		client, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			log.Warnw("failed to create Anthropic client", "error", err)
		} else {
			registry.Register(llm.ProviderAnthropic, client)
		}
	}
	if cfg.OpenAIAPIKey != "" {
		client, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey)
		if err != nil {
			log.Warnw("failed to create OpenAI client", "error", err)
		} else {
			registry.Register(llm.ProviderOpenAI, client)
		}
	}

	// Round orchestration
	ledger := credit.NewLedger(st, log)
	scheduler := round.NewScheduler(log)
	sequencer := round.NewSequencer(st, streamManager, log)
	machine := round.NewMachine(st, streamManager, registry, ledger, scheduler, log)
	detector := round.NewDetector(st)

	// Services
	threadSvc := service.NewThreadService(st, sequencer, log)
	roundSvc := service.NewRoundService(st, ledger, sequencer, machine, scheduler, detector, threadSvc, log)

	// Handlers
	healthHandler := handler.NewHealthHandler(natsClient, st)
	threadHandler := handler.NewThreadHandler(threadSvc, log)
	roundHandler := handler.NewRoundHandler(roundSvc, log)
	creditHandler := handler.NewCreditHandler(ledger, log)
	streamHandler := handler.NewStreamHandler(threadSvc, streamManager, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Credits
		r.Get("/credits/balance", creditHandler.Balance)

		// Threads
		r.Route("/threads", func(r chi.Router) {
			r.Post("/", threadHandler.Create)
			r.Get("/", threadHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", threadHandler.Get)
				r.Patch("/", threadHandler.Update)
				r.Delete("/", threadHandler.Delete)

				// Messages
				r.Get("/messages", threadHandler.Messages)

				// Rounds
				r.Post("/rounds", roundHandler.Submit)
				r.Get("/rounds/{round}/status", roundHandler.Status)

				// Streaming
				r.Get("/stream", streamHandler.Stream)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infow("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	// Rounds already running survive client disconnects; give them the rest
	// of the shutdown window to reach a durable state.
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.Warnw("background rounds still running at shutdown", "error", err)
	}

	log.Infow("server stopped")
}
