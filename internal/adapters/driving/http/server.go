package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-ingest/internal/metrics"
)

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string
	logger     *slog.Logger

	// Services
	ingestion driving.IngestionService
	sources   driving.SourceService
	health    driving.HealthService

	metrics *metrics.Metrics
}

// Config holds server configuration
type Config struct {
	Host        string
	Port        int
	Version     string
	CORSOrigins []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:    "0.0.0.0",
		Port:    8080,
		Version: "dev",
	}
}

// Services groups the driving ports the server exposes. Routes of a nil
// service are not registered, so a server built with Health only carries
// the operational endpoints.
type Services struct {
	Ingestion driving.IngestionService
	Sources   driving.SourceService
	Health    driving.HealthService
}

// NewServer creates a new HTTP server. A nil metrics disables GET /metrics.
func NewServer(cfg Config, svc Services, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:    http.NewServeMux(),
		version:   cfg.Version,
		logger:    logger,
		ingestion: svc.Ingestion,
		sources:   svc.Sources,
		health:    svc.Health,
		metrics:   m,
	}
	s.setupRoutes()

	var handler http.Handler = s.router
	if len(cfg.CORSOrigins) > 0 {
		handler = NewCORSMiddleware(cfg.CORSOrigins).Handler(handler)
	}
	handler = NewLoggingMiddleware(logger).Handler(handler)
	handler = NewRecoveryMiddleware(logger).Handler(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics.Handler())
	}

	// Text data endpoints
	if s.ingestion != nil {
		s.router.HandleFunc("POST /api/v1/text-data", s.handleCreateTextData)
		s.router.HandleFunc("GET /api/v1/text-data/{id}", s.handleGetTextData)
		s.router.HandleFunc("PUT /api/v1/text-data/{id}", s.handleUpdateTextData)
		s.router.HandleFunc("DELETE /api/v1/text-data/{id}", s.handleDeleteTextData)
		s.router.HandleFunc("POST /api/v1/text-data/by-vector-refs", s.handleGetByVectorRefs)
		s.router.HandleFunc("POST /api/v1/vectors/search", s.handleSearchVectors)

		// Processed url endpoints
		s.router.HandleFunc("GET /api/v1/processed-urls/check", s.handleCheckProcessedURL)
	}

	// Source endpoints
	if s.sources != nil {
		s.router.HandleFunc("GET /api/v1/sources", s.handleListSources)
		s.router.HandleFunc("POST /api/v1/sources", s.handleCreateSource)
		s.router.HandleFunc("GET /api/v1/sources/{id}", s.handleGetSource)
		s.router.HandleFunc("PUT /api/v1/sources/{id}", s.handleUpdateSource)
		s.router.HandleFunc("DELETE /api/v1/sources/{id}", s.handleDeleteSource)
	}
}

// Handler returns the fully wrapped handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
