// Package api serves the gateway's own HTTP API: health, status, metrics,
// subscription management and a Server-Sent Events stream of dispatched
// events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/tesgw/internal/auth"
	"github.com/mattjoyce/tesgw/internal/events"
	"github.com/mattjoyce/tesgw/internal/eventsub"
	"github.com/mattjoyce/tesgw/internal/session"
)

// Gateway is the running EventSub client the API reports on.
type Gateway interface {
	Transport() string
	Connections() []session.ConnectionInfo
	PendingVerifications() int
	HandledTypes() []string
	GetSubscriptions(ctx context.Context) ([]eventsub.Subscription, error)
	GetSubscriptionsByType(ctx context.Context, subType string) ([]eventsub.Subscription, error)
	GetSubscriptionsByStatus(ctx context.Context, status string) ([]eventsub.Subscription, error)
	GetSubscription(ctx context.Context, id string) (eventsub.Subscription, error)
	Unsubscribe(ctx context.Context, id string) error
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	gateway   Gateway
	events    *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. metrics may be nil.
func New(config Config, gateway Gateway, hub *events.Hub, metrics http.Handler, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Server{
		config:    config,
		gateway:   gateway,
		events:    hub,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// /events streams indefinitely, so there is no WriteTimeout.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.config.APIKey, s.config.Tokens, s.writeError))
		r.With(s.requireScopes(auth.ScopeMetricsRead)).Get("/metrics", s.metrics.ServeHTTP)
		r.With(s.requireScopes(auth.ScopeMetricsRead, auth.ScopeSubscriptionsRead)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeSubscriptionsRead)).Get("/subscriptions", s.handleListSubscriptions)
		r.With(s.requireScopes(auth.ScopeSubscriptionsRead)).Get("/subscriptions/{id}", s.handleGetSubscription)
		r.With(s.requireScopes(auth.ScopeSubscriptionsRW)).Delete("/subscriptions/{id}", s.handleDeleteSubscription)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return auth.RequireScopes(s.writeError, scopes...)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
