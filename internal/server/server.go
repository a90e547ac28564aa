// Package server is the operator HTTP and websocket surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
	"github.com/alanyoungcy/convbot/internal/server/handler"
	"github.com/alanyoungcy/convbot/internal/server/middleware"
	"github.com/alanyoungcy/convbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	// RateLimit caps requests per client IP per RateWindow; 0 disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Snapshots     *handler.SnapshotHandler
	Opportunities *handler.OpportunityHandler
	Arbitrations  *handler.ArbitrationHandler
	Executions    *handler.ExecutionHandler
	Config        *handler.ConfigHandler
	Archives      *handler.ArchiveHandler
}

// Server is the headless HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	if h := handlers.Status; h != nil {
		mux.HandleFunc("GET /api/status", h.GetStatus)
	}
	if h := handlers.Snapshots; h != nil {
		mux.HandleFunc("GET /api/snapshots", h.ListSnapshots)
		mux.HandleFunc("GET /api/snapshots/{venue}/{symbol}", h.GetSnapshot)
	}
	if h := handlers.Opportunities; h != nil {
		mux.HandleFunc("GET /api/opportunities", h.ListOpportunities)
	}
	if h := handlers.Arbitrations; h != nil {
		mux.HandleFunc("GET /api/arbitrations", h.ListArbitrations)
		mux.HandleFunc("GET /api/arbitrations/stats", h.Stats)
	}
	if h := handlers.Executions; h != nil {
		mux.HandleFunc("GET /api/executions", h.ListExecutions)
		mux.HandleFunc("GET /api/portfolio", h.ListHoldings)
	}
	if h := handlers.Config; h != nil {
		mux.HandleFunc("GET /api/config", h.GetConfig)
	}
	if h := handlers.Archives; h != nil {
		mux.HandleFunc("GET /api/archives", h.ListArchives)
		mux.HandleFunc("GET /api/archives/object", h.GetArchive)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
