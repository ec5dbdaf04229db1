// Package server exposes the escrow engine over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/duelarena/escrowd/internal/domain"
	"github.com/duelarena/escrowd/internal/server/handler"
	"github.com/duelarena/escrowd/internal/server/middleware"
	"github.com/duelarena/escrowd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Rate limiting for the whole API; disabled when RateLimiter is nil.
	RateLimiter     domain.RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Rounds   *handler.RoundHandler
	Treasury *handler.TreasuryHandler
	Accounts *handler.AccountHandler
	Audit    *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server for the escrow engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// One-time platform setup.
	mux.HandleFunc("POST /api/admin/initialize", handlers.Treasury.Initialize)

	// Round lifecycle.
	mux.HandleFunc("GET /api/rounds", handlers.Rounds.ListRounds)
	mux.HandleFunc("POST /api/rounds", handlers.Rounds.CreateRound)
	mux.HandleFunc("GET /api/rounds/{id}", handlers.Rounds.GetRound)
	mux.HandleFunc("POST /api/rounds/{id}/join", handlers.Rounds.JoinRound)
	mux.HandleFunc("POST /api/rounds/{id}/claim-prize", handlers.Rounds.ClaimPrize)
	mux.HandleFunc("POST /api/rounds/{id}/claim-draw", handlers.Rounds.ClaimDraw)
	mux.HandleFunc("POST /api/rounds/{id}/cancel", handlers.Rounds.Cancel)
	mux.HandleFunc("POST /api/rounds/{id}/close", handlers.Rounds.Close)

	// Treasury.
	mux.HandleFunc("GET /api/treasury", handlers.Treasury.Status)
	mux.HandleFunc("POST /api/treasury/claim", handlers.Treasury.Claim)

	// Ledger accounts.
	mux.HandleFunc("GET /api/accounts/{id}/balance", handlers.Accounts.Balance)
	mux.HandleFunc("POST /api/accounts/{id}/deposit", handlers.Accounts.Deposit)

	// Audit log.
	mux.HandleFunc("GET /api/audit", handlers.Audit.List)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	}

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
