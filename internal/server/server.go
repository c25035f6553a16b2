// Package server exposes the control-plane HTTP and WebSocket API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantrail/tradeguard/internal/crypto"
	"github.com/quantrail/tradeguard/internal/server/handler"
	"github.com/quantrail/tradeguard/internal/server/middleware"
	"github.com/quantrail/tradeguard/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	APIKey        string // if empty, token authentication is disabled
	SigningSecret string // if set, HMAC-signed requests are also accepted
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Trades    *handler.TradeHandler
	Breaker   *handler.BreakerHandler
	RateLimit *handler.RateLimitHandler
	Risk      *handler.RiskHandler
	Audit     *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server for the trade-safety control
// plane.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, API rate limiting) and
// attaches the WebSocket hub. apiLimiter may be nil to disable API rate
// limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, apiLimiter middleware.QuotaChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check and metrics (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Trade gateway endpoints.
	mux.HandleFunc("POST /api/trades/validate", handlers.Trades.Validate)
	mux.HandleFunc("POST /api/trades/confirm", handlers.Trades.Confirm)
	mux.HandleFunc("POST /api/trades/execute", handlers.Trades.Execute)

	// Circuit breaker endpoints.
	mux.HandleFunc("GET /api/breaker/status", handlers.Breaker.ListStatus)
	mux.HandleFunc("GET /api/breaker/status/{symbol}", handlers.Breaker.GetStatus)
	mux.HandleFunc("POST /api/breaker/resume", handlers.Breaker.Resume)

	// Rate limiter introspection.
	mux.HandleFunc("GET /api/ratelimit/status", handlers.RateLimit.ListStatus)

	// Account and risk endpoints.
	mux.HandleFunc("GET /api/accounts", handlers.Risk.ListAccounts)
	mux.HandleFunc("GET /api/accounts/{id}", handlers.Risk.GetAccount)
	mux.HandleFunc("POST /api/accounts/{id}/evaluate", handlers.Risk.Evaluate)
	mux.HandleFunc("POST /api/accounts/{id}/resume", handlers.Risk.Resume)
	mux.HandleFunc("POST /api/accounts/{id}/clear-emergency", handlers.Risk.ClearEmergencyStop)
	mux.HandleFunc("GET /api/accounts/{id}/alerts", handlers.Risk.ListAlerts)
	mux.HandleFunc("GET /api/accounts/{id}/trades", handlers.Trades.ListTrades)

	// Audit log.
	mux.HandleFunc("GET /api/audit", handlers.Audit.List)

	// WebSocket event stream.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	if apiLimiter != nil {
		h = middleware.RateLimit(apiLimiter)(h)
	}
	var verifier middleware.SignatureVerifier
	if cfg.SigningSecret != "" {
		verifier = crypto.NewRequestSigner(cfg.SigningSecret)
	}
	h = middleware.Auth(cfg.APIKey, verifier)(h)
	h = middleware.Logging(logger)(h)
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
