package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quantrail/tradeguard/internal/domain"
)

// BreakerService defines the methods the breaker handler requires from the
// volatility monitor.
type BreakerService interface {
	Status(symbol string) domain.BreakerStatus
	Statuses() []domain.BreakerStatus
	MarketStatus() domain.MarketBreakerStatus
	ForceResume(ctx context.Context, symbol string)
}

// BreakerHandler serves circuit-breaker status and resume endpoints.
type BreakerHandler struct {
	breaker BreakerService
	logger  *slog.Logger
}

// NewBreakerHandler creates a BreakerHandler.
func NewBreakerHandler(breaker BreakerService, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{breaker: breaker, logger: logger}
}

// statusResponse wraps the full breaker snapshot.
type statusResponse struct {
	Market  domain.MarketBreakerStatus `json:"market"`
	Symbols []domain.BreakerStatus     `json:"symbols"`
}

// ListStatus returns the market-wide breaker state and all per-symbol states.
// GET /api/breaker/status
func (h *BreakerHandler) ListStatus(w http.ResponseWriter, r *http.Request) {
	symbols := h.breaker.Statuses()
	if symbols == nil {
		symbols = []domain.BreakerStatus{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Market:  h.breaker.MarketStatus(),
		Symbols: symbols,
	})
}

// GetStatus returns the breaker state for one symbol.
// GET /api/breaker/status/{symbol}
func (h *BreakerHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}
	writeJSON(w, http.StatusOK, h.breaker.Status(symbol))
}

// resumeRequest is the JSON body for Resume. An empty symbol clears the
// market-wide halt and every symbol halt.
type resumeRequest struct {
	Symbol string `json:"symbol"`
}

// Resume clears an active halt before its cooldown expires.
// POST /api/breaker/resume
func (h *BreakerHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.Body != nil {
		// A missing body means resume everything.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	h.breaker.ForceResume(r.Context(), req.Symbol)

	h.logger.InfoContext(r.Context(), "handler: breaker resumed",
		slog.String("symbol", req.Symbol),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "resumed",
		"symbol": req.Symbol,
	})
}
