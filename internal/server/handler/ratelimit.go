package handler

import (
	"log/slog"
	"net/http"

	"github.com/quantrail/tradeguard/internal/domain"
)

// RateLimitService defines the methods the rate-limit handler requires from
// the limiter.
type RateLimitService interface {
	Status() []domain.RateLimitStatus
}

// RateLimitHandler serves limiter introspection endpoints.
type RateLimitHandler struct {
	limiter RateLimitService
	logger  *slog.Logger
}

// NewRateLimitHandler creates a RateLimitHandler.
func NewRateLimitHandler(limiter RateLimitService, logger *slog.Logger) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter, logger: logger}
}

// listRateLimitResponse wraps the limiter snapshot.
type listRateLimitResponse struct {
	Windows []domain.RateLimitStatus `json:"windows"`
}

// ListStatus returns a snapshot of every active rate-limit window.
// GET /api/ratelimit/status
func (h *RateLimitHandler) ListStatus(w http.ResponseWriter, r *http.Request) {
	windows := h.limiter.Status()
	if windows == nil {
		windows = []domain.RateLimitStatus{}
	}
	writeJSON(w, http.StatusOK, listRateLimitResponse{Windows: windows})
}
