package handler

import (
	"log/slog"
	"net/http"

	"github.com/quantrail/tradeguard/internal/domain"
)

// AuditHandler serves the audit log read endpoint.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// listAuditResponse wraps the audit entries.
type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// List returns audit log entries, newest first.
// GET /api/audit
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries})
}
