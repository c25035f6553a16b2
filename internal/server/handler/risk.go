package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quantrail/tradeguard/internal/domain"
)

// RiskService defines the methods the risk handler requires from the risk
// monitor.
type RiskService interface {
	Evaluate(ctx context.Context, accountID string) ([]domain.RiskAlert, error)
	Resume(ctx context.Context, accountID string) error
	ClearEmergencyStop(ctx context.Context, accountID string) error
}

// RiskHandler serves risk evaluation, account state, and alert endpoints.
type RiskHandler struct {
	risk     RiskService
	accounts domain.AccountStore
	alerts   domain.AlertStore
	logger   *slog.Logger
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(risk RiskService, accounts domain.AccountStore, alerts domain.AlertStore, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{
		risk:     risk,
		accounts: accounts,
		alerts:   alerts,
		logger:   logger,
	}
}

// listAccountsResponse wraps the account list.
type listAccountsResponse struct {
	Accounts []domain.Account `json:"accounts"`
}

// ListAccounts returns every account with its current safety state.
// GET /api/accounts
func (h *RiskHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list accounts failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, listAccountsResponse{Accounts: accounts})
}

// GetAccount returns one account.
// GET /api/accounts/{id}
func (h *RiskHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing account id")
		return
	}

	acct, err := h.accounts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get account failed",
			slog.String("account_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// evaluateResponse wraps the alerts raised by one evaluation pass.
type evaluateResponse struct {
	Alerts []domain.RiskAlert `json:"alerts"`
}

// Evaluate runs one risk evaluation pass for the account and returns any
// alerts it raised.
// POST /api/accounts/{id}/evaluate
func (h *RiskHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing account id")
		return
	}

	alerts, err := h.risk.Evaluate(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		if errors.Is(err, domain.ErrEvaluationSkipped) {
			writeError(w, http.StatusServiceUnavailable, "evaluation skipped: "+err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: evaluate failed",
			slog.String("account_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	if alerts == nil {
		alerts = []domain.RiskAlert{}
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Alerts: alerts})
}

// Resume lifts a pause, returning the account to normal trading.
// POST /api/accounts/{id}/resume
func (h *RiskHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing account id")
		return
	}

	if err := h.risk.Resume(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: resume failed",
			slog.String("account_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "resumed",
		"account_id": id,
	})
}

// ClearEmergencyStop lifts the emergency stop and returns a stopped account
// to normal trading. Deliberately operator-only: nothing clears the flag
// automatically.
// POST /api/accounts/{id}/clear-emergency
func (h *RiskHandler) ClearEmergencyStop(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing account id")
		return
	}

	if err := h.risk.ClearEmergencyStop(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: clear emergency stop failed",
			slog.String("account_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "clear emergency stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "cleared",
		"account_id": id,
	})
}

// listAlertsResponse wraps the alert history.
type listAlertsResponse struct {
	Alerts []domain.RiskAlert `json:"alerts"`
}

// ListAlerts returns the alert history for an account, newest first.
// GET /api/accounts/{id}/alerts
func (h *RiskHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing account id")
		return
	}

	alerts, err := h.alerts.ListByAccount(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list alerts failed",
			slog.String("account_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []domain.RiskAlert{}
	}
	writeJSON(w, http.StatusOK, listAlertsResponse{Alerts: alerts})
}
