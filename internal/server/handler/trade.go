package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantrail/tradeguard/internal/domain"
	"github.com/quantrail/tradeguard/internal/gateway"
)

// TradeGateway defines the methods the trade handler requires from the
// confirmation gateway.
type TradeGateway interface {
	Validate(ctx context.Context, req domain.TradeRequest) (gateway.Decision, error)
	CreateConfirmation(ctx context.Context, req domain.TradeRequest) (domain.TradeConfirmation, error)
	Execute(ctx context.Context, token string) (domain.ExecutionResult, error)
}

// TradeHandler serves the validate / confirm / execute endpoints and the
// trade history.
type TradeHandler struct {
	gw     TradeGateway
	trades domain.TradeStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(gw TradeGateway, trades domain.TradeStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{gw: gw, trades: trades, logger: logger}
}

// decisionResponse is the JSON shape of a validation outcome.
type decisionResponse struct {
	Valid   bool   `json:"valid"`
	Gate    string `json:"gate,omitempty"`
	Reason  string `json:"reason,omitempty"`
	ResetAt string `json:"reset_at,omitempty"`
}

func toDecisionResponse(dec gateway.Decision) decisionResponse {
	resp := decisionResponse{
		Valid:  dec.Valid,
		Gate:   dec.Gate,
		Reason: dec.Reason,
	}
	if !dec.ResetAt.IsZero() {
		resp.ResetAt = dec.ResetAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func decodeTradeRequest(r *http.Request) (domain.TradeRequest, error) {
	var req domain.TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return domain.TradeRequest{}, err
	}
	return req, nil
}

// Validate runs every gate against the trade without consuming quota or
// creating state.
// POST /api/trades/validate
func (h *TradeHandler) Validate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTradeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AccountID == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "account_id and symbol are required")
		return
	}

	dec, err := h.gw.Validate(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: validate failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "validation failed")
		return
	}

	writeJSON(w, http.StatusOK, toDecisionResponse(dec))
}

// confirmResponse is the JSON shape of a minted confirmation.
type confirmResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// Confirm validates the trade and mints a single-use confirmation token.
// POST /api/trades/confirm
func (h *TradeHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTradeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AccountID == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "account_id and symbol are required")
		return
	}

	conf, err := h.gw.CreateConfirmation(r.Context(), req)
	if err != nil {
		h.writeGatewayError(w, r, "confirm", err)
		return
	}

	writeJSON(w, http.StatusCreated, confirmResponse{
		Token:     conf.Token,
		ExpiresAt: conf.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// executeRequest is the JSON body for Execute.
type executeRequest struct {
	Token string `json:"token"`
}

// Execute consumes the confirmation token and submits the trade.
// POST /api/trades/execute
func (h *TradeHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	result, err := h.gw.Execute(r.Context(), req.Token)
	if err != nil {
		h.writeGatewayError(w, r, "execute", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// listTradesResponse wraps the trade history.
type listTradesResponse struct {
	Trades []domain.TradeRecord `json:"trades"`
}

// ListTrades returns the trade history for an account, newest first.
// GET /api/accounts/{id}/trades
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing account id")
		return
	}

	trades, err := h.trades.ListByAccount(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("account_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// writeGatewayError maps gateway failures onto HTTP status codes.
func (h *TradeHandler) writeGatewayError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrConfirmationExpired):
		writeError(w, http.StatusGone, "confirmation expired")
	case errors.Is(err, domain.ErrConfirmationUsed):
		writeError(w, http.StatusConflict, "confirmation already used")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrInvalidTrade):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsSafetyBlocked(err):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		var upstream *domain.UpstreamExecutionError
		if errors.As(err, &upstream) {
			writeError(w, http.StatusBadGateway, "exchange execution failed")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}
