package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradeguard/internal/crypto"
)

func echoBody() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	t.Parallel()

	h := Auth("", nil)(echoBody())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAcceptsBearerAndAPIKeyHeader(t *testing.T) {
	t.Parallel()

	h := Auth("sekrit", nil)(echoBody())

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer sekrit") },
		func(r *http.Request) { r.Header.Set("X-API-Key", "sekrit") },
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
		set(req)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAuthRejectsMissingAndWrongToken(t *testing.T) {
	t.Parallel()

	h := Auth("sekrit", nil)(echoBody())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthAcceptsValidSignature(t *testing.T) {
	t.Parallel()

	signer := crypto.NewRequestSigner("shared")
	h := Auth("", signer)(echoBody())

	body := `{"account_id":"acct-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/trades/execute", strings.NewReader(body))
	for k, v := range signer.Headers(http.MethodPost, "/api/trades/execute", body) {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	// The body was buffered for verification and restored for the handler.
	assert.Equal(t, body, rec.Body.String())
}

func TestAuthRejectsTamperedSignature(t *testing.T) {
	t.Parallel()

	signer := crypto.NewRequestSigner("shared")
	h := Auth("", signer)(echoBody())

	req := httptest.NewRequest(http.MethodPost, "/api/trades/execute", strings.NewReader(`{"amount":999}`))
	for k, v := range signer.Headers(http.MethodPost, "/api/trades/execute", `{"amount":1}`) {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsStaleSignature(t *testing.T) {
	t.Parallel()

	signer := crypto.NewRequestSigner("shared")
	h := Auth("", signer)(echoBody())

	stale := time.Now().Add(-crypto.MaxSignatureSkew - time.Minute).Unix()
	headers := signer.HeadersAt(http.MethodGet, "/api/audit", "", stale)

	req := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	req.Header.Set("X-Guard-Timestamp", strconv.FormatInt(stale, 10))
	req.Header.Set("X-Guard-Signature", headers["X-Guard-Signature"])

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthFallsBackToTokenWhenUnsigned(t *testing.T) {
	t.Parallel()

	signer := crypto.NewRequestSigner("shared")
	h := Auth("sekrit", signer)(echoBody())

	req := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	req.Header.Set("X-API-Key", "sekrit")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
