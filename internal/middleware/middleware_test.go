package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/credit-ledger/internal/auth"
	"github.com/hongminglow/credit-ledger/internal/logging"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com/"}, okHandler)

	req := httptest.NewRequest(http.MethodGet, "/v1/topups/options", nil)
	req.Header.Set("Origin", "https://APP.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://APP.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/v1/topups/options", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/users", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequireRole(t *testing.T) {
	tokens := auth.NewTokenManager("secret", "credit-ledger", time.Hour)
	var seen *auth.Claims
	h := RequireRole(tokens, auth.RoleAdministrator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/access-requests", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(""))
	assert.Equal(t, http.StatusUnauthorized, serve("Basic abc"))
	assert.Equal(t, http.StatusUnauthorized, serve("Bearer not-a-jwt"))

	service, err := tokens.Generate("chat-frontend", auth.RoleService)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, serve("Bearer "+service))
	assert.Nil(t, seen)

	admin, err := tokens.GenerateForAdministrator(5)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, serve("Bearer "+admin))
	require.NotNil(t, seen)
	id, err := seen.UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
}

func TestLoggingAttachesLoggerToRequest(t *testing.T) {
	logger, hook := test.NewNullLogger()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/users/{id}/balance", func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Warn("from handler")
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	Logging(logger, nil, mux).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/7/balance", nil))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "from handler", entries[0].Message)
	assert.Equal(t, "request rejected", entries[1].Message)
	assert.Equal(t, http.StatusTeapot, entries[1].Data["status"])
}
