package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func runCORS(t *testing.T, origins []string, method, origin, requestMethod string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(method, "/api/calls", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if requestMethod != "" {
		req.Header.Set("Access-Control-Request-Method", requestMethod)
	}
	rec := httptest.NewRecorder()
	CORS(origins)(handler).ServeHTTP(rec, req)
	return rec, called
}

func TestCORSAllowsListedOrigin(t *testing.T) {
	rec, called := runCORS(t, []string{"https://dash.example.com"}, http.MethodGet, "https://dash.example.com", "")

	assert.True(t, called)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Values("Vary"), "Origin")
}

func TestCORSDeniesUnknownOrigin(t *testing.T) {
	rec, called := runCORS(t, []string{"https://dash.example.com"}, http.MethodGet, "https://evil.example", "")

	assert.True(t, called, "denial withholds headers, it does not block the request")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardEchoesOrigin(t *testing.T) {
	rec, _ := runCORS(t, []string{"*"}, http.MethodGet, "https://anywhere.example", "")
	assert.Equal(t, "https://anywhere.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSNormalizesTrailingSlash(t *testing.T) {
	rec, _ := runCORS(t, []string{"https://dash.example.com/"}, http.MethodGet, "https://dash.example.com", "")
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSShortCircuitsPreflight(t *testing.T) {
	rec, called := runCORS(t, []string{"https://dash.example.com"}, http.MethodOptions, "https://dash.example.com", "POST")

	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
