package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractAPIKey_BearerHeader(t *testing.T) {
	// Given: A request with a Bearer token
	req := httptest.NewRequest(http.MethodGet, "/sync/todos", nil)
	req.Header.Set("Authorization", "Bearer secret-key")

	// Then: The key is extracted
	if got := extractAPIKey(req); got != "secret-key" {
		t.Errorf("expected secret-key, got %q", got)
	}
}

func TestExtractAPIKey_NonBearerSchemeRejected(t *testing.T) {
	// Given: A request with a Basic scheme
	req := httptest.NewRequest(http.MethodGet, "/sync/todos", nil)
	req.Header.Set("Authorization", "Basic c2VjcmV0")

	// Then: No key is extracted, no query fallback either
	if got := extractAPIKey(req); got != "" {
		t.Errorf("expected empty key, got %q", got)
	}
}

func TestExtractAPIKey_QueryFallbackForWebsocketClients(t *testing.T) {
	// Given: A request with the key only in the query string
	req := httptest.NewRequest(http.MethodGet, "/sync/ws?api_key=secret-key", nil)

	// Then: The fallback applies
	if got := extractAPIKey(req); got != "secret-key" {
		t.Errorf("expected secret-key, got %q", got)
	}
}

func TestAuthMiddleware_QueryKeyAccepted(t *testing.T) {
	// Given: A router behind auth
	router, _ := newTestRouter(t)

	// When: Requesting with the key as a query parameter
	req := httptest.NewRequest(http.MethodGet, "/sync/todos?api_key="+testAPIKey, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Then: The request is authorized
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"key", "key", true},
		{"key", "kex", false},
		{"key", "longer-key", false},
		{"", "", true},
	}
	for _, tc := range cases {
		if got := constantTimeEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("constantTimeEqual(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
