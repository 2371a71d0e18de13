package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fredericcarre/opsmap/internal/registry"
)

func generateRouterTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func validBearerToken(t *testing.T, priv *rsa.PrivateKey) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   "test",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

// TestRouter_HealthAndMetricsNoAuth verifies /health and /metrics are
// accessible without a JWT even when one is configured.
func TestRouter_HealthAndMetricsNoAuth(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	srv, _ := newTestServer(registry.New())
	h := NewRouter(srv, pub)

	for _, route := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("route %s: expected 200, got %d", route, rec.Code)
		}
	}
}

// TestRouter_ProtectedRoutesRequireJWT verifies that the operator routes
// return 401 when no Authorization header is present.
func TestRouter_ProtectedRoutesRequireJWT(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	srv, _ := newTestServer(registry.New())
	h := NewRouter(srv, pub)

	routes := []string{
		"/agents",
		"/history?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z",
	}

	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without JWT, got %d", route, rec.Code)
		}
	}
}

// TestRouter_ProtectedRoutesAccessibleWithJWT verifies that a valid JWT
// passes the middleware and the request reaches the handler.
func TestRouter_ProtectedRoutesAccessibleWithJWT(t *testing.T) {
	priv, pub := generateRouterTestKey(t)
	srv, _ := newTestServer(registry.New())
	h := NewRouter(srv, pub)

	bearer := validBearerToken(t, priv)

	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.Header.Set("Authorization", bearer)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid JWT, got %d; body: %s", rec.Code, rec.Body)
	}
}
