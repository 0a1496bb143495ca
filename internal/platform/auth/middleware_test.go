package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	var seen echo.Context
	err := mw(func(c echo.Context) error {
		seen = c
		return c.String(http.StatusOK, "ok")
	})(c)
	return seen, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_RejectsMalformedHeaders(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	for _, header := range []string{"", "Token abc123", "Bearer", "Bearer   ", "Basic dXNlcjpwYXNz"} {
		_, err := runMiddleware(t, mw, header)
		if err == nil {
			t.Fatalf("header %q: expected error", header)
		}
		expectStatus(t, err, http.StatusUnauthorized)
	}
}

func TestJWTMiddleware_ValidTokenSetsCapabilities(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tech-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "central",
		Roles:    []string{"lab_tech"},
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})

	c, err := runMiddleware(t, mw, "Bearer "+createTestToken(t, claims, testSigningKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := c.Request().Context()
	if UserIDFromContext(ctx) != "tech-7" {
		t.Errorf("expected subject tech-7, got %q", UserIDFromContext(ctx))
	}
	if tid, _ := c.Get("jwt_tenant_id").(string); tid != "central" {
		t.Errorf("expected tenant central, got %q", tid)
	}
	caps := CapabilitiesFromContext(ctx)
	if !caps.Has(CapView) || !caps.Has(CapManage) {
		t.Errorf("expected lab_tech to view and manage, got %v", caps.List())
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+createTestToken(t, claims, testSigningKey))
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongIssuer(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "https://other",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp"})
	_, err := runMiddleware(t, mw, "Bearer "+createTestToken(t, claims, testSigningKey))
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwkSet{Keys: []jwk{{
			Kty: "RSA",
			Kid: "k1",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "nurse-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Roles:            []string{"nurse"},
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	c, err := runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), "Bearer "+signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	caps := CapabilitiesFromContext(c.Request().Context())
	if !caps.Has(CapView) || caps.Has(CapManage) {
		t.Errorf("expected nurse to view only, got %v", caps.List())
	}
}

func TestDevAuthMiddleware_DefaultsToLabAdmin(t *testing.T) {
	c, err := runMiddleware(t, DevAuthMiddleware("default"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if UserIDFromContext(c.Request().Context()) != "dev-user" {
		t.Error("expected dev-user")
	}
	if !CapabilitiesFromContext(c.Request().Context()).Has(CapManage) {
		t.Error("expected dev user to manage")
	}
	if tid, _ := c.Get("jwt_tenant_id").(string); tid != "default" {
		t.Errorf("expected default tenant, got %q", tid)
	}
}
