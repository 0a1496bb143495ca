package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func newTestKey(t *testing.T, name, tenant string, expiresAt *time.Time) (*APIKey, string) {
	t.Helper()
	k, raw, err := GenerateKey(name, tenant, expiresAt)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k, raw
}

func TestGenerateKey_EntryRoundTrip(t *testing.T) {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	k, raw := newTestKey(t, "xn1000", "north", &exp)
	if !strings.HasPrefix(raw, apiKeyPrefix) {
		t.Errorf("raw key %q lacks prefix", raw)
	}
	if strings.Contains(k.Entry(), raw) {
		t.Error("entry must not contain the raw key")
	}
	parsed, err := ParseAPIKey(k.Entry())
	if err != nil {
		t.Fatalf("ParseAPIKey: %v", err)
	}
	if parsed.Name != "xn1000" || parsed.TenantID != "north" || parsed.KeyHash != HashKey(raw) {
		t.Errorf("unexpected key %+v", parsed)
	}
	if parsed.ExpiresAt == nil || !parsed.ExpiresAt.Equal(exp) {
		t.Errorf("expiry = %v, want %v", parsed.ExpiresAt, exp)
	}
}

func TestParseAPIKey_Errors(t *testing.T) {
	hash := HashKey("lab_k1_x")
	tests := map[string]string{
		"too few parts": "xn1000:north",
		"empty name":    ":north:" + hash,
		"short hash":    "xn1000:north:abcd",
		"bad expiry":    "xn1000:north:" + hash + ":tomorrow",
	}
	for name, entry := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseAPIKey(entry); err == nil {
				t.Errorf("ParseAPIKey(%q) should fail", entry)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	active, rawActive := newTestKey(t, "xn1000", "north", nil)
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	expired, rawExpired := newTestKey(t, "old", "north", &past)
	store := NewInMemoryAPIKeyStore(active, expired)
	m := NewAPIKeyManager(store)
	ctx := context.Background()

	got, err := m.ValidateKey(ctx, rawActive)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if got.Name != "xn1000" {
		t.Errorf("unexpected key %+v", got)
	}
	if k, _ := store.GetByHash(ctx, active.KeyHash); k.LastUsedAt == nil {
		t.Error("use should be recorded")
	}

	if _, err := m.ValidateKey(ctx, rawExpired); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("expected ErrKeyExpired, got %v", err)
	}
	if _, err := m.ValidateKey(ctx, "lab_k1_unknown"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func serveWithKeys(t *testing.T, m *APIKeyManager, set func(r *http.Request)) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	set(req)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var seen echo.Context
	chain := APIKeyMiddleware(m)(JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		seen = c
		return c.NoContent(http.StatusNoContent)
	}))
	if err := chain(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, seen
}

func TestAPIKeyMiddleware_AuthenticatesAnalyzer(t *testing.T) {
	k, raw := newTestKey(t, "xn1000", "north", nil)
	m := NewAPIKeyManager(NewInMemoryAPIKeyStore(k))

	for name, set := range map[string]func(r *http.Request){
		"header": func(r *http.Request) { r.Header.Set("X-API-Key", raw) },
		"bearer": func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+raw) },
	} {
		t.Run(name, func(t *testing.T) {
			rec, seen := serveWithKeys(t, m, set)
			if rec.Code != http.StatusNoContent || seen == nil {
				t.Fatalf("status = %d, want 204", rec.Code)
			}
			ctx := seen.Request().Context()
			if UserIDFromContext(ctx) != "apikey:xn1000" {
				t.Errorf("subject = %q", UserIDFromContext(ctx))
			}
			if seen.Get("jwt_tenant_id") != "north" {
				t.Errorf("tenant = %v, want north", seen.Get("jwt_tenant_id"))
			}
			caps := CapabilitiesFromContext(ctx)
			if !caps.Has(CapIngest) || caps.Has(CapManage) {
				t.Errorf("unexpected capabilities %v", caps.List())
			}
		})
	}
}

func TestAPIKeyMiddleware_RejectsUnknownKey(t *testing.T) {
	m := NewAPIKeyManager(NewInMemoryAPIKeyStore())
	rec, seen := serveWithKeys(t, m, func(r *http.Request) { r.Header.Set("X-API-Key", "lab_k1_deadbeef") })
	if rec.Code != http.StatusUnauthorized || seen != nil {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyMiddleware_FallsThroughToJWT(t *testing.T) {
	m := NewAPIKeyManager(NewInMemoryAPIKeyStore())
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tech-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "north",
		Roles:    []string{"lab_tech"},
	}, testSigningKey)

	rec, seen := serveWithKeys(t, m, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	if rec.Code != http.StatusNoContent || seen == nil {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if UserIDFromContext(seen.Request().Context()) != "tech-1" {
		t.Error("JWT subject should be used when no api key is sent")
	}

	rec, _ = serveWithKeys(t, m, func(r *http.Request) {})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", rec.Code)
	}
}
