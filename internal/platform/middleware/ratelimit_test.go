package middleware

import (
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRateLimit_BurstThenDeny(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.01, BurstSize: 2, ExpiresIn: time.Minute}, zerolog.Nop())
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusAccepted) })

	for i := 0; i < 2; i++ {
		c, rec := newContext(http.MethodPost, "/", "")
		c.Set("api_key_name", "xn1000")
		if err := h(c); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}

	c, rec := newContext(http.MethodPost, "/", "")
	c.Set("api_key_name", "xn1000")
	err := h(c)
	expectHTTPStatus(t, err, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") != "101" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// Another analyzer has its own bucket.
	c, _ = newContext(http.MethodPost, "/", "")
	c.Set("api_key_name", "cobas")
	if err := h(c); err != nil {
		t.Errorf("separate caller should pass, got %v", err)
	}
}

func TestRateLimitKey(t *testing.T) {
	c, _ := newContext(http.MethodPost, "/", "")
	c.Request().RemoteAddr = "10.0.0.7:5000"
	if got := rateLimitKey(c); got != "10.0.0.7" {
		t.Errorf("anonymous key = %q", got)
	}
	c.Set("jwt_tenant_id", "north")
	if got := rateLimitKey(c); got != "north:10.0.0.7" {
		t.Errorf("tenant key = %q", got)
	}
	c.Set("api_key_name", "xn1000")
	if got := rateLimitKey(c); got != "key:xn1000" {
		t.Errorf("api key = %q", got)
	}
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != code {
		t.Fatalf("expected HTTP %d, got %v", code, err)
	}
}
