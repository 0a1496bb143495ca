package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/platform/auth"
)

func TestAudit_LogsMutationsWithIdentity(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, "tech-7")
			ctx = context.WithValue(ctx, auth.UserRolesKey, []string{"lab_tech"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	e.Use(Audit(zerolog.New(&buf)))
	e.POST("/api/v1/lab/mapping/staging/:rowId/map", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/api/v1/lab/devices", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/lab/devices", nil))
	if buf.Len() != 0 {
		t.Fatalf("reads must not be audited, got %s", buf.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/lab/mapping/staging/row-1/map", nil))
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode audit entry %q: %v", buf.String(), err)
	}
	want := map[string]interface{}{
		"type":        "lab_audit",
		"user_id":     "tech-7",
		"resource":    "staging",
		"resource_id": "row-1",
		"action":      "map",
		"method":      "POST",
		"status":      float64(200),
		"level":       "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
	if entry["request_id"] == "" || entry["request_id"] == nil {
		t.Error("request id missing")
	}
}

func TestAudit_RecordsFailureStatus(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodPost, "/api/v1/lab/devices/d1/messages", "")
	err := Audit(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "missing capability lab.ingest")
	})(c)
	if err == nil {
		t.Fatal("handler error must be returned")
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["status"] != float64(http.StatusForbidden) || entry["level"] != "warn" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestAuditTarget(t *testing.T) {
	tests := []struct{ route, resource, action string }{
		{"/api/v1/lab/devices/:id/messages", "devices", "messages"},
		{"/api/v1/lab/mapping/devices/:id/auto-map", "devices", "auto-map"},
		{"/api/v1/lab/mapping/samples/:sampleId/auto-map", "samples", "auto-map"},
		{"/api/v1/lab/mapping/staging/:rowId/map", "staging", "map"},
		{"/api/v1/lab/devices", "devices", "create"},
		{"", "unknown", "unknown"},
	}
	for _, tt := range tests {
		r, a := auditTarget(tt.route)
		if r != tt.resource || a != tt.action {
			t.Errorf("auditTarget(%q) = %s, %s; want %s, %s", tt.route, r, a, tt.resource, tt.action)
		}
	}
}
