package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/platform/auth"
)

// AuditEntry records one operator action on the lab API.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Action     string
	Resource   string
	ResourceID string
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// Audit logs every state-changing request: message intake, mapping runs
// and manual maps. Reads are not audited. The entry is written after the
// handler so the final status is known.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				StatusCode: c.Response().Status,
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.StatusCode = he.Code
				} else if !c.Response().Committed {
					entry.StatusCode = http.StatusInternalServerError
				}
			}
			ctx := c.Request().Context()
			entry.UserID = auth.UserIDFromContext(ctx)
			entry.UserRoles = auth.RolesFromContext(ctx)
			if tid, ok := c.Get("jwt_tenant_id").(string); ok {
				entry.TenantID = tid
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			entry.Resource, entry.Action = auditTarget(c.Path())
			for _, p := range []string{"rowId", "id", "sampleId"} {
				if v := c.Param(p); v != "" {
					entry.ResourceID = v
					break
				}
			}

			evt := logger.Info()
			if entry.StatusCode >= http.StatusBadRequest {
				evt = logger.Warn()
			}
			evt.Str("type", "lab_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("tenant", entry.TenantID).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("lab_action")
			return err
		}
	}
}

// auditTarget names the resource and action from the route template, e.g.
// /api/v1/lab/mapping/staging/:rowId/map -> staging, map.
func auditTarget(route string) (resource, action string) {
	var segs []string
	for _, s := range strings.Split(strings.TrimPrefix(route, "/api/v1/lab/"), "/") {
		if s != "" && !strings.HasPrefix(s, ":") {
			segs = append(segs, s)
		}
	}
	switch len(segs) {
	case 0:
		return "unknown", "unknown"
	case 1:
		return segs[0], "create"
	}
	return segs[len(segs)-2], segs[len(segs)-1]
}
