package auth

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

type Capability string

const (
	CapView   Capability = "lab.view"
	CapManage Capability = "lab.manage"
	// CapIngest submits raw analyzer messages and nothing else.
	CapIngest Capability = "lab.ingest"
)

const capabilitiesKey contextKey = "lab_capabilities"

var roleCapabilities = map[string][]Capability{
	"admin":        {CapView, CapManage, CapIngest},
	"lab_admin":    {CapView, CapManage, CapIngest},
	"lab_tech":     {CapView, CapManage, CapIngest},
	"lab_analyzer": {CapIngest},
	"physician":    {CapView},
	"nurse":        {CapView},
}

// Capabilities is the caller's permission set. Services receive it as an
// explicit argument; the zero value grants nothing.
type Capabilities struct {
	set map[Capability]bool
}

func NewCapabilities(caps ...Capability) Capabilities {
	set := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return Capabilities{set: set}
}

// SystemCapabilities is used by ingestion transports and the CLI.
func SystemCapabilities() Capabilities {
	return NewCapabilities(CapView, CapManage, CapIngest)
}

func CapabilitiesForRoles(roles []string) Capabilities {
	var caps []Capability
	for _, r := range roles {
		caps = append(caps, roleCapabilities[strings.ToLower(r)]...)
	}
	return NewCapabilities(caps...)
}

func (c Capabilities) Has(cap Capability) bool {
	return c.set[cap]
}

// Require returns a PermissionError when cap is missing.
func (c Capabilities) Require(cap Capability) error {
	if !c.Has(cap) {
		return &apperr.PermissionError{Capability: string(cap)}
	}
	return nil
}

func (c Capabilities) List() []string {
	out := make([]string, 0, len(c.set))
	for cap := range c.set {
		out = append(out, string(cap))
	}
	sort.Strings(out)
	return out
}

// WithCapabilities attaches caps to ctx. Used by tests and by callers that
// act on behalf of the system.
func WithCapabilities(ctx context.Context, caps Capabilities) context.Context {
	return context.WithValue(ctx, capabilitiesKey, caps)
}

func CapabilitiesFromContext(ctx context.Context) Capabilities {
	caps, _ := ctx.Value(capabilitiesKey).(Capabilities)
	return caps
}

// RequireCapability rejects requests lacking cap before the handler runs.
// Services check again with the capability set they are handed.
func RequireCapability(cap Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !CapabilitiesFromContext(c.Request().Context()).Has(cap) {
				return echo.NewHTTPError(http.StatusForbidden, "missing capability "+string(cap))
			}
			return next(c)
		}
	}
}
