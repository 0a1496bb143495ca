package ingest

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/domain/commlog"
	"github.com/ehr/labbridge/internal/domain/staging"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the intake route. mws run after the capability
// check, e.g. a rate limiter keyed on the caller.
func (h *Handler) RegisterRoutes(lab *echo.Group, mws ...echo.MiddlewareFunc) {
	write := lab.Group("", auth.RequireCapability(auth.CapIngest))
	write.POST("/devices/:id/messages", h.PostMessage, mws...)
}

type rejection struct {
	Detail string `json:"detail"`
	*Receipt
}

// PostMessage accepts one raw analyzer message as the request body. The
// body is recorded as-is whatever its content type.
func (h *Handler) PostMessage(c echo.Context) error {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Invalid("id", "must be a UUID")
	}
	body := io.Reader(c.Request().Body)
	if h.svc.maxSize > 0 {
		// One extra byte lets Ingest see the message is oversized.
		body = io.LimitReader(body, int64(h.svc.maxSize)+1)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read message body: %w", err)
	}

	ctx := c.Request().Context()
	rc, err := h.svc.Ingest(ctx, auth.CapabilitiesFromContext(ctx), deviceID, Message{
		Transport: commlog.TransportHTTP,
		Source:    c.RealIP(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	if rc.Rows == nil {
		rc.Rows = []*staging.Row{}
	}
	if rc.Rejected() {
		return c.JSON(http.StatusUnprocessableEntity, rejection{Detail: rc.Reason, Receipt: rc})
	}
	return c.JSON(http.StatusAccepted, rc)
}
