package device

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(lab *echo.Group) {
	read := lab.Group("", auth.RequireCapability(auth.CapView))
	read.GET("/devices", h.ListDevices)
	read.GET("/devices/:id", h.GetDevice)

	write := lab.Group("", auth.RequireCapability(auth.CapManage))
	write.POST("/devices", h.CreateDevice)
	write.PUT("/devices/:id/active", h.SetActive)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Invalid(name, "must be a UUID")
	}
	return id, nil
}

func (h *Handler) ListDevices(c echo.Context) error {
	ctx := c.Request().Context()
	items, err := h.svc.ListDevices(ctx, auth.CapabilitiesFromContext(ctx), c.QueryParam("active") == "true")
	if err != nil {
		return err
	}
	out := make([]Summary, 0, len(items))
	for _, d := range items {
		out = append(out, d.Summary())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetDevice(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.svc.GetDevice(ctx, auth.CapabilitiesFromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) CreateDevice(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Invalid("", "malformed request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.svc.CreateDevice(ctx, auth.CapabilitiesFromContext(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) SetActive(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req ActiveRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Invalid("", "malformed request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.svc.SetActive(ctx, auth.CapabilitiesFromContext(ctx), id, *req.Active)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}
