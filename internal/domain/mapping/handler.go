package mapping

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
	read.GET("/devices/:id/channels", h.ListMappings)
	read.GET("/channels/:id", h.GetMapping)

	write := lab.Group("", auth.RequireCapability(auth.CapManage))
	write.POST("/devices/:id/channels", h.CreateMapping)
	write.PUT("/channels/:id", h.UpdateMapping)
	write.DELETE("/channels/:id", h.DeleteMapping)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Invalid("id", "must be a UUID")
	}
	return id, nil
}

func (h *Handler) ListMappings(c echo.Context) error {
	deviceID, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	f := ListFilter{Search: c.QueryParam("search"), ActiveOnly: c.QueryParam("active") == "true"}
	items, err := h.svc.ListMappings(ctx, auth.CapabilitiesFromContext(ctx), deviceID, f)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Mapping{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetMapping(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := h.svc.GetMapping(ctx, auth.CapabilitiesFromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) CreateMapping(c echo.Context) error {
	deviceID, err := parseID(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Invalid("", "malformed request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := h.svc.CreateMapping(ctx, auth.CapabilitiesFromContext(ctx), deviceID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) UpdateMapping(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Invalid("", "malformed request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := h.svc.UpdateMapping(ctx, auth.CapabilitiesFromContext(ctx), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) DeleteMapping(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteMapping(ctx, auth.CapabilitiesFromContext(ctx), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
