package reconciliation

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(lab *echo.Group) {
	m := lab.Group("/mapping", auth.RequireCapability(auth.CapManage))
	m.POST("/devices/:id/auto-map", h.AutoMapDevice)
	m.POST("/samples/:sampleId/auto-map", h.AutoMapSample)
	m.POST("/staging/:rowId/map", h.MapRow)
}

func retryErrors(c echo.Context) (bool, error) {
	raw := c.QueryParam("retry_errors")
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Invalid("retry_errors", "must be a boolean")
	}
	return v, nil
}

func (h *Handler) AutoMapDevice(c echo.Context) error {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Invalid("id", "must be a UUID")
	}
	limit, err := pagination.LimitFromContext(c)
	if err != nil {
		return err
	}
	retry, err := retryErrors(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.engine.AutoMapDevice(ctx, auth.CapabilitiesFromContext(ctx), deviceID, Options{Limit: limit, RetryErrors: retry})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AutoMapSample(c echo.Context) error {
	retry, err := retryErrors(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.engine.AutoMapSample(ctx, auth.CapabilitiesFromContext(ctx), c.Param("sampleId"), Options{RetryErrors: retry})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) MapRow(c echo.Context) error {
	rowID, err := uuid.Parse(c.Param("rowId"))
	if err != nil {
		return apperr.Invalid("rowId", "must be a UUID")
	}
	ctx := c.Request().Context()
	o, err := h.engine.MapRow(ctx, auth.CapabilitiesFromContext(ctx), rowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}
