package commlog

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/xlsx"
	"github.com/ehr/labbridge/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(lab *echo.Group) {
	read := lab.Group("", auth.RequireCapability(auth.CapView))
	read.GET("/devices/:id/logs", h.ListEntries)
	read.GET("/devices/:id/logs/export", h.ExportEntries)
}

func (h *Handler) entries(c echo.Context) (uuid.UUID, []*Entry, error) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, nil, apperr.Invalid("id", "must be a UUID")
	}
	limit, err := pagination.LimitFromContext(c)
	if err != nil {
		return uuid.Nil, nil, err
	}
	ctx := c.Request().Context()
	items, err := h.svc.ListEntries(ctx, auth.CapabilitiesFromContext(ctx), deviceID, limit)
	return deviceID, items, err
}

func (h *Handler) ListEntries(c echo.Context) error {
	_, items, err := h.entries(c)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, items)
}

var exportColumns = []xlsx.Column{
	{Header: "Logged At", Width: 20},
	{Header: "Direction", Width: 10},
	{Header: "Transport", Width: 10},
	{Header: "Source", Width: 22},
	{Header: "Control ID", Width: 20},
	{Header: "Status", Width: 10},
	{Header: "Rows", Width: 8},
	{Header: "Samples", Width: 30},
	{Header: "Error", Width: 40},
	{Header: "Size", Width: 10},
	{Header: "Payload Preview", Width: 80},
}

func (h *Handler) ExportEntries(c echo.Context) error {
	deviceID, items, err := h.entries(c)
	if err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, e := range items {
		rows = append(rows, []interface{}{
			e.LoggedAt, string(e.Direction), string(e.Transport), e.SourceEndpoint, e.MessageControlID,
			string(e.Status), e.RowCount, e.SampleIDs, e.ErrorMessage, e.PayloadSize, e.PayloadPreview,
		})
	}
	data, err := xlsx.Render(xlsx.Sheet{Name: "Communication Log", Columns: exportColumns, Rows: rows})
	if err != nil {
		return fmt.Errorf("render log export: %w", err)
	}
	name := xlsx.Filename("comm-log", deviceID.String()[:8], time.Now())
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, name))
	return c.Blob(http.StatusOK, xlsx.ContentType, data)
}
