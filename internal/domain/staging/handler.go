package staging

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
	read.GET("/devices/:id/results/staging", h.ListRows)
	read.GET("/devices/:id/results/staging/export", h.ExportRows)
	read.GET("/staging/:rowId", h.GetRow)
}

func (h *Handler) rows(c echo.Context) (uuid.UUID, []*Row, int, error) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, nil, 0, apperr.Invalid("id", "must be a UUID")
	}
	limit, err := pagination.LimitFromContext(c)
	if err != nil {
		return uuid.Nil, nil, 0, err
	}
	f := ListFilter{
		Status:   Status(c.QueryParam("status")),
		SampleID: c.QueryParam("sample_id"),
		Limit:    limit,
	}
	ctx := c.Request().Context()
	items, err := h.svc.ListRows(ctx, auth.CapabilitiesFromContext(ctx), deviceID, f)
	return deviceID, items, limit, err
}

func (h *Handler) ListRows(c echo.Context) error {
	_, items, limit, err := h.rows(c)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Row{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), limit))
}

func (h *Handler) GetRow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("rowId"))
	if err != nil {
		return apperr.Invalid("rowId", "must be a UUID")
	}
	ctx := c.Request().Context()
	row, err := h.svc.GetRow(ctx, auth.CapabilitiesFromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, row)
}

var exportColumns = []xlsx.Column{
	{Header: "Received At", Width: 20},
	{Header: "Sample", Width: 16},
	{Header: "Patient Ref", Width: 14},
	{Header: "Code", Width: 12},
	{Header: "Name", Width: 24},
	{Header: "Value", Width: 12},
	{Header: "Unit", Width: 10},
	{Header: "Range", Width: 14},
	{Header: "Flag", Width: 6},
	{Header: "Result Status", Width: 12},
	{Header: "Status", Width: 10},
	{Header: "Test", Width: 14},
	{Header: "Order", Width: 16},
	{Header: "Error", Width: 40},
}

func (h *Handler) ExportRows(c echo.Context) error {
	deviceID, items, _, err := h.rows(c)
	if err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, r := range items {
		rows = append(rows, []interface{}{
			r.ReceivedAt, r.SampleID, r.PatientRef, r.NativeCode, r.NativeName, r.Value, r.Unit,
			r.ReferenceRange, r.AbnormalFlag, string(r.ResultStatus), string(r.Status),
			r.InternalTestID, r.OrderID, r.ErrorMessage,
		})
	}
	data, err := xlsx.Render(xlsx.Sheet{Name: "Staging Results", Columns: exportColumns, Rows: rows})
	if err != nil {
		return fmt.Errorf("render staging export: %w", err)
	}
	name := xlsx.Filename("staging", deviceID.String()[:8], time.Now())
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, name))
	return c.Blob(http.StatusOK, xlsx.ContentType, data)
}
