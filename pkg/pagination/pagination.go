package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Clamp applies the default to a non-positive limit and caps it at MaxLimit.
func Clamp(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// LimitFromContext reads ?limit. A missing value yields DefaultLimit; values
// above MaxLimit are capped; anything that is not a positive integer is a
// validation error.
func LimitFromContext(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.Invalid("limit", "must be a positive integer")
	}
	return Clamp(n), nil
}

// Response wraps a list response.
type Response struct {
	Data      interface{} `json:"data"`
	Count     int         `json:"count"`
	Limit     int         `json:"limit"`
	Truncated bool        `json:"truncated"`
}

// NewResponse reports Truncated when the page is full, meaning more rows may
// exist beyond the limit.
func NewResponse(data interface{}, count, limit int) *Response {
	return &Response{
		Data:      data,
		Count:     count,
		Limit:     limit,
		Truncated: count >= limit,
	}
}
