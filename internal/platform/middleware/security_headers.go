package middleware

import "github.com/labstack/echo/v4"

// SecurityHeaders sets the response headers for a JSON API that serves
// patient results. HSTS is only sent when the service sits behind TLS.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	headers := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
	if hsts {
		headers["Strict-Transport-Security"] = "max-age=31536000"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range headers {
				h.Set(k, v)
			}
			return next(c)
		}
	}
}
