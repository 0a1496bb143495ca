package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds message intake per caller.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// ExpiresIn drops idle callers from the limiter.
	ExpiresIn time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 20, BurstSize: 100, ExpiresIn: 3 * time.Minute}
}

// RateLimit returns a token bucket limiter keyed on the analyzer key name
// when the caller used one, else on tenant and client IP.
func RateLimit(cfg RateLimitConfig, logger zerolog.Logger) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: cfg.ExpiresIn,
	})
	retryAfter := 1
	if cfg.RequestsPerSecond > 0 && cfg.RequestsPerSecond < 1 {
		retryAfter = int(1/cfg.RequestsPerSecond) + 1
	}

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store:               store,
		IdentifierExtractor: func(c echo.Context) (string, error) { return rateLimitKey(c), nil },
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			logger.Warn().Str("caller", identifier).Str("path", c.Request().URL.Path).Msg("rate limit exceeded")
			c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
			c.Response().Header().Set("X-RateLimit-Limit", limit)
			c.Response().Header().Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

func rateLimitKey(c echo.Context) string {
	if name, ok := c.Get("api_key_name").(string); ok && name != "" {
		return "key:" + name
	}
	key := c.RealIP()
	if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
		key = tenantID + ":" + key
	}
	return key
}
