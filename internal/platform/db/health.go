package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

func statsOf(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

// Checker is an extra readiness probe (event stream, MQTT session).
type Checker func(ctx context.Context) error

// ReadyHandler reports 200 when the database and every named checker answer
// within five seconds, 503 otherwise.
func ReadyHandler(pool *pgxpool.Pool, checks map[string]Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		components := map[string]string{"database": "ok"}
		if err := pool.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			components["database"] = err.Error()
		}
		for name, check := range checks {
			components[name] = "ok"
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				components[name] = err.Error()
			}
		}

		body := map[string]interface{}{
			"status":     readiness(status),
			"components": components,
			"pool":       statsOf(pool),
		}
		return c.JSON(status, body)
	}
}

func readiness(status int) string {
	if status == http.StatusOK {
		return "ready"
	}
	return "unavailable"
}
