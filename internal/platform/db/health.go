package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Check probes one backing service.
type Check func(ctx context.Context) error

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Name    string     `json:"name"`
	Healthy bool       `json:"healthy"`
	Error   string     `json:"error,omitempty"`
	Latency string     `json:"latency"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

// HealthHandler runs every check with a shared five second deadline and
// answers 503 if any of them fails. pool may be nil.
func HealthHandler(checks map[string]Check, pool *pgxpool.Pool) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		results := make([]ComponentHealth, 0, len(names))
		for _, name := range names {
			start := time.Now()
			err := checks[name](ctx)
			res := ComponentHealth{Name: name, Healthy: err == nil, Latency: time.Since(start).String()}
			if err != nil {
				res.Error = err.Error()
				status, code = "unhealthy", http.StatusServiceUnavailable
			}
			if name == "postgres" && pool != nil {
				res.Pool = GetPoolStats(pool)
			}
			results = append(results, res)
		}

		return c.JSON(code, map[string]interface{}{
			"status":     status,
			"components": results,
		})
	}
}
