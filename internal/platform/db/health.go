package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// MigrationInspector reads migration state without changing it. *Migrator
// satisfies it.
type MigrationInspector interface {
	Inspect(ctx context.Context, schema string) ([]MigrationStatus, error)
}

// SchemaHealth summarises how far a clinic schema is migrated.
type SchemaHealth struct {
	ClinicID       string `json:"clinic_id"`
	Schema         string `json:"schema"`
	CurrentVersion int    `json:"current_version"`
	Applied        int    `json:"applied"`
	Pending        int    `json:"pending"`
	Error          string `json:"error,omitempty"`
}

func checkSchema(ctx context.Context, clinicID string, inspector MigrationInspector) *SchemaHealth {
	h := &SchemaHealth{ClinicID: clinicID, Schema: SchemaName(clinicID)}
	statuses, err := inspector.Inspect(ctx, h.Schema)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	for _, s := range statuses {
		if !s.Applied {
			h.Pending++
			continue
		}
		h.Applied++
		if s.Version > h.CurrentVersion {
			h.CurrentVersion = s.Version
		}
	}
	return h
}

// HealthHandler reports database reachability together with pool stats and,
// when inspector is set, the migration state of the clinic's schema. A
// reachable database with a schema behind the migrations is "degraded".
func HealthHandler(pool *pgxpool.Pool, clinicID string, inspector MigrationInspector) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		code, body := healthReport(ctx, pool.Ping, GetPoolStats(pool), clinicID, inspector)
		return c.JSON(code, body)
	}
}

func healthReport(ctx context.Context, ping func(context.Context) error, stats *PoolStats, clinicID string, inspector MigrationInspector) (int, map[string]interface{}) {
	if err := ping(ctx); err != nil {
		stats.Healthy = false
		return http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
			"pool":   stats,
		}
	}

	body := map[string]interface{}{
		"status": "healthy",
		"pool":   stats,
	}
	if inspector != nil {
		schema := checkSchema(ctx, clinicID, inspector)
		body["schema"] = schema
		if schema.Error != "" || schema.Pending > 0 {
			body["status"] = "degraded"
		}
	}
	return http.StatusOK, body
}
