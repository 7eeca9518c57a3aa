package db

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports database connectivity and pool statistics.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    time.Duration `json:"responseTimeMs"`
	OpenConnections int           `json:"openConnections"`
	InUse           int           `json:"inUse"`
	Idle            int           `json:"idle"`
	MaxOpenConns    int           `json:"maxOpenConns"`
}

// Health pings sqlDB and reports pool stats alongside the ping outcome.
func Health(ctx context.Context, sqlDB *sql.DB) (*HealthStatus, error) {
	start := time.Now()

	if err := sqlDB.PingContext(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start)}, err
	}

	stats := sqlDB.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		MaxOpenConns:    stats.MaxOpenConnections,
	}, nil
}
