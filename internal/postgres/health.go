package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker reports database reachability for the readiness endpoint.
// A race server that cannot persist must not accept new connections, so
// this feeds /health/ready rather than /health/live.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker wraps a pool for readiness checks.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// HealthCheck pings the pool.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	if err := h.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}
