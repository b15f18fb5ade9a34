// Package postgres implements Postgres-backed stores for the raced server.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing defaults. Races hold short transactions under a room lock,
// so the pool stays small; a saturated pool would stall every room on the
// replica. Overridable per deployment:
//
//	DB_MAX_CONNS            pool ceiling (default 16)
//	DB_MIN_CONNS            idle connections kept warm (default 2)
//	DB_MAX_CONN_LIFETIME    connection recycle age (default 30m)
//	DB_MAX_CONN_IDLE_TIME   idle close threshold (default 10m)
//	DB_HEALTH_CHECK_PERIOD  idle connection probe cadence (default 1m)
const (
	defaultMaxConns          = 16
	defaultMinConns          = 2
	defaultMaxConnLifetime   = 30 * time.Minute
	defaultMaxConnIdleTime   = 10 * time.Minute
	defaultHealthCheckPeriod = time.Minute
)

// NewPool builds a pgxpool.Pool from DATABASE_URL and verifies it with a
// ping before handing it out. Env overrides win over ?pool_* URL params.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = int32(envInt("DB_MAX_CONNS", defaultMaxConns))
	cfg.MinConns = int32(envInt("DB_MIN_CONNS", defaultMinConns))
	cfg.MaxConnLifetime = envDuration("DB_MAX_CONN_LIFETIME", defaultMaxConnLifetime)
	cfg.MaxConnIdleTime = envDuration("DB_MAX_CONN_IDLE_TIME", defaultMaxConnIdleTime)
	cfg.HealthCheckPeriod = envDuration("DB_HEALTH_CHECK_PERIOD", defaultHealthCheckPeriod)

	slog.Info("postgres: pool configured",
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns,
		"max_conn_lifetime", cfg.MaxConnLifetime,
		"max_conn_idle_time", cfg.MaxConnIdleTime,
	)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("postgres: ignoring bad integer env var", "key", key, "value", v)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("postgres: ignoring bad duration env var", "key", key, "value", v)
		return fallback
	}
	return d
}
