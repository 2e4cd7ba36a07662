// Package application bootstraps the process's external dependencies:
// the database pool, the AWS SDK configuration, and the startup
// credential check.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"soundbite.media/clipsmith/internal/config"
)

var (
	dbOpenBackoffBase  = 1 * time.Second
	dbOpenBackoffScale = 1.618
)

// OpenDBPoolWithRetry opens the PostgreSQL pool, retrying both the
// open and the first ping with a gently growing backoff. Tasks
// regularly start before the database accepts connections.
func OpenDBPoolWithRetry(ctx context.Context, conf *config.Config) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(conf.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}
	cfg.MinConns = int32(conf.DBPoolMinSize)
	cfg.MaxConns = int32(conf.DBPoolMaxSize)

	retries := conf.DatabaseRetries
	if retries <= 0 {
		retries = 10
	}

	slog.Info("connecting to database",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database,
		"pool_min", cfg.MinConns,
		"pool_max", cfg.MaxConns)

	var pool *pgxpool.Pool
	var lastErr error
	for i := 0; i < retries; i++ {
		if pool, err = pgxpool.NewWithConfig(ctx, cfg); err == nil {
			break
		}
		lastErr = err
		backoff := openBackoff(i)
		slog.Warn("database open failed, retrying",
			"attempt", i+1, "backoff", backoff, "error", err)
		if !sleepCtx(ctx, backoff) {
			return nil, ctx.Err()
		}
	}
	if pool == nil {
		return nil, fmt.Errorf("open database after %d attempts: %w", retries, lastErr)
	}

	for i := 0; i < retries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			slog.Info("database connection verified", "host", cfg.ConnConfig.Host)
			return pool, nil
		}
		lastErr = err
		backoff := openBackoff(i)
		slog.Warn("database ping failed, retrying",
			"attempt", i+1, "backoff", backoff, "error", err)
		if !sleepCtx(ctx, backoff) {
			break
		}
	}

	pool.Close()
	return nil, fmt.Errorf("ping database after %d attempts: %w", retries, lastErr)
}

func openBackoff(attempt int) time.Duration {
	return time.Duration(float64(dbOpenBackoffBase) * math.Pow(dbOpenBackoffScale, float64(attempt)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
