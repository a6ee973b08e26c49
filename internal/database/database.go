package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	connectMaxAttempts = 10
	connectRetryDelay  = 3 * time.Second
)

// Config holds PostgreSQL pool settings.
type Config struct {
	DSN         string
	MaxConns    int32
	IdleTimeout time.Duration
}

// Connect initializes a pgx pool, retrying with a fixed delay until the
// database is reachable or the attempt ceiling is hit.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	log := logger.Named("Database")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.IdleTimeout > 0 {
		poolConfig.MaxConnIdleTime = cfg.IdleTimeout
	}

	var pool *pgxpool.Pool
	var lastErr error
	for attempt := 1; attempt <= connectMaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pool, lastErr = pgxpool.NewWithConfig(attemptCtx, poolConfig)
		if lastErr == nil {
			lastErr = pool.Ping(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			log.Info("Connected to PostgreSQL", zap.Int("attempt", attempt))
			return pool, nil
		}
		if pool != nil {
			pool.Close()
			pool = nil
		}

		log.Warn("PostgreSQL connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", connectMaxAttempts),
			zap.Error(lastErr))

		if attempt == connectMaxAttempts {
			break
		}
		select {
		case <-time.After(connectRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", connectMaxAttempts, lastErr)
}
