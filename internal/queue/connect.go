package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"saga-server/internal/models"
)

const (
	connectMaxAttempts = 10
	connectBaseDelay   = 500 * time.Millisecond
	connectMaxDelay    = 5 * time.Second
)

// Connect establishes a Redis connection with bounded exponential backoff.
// The retrying lives here, beneath the Queue abstraction; queue operations
// themselves surface errors without retrying so callers can decide.
func Connect(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*redis.Client, error) {
	log := logger.Named("QueueConnect")

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	var lastErr error
	for attempt := 1; attempt <= connectMaxAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			log.Info("Connected to Redis", zap.String("addr", addr), zap.Int("attempt", attempt))
			return client, nil
		}

		if attempt == connectMaxAttempts {
			break
		}

		delay := time.Duration(float64(connectBaseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > connectMaxDelay {
			delay = connectMaxDelay
		}
		log.Warn("Redis connection attempt failed, retrying",
			zap.String("addr", addr),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", connectMaxAttempts),
			zap.Duration("retryIn", delay),
			zap.Error(lastErr))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		}
	}

	_ = client.Close()
	log.Error("Giving up connecting to Redis",
		zap.String("addr", addr),
		zap.Int("attempts", connectMaxAttempts),
		zap.Error(lastErr))
	return nil, fmt.Errorf("%w: connect to %s after %d attempts: %v",
		models.ErrQueueUnavailable, addr, connectMaxAttempts, lastErr)
}
