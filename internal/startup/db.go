// Package startup connects to backing services with retries, so a process
// started alongside its dependencies waits for them instead of crashing.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livechat/internal/logger"
)

const maxBackoff = 30 * time.Second

// Retry calls connect until it succeeds, ctx ends or maxWait elapses,
// doubling the pause between attempts.
func Retry[T any](ctx context.Context, name string, maxWait, backoff time.Duration, connect func(context.Context) (T, error)) (T, error) {
	deadline := time.Now().Add(maxWait)
	for attempt := 1; ; attempt++ {
		v, err := connect(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Infof("%s connected after %d attempts", name, attempt)
			}
			return v, nil
		}
		if time.Now().Add(backoff).After(deadline) {
			var zero T
			return zero, fmt.Errorf("%s: gave up after %v: %w", name, maxWait, err)
		}
		logger.Warnf("%s connect failed, retry in %v: %v", name, backoff, err)
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// ConnectDB opens a pool and pings it, retrying for up to maxWait.
func ConnectDB(ctx context.Context, poolCfg *pgxpool.Config, maxWait time.Duration) (*pgxpool.Pool, error) {
	return Retry(ctx, "postgres", maxWait, 2*time.Second, func(ctx context.Context) (*pgxpool.Pool, error) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(connCtx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(connCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return pool, nil
	})
}
