package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/onkyo-remote/internal/onkyo"
)

type dialFunc func(ctx context.Context) (*onkyo.Client, error)

// open creates a client and waits until its transport is open. On failure
// the client has already cleaned itself up.
func open(ctx context.Context, device string, cb onkyo.Callback, opts ...onkyo.Option) (*onkyo.Client, error) {
	c, err := onkyo.New(device, cb, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Opened().Wait(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// connectWithRetry dials with exponential backoff: 1s doubling to 60s.
// maxAttempts 0 retries until ctx is done.
func connectWithRetry(ctx context.Context, log *zap.Logger, dial dialFunc, maxAttempts int) (*onkyo.Client, error) {
	return retry(ctx, log, dial, maxAttempts, time.Second, 60*time.Second)
}

func retry(ctx context.Context, log *zap.Logger, dial dialFunc, maxAttempts int, delay, maxDelay time.Duration) (*onkyo.Client, error) {
	for attempt := 1; ; attempt++ {
		c, err := dial(ctx)
		if err == nil {
			log.Info("connected", zap.Int("attempt", attempt))
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, err
		}
		log.Warn("connect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
