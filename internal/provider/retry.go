package provider

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"usage_meter/internal/utils"
)

// RetryConfig bounds the retry loop around provider calls.
type RetryConfig struct {
	Attempts   int           // total attempts, including the first
	BackoffMin time.Duration // lower bound of the per-attempt backoff unit
	BackoffMax time.Duration // upper bound (exclusive) of the backoff unit
}

// DefaultRetryConfig returns the stock 3-attempt, 1-3s jittered policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:   3,
		BackoffMin: 1 * time.Second,
		BackoffMax: 3 * time.Second,
	}
}

// RetryingClient wraps a MeteringProvider with bounded retry and jittered
// backoff. Any provider error is treated as retryable within the attempt
// budget; the final error is propagated so the caller keeps the usage
// buffered.
type RetryingClient struct {
	inner  MeteringProvider
	config RetryConfig
	logger *utils.Logger
	sleep  func(time.Duration) // replaced in tests
}

// NewRetryingClient wraps the given provider.
func NewRetryingClient(inner MeteringProvider, config RetryConfig) *RetryingClient {
	if config.Attempts < 1 {
		config.Attempts = 1
	}
	if config.BackoffMax <= config.BackoffMin {
		config.BackoffMax = config.BackoffMin + 1
	}
	return &RetryingClient{
		inner:  inner,
		config: config,
		logger: utils.NewLogger("metering-provider"),
		sleep:  time.Sleep,
	}
}

// SendEvent submits an event with retries.
func (c *RetryingClient) SendEvent(ctx context.Context, ev Event) error {
	return c.withRetry(ctx, "send event", func() error {
		return c.inner.SendEvent(ctx, ev)
	})
}

// SetSubscriptionQuantity sets an absolute quantity with retries. The update
// is idempotent so retrying after a lost response is safe.
func (c *RetryingClient) SetSubscriptionQuantity(ctx context.Context, subscriptionItemID string, quantity int64) error {
	return c.withRetry(ctx, "set subscription quantity", func() error {
		return c.inner.SetSubscriptionQuantity(ctx, subscriptionItemID, quantity)
	})
}

func (c *RetryingClient) withRetry(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.config.Attempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoff(attempt - 1)
			c.logger.Debug("Retrying provider call", "op", op, "attempt", attempt, "backoff", backoff)
			c.sleep(backoff)

			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%s aborted: %w", op, err)
			}
		}

		if err := call(); err != nil {
			lastErr = err
			c.logger.Warn("Provider call failed", "op", op, "attempt", attempt, "error", err)
			continue
		}
		return nil
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.Attempts, lastErr)
}

// backoff returns attempt x random[min,max) to spread concurrent retries.
func (c *RetryingClient) backoff(attempt int) time.Duration {
	spread := c.config.BackoffMax - c.config.BackoffMin
	unit := c.config.BackoffMin + time.Duration(rand.Int63n(int64(spread)))
	return time.Duration(attempt) * unit
}
