package metering

import (
	"context"
	"time"
)

// RunSweep scans the coordination store for buffers with usage left behind
// by crashed or restarted instances and re-drives their flush evaluation.
// A fleet-wide lock keeps a single sweep running at a time; losing the
// acquisition means another instance is already sweeping.
func (e *Engine) RunSweep(ctx context.Context) error {
	sweepLock := e.store.SweepLockKey()

	acquired, err := e.store.SetNX(ctx, sweepLock, "1", e.config.SweepLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		e.logger.Debug("Sweep already running elsewhere, skipping")
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := e.store.Delete(releaseCtx, sweepLock); releaseErr != nil {
			e.logger.Error("Failed to release sweep lock, TTL will expire it", "error", releaseErr)
		}
	}()

	keys, err := e.store.ScanKeys(ctx, e.store.UsageKeyPattern())
	if err != nil {
		return err
	}

	resumed := 0
	for _, key := range keys {
		customerID, meter, err := e.store.ParseUsageKey(key)
		if err != nil {
			e.logger.Warn("Skipping unparseable usage key", "key", key, "error", err)
			continue
		}

		accumulated, err := e.store.GetInt(ctx, key)
		if err != nil {
			e.logger.Warn("Failed to read buffer during sweep", "key", key, "error", err)
			continue
		}
		if accumulated <= 0 {
			continue
		}

		// A held report lock means another instance is mid-flight for
		// this customer right now.
		held, err := e.store.Exists(ctx, e.store.LockKey(customerID))
		if err != nil {
			e.logger.Warn("Failed to check report lock during sweep", "customer", customerID, "error", err)
			continue
		}
		if held {
			continue
		}

		if err := e.RecordUsage(ctx, customerID, meter, 0); err != nil {
			e.logger.Error("Sweep re-evaluation failed", "customer", customerID, "meter", meter, "error", err)
			continue
		}
		resumed++
	}

	e.logger.Info("Recovery sweep finished", "scanned", len(keys), "resumed", resumed)
	return nil
}

// StartSweeper runs one sweep immediately and then periodically until the
// context is cancelled. The startup sweep is the durability backstop for
// deferred timers lost in the previous process.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if err := e.RunSweep(ctx); err != nil {
		e.logger.Error("Startup sweep failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			if err := e.RunSweep(ctx); err != nil {
				e.logger.Error("Periodic sweep failed", "error", err)
			}
		}
	}
}
