package metering

import (
	"context"
	"strconv"
	"time"

	"usage_meter/internal/audit"
	"usage_meter/internal/provider"
)

// AttemptFlush tries to report the accumulated usage for one (customer,
// meter) pair. It acquires the per-customer report lock first; losing the
// race is a deferral, not an error, and returns (false, nil).
//
// On a confirmed send the buffer is decremented by exactly the amount that
// was sent, so increments that landed during the provider call survive for
// the next flush. On provider failure nothing is decremented.
func (e *Engine) AttemptFlush(ctx context.Context, customerID, meter string) (reported bool, err error) {
	lockKey := e.store.LockKey(customerID)

	acquired, err := e.store.SetNX(ctx, lockKey, strconv.FormatInt(e.now().UnixNano(), 10), e.config.LockTTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		e.logger.Debug("Report already in progress, deferring", "customer", customerID)
		return false, nil
	}

	// Release on every path, with a fresh context so a cancelled caller
	// cannot leave the customer locked until the TTL expires.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := e.store.Delete(releaseCtx, lockKey); releaseErr != nil {
			e.logger.Error("Failed to release report lock, TTL will expire it",
				"customer", customerID, "error", releaseErr)
		}
	}()

	usageKey := e.store.UsageKey(customerID, meter)
	accumulated, err := e.store.GetInt(ctx, usageKey)
	if err != nil {
		return false, err
	}
	if accumulated <= 0 {
		return false, nil
	}

	now := e.now()
	ev := provider.Event{
		CustomerID: customerID,
		Meter:      meter,
		Value:      accumulated,
		Timestamp:  now,
	}
	if err := e.provider.SendEvent(ctx, ev); err != nil {
		return false, err
	}

	if _, err := e.store.DecrBy(ctx, usageKey, accumulated); err != nil {
		// The send was confirmed but the buffer still holds the amount:
		// the next flush would double-report. Surface loudly.
		e.logger.Error("CRITICAL: confirmed send but buffer decrement failed",
			"customer", customerID, "meter", meter, "amount", accumulated, "error", err)
		return true, err
	}

	if err := e.store.Set(ctx, e.store.LastReportKey(customerID), strconv.FormatInt(now.Unix(), 10), e.config.CounterTTL); err != nil {
		e.logger.Warn("Failed to record last report time", "customer", customerID, "error", err)
	}

	if err := e.audit.Record(&audit.ReportRecord{
		Timestamp:  now,
		CustomerID: customerID,
		Meter:      meter,
		Value:      accumulated,
		Kind:       "meter_event",
	}); err != nil {
		e.logger.Warn("Failed to record audit entry", "customer", customerID, "error", err)
	}

	e.logger.Info("Reported usage", "customer", customerID, "meter", meter, "value", accumulated)
	return true, nil
}
