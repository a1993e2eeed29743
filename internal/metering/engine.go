package metering

import (
	"context"
	"strconv"
	"sync"
	"time"

	"usage_meter/internal/audit"
	"usage_meter/internal/coordstore"
	"usage_meter/internal/provider"
	"usage_meter/internal/utils"
)

// Config holds buffering and flushing behavior.
type Config struct {
	FlushThreshold int64         // default accumulated amount that forces a flush
	SyncInterval   time.Duration // max age of buffered usage before a time-based flush
	LockTTL        time.Duration // lease on the per-customer report lock
	CounterTTL     time.Duration // self-cleanup TTL on counters and timestamps
	SweepLockTTL   time.Duration // lease on the fleet-wide sweep lock
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		FlushThreshold: 100,
		SyncInterval:   5 * time.Minute,
		LockTTL:        30 * time.Second,
		CounterTTL:     60 * 24 * time.Hour,
		SweepLockTTL:   5 * time.Minute,
	}
}

const deferredFlushTimeout = 2 * time.Minute

// Engine buffers usage per (customer, meter) in the coordination store and
// flushes it to the billing provider. Correctness under concurrent callers
// and multiple instances relies entirely on the store's atomic primitives
// and the per-customer report lock; the engine holds no cross-process state.
type Engine struct {
	store    *coordstore.Store
	provider provider.MeteringProvider
	audit    audit.Sink
	config   Config
	logger   *utils.Logger

	now func() time.Time

	timersMu sync.Mutex
	timers   map[string]*time.Timer // at most one deferred flush per customer
	stopped  bool
}

// NewEngine creates a metering engine.
func NewEngine(store *coordstore.Store, p provider.MeteringProvider, auditSink audit.Sink, config Config) *Engine {
	if auditSink == nil {
		auditSink = audit.NewNoopSink()
	}
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = DefaultConfig().FlushThreshold
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultConfig().SyncInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultConfig().LockTTL
	}
	if config.SweepLockTTL <= 0 {
		config.SweepLockTTL = DefaultConfig().SweepLockTTL
	}
	return &Engine{
		store:    store,
		provider: p,
		audit:    auditSink,
		config:   config,
		logger:   utils.NewLogger("metering"),
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
}

// RecordOption overrides per-call recording behavior.
type RecordOption func(*recordOptions)

type recordOptions struct {
	flushThreshold int64
}

// WithFlushThreshold overrides the default flush threshold for this call.
// Coarse-grained meters (e.g. token cost in cents) pass a much larger value
// to avoid excessive provider calls.
func WithFlushThreshold(threshold int64) RecordOption {
	return func(o *recordOptions) {
		o.flushThreshold = threshold
	}
}

// RecordUsage atomically adds amount to the (customerID, meter) buffer and
// evaluates the flush conditions. Amount zero re-evaluates a stale buffer
// without adding usage (the recovery sweep and deferred timers use this).
//
// The returned error covers the recording itself; provider failures during a
// synchronous flush are logged and retried later, never surfaced to the
// caller whose usage is already safely buffered.
func (e *Engine) RecordUsage(ctx context.Context, customerID, meter string, amount int64, opts ...RecordOption) error {
	options := recordOptions{flushThreshold: e.config.FlushThreshold}
	for _, opt := range opts {
		opt(&options)
	}

	usageKey := e.store.UsageKey(customerID, meter)

	var (
		accumulated int64
		err         error
	)
	if amount != 0 {
		accumulated, err = e.store.IncrBy(ctx, usageKey, amount, e.config.CounterTTL)
	} else {
		accumulated, err = e.store.GetInt(ctx, usageKey)
	}
	if err != nil {
		return err
	}

	now := e.now()
	lastKey := e.store.LastReportKey(customerID)
	lastUnix, err := e.store.GetInt(ctx, lastKey)
	if err != nil {
		return err
	}

	var elapsed time.Duration
	switch {
	case lastUnix > 0:
		elapsed = now.Sub(time.Unix(lastUnix, 0))
	case amount == 0:
		// Re-evaluating a buffer that has usage but no report history:
		// the sync clock was lost (crash before it was stamped), so the
		// buffer counts as overdue rather than freshly started.
		elapsed = e.config.SyncInterval
	default:
		// First sighting of this customer: start the sync clock so a
		// trickle of small amounts still flushes one interval later.
		if _, err := e.store.SetNX(ctx, lastKey, strconv.FormatInt(now.Unix(), 10), e.config.CounterTTL); err != nil {
			return err
		}
		elapsed = 0
	}

	if elapsed >= e.config.SyncInterval || accumulated >= options.flushThreshold {
		if accumulated <= 0 {
			return nil
		}
		e.cancelDeferred(customerID)
		if _, err := e.AttemptFlush(ctx, customerID, meter); err != nil {
			e.logger.Error("Flush failed, usage stays buffered",
				"customer", customerID, "meter", meter, "error", err)
		}
		return nil
	}

	e.scheduleDeferred(customerID, meter, e.config.SyncInterval-elapsed)
	return nil
}

// scheduleDeferred arms at most one timer per customer that re-evaluates the
// buffer after the remaining sync interval. Timers are process-local; the
// recovery sweep covers their loss on crash or restart.
func (e *Engine) scheduleDeferred(customerID, meter string, wait time.Duration) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	if e.stopped {
		return
	}
	if _, exists := e.timers[customerID]; exists {
		return
	}
	if wait <= 0 {
		wait = time.Second
	}

	e.timers[customerID] = time.AfterFunc(wait, func() {
		e.timersMu.Lock()
		delete(e.timers, customerID)
		e.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), deferredFlushTimeout)
		defer cancel()

		if err := e.RecordUsage(ctx, customerID, meter, 0); err != nil {
			e.logger.Error("Deferred flush evaluation failed",
				"customer", customerID, "meter", meter, "error", err)
		}
	})
}

func (e *Engine) cancelDeferred(customerID string) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	if timer, ok := e.timers[customerID]; ok {
		timer.Stop()
		delete(e.timers, customerID)
	}
}

// pendingTimerCount reports how many deferred flushes are currently armed.
func (e *Engine) pendingTimerCount() int {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	return len(e.timers)
}

// Shutdown stops all deferred timers. Buffered usage survives in the
// coordination store and is picked up by the next sweep.
func (e *Engine) Shutdown() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	e.stopped = true
	for customerID, timer := range e.timers {
		timer.Stop()
		delete(e.timers, customerID)
	}
}
