package metering

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_meter/internal/coordstore"
	"usage_meter/internal/provider"
)

// fakeProvider records events and can be told to fail or block
type fakeProvider struct {
	mu         sync.Mutex
	events     []provider.Event
	quantities map[string]int64
	failAll    bool
	blockCh    chan struct{} // when non-nil, SendEvent waits on it
	onSend     func()        // runs before the event is recorded
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{quantities: make(map[string]int64)}
}

func (p *fakeProvider) SendEvent(ctx context.Context, ev provider.Event) error {
	if p.blockCh != nil {
		<-p.blockCh
	}
	if p.onSend != nil {
		p.onSend()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return fmt.Errorf("simulated provider outage")
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakeProvider) SetSubscriptionQuantity(ctx context.Context, subscriptionItemID string, quantity int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return fmt.Errorf("simulated provider outage")
	}
	p.quantities[subscriptionItemID] = quantity
	return nil
}

func (p *fakeProvider) sentEvents() []provider.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakeProvider) sentTotal() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum int64
	for _, ev := range p.events {
		sum += ev.Value
	}
	return sum
}

func setupEngine(t *testing.T, p provider.MeteringProvider, cfg Config) (*Engine, *coordstore.Store) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := coordstore.New(client, "usage")
	engine := NewEngine(store, p, nil, cfg)
	t.Cleanup(engine.Shutdown)

	return engine, store
}

func testConfig() Config {
	return Config{
		FlushThreshold: 100,
		SyncInterval:   5 * time.Minute,
		LockTTL:        30 * time.Second,
		CounterTTL:     time.Hour,
		SweepLockTTL:   time.Minute,
	}
}

func TestRecordUsage_ThresholdTrigger(t *testing.T) {
	t.Run("at threshold flushes synchronously", func(t *testing.T) {
		fake := newFakeProvider()
		engine, store := setupEngine(t, fake, testConfig())
		ctx := context.Background()

		require.NoError(t, engine.RecordUsage(ctx, "cus_1", "tasks", 100))

		events := fake.sentEvents()
		require.Len(t, events, 1)
		assert.Equal(t, int64(100), events[0].Value)
		assert.Equal(t, "cus_1", events[0].CustomerID)
		assert.Equal(t, "tasks", events[0].Meter)

		remaining, err := store.GetInt(ctx, store.UsageKey("cus_1", "tasks"))
		require.NoError(t, err)
		assert.Equal(t, int64(0), remaining)
	})

	t.Run("below threshold defers", func(t *testing.T) {
		fake := newFakeProvider()
		engine, store := setupEngine(t, fake, testConfig())
		ctx := context.Background()

		require.NoError(t, engine.RecordUsage(ctx, "cus_1", "tasks", 99))

		assert.Empty(t, fake.sentEvents())
		assert.Equal(t, 1, engine.pendingTimerCount())

		remaining, err := store.GetInt(ctx, store.UsageKey("cus_1", "tasks"))
		require.NoError(t, err)
		assert.Equal(t, int64(99), remaining)
	})

	t.Run("per-call threshold override", func(t *testing.T) {
		fake := newFakeProvider()
		engine, _ := setupEngine(t, fake, testConfig())
		ctx := context.Background()

		// 150 crosses the default threshold but not the override
		require.NoError(t, engine.RecordUsage(ctx, "cus_1", "token_cost", 150, WithFlushThreshold(10000)))
		assert.Empty(t, fake.sentEvents())

		require.NoError(t, engine.RecordUsage(ctx, "cus_1", "token_cost", 9850, WithFlushThreshold(10000)))
		events := fake.sentEvents()
		require.Len(t, events, 1)
		assert.Equal(t, int64(10000), events[0].Value)
	})
}

func TestRecordUsage_AccumulatesAcrossCalls(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	require.NoError(t, engine.RecordUsage(ctx, "cust-1", "tasks", 40))
	assert.Empty(t, fake.sentEvents())

	require.NoError(t, engine.RecordUsage(ctx, "cust-1", "tasks", 65))

	events := fake.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, int64(105), events[0].Value)

	remaining, err := store.GetInt(ctx, store.UsageKey("cust-1", "tasks"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestRecordUsage_TimeTrigger(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	epoch := time.Now()
	engine.now = func() time.Time { return epoch }

	// Last report was 10 minutes ago, sync interval is 5
	lastReport := epoch.Add(-10 * time.Minute)
	require.NoError(t, store.Set(ctx, store.LastReportKey("cus_1"), strconv.FormatInt(lastReport.Unix(), 10), time.Hour))

	require.NoError(t, engine.RecordUsage(ctx, "cus_1", "tasks", 3))

	events := fake.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Value)

	// Last report timestamp moved forward to now
	lastUnix, err := store.GetInt(ctx, store.LastReportKey("cus_1"))
	require.NoError(t, err)
	assert.Equal(t, epoch.Unix(), lastUnix)
}

func TestRecordUsage_FreshBufferNotTimeTriggered(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	// No report history: the first small amount starts the sync clock
	// instead of flushing immediately
	require.NoError(t, engine.RecordUsage(ctx, "cus_1", "tasks", 1))
	assert.Empty(t, fake.sentEvents())

	lastUnix, err := store.GetInt(ctx, store.LastReportKey("cus_1"))
	require.NoError(t, err)
	assert.Greater(t, lastUnix, int64(0))
}

func TestRecordUsage_NothingToReport(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	// Time trigger due, but the buffer holds nothing
	lastReport := time.Now().Add(-10 * time.Minute)
	require.NoError(t, store.Set(ctx, store.LastReportKey("cus_1"), strconv.FormatInt(lastReport.Unix(), 10), time.Hour))

	require.NoError(t, engine.RecordUsage(ctx, "cus_1", "tasks", 0))
	assert.Empty(t, fake.sentEvents())
}

func TestRecordUsage_ConcurrentCallersLoseNothing(t *testing.T) {
	fake := newFakeProvider()
	cfg := testConfig()
	cfg.FlushThreshold = 1 << 40 // never threshold-flush during the burst
	engine, store := setupEngine(t, fake, cfg)
	ctx := context.Background()

	const (
		goroutines = 20
		perCaller  = 25
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				_ = engine.RecordUsage(ctx, "cus_1", "tasks", int64(g+1))
			}
		}(g)
	}
	wg.Wait()

	var expected int64
	for g := 0; g < goroutines; g++ {
		expected += int64(g+1) * perCaller
	}

	accumulated, err := store.GetInt(ctx, store.UsageKey("cus_1", "tasks"))
	require.NoError(t, err)
	assert.Equal(t, expected, accumulated)

	// Force a flush and verify everything sent matches everything recorded
	reported, err := engine.AttemptFlush(ctx, "cus_1", "tasks")
	require.NoError(t, err)
	assert.True(t, reported)
	assert.Equal(t, expected, fake.sentTotal())

	remaining, err := store.GetInt(ctx, store.UsageKey("cus_1", "tasks"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestRecordUsage_SingleDeferredTimerPerCustomer(t *testing.T) {
	fake := newFakeProvider()
	engine, _ := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	require.NoError(t, engine.RecordUsage(ctx, "cus_1", "tasks", 5))
	require.NoError(t, engine.RecordUsage(ctx, "cus_1", "tasks", 5))
	require.NoError(t, engine.RecordUsage(ctx, "cus_1", "tasks", 5))
	assert.Equal(t, 1, engine.pendingTimerCount())

	require.NoError(t, engine.RecordUsage(ctx, "cus_2", "tasks", 5))
	assert.Equal(t, 2, engine.pendingTimerCount())
}

func TestAttemptFlush_LockContention(t *testing.T) {
	fake := newFakeProvider()
	fake.blockCh = make(chan struct{})
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	_, err := store.IncrBy(ctx, store.UsageKey("cus_1", "tasks"), 50, time.Hour)
	require.NoError(t, err)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		reported, err := engine.AttemptFlush(ctx, "cus_1", "tasks")
		assert.NoError(t, err)
		assert.True(t, reported)
	}()

	// Wait until the first flush holds the lock (it blocks inside SendEvent)
	require.Eventually(t, func() bool {
		held, err := store.Exists(ctx, store.LockKey("cus_1"))
		return err == nil && held
	}, 2*time.Second, 5*time.Millisecond)

	// Second concurrent flush observes the held lock and defers
	reported, err := engine.AttemptFlush(ctx, "cus_1", "tasks")
	require.NoError(t, err)
	assert.False(t, reported)

	close(fake.blockCh)
	<-firstDone

	events := fake.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, int64(50), events[0].Value)
}

func TestAttemptFlush_ProviderFailurePreservesBuffer(t *testing.T) {
	fake := newFakeProvider()
	fake.failAll = true
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	_, err := store.IncrBy(ctx, store.UsageKey("cus_1", "tasks"), 42, time.Hour)
	require.NoError(t, err)

	reported, err := engine.AttemptFlush(ctx, "cus_1", "tasks")
	require.Error(t, err)
	assert.False(t, reported)

	// The amount stays buffered for the next attempt
	remaining, err := store.GetInt(ctx, store.UsageKey("cus_1", "tasks"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), remaining)

	// The lock was released despite the failure
	held, err := store.Exists(ctx, store.LockKey("cus_1"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAttemptFlush_ConcurrentIncrementSurvives(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	_, err := store.IncrBy(ctx, store.UsageKey("cus_1", "tasks"), 30, time.Hour)
	require.NoError(t, err)

	// Usage lands while the provider call is in flight
	fake.onSend = func() {
		_, err := store.IncrBy(ctx, store.UsageKey("cus_1", "tasks"), 7, time.Hour)
		assert.NoError(t, err)
	}

	reported, err := engine.AttemptFlush(ctx, "cus_1", "tasks")
	require.NoError(t, err)
	assert.True(t, reported)

	events := fake.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, int64(30), events[0].Value)

	// The late 7 units survive the decrement for the next flush
	remaining, err := store.GetInt(ctx, store.UsageKey("cus_1", "tasks"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), remaining)
}

func TestAttemptFlush_EmptyBufferReleasesLock(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	reported, err := engine.AttemptFlush(ctx, "cus_1", "tasks")
	require.NoError(t, err)
	assert.False(t, reported)
	assert.Empty(t, fake.sentEvents())

	held, err := store.Exists(ctx, store.LockKey("cus_1"))
	require.NoError(t, err)
	assert.False(t, held)
}
