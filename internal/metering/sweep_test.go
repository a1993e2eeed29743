package metering

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSweep_ResumesOrphanedBuffer(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	// Simulate usage buffered by a process that crashed before flushing:
	// counter present, no deferred timer, no lock, no report history.
	_, err := store.IncrBy(ctx, store.UsageKey("cus_1", "tasks"), 5, time.Hour)
	require.NoError(t, err)

	require.NoError(t, engine.RunSweep(ctx))

	events := fake.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, int64(5), events[0].Value)
	assert.Equal(t, "cus_1", events[0].CustomerID)

	remaining, err := store.GetInt(ctx, store.UsageKey("cus_1", "tasks"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestRunSweep_OverdueBufferWithHistory(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	_, err := store.IncrBy(ctx, store.UsageKey("cus_1", "tokens"), 12, time.Hour)
	require.NoError(t, err)
	lastReport := time.Now().Add(-30 * time.Minute)
	require.NoError(t, store.Set(ctx, store.LastReportKey("cus_1"), strconv.FormatInt(lastReport.Unix(), 10), time.Hour))

	require.NoError(t, engine.RunSweep(ctx))

	events := fake.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, int64(12), events[0].Value)
}

func TestRunSweep_SkipsEmptyBuffers(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	// Decayed to zero: the sweep must not report it
	_, err := store.IncrBy(ctx, store.UsageKey("cus_1", "tasks"), 10, time.Hour)
	require.NoError(t, err)
	_, err = store.DecrBy(ctx, store.UsageKey("cus_1", "tasks"), 10)
	require.NoError(t, err)

	require.NoError(t, engine.RunSweep(ctx))
	assert.Empty(t, fake.sentEvents())
}

func TestRunSweep_SkipsCustomerWithHeldLock(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	_, err := store.IncrBy(ctx, store.UsageKey("cus_1", "tasks"), 8, time.Hour)
	require.NoError(t, err)

	// Another instance is mid-report for this customer
	acquired, err := store.SetNX(ctx, store.LockKey("cus_1"), "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, engine.RunSweep(ctx))
	assert.Empty(t, fake.sentEvents())

	remaining, err := store.GetInt(ctx, store.UsageKey("cus_1", "tasks"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), remaining)
}

func TestRunSweep_SingleSweeperAcrossFleet(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	_, err := store.IncrBy(ctx, store.UsageKey("cus_1", "tasks"), 5, time.Hour)
	require.NoError(t, err)

	// Another instance holds the sweep lock
	acquired, err := store.SetNX(ctx, store.SweepLockKey(), "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, engine.RunSweep(ctx))
	assert.Empty(t, fake.sentEvents())
}

func TestRunSweep_ReleasesSweepLock(t *testing.T) {
	fake := newFakeProvider()
	engine, store := setupEngine(t, fake, testConfig())
	ctx := context.Background()

	require.NoError(t, engine.RunSweep(ctx))

	held, err := store.Exists(ctx, store.SweepLockKey())
	require.NoError(t, err)
	assert.False(t, held)
}
