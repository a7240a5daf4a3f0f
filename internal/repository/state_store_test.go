package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/internal/testutil"
)

type storeFactory func(t *testing.T, clock domain.Clock) domain.StateStore

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clock domain.Clock) domain.StateStore {
			return NewInMemoryStateStoreWithClock(clock)
		},
		"sqlite": func(t *testing.T, clock domain.Clock) domain.StateStore {
			name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
			dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
			store, err := OpenSQLStateStore(context.Background(), DriverSQLite, dsn)
			require.NoError(t, err)
			store.WithClock(clock)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store domain.StateStore, clock *testutil.FakeClock)) {
	for name, factory := range storeFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestStateStoreGetSetWithTTL(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.StateStore, clock *testutil.FakeClock) {
		ctx := context.Background()

		_, found, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.Set(ctx, "circuit:payments", []byte(`{"state":"OPEN"}`), time.Minute))
		value, found, err := store.Get(ctx, "circuit:payments")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, `{"state":"OPEN"}`, string(value))

		clock.Advance(time.Minute)
		_, found, err = store.Get(ctx, "circuit:payments")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestStateStoreSetNX(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.StateStore, clock *testutil.FakeClock) {
		ctx := context.Background()

		ok, err := store.SetNX(ctx, "circuit:sms:probe", []byte("1"), 10*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.SetNX(ctx, "circuit:sms:probe", []byte("2"), 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		clock.Advance(11 * time.Second)
		ok, err = store.SetNX(ctx, "circuit:sms:probe", []byte("3"), 10*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		value, _, err := store.Get(ctx, "circuit:sms:probe")
		require.NoError(t, err)
		assert.Equal(t, "3", string(value))
	})
}

func TestStateStoreCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.StateStore, clock *testutil.FakeClock) {
		ctx := context.Background()

		n, err := store.Incr(ctx, "ratelimit:maps:1", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, store.Expire(ctx, "ratelimit:maps:1", time.Second))

		n, err = store.Incr(ctx, "ratelimit:maps:1", 4)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		current, err := store.Counter(ctx, "ratelimit:maps:1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), current)

		clock.Advance(time.Second)
		current, err = store.Counter(ctx, "ratelimit:maps:1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), current)

		n, err = store.Incr(ctx, "ratelimit:maps:1", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestStateStoreCounterAndValueShareKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.StateStore, clock *testutil.FakeClock) {
		ctx := context.Background()

		_, err := store.Incr(ctx, "shared", 3)
		require.NoError(t, err)
		require.NoError(t, store.Set(ctx, "shared", []byte("v"), 0))

		current, err := store.Counter(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, int64(3), current)

		require.NoError(t, store.Delete(ctx, "shared"))
		current, err = store.Counter(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, int64(0), current)
	})
}

func TestStateStoreLists(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.StateStore, clock *testutil.FakeClock) {
		ctx := context.Background()

		for i := 1; i <= 5; i++ {
			n, err := store.ListPush(ctx, "scenario:decisions:payments", []byte(fmt.Sprintf("d%d", i)))
			require.NoError(t, err)
			assert.Equal(t, int64(i), n)
		}

		items, err := store.ListRange(ctx, "scenario:decisions:payments", 2)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "d4", string(items[0]))
		assert.Equal(t, "d5", string(items[1]))

		require.NoError(t, store.ListTrim(ctx, "scenario:decisions:payments", 3))
		items, err = store.ListRange(ctx, "scenario:decisions:payments", 0)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "d3", string(items[0]))
		assert.Equal(t, "d5", string(items[2]))
	})
}

func TestInMemoryStateStoreConcurrentIncr(t *testing.T) {
	store := NewInMemoryStateStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Incr(ctx, "routing:cursor:sms:ROUND_ROBIN", 1)
		}()
	}
	wg.Wait()

	n, err := store.Counter(ctx, "routing:cursor:sms:ROUND_ROBIN")
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestOpenSQLStateStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQLStateStore(context.Background(), "oracle", "whatever")
	assert.Error(t, err)
}
