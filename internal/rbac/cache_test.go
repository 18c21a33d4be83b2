package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheServesFreshEntryFromMemory(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.setRole("assistant", "view_schedule")
	cache := NewCache(reader, CacheOptions{TTL: 5 * time.Second, Clock: clock.Now, Logger: discardLogger()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		view, err := cache.LookupRole(ctx, "assistant")
		require.NoError(t, err)
		assert.True(t, view.Exists)
		assert.True(t, view.AllowedFunctions.Has("view_schedule"))
	}
	assert.Equal(t, int32(1), reader.roleCalls.Load())

	clock.Advance(6 * time.Second)
	_, err := cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	assert.Equal(t, int32(2), reader.roleCalls.Load())
}

func TestCacheNormalizesRoleKey(t *testing.T) {
	reader := newStubReader()
	reader.setRole("assistant", "view_schedule")
	cache := NewCache(reader, CacheOptions{Logger: discardLogger()})
	ctx := context.Background()

	_, err := cache.LookupRole(ctx, "Assistant")
	require.NoError(t, err)
	view, err := cache.LookupRole(ctx, "  assistant ")
	require.NoError(t, err)
	assert.Equal(t, "assistant", view.Role)
	assert.Equal(t, int32(1), reader.roleCalls.Load())
}

func TestCacheCoalescesConcurrentReloads(t *testing.T) {
	reader := newStubReader()
	reader.setRole("assistant", "view_schedule")
	release := reader.block()
	cache := NewCache(reader, CacheOptions{Logger: discardLogger()})
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, err := cache.LookupRole(ctx, "assistant")
			if err == nil && !view.AllowedFunctions.Has("view_schedule") {
				err = errors.New("missing grant")
			}
			errs <- err
		}()
	}
	<-reader.started
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), reader.roleCalls.Load())
}

func TestCacheDistinctKeysLoadIndependently(t *testing.T) {
	reader := newStubReader()
	reader.setRole("assistant", "a")
	reader.setRole("frontdesk", "b")
	cache := NewCache(reader, CacheOptions{Logger: discardLogger()})
	ctx := context.Background()

	a, err := cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	b, err := cache.LookupRole(ctx, "frontdesk")
	require.NoError(t, err)
	assert.True(t, a.AllowedFunctions.Has("a"))
	assert.True(t, b.AllowedFunctions.Has("b"))
	assert.Equal(t, int32(2), reader.roleCalls.Load())
	roles, users := cache.Len()
	assert.Equal(t, 2, roles)
	assert.Equal(t, 0, users)
}

func TestCacheInvalidationDuringReloadWins(t *testing.T) {
	reader := newStubReader()
	reader.setRole("assistant", "old")
	release := reader.block()
	cache := NewCache(reader, CacheOptions{Logger: discardLogger()})
	ctx := context.Background()

	before := make(chan RoleView, 1)
	go func() {
		view, _ := cache.LookupRole(ctx, "assistant")
		before <- view
	}()
	<-reader.started

	reader.setRole("assistant", "new")
	cache.InvalidateRole("assistant")

	after := make(chan RoleView, 1)
	go func() {
		view, _ := cache.LookupRole(ctx, "assistant")
		after <- view
	}()
	<-reader.started
	release()

	assert.True(t, (<-before).AllowedFunctions.Has("old"))
	assert.True(t, (<-after).AllowedFunctions.Has("new"))
	assert.Equal(t, int32(2), reader.roleCalls.Load())

	view, err := cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	assert.True(t, view.AllowedFunctions.Has("new"))
	assert.False(t, view.AllowedFunctions.Has("old"))
	assert.Equal(t, int32(2), reader.roleCalls.Load())
}

func TestCacheServesLastGoodWhenStoreFails(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	user := uuid.New()
	reader.setRole("assistant", "view_schedule")
	reader.setOverride(user, true, "delete_patient")
	cache := NewCache(reader, CacheOptions{TTL: time.Second, Clock: clock.Now, Logger: discardLogger()})
	ctx := context.Background()

	_, err := cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	_, err = cache.LookupUser(ctx, user)
	require.NoError(t, err)

	reader.setFail(true)
	clock.Advance(2 * time.Second)

	role, err := cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	assert.True(t, role.Stale)
	assert.True(t, errors.Is(role.Warning, ErrStoreUnavailable))
	assert.True(t, role.AllowedFunctions.Has("view_schedule"))

	userView, err := cache.LookupUser(ctx, user)
	require.NoError(t, err)
	assert.True(t, userView.Stale)
	require.NotNil(t, userView.Override)
	assert.True(t, userView.Override.AllowedFunctions.Has("delete_patient"))

	reader.setFail(false)
	role, err = cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	assert.False(t, role.Stale)
	assert.NoError(t, role.Warning)
}

func TestCacheColdStartFailureReturnsStoreUnavailable(t *testing.T) {
	reader := newStubReader()
	reader.setFail(true)
	cache := NewCache(reader, CacheOptions{Logger: discardLogger()})

	_, err := cache.LookupRole(context.Background(), "assistant")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, errBackendDown))

	_, err = cache.LookupUser(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestCacheInvalidatedEntryHasNoFallback(t *testing.T) {
	reader := newStubReader()
	reader.setRole("assistant", "view_schedule")
	cache := NewCache(reader, CacheOptions{Logger: discardLogger()})
	ctx := context.Background()

	_, err := cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)

	cache.InvalidateRole("assistant")
	reader.setFail(true)

	_, err = cache.LookupRole(ctx, "assistant")
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestCacheInvalidateAll(t *testing.T) {
	reader := newStubReader()
	user := uuid.New()
	reader.setRole("assistant", "a")
	cache := NewCache(reader, CacheOptions{Logger: discardLogger()})
	ctx := context.Background()

	_, err := cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	_, err = cache.LookupUser(ctx, user)
	require.NoError(t, err)

	cache.InvalidateAll()
	roles, users := cache.Len()
	assert.Zero(t, roles)
	assert.Zero(t, users)

	_, err = cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	_, err = cache.LookupUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int32(2), reader.roleCalls.Load())
	assert.Equal(t, int32(2), reader.userCalls.Load())
}

func TestCacheEvictsWhenFull(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	cache := NewCache(reader, CacheOptions{TTL: time.Minute, MaxEntries: 2, Clock: clock.Now, Metrics: metrics, Logger: discardLogger()})
	ctx := context.Background()

	for _, role := range []string{"a", "b", "c"} {
		_, err := cache.LookupRole(ctx, role)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	roles, _ := cache.Len()
	assert.Equal(t, 2, roles)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.evictions.WithLabelValues(collectionRole)))

	// "a" was the oldest entry.
	_, err = cache.LookupRole(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int32(4), reader.roleCalls.Load())
}

func TestCacheCallerCancellationDoesNotAbortReload(t *testing.T) {
	reader := newStubReader()
	reader.setRole("assistant", "view_schedule")
	release := reader.block()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	cache := NewCache(reader, CacheOptions{Metrics: metrics, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.LookupRole(ctx, "assistant")
		done <- err
	}()
	<-reader.started
	cancel()
	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, testutil.ToFloat64(metrics.reloadErrors.WithLabelValues(collectionRole)))
	assert.Zero(t, testutil.ToFloat64(metrics.staleServes.WithLabelValues(collectionRole)))

	release()
	require.Eventually(t, func() bool {
		roles, _ := cache.Len()
		return roles == 1
	}, time.Second, 10*time.Millisecond)

	view, err := cache.LookupRole(context.Background(), "assistant")
	require.NoError(t, err)
	assert.True(t, view.AllowedFunctions.Has("view_schedule"))
	assert.Equal(t, int32(1), reader.roleCalls.Load())
}

func TestCacheMetricsCountHitsAndMisses(t *testing.T) {
	reader := newStubReader()
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(t, err)
	again, err := NewMetrics(registry)
	require.NoError(t, err)
	cache := NewCache(reader, CacheOptions{Metrics: metrics, Logger: discardLogger()})
	ctx := context.Background()

	_, err = cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	_, err = cache.LookupRole(ctx, "assistant")
	require.NoError(t, err)
	cache.InvalidateRole("assistant")

	assert.Equal(t, float64(1), testutil.ToFloat64(again.misses.WithLabelValues(collectionRole)))
	assert.Equal(t, float64(1), testutil.ToFloat64(again.hits.WithLabelValues(collectionRole)))
	assert.Equal(t, float64(1), testutil.ToFloat64(again.invalidations.WithLabelValues(collectionRole)))
}

func TestCacheInvalidationBookkeepingStaysBounded(t *testing.T) {
	reader := newStubReader()
	cache := NewCache(reader, CacheOptions{MaxEntries: 10, Logger: discardLogger()})

	for i := 0; i < 10000; i++ {
		cache.InvalidateUser(uuid.New())
		cache.InvalidateRole(fmt.Sprintf("role-%d", i))
	}

	for _, m := range []interface{ pending() (int, int) }{cache.roles, cache.users} {
		inflight, tombstones := m.pending()
		assert.Zero(t, inflight)
		assert.Zero(t, tombstones)
	}
}

func TestCacheTombstoneLivesOnlyWhileReloadInFlight(t *testing.T) {
	reader := newStubReader()
	reader.setRole("assistant", "old")
	release := reader.block()
	cache := NewCache(reader, CacheOptions{Logger: discardLogger()})

	done := make(chan struct{})
	go func() {
		_, _ = cache.LookupRole(context.Background(), "assistant")
		close(done)
	}()
	<-reader.started

	for i := 0; i < 100; i++ {
		cache.InvalidateRole("assistant")
		cache.InvalidateRole(fmt.Sprintf("idle-%d", i))
	}
	inflight, tombstones := cache.roles.pending()
	assert.Equal(t, 1, inflight)
	assert.Equal(t, 1, tombstones)

	release()
	<-done
	require.Eventually(t, func() bool {
		inflight, tombstones := cache.roles.pending()
		return inflight == 0 && tombstones == 0
	}, time.Second, 10*time.Millisecond)

	roles, _ := cache.Len()
	assert.Zero(t, roles, "a reload overtaken by invalidation is discarded")
}

func TestCacheEvictionKeepsRecentlyStoredEntries(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	cache := NewCache(reader, CacheOptions{TTL: time.Second, MaxEntries: 3, Clock: clock.Now, Logger: discardLogger()})
	ctx := context.Background()

	for _, role := range []string{"a", "b", "c"} {
		_, err := cache.LookupRole(ctx, role)
		require.NoError(t, err)
	}
	// "a" expires and is reloaded, so "b" becomes the oldest stored entry.
	clock.Advance(2 * time.Second)
	_, err := cache.LookupRole(ctx, "a")
	require.NoError(t, err)
	_, err = cache.LookupRole(ctx, "d")
	require.NoError(t, err)

	for role, present := range map[string]bool{"a": true, "b": false, "c": true, "d": true} {
		_, found := cache.roles.peek(role)
		assert.Equal(t, present, found, role)
	}
}
