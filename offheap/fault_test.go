package offheap_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skbansal/ehcache3/internal/holder"
	"github.com/skbansal/ehcache3/offheap"
)

func Test_GetAndFault_MissReportsFalse(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	fv, ok, err := s.GetAndFault(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, fv)
}

func Test_GetAndFault_PinsTheResidentEntry(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v"))

	fv, ok, err := s.GetAndFault(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", fv.Value)

	// An entry GetAndFault pinned must survive a Compute that would
	// otherwise treat it as unpinned plain data.
	_, err = s.Compute(ctx, "k", func(key any, current any, exists bool) (any, bool) {
		return current, false
	}, false)
	require.NoError(t, err)
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func Test_ComputeIfAbsentAndFault_LoadsOnMissOnce(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	var calls int32
	loader := func(ctx context.Context, key any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "loaded", nil
	}

	fv, err := s.ComputeIfAbsentAndFault(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded", fv.Value)

	fv2, err := s.ComputeIfAbsentAndFault(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded", fv2.Value)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a second fault on an already-faulted key must not reinvoke the loader")
}

func Test_ComputeIfAbsentAndFault_CoalescesConcurrentLoadsForSameKey(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	var calls int32
	release := make(chan struct{})
	loader := func(ctx context.Context, key any) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "loaded", nil
	}

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.ComputeIfAbsentAndFault(ctx, "shared", loader)
			assert.NoError(t, err)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent faults on the same absent key must coalesce into one loader call")
}

func Test_Flush_SucceedsWhenIDStillMatches(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v1"))

	fv, ok, err := s.GetAndFault(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	fv.Value = "v2"
	flushed, err := s.Flush(ctx, "k", fv)
	require.NoError(t, err)
	assert.True(t, flushed)

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "v2", v)
}

func Test_Flush_PushesUpstairsMetadataOntoTheResidentHolder(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v1"))

	fv, ok, err := s.GetAndFault(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	fv.Value = "v2"
	fv.Hits = 7
	fv.LastAccessTime = clock.Now() + 500
	fv.ExpirationTime = clock.Now() + 10_000

	flushed, err := s.Flush(ctx, "k", fv)
	require.NoError(t, err)
	require.True(t, flushed)

	residentID := fv.ID
	fv2, ok, err := s.GetAndFault(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, residentID, fv2.ID, "flush must preserve the resident holder's identity, not mint a new one")
	assert.Equal(t, "v2", fv2.Value)
	assert.Equal(t, uint64(7), fv2.Hits)
	assert.Equal(t, fv.LastAccessTime, fv2.LastAccessTime)
	assert.Equal(t, fv.ExpirationTime, fv2.ExpirationTime)
}

func Test_Flush_ExpiresInsteadOfWritingBackWhenUpstairsCopyIsExpired(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v1"))

	fv, ok, err := s.GetAndFault(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	fv.Value = "v2"
	fv.ExpirationTime = clock.Now() - 1

	flushed, err := s.Flush(ctx, "k", fv)
	require.NoError(t, err)
	assert.False(t, flushed, "an already-expired upstairs copy must expire the entry rather than write back")

	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok, "an expired flush must remove the resident entry")
}

func Test_Flush_FailsWithoutMutatingOnIDMismatch(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v1"))

	fv, ok, err := s.GetAndFault(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	mismatched := *fv
	mismatched.ID = fv.ID + 1
	mismatched.Value = "v2"
	flushed, err := s.Flush(ctx, "k", &mismatched)
	require.NoError(t, err)
	assert.False(t, flushed)

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "v1", v, "a failed flush must never overwrite the resident value")
}

func Test_Flush_OnAbsentKeyReportsFalse(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	flushed, err := s.Flush(context.Background(), "missing", &offheap.FaultedValue{ID: 1, Value: "v"})
	require.NoError(t, err)
	assert.False(t, flushed)
}

func Test_InvalidateKey_RemovesRegardlessOfPinState(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v"))
	_, ok, err := s.GetAndFault(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.InvalidateKey(ctx, "k"))
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
}

func Test_InvalidateKeyThen_InvokesCallbackWithLastValue(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v"))

	var got any
	require.NoError(t, s.InvalidateKeyThen(ctx, "k", func(value any) { got = value }))
	assert.Equal(t, "v", got)
}

func Test_GetAndRemove_ReturnsAndDeletesAtomically(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v"))

	v, found, err := s.GetAndRemove(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", v)

	_, ok, _ := s.Get(ctx, "k")
	assert.False(t, ok)
}

func sourceOf(v any, expirationTime int64) offheap.MappingSource {
	return func(key any) *offheap.SourceValue {
		return &offheap.SourceValue{ID: 1, Value: v, CreationTime: 500, LastAccessTime: 500, ExpirationTime: expirationTime}
	}
}

func Test_InstallMapping_SucceedsOnlyOnEmptyKey(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InstallMapping(ctx, "k", sourceOf("v1", holder.NoExpire)))

	err := s.InstallMapping(ctx, "k", sourceOf("v2", holder.NoExpire))
	require.Error(t, err)
	assert.True(t, errors.Is(err, offheap.ErrPreconditionViolated))

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "v1", v, "a failed install_mapping must not disturb the existing value")
}

func Test_InstallMapping_NilSourceIsNoOp(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InstallMapping(ctx, "k", func(key any) *offheap.SourceValue { return nil }))

	_, ok, _ := s.Get(ctx, "k")
	assert.False(t, ok)
}

func Test_InstallMapping_ExpiredSourceInvalidatesInsteadOfInstalling(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	var invalidatedKey, invalidatedValue any
	s.SetInvalidationListener(func(key any, evictedValue *holder.ValueHolder) {
		invalidatedKey, invalidatedValue = key, evictedValue.Value()
	})

	require.NoError(t, s.InstallMapping(ctx, "k", sourceOf("stale", 1)))

	assert.Equal(t, "k", invalidatedKey, "an expired source must invalidate instead of install")
	assert.Equal(t, "stale", invalidatedValue)
	_, ok, _ := s.Get(ctx, "k")
	assert.False(t, ok)
}
