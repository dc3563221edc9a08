package segmap_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skbansal/ehcache3/internal/arena"
	"github.com/skbansal/ehcache3/internal/holder"
	"github.com/skbansal/ehcache3/internal/segmap"
)

func installFn(value any) func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
	return func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		return holder.New(1, value, 0, holder.NoExpire), false
	}
}

// twoSegmentHash routes "a" to segment 0 and every other key to segment 1
// of a two-segment map, so the reclaim tests below do not depend on where
// DefaultHash happens to place their keys.
func twoSegmentHash(key any) uint64 {
	if key == "a" {
		return 0
	}
	return 1
}

func Test_Compute_RoutesToSameSegmentForSameKey(t *testing.T) {
	t.Parallel()

	a := arena.New(1<<16, 0)
	m := segmap.New(8, 16, a, nil)

	_, err := m.Compute(context.Background(), "k", installFn("v1"))
	require.NoError(t, err)

	h, err := m.ComputeIfPresent("k", func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		return cur, false
	})
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "v1", h.Value())
}

func Test_Compute_OversizeTriggersReclaimAndRetries(t *testing.T) {
	t.Parallel()

	a := arena.New(64, 64)
	m := segmap.New(2, 4, a, twoSegmentHash)

	_, err := m.Compute(context.Background(), "a", installFn([]byte("01234567890123456789")))
	require.NoError(t, err)

	_, err = m.Compute(context.Background(), "b", installFn([]byte("01234567890123456789")))
	require.NoError(t, err, "reclaiming victim 'a's space must let 'b' install")
}

func Test_Compute_TerminalErrStoreAccessWhenNothingCanBeFreed(t *testing.T) {
	t.Parallel()

	a := arena.New(64, 64)
	m := segmap.New(1, 4, a, nil)

	_, err := m.Compute(context.Background(), "only", func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		h := holder.New(1, []byte("0123456789012345678901234567890123456789"), 0, holder.NoExpire)
		return h, true // pinned, so it can never be the reclaim victim
	})
	require.NoError(t, err)

	_, err = m.Compute(context.Background(), "other", installFn([]byte("0123456789012345678901234567890123456789")))
	assert.True(t, errors.Is(err, segmap.ErrStoreAccess))
}

func Test_RemapFunc_RunsOnceWhenNoRetryNeeded(t *testing.T) {
	t.Parallel()

	a := arena.New(256, 0)
	m := segmap.New(4, 4, a, nil)

	calls := 0
	_, err := m.Compute(context.Background(), "k", func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		calls++
		return holder.New(1, "v", 0, holder.NoExpire), false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func Test_RemapFunc_RerunsOncePerOversizeRetry(t *testing.T) {
	t.Parallel()

	a := arena.New(64, 64)
	m := segmap.New(2, 4, a, twoSegmentHash)

	_, err := m.Compute(context.Background(), "a", installFn([]byte("01234567890123456789")))
	require.NoError(t, err)

	calls := 0
	_, err = m.Compute(context.Background(), "b", func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		calls++
		return holder.New(1, []byte("01234567890123456789"), 0, holder.NoExpire), false
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "the allocation failed once, so the remap ran once before reclaim and once after")
}

func Test_ReclaimExcluding_NeverEvictsFromExcludedSegment(t *testing.T) {
	t.Parallel()

	a := arena.New(1<<16, 0)
	m := segmap.New(4, 4, a, nil)
	hashFn := segmap.DefaultHash

	_, err := m.Compute(context.Background(), "protected", installFn("p"))
	require.NoError(t, err)

	evicted := m.ReclaimExcluding(context.Background(), hashFn("protected"))
	assert.False(t, evicted, "the only entry present hashes to the excluded segment")
}

func Test_Stats_AggregatesAcrossSegments(t *testing.T) {
	t.Parallel()

	a := arena.New(1<<16, 0)
	m := segmap.New(4, 4, a, nil)

	for i := 0; i < 10; i++ {
		_, err := m.Compute(context.Background(), string(rune('a'+i)), installFn(i))
		require.NoError(t, err)
	}

	st := m.Stats()
	assert.Equal(t, 10, st.UsedSlotCount)
	assert.Equal(t, 4, st.SegmentCount)
}

func Test_Clear_EmptiesEverySegment(t *testing.T) {
	t.Parallel()

	a := arena.New(1<<16, 0)
	m := segmap.New(4, 4, a, nil)
	for i := 0; i < 5; i++ {
		_, err := m.Compute(context.Background(), string(rune('a'+i)), installFn(i))
		require.NoError(t, err)
	}

	m.Clear(nil)
	assert.Equal(t, 0, m.Stats().UsedSlotCount)
}
