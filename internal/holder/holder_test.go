package holder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skbansal/ehcache3/internal/holder"
)

func Test_IsExpired_HonorsNoExpire(t *testing.T) {
	t.Parallel()

	h := holder.New(1, "v", 1000, holder.NoExpire)
	assert.False(t, h.IsExpired(1_000_000_000))
}

func Test_IsExpired_TrueOncePastExpirationTime(t *testing.T) {
	t.Parallel()

	h := holder.New(1, "v", 1000, 2000)
	assert.False(t, h.IsExpired(1999))
	assert.True(t, h.IsExpired(2000))
}

func Test_Accessed_Zero_ReportsExpireNow(t *testing.T) {
	t.Parallel()

	h := holder.New(1, "v", 1000, holder.NoExpire)
	expireNow := h.Accessed(5000, holder.Zero)
	assert.True(t, expireNow)
}

func Test_Accessed_Forever_ClearsExpiration(t *testing.T) {
	t.Parallel()

	h := holder.New(1, "v", 1000, 2000)
	expireNow := h.Accessed(5000, holder.ForeverDuration())
	require.False(t, expireNow)
	assert.Equal(t, holder.NoExpire, h.ExpirationTime())
}

func Test_Accessed_Finite_AdvancesExpirationFromNow(t *testing.T) {
	t.Parallel()

	h := holder.New(1, "v", 1000, 2000)
	expireNow := h.Accessed(5000, holder.Finite(500))
	require.False(t, expireNow)
	assert.Equal(t, int64(5500), h.ExpirationTime())
	assert.Equal(t, int64(5000), h.LastAccessTime())
	assert.Equal(t, uint64(1), h.Hits())
}

func Test_UpdateMetadata_RefusesMismatchedID(t *testing.T) {
	t.Parallel()

	a := holder.New(1, "v", 1000, holder.NoExpire)
	b := holder.New(2, "v", 1000, holder.NoExpire)
	ok := a.UpdateMetadata(b)
	assert.False(t, ok)
}

func Test_UpdateMetadata_CopiesFieldsOnMatchingID(t *testing.T) {
	t.Parallel()

	a := holder.New(7, "v", 1000, 2000)
	b := holder.New(7, "v", 1000, 2000)
	b.Accessed(9000, holder.Finite(100))

	ok := a.UpdateMetadata(b)
	require.True(t, ok)
	assert.Equal(t, b.LastAccessTime(), a.LastAccessTime())
	assert.Equal(t, b.ExpirationTime(), a.ExpirationTime())
	assert.Equal(t, b.Hits(), a.Hits())
}

func Test_SetBinary_CompressesAboveThreshold(t *testing.T) {
	t.Parallel()

	h := holder.New(1, "v", 1000, holder.NoExpire)
	raw := make([]byte, 4096)
	for i := range raw {
		raw[i] = byte(i % 7)
	}

	h.SetBinary(raw, 16)
	require.True(t, h.BinaryAvailable())

	got, err := h.Binary()
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func Test_SetBinary_StoresRawBelowThreshold(t *testing.T) {
	t.Parallel()

	h := holder.New(1, "v", 1000, holder.NoExpire)
	raw := []byte("tiny")
	h.SetBinary(raw, 4096)

	got, err := h.Binary()
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func Test_Snapshot_DetachesWithoutAliasingOriginal(t *testing.T) {
	t.Parallel()

	h := holder.New(1, "v", 1000, holder.NoExpire)
	snap := h.Snapshot()
	require.True(t, snap.IsDetached())
	assert.False(t, h.IsDetached())

	snap.SetValue("changed")
	assert.Equal(t, "v", h.Value())
}

func Test_PinnedVetoedBits_AreIndependent(t *testing.T) {
	t.Parallel()

	h := holder.New(1, "v", 1000, holder.NoExpire)
	h.SetPinned(true)
	h.SetVetoed(true)
	assert.True(t, h.IsPinned())
	assert.True(t, h.IsVetoed())

	h.SetPinned(false)
	assert.False(t, h.IsPinned())
	assert.True(t, h.IsVetoed())
}
