package offheap_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skbansal/ehcache3/offheap"
)

func entrySet(ctx context.Context, s *offheap.Store) map[string]any {
	it := s.Iterate(ctx)
	out := map[string]any{}
	for it.Next() {
		out[it.Key().(string)] = it.Value()
	}
	return out
}

func Test_Serialize_RestoreFrom_RoundTrips(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", "va"))
	require.NoError(t, s.Put(ctx, "b", "vb"))

	data, err := s.Serialize()
	require.NoError(t, err)

	s2, _ := newTestStore(t)
	require.NoError(t, s2.RestoreFrom(ctx, data))

	if diff := cmp.Diff(entrySet(ctx, s), entrySet(ctx, s2)); diff != "" {
		t.Fatalf("restored store's entries differ from the source (-want +got):\n%s", diff)
	}
}

func Test_RestoreFrom_EmptyDataIsNoOp(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", "va"))

	require.NoError(t, s.RestoreFrom(ctx, nil))

	v, ok, _ := s.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "va", v)
}

func Test_SnapshotTo_RestoreFromFile_RoundTrips(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v"))

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, s.SnapshotTo(path))

	s2, _ := newTestStore(t)
	require.NoError(t, s2.RestoreFromFile(ctx, path))

	v, ok, err := s2.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func Test_RestoreFromFile_MissingFileIsNoOp(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RestoreFromFile(ctx, filepath.Join(t.TempDir(), "does-not-exist.json")))

	it := s.Iterate(ctx)
	assert.False(t, it.Next())
}
