package integration

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/edgestore/internal/dbconn"
	"github.com/dreamware/edgestore/internal/gid"
	"github.com/dreamware/edgestore/internal/router"
	"github.com/dreamware/edgestore/internal/shard"
	"github.com/dreamware/edgestore/internal/store"
)

func newTestStore(t *testing.T, numHosts int) *store.Store {
	t.Helper()
	hosts := make([]router.Host, numHosts)
	for i := range hosts {
		hosts[i] = router.Host{Addr: fmt.Sprintf("shard-%d", i), DBName: "edgestore"}
	}
	s, err := store.New(dbconn.NewFakeOpener(), hosts)
	require.NoError(t, err)
	return s
}

// TestEndToEndWriteReadDelete exercises a single edge through its full
// lifecycle against a multi-shard store, the way an application embedding
// this module would.
func TestEndToEndWriteReadDelete(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	parent, err := s.GenerateGid(ctx, nil)
	require.NoError(t, err)
	child, err := s.GenerateGid(ctx, nil)
	require.NoError(t, err)

	isNew, err := s.Add(ctx, 7, parent, child, 1, []byte("payload-v1"), false, []shard.IndexSpec{
		{IndexType: 42, IndexValue: "alpha"},
	})
	require.NoError(t, err)
	assert.True(t, isNew)

	edge, ok, err := s.Get(ctx, 7, parent, child, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload-v1"), edge.Data)
	assert.EqualValues(t, 1, edge.Revision)

	count, err := s.Count(ctx, 7, parent)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	isNew, err = s.Add(ctx, 7, parent, child, 1, []byte("payload-v2"), true, []shard.IndexSpec{
		{IndexType: 42, IndexValue: "beta"},
	})
	require.NoError(t, err)
	assert.False(t, isNew, "overwrite of an existing edge reports false")

	edge, ok, err = s.Get(ctx, 7, parent, child, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload-v2"), edge.Data)
	assert.EqualValues(t, 2, edge.Revision, "revision advances across the overwrite")

	deleted, err := s.Delete(ctx, 7, parent, child, []int32{42})
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = s.Get(ctx, 7, parent, child, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestCrossShardIndexSearchCoversEveryHost writes indexed edges with
// colocations that deliberately spread across every configured shard host,
// then verifies a colo-less Query finds all of them.
func TestCrossShardIndexSearchCoversEveryHost(t *testing.T) {
	const numHosts = 4
	s := newTestStore(t, numHosts)
	ctx := context.Background()

	var placed []gid.Gid
	for colo := uint32(1); colo <= numHosts*3; colo++ {
		parent := gid.Make(colo, 1)
		_, err := s.Add(ctx, 3, parent, gid.Make(colo, 2), 9, nil, false, []shard.IndexSpec{
			{IndexType: 5, IndexValue: "wanted"},
		})
		require.NoError(t, err)
		placed = append(placed, parent)
	}

	edges, err := s.Query(ctx, 3, nil, &shard.IndexRange{IndexType: 5, Lo: "wanted", Hi: "wanted"})
	require.NoError(t, err)
	assert.Len(t, edges, len(placed))
}

// TestLockIsScopedToOwningShardOnly confirms locking one colocation never
// blocks operations against a colocation that routes to a different host.
func TestLockIsScopedToOwningShardOnly(t *testing.T) {
	s := newTestStore(t, 4)
	ctx := context.Background()

	handle, err := s.Lock(ctx, 1)
	require.NoError(t, err)
	defer handle.Release()

	// A colocation on a different host (2 % 4 != 1 % 4) must be unaffected.
	other := gid.Make(2, 1)
	_, err = s.Add(ctx, 1, other, gid.Make(2, 2), 1, nil, false, nil)
	require.NoError(t, err)

	assert.True(t, s.IsLocked(1))
	assert.False(t, s.IsLocked(2))
}

// TestUniqueIndexRejectsCollisionAcrossParents verifies the unique-index
// invariant holds shard-wide, not just within one parent's edges.
func TestUniqueIndexRejectsCollisionAcrossParents(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	colo := uint32(6)
	parentA := gid.Make(colo, 1)
	parentB := gid.Make(colo, 2)

	_, err := s.Add(ctx, 1, parentA, gid.Make(colo, 10), 1, nil, false, []shard.IndexSpec{
		{IndexType: 11, IndexValue: "only-one", Unique: true},
	})
	require.NoError(t, err)

	_, err = s.Add(ctx, 1, parentB, gid.Make(colo, 11), 1, nil, false, []shard.IndexSpec{
		{IndexType: 11, IndexValue: "only-one", Unique: true},
	})
	assert.ErrorIs(t, err, shard.ErrDuplicateIndex)
}
