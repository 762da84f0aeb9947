package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/edgestore/internal/dbconn"
	"github.com/dreamware/edgestore/internal/gid"
	"github.com/dreamware/edgestore/internal/metrics"
	"github.com/dreamware/edgestore/internal/router"
	"github.com/dreamware/edgestore/internal/shard"
)

type recordingSink struct {
	ops        []metrics.Op
	lastDepth  int
	lastHasDep bool
}

func (r *recordingSink) ObserveOperation(host int, op metrics.Op, outcome metrics.Outcome) {
	r.ops = append(r.ops, op)
}

func (r *recordingSink) SetLockDepth(host int, depth int) {
	r.lastDepth, r.lastHasDep = depth, true
}

func testStore(t *testing.T, numHosts int) *Store {
	t.Helper()
	hosts := make([]router.Host, numHosts)
	for i := range hosts {
		hosts[i] = router.Host{Addr: fmt.Sprintf("host-%d", i), DBName: "edgestore"}
	}
	s, err := New(dbconn.NewFakeOpener(), hosts)
	require.NoError(t, err)
	return s
}

func TestGenerateGidWithExplicitColo(t *testing.T) {
	s := testStore(t, 4)
	colo := uint32(3)
	g, err := s.GenerateGid(context.Background(), &colo)
	require.NoError(t, err)
	assert.Equal(t, colo, g.Colo())
}

func TestGenerateGidRandomColo(t *testing.T) {
	s := testStore(t, 4)
	g, err := s.GenerateGid(context.Background(), nil)
	require.NoError(t, err)
	assert.NotZero(t, g.Colo())
}

func TestAddGetDeleteRoundTrip(t *testing.T) {
	s := testStore(t, 4)
	ctx := context.Background()
	parent := gid.Make(6, 1)
	child := gid.Make(6, 2)

	isNew, err := s.Add(ctx, 1, parent, child, 1, []byte("data"), false, nil)
	require.NoError(t, err)
	assert.True(t, isNew)

	edge, ok, err := s.Get(ctx, 1, parent, child, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("data"), edge.Data)

	deleted, err := s.Delete(ctx, 1, parent, child, nil)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestQueryFansOutAcrossShards(t *testing.T) {
	s := testStore(t, 3)
	ctx := context.Background()

	for colo := uint32(1); colo <= 6; colo++ {
		parent := gid.Make(colo, 1)
		_, err := s.Add(ctx, 1, parent, gid.Make(colo, 2), 1, nil, false,
			[]shard.IndexSpec{{IndexType: 9, IndexValue: "shared"}})
		require.NoError(t, err)
	}

	edges, err := s.Query(ctx, 1, nil, &shard.IndexRange{IndexType: 9, Lo: "shared", Hi: "shared"})
	require.NoError(t, err)
	assert.Len(t, edges, 6, "fan-out search must find edges written to every shard")
}

func TestQueryWithNeitherGidNorIndexIsInvalid(t *testing.T) {
	s := testStore(t, 2)
	_, err := s.Query(context.Background(), 1, nil, nil)
	assert.ErrorIs(t, err, shard.ErrInvalidArgument)
}

func TestLockDelegatesToOwningShard(t *testing.T) {
	s := testStore(t, 3)
	ctx := context.Background()

	h, err := s.Lock(ctx, 4)
	require.NoError(t, err)
	assert.True(t, s.IsLocked(4))
	assert.Equal(t, 1, s.LockDepth(4))

	require.NoError(t, h.Release())
	assert.False(t, s.IsLocked(4))
}

func TestMetricsSinkObservesOperations(t *testing.T) {
	hosts := []router.Host{{Addr: "host", DBName: "edgestore"}}
	sink := &recordingSink{}
	s, err := New(dbconn.NewFakeOpener(), hosts, WithMetrics(sink))
	require.NoError(t, err)

	colo := uint32(1)
	_, err = s.GenerateGid(context.Background(), &colo)
	require.NoError(t, err)

	assert.Contains(t, sink.ops, metrics.OpGenerateGid)
}

func TestLockReleaseReportsDepth(t *testing.T) {
	hosts := []router.Host{{Addr: "host", DBName: "edgestore"}}
	sink := &recordingSink{}
	s, err := New(dbconn.NewFakeOpener(), hosts, WithMetrics(sink))
	require.NoError(t, err)

	h, err := s.Lock(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, sink.lastHasDep)
	assert.Equal(t, 1, sink.lastDepth)

	require.NoError(t, h.Release())
	assert.Equal(t, 0, sink.lastDepth)
}

func TestRegistryReturnsSameStoreForSameKey(t *testing.T) {
	reg := NewRegistry()
	hosts := []router.Host{{Addr: "host", DBName: "edgestore"}}
	opener := dbconn.NewFakeOpener()

	s1, err := reg.GetOrCreate("primary", opener, hosts)
	require.NoError(t, err)
	s2, err := reg.GetOrCreate("primary", opener, hosts)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	s3, err := reg.GetOrCreate("secondary", opener, hosts)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
}
