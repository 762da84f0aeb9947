package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/edgestore/internal/dbconn"
)

func testHosts(n int) []Host {
	hosts := make([]Host, n)
	for i := range hosts {
		hosts[i] = Host{Addr: "host", DBName: "edgestore"}
	}
	return hosts
}

func TestHostIndexIsColoModHostCount(t *testing.T) {
	r, err := New(dbconn.NewFakeOpener(), testHosts(4))
	require.NoError(t, err)

	assert.Equal(t, 0, r.HostIndex(0))
	assert.Equal(t, 1, r.HostIndex(1))
	assert.Equal(t, 3, r.HostIndex(7))
	assert.Equal(t, 2, r.HostIndex(10))
}

func TestNewRejectsEmptyHostList(t *testing.T) {
	_, err := New(dbconn.NewFakeOpener(), nil)
	assert.Error(t, err)
}

func TestShardForCachesByHost(t *testing.T) {
	r, err := New(dbconn.NewFakeOpener(), testHosts(3))
	require.NoError(t, err)

	s1, err := r.ShardFor(5) // host index 2
	require.NoError(t, err)
	s2, err := r.ShardFor(8) // also host index 2
	require.NoError(t, err)
	s3, err := r.ShardFor(6) // host index 0

	require.NoError(t, err)
	assert.Same(t, s1, s2, "colocations routing to the same host must share a shard")
	assert.NotSame(t, s1, s3)
}

func TestAllShardsOpensEveryHost(t *testing.T) {
	r, err := New(dbconn.NewFakeOpener(), testHosts(5))
	require.NoError(t, err)

	shards, err := r.AllShards()
	require.NoError(t, err)
	assert.Len(t, shards, 5)
	for _, s := range shards {
		assert.NotNil(t, s)
	}
}
