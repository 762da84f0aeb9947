// Package router maps colocation ids to the shard responsible for them and
// owns the lazily-constructed Shard objects backing that mapping: one
// connection and one Shard per host, cached behind a mutex the same way a
// cluster registry caches one entry per node.
package router

import (
	"fmt"
	"sync"

	"github.com/dreamware/edgestore/internal/dbconn"
	"github.com/dreamware/edgestore/internal/shard"
)

// Host names one shard's backing database destination: a network address
// (or connection string host component) paired with the logical database
// name to open on it.
type Host struct {
	Addr   string
	DBName string
}

// Router owns a fixed set of hosts and lazily opens one Conn, and builds
// one *shard.Shard, per host the first time a colocation routes there.
// The host count is fixed for the lifetime of a Router: HostIndex's
// modulus never changes after construction, so resharding a live edge
// store means rebuilding the Router (and redistributing data) rather
// than adjusting one in place.
type Router struct {
	opener dbconn.Opener
	hosts  []Host

	mu     sync.Mutex
	shards map[int]*shard.Shard
}

// New returns a Router serving hosts via opener. hosts must be non-empty;
// its order is significant and must not change across process restarts,
// since HostIndex depends on it to keep routing stable.
func New(opener dbconn.Opener, hosts []Host) (*Router, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("router: at least one host is required")
	}
	return &Router{
		opener: opener,
		hosts:  hosts,
		shards: make(map[int]*shard.Shard),
	}, nil
}

// NumHosts returns the fixed number of hosts this Router routes across.
func (r *Router) NumHosts() int {
	return len(r.hosts)
}

// HostIndex returns the index into the configured host list that owns
// colo. Colocation ids are otherwise opaque with respect to placement:
// routing is a pure function of colo and the host count, with no directory
// lookup and no per-gid metadata.
func (r *Router) HostIndex(colo uint32) int {
	return int(colo % uint32(len(r.hosts)))
}

// ShardFor returns the shard responsible for colo, opening its connection
// and constructing it on first use. Repeated calls that route to the same
// host return the same *shard.Shard, so its lock table and open
// transactions are shared across every caller.
func (r *Router) ShardFor(colo uint32) (*shard.Shard, error) {
	idx := r.HostIndex(colo)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.shards[idx]; ok {
		return s, nil
	}

	host := r.hosts[idx]
	conn, err := r.opener.Open(host.Addr, host.DBName)
	if err != nil {
		return nil, fmt.Errorf("router: open host %d (%s/%s): %w", idx, host.Addr, host.DBName, err)
	}
	s := shard.New(conn)
	r.shards[idx] = s
	return s, nil
}

// AllShards returns every shard that has been opened so far, constructing
// any not yet touched by a prior ShardFor call. Used by the store façade to
// fan a cross-shard index search out across every host.
func (r *Router) AllShards() ([]*shard.Shard, error) {
	shards := make([]*shard.Shard, len(r.hosts))
	for idx := range r.hosts {
		// idx itself is always < len(r.hosts), so HostIndex(idx) == idx:
		// this drives ShardFor's normal lazy-open path for every host
		// without duplicating its connection-caching logic.
		s, err := r.ShardFor(uint32(idx))
		if err != nil {
			return nil, err
		}
		shards[idx] = s
	}
	return shards, nil
}
