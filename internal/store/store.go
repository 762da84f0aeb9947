// Package store is the edge store façade: the entry point applications use
// instead of reaching into router and shard directly. It resolves a gid or
// colocation to the shard that owns it, fans index searches that have no
// single owning parent out across every shard with golang.org/x/sync/errgroup,
// and wraps the storage engine's per-colocation lock in a façade-level
// handle.
//
// Cross-shard queries are never globally sorted: each shard's edges come
// back ordered on their own terms, but Query concatenates shards in
// router.Router's host order rather than merging by index value across
// shard boundaries. A caller that needs a single total order across
// shards has to sort the concatenated result itself.
package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/edgestore/internal/dbconn"
	"github.com/dreamware/edgestore/internal/gid"
	"github.com/dreamware/edgestore/internal/metrics"
	"github.com/dreamware/edgestore/internal/router"
	"github.com/dreamware/edgestore/internal/shard"
)

// Store is one edge store: a fixed set of shards reachable through a
// router.Router. The zero value is not usable; construct with New.
type Store struct {
	router  *router.Router
	log     *zap.Logger
	metrics metrics.Sink
}

// Option configures optional Store behavior using the functional options
// pattern.
type Option func(*Store)

// WithLogger plugs an external zap.Logger. The default is zap.NewNop(), so
// a Store built without this option never logs.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics plugs a metrics.Sink (see metrics.New). The default is a
// no-op sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(s *Store) {
		if sink != nil {
			s.metrics = sink
		}
	}
}

// New returns a Store routing across hosts via opener.
func New(opener dbconn.Opener, hosts []router.Host, opts ...Option) (*Store, error) {
	r, err := router.New(opener, hosts)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s := &Store{
		router:  r,
		log:     zap.NewNop(),
		metrics: metrics.New(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// observe records an operation's outcome against the shard owning colo and
// logs a warning on failure. GenerateGid, Add, Delete, Get, Count and a
// parent-scoped Query funnel their result through this; a fan-out Query
// and the lock methods are not recorded here.
func (s *Store) observe(colo uint32, op metrics.Op, err error) {
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
		s.log.Warn("store operation failed",
			zap.String("op", string(op)),
			zap.Uint32("colo", colo),
			zap.Error(err))
	}
	s.metrics.ObserveOperation(s.router.HostIndex(colo), op, outcome)
}

// GenerateGid allocates a new gid. If colo is nil, a colocation is chosen
// uniformly at random with gid.RandomColo before allocating; pass a
// non-nil colo to place the new gid on a specific colocation instead.
func (s *Store) GenerateGid(ctx context.Context, colo *uint32) (gid.Gid, error) {
	target := uint32(0)
	if colo != nil {
		target = *colo
	} else {
		c, err := gid.RandomColo()
		if err != nil {
			return 0, fmt.Errorf("store: generate gid: %w", err)
		}
		target = c
	}

	sh, err := s.router.ShardFor(target)
	if err != nil {
		s.observe(target, metrics.OpGenerateGid, err)
		return 0, fmt.Errorf("store: generate gid: %w", err)
	}
	g, err := sh.GenerateGid(ctx, target)
	s.observe(target, metrics.OpGenerateGid, err)
	return g, err
}

// Add routes to and writes through the shard owning gid1. See
// shard.Shard.Add for the write's semantics.
func (s *Store) Add(ctx context.Context, edgetype int32, gid1, gid2 gid.Gid, encoding int32, data []byte, overwrite bool, indexes []shard.IndexSpec) (bool, error) {
	sh, err := s.router.ShardFor(gid1.Colo())
	if err != nil {
		s.observe(gid1.Colo(), metrics.OpAdd, err)
		return false, fmt.Errorf("store: add: %w", err)
	}
	isNew, err := sh.Add(ctx, edgetype, gid1, gid2, encoding, data, overwrite, indexes)
	s.observe(gid1.Colo(), metrics.OpAdd, err)
	return isNew, err
}

// Delete routes to and deletes through the shard owning gid1. See
// shard.Shard.Delete for the delete's semantics.
func (s *Store) Delete(ctx context.Context, edgetype int32, gid1, gid2 gid.Gid, indextypes []int32) (bool, error) {
	sh, err := s.router.ShardFor(gid1.Colo())
	if err != nil {
		s.observe(gid1.Colo(), metrics.OpDelete, err)
		return false, fmt.Errorf("store: delete: %w", err)
	}
	deleted, err := sh.Delete(ctx, edgetype, gid1, gid2, indextypes)
	s.observe(gid1.Colo(), metrics.OpDelete, err)
	return deleted, err
}

// Get routes to and reads through the shard owning gid1.
func (s *Store) Get(ctx context.Context, edgetype int32, gid1, gid2 gid.Gid, idx *shard.IndexRange) (*shard.Edge, bool, error) {
	sh, err := s.router.ShardFor(gid1.Colo())
	if err != nil {
		s.observe(gid1.Colo(), metrics.OpGet, err)
		return nil, false, fmt.Errorf("store: get: %w", err)
	}
	edge, ok, err := sh.Get(ctx, edgetype, gid1, gid2, idx)
	s.observe(gid1.Colo(), metrics.OpGet, err)
	return edge, ok, err
}

// Count routes to and reads through the shard owning gid1.
func (s *Store) Count(ctx context.Context, edgetype int32, gid1 gid.Gid) (int64, error) {
	sh, err := s.router.ShardFor(gid1.Colo())
	if err != nil {
		s.observe(gid1.Colo(), metrics.OpCount, err)
		return 0, fmt.Errorf("store: count: %w", err)
	}
	count, err := sh.Count(ctx, edgetype, gid1)
	s.observe(gid1.Colo(), metrics.OpCount, err)
	return count, err
}

// Query routes a parent-scoped query (gid1 non-nil) to the single shard
// that owns it. A shard-wide index search (gid1 nil) has no single owning
// shard, so it fans out to every shard concurrently via errgroup and
// concatenates the results in host order.
func (s *Store) Query(ctx context.Context, edgetype int32, gid1 *gid.Gid, idx *shard.IndexRange) ([]*shard.Edge, error) {
	if gid1 != nil {
		sh, err := s.router.ShardFor(gid1.Colo())
		if err != nil {
			s.observe(gid1.Colo(), metrics.OpQuery, err)
			return nil, fmt.Errorf("store: query: %w", err)
		}
		edges, err := sh.Query(ctx, edgetype, gid1, idx)
		s.observe(gid1.Colo(), metrics.OpQuery, err)
		return edges, err
	}

	if idx == nil {
		return nil, fmt.Errorf("%w: query requires gid1, an index range, or both", shard.ErrInvalidArgument)
	}

	shards, err := s.router.AllShards()
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}

	perShard := make([][]*shard.Edge, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, sh := range shards {
		g.Go(func() error {
			edges, err := sh.Query(gctx, edgetype, nil, idx)
			if err != nil {
				return err
			}
			perShard[i] = edges
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}

	var all []*shard.Edge
	for _, edges := range perShard {
		all = append(all, edges...)
	}
	return all, nil
}

// LockHandle is a façade-level hold on one colocation's lock, acquired by
// Store.Lock.
type LockHandle struct {
	store *Store
	sh    *shard.Shard
	colo  uint32
	inner *shard.LockHandle
}

// Release releases the lock. See shard.LockHandle.Release.
func (h *LockHandle) Release() error {
	err := h.inner.Release()
	h.store.metrics.SetLockDepth(h.store.router.HostIndex(h.colo), h.sh.LockDepth(h.colo))
	return err
}

// Lock acquires a re-entrant lock on colo, scoped to the shard that owns
// it. See shard.Shard.Lock.
func (s *Store) Lock(ctx context.Context, colo uint32) (*LockHandle, error) {
	sh, err := s.router.ShardFor(colo)
	if err != nil {
		return nil, fmt.Errorf("store: lock: %w", err)
	}
	inner, err := sh.Lock(ctx, colo)
	if err != nil {
		return nil, err
	}
	s.metrics.SetLockDepth(s.router.HostIndex(colo), sh.LockDepth(colo))
	return &LockHandle{store: s, sh: sh, colo: colo, inner: inner}, nil
}

// IsLocked reports whether colo is currently locked.
func (s *Store) IsLocked(colo uint32) bool {
	sh, err := s.router.ShardFor(colo)
	if err != nil {
		return false
	}
	return sh.IsLocked(colo)
}

// LockDepth reports colo's current lock re-entrancy depth, or 0 if it is
// not locked.
func (s *Store) LockDepth(colo uint32) int {
	sh, err := s.router.ShardFor(colo)
	if err != nil {
		return 0
	}
	return sh.LockDepth(colo)
}

// Registry caches one *Store per logical destination (typically a database
// name): callers ask for a Store by key without needing to coordinate
// construction among themselves, and every caller asking for the same key
// shares one router and its shard/connection caches.
type Registry struct {
	mu    sync.Mutex
	cache map[string]*Store
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cache: make(map[string]*Store)}
}

// GetOrCreate returns the Store cached under key, constructing one with
// opener and hosts the first time key is requested. Subsequent calls with
// the same key ignore opener and hosts and return the cached Store.
func (reg *Registry) GetOrCreate(key string, opener dbconn.Opener, hosts []router.Host) (*Store, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if s, ok := reg.cache[key]; ok {
		return s, nil
	}
	s, err := New(opener, hosts)
	if err != nil {
		return nil, err
	}
	reg.cache[key] = s
	return s, nil
}
