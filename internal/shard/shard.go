// Package shard implements the storage engine for one shard.
// See doc.go for complete package documentation.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/edgestore/internal/dbconn"
	"github.com/dreamware/edgestore/internal/gid"
)

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", ...) rather than
// constructing new errors so callers can errors.Is against a stable value.
var (
	// ErrInvalidArgument is returned for caller-supplied values that are
	// outright malformed: a zero edgetype, a query with neither a parent
	// nor an index filter, a zero colocation passed to Lock.
	ErrInvalidArgument = errors.New("shard: invalid argument")

	// ErrConsistency is returned when a self-check the engine performs to
	// catch bugs or concurrent writers outside the expected transaction
	// boundary fails. It should never fire in ordinary operation.
	ErrConsistency = errors.New("shard: consistency check failed")

	// ErrDuplicateIndex is returned by Add when a unique-flagged index
	// value already resolves to a different edge.
	ErrDuplicateIndex = errors.New("shard: duplicate unique index value")
)

// Edge is one directed, typed, versioned edge as stored on a shard.
type Edge struct {
	EdgeType int32
	Gid1     gid.Gid
	Gid2     gid.Gid
	Revision int64
	Encoding int32
	Data     []byte
}

// IndexSpec describes one secondary index entry Add should maintain
// alongside an edge write. Unique, when true, makes Add reject the write if
// IndexValue already resolves to a different edge anywhere on the shard.
type IndexSpec struct {
	IndexType  int32
	IndexValue string
	Unique     bool
}

// IndexRange constrains a Get or Query to edges whose index value for
// IndexType falls within [Lo, Hi] (MySQL BETWEEN semantics: inclusive on
// both ends, lexicographic on the stored string).
type IndexRange struct {
	IndexType int32
	Lo        string
	Hi        string
}

// heldLock is the state behind one outstanding Lock on a colocation: the
// transaction the lock probe opened, and a re-entrancy depth so nested Lock
// calls from the same logical caller don't try to open a second
// transaction on top of the first.
type heldLock struct {
	tx    dbconn.Tx
	depth int
}

// Shard is the storage engine for everything routed to one connection. The
// zero value is not usable; construct with New.
type Shard struct {
	conn dbconn.Conn

	mu    sync.Mutex
	locks map[uint32]*heldLock
}

// New returns a Shard issuing all of its SQL against conn.
func New(conn dbconn.Conn) *Shard {
	return &Shard{
		conn:  conn,
		locks: make(map[uint32]*heldLock),
	}
}

// withTx runs fn inside a transaction scoped to colo: if colo is currently
// locked (see Lock), fn reuses that transaction and neither commits nor
// rolls it back; otherwise withTx opens a fresh transaction for the
// duration of fn alone, committing on success and rolling back on error.
//
// colo 0 is used by callers (Query's shard-wide search mode) that have no
// single colocation to scope to; since Lock rejects colo 0, such calls
// always get their own transaction.
func (s *Shard) withTx(ctx context.Context, colo uint32, fn func(tx dbconn.Tx) error) error {
	s.mu.Lock()
	held, locked := s.locks[colo]
	s.mu.Unlock()

	if locked {
		return fn(held.tx)
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("shard: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("shard: commit: %w", err)
	}
	return nil
}

// incrementRevision advances (edgetype, gid1)'s revision counter, creating
// it at 1 if this is the parent's first mutation, and returns the new
// value.
func (s *Shard) incrementRevision(ctx context.Context, tx dbconn.Tx, edgetype int32, gid1 uint64) (int64, error) {
	if _, err := tx.Run(ctx, dbconn.QueryIncrementRevision, edgetype, gid1); err != nil {
		return 0, fmt.Errorf("shard: increment revision: %w", err)
	}
	return tx.LastInsertID(), nil
}

func (s *Shard) incrementCount(ctx context.Context, tx dbconn.Tx, edgetype int32, gid1 uint64, delta int64) error {
	if _, err := tx.Run(ctx, dbconn.QueryIncrementCount, delta, edgetype, gid1); err != nil {
		return fmt.Errorf("shard: increment count: %w", err)
	}
	return nil
}

// GenerateGid allocates the next gid for colo: a monotonically increasing
// per-colocation counter composed with colo into a Gid. Safe to call
// concurrently for the same colo; the upsert in dbconn.QueryGenerateGid
// serializes concurrent callers at the database row.
func (s *Shard) GenerateGid(ctx context.Context, colo uint32) (gid.Gid, error) {
	if colo == 0 {
		return 0, fmt.Errorf("%w: colo must be nonzero", ErrInvalidArgument)
	}

	var counter uint32
	err := s.withTx(ctx, colo, func(tx dbconn.Tx) error {
		if _, err := tx.Run(ctx, dbconn.QueryGenerateGid, colo, int64(1)); err != nil {
			return fmt.Errorf("shard: generate gid: %w", err)
		}
		counter = uint32(tx.LastInsertID())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return gid.Make(colo, counter), nil
}

// Add writes an edge from gid1 to gid2 under edgetype, maintaining the
// secondary indexes listed in indexes. When overwrite is false, writing an
// edge that already exists is an error at the database layer, returned
// wrapped with %w (no sentinel error); when overwrite is true, an existing edge's data, encoding, and
// revision are replaced in place and its stale index rows are retired.
//
// Add always advances (edgetype, gid1)'s revision, whether or not the edge
// itself is new: revision tracks mutation of the parent, not of any one
// child edge.
//
// Add returns true if this call created the edge (as opposed to
// overwriting one that already existed).
func (s *Shard) Add(ctx context.Context, edgetype int32, gid1, gid2 gid.Gid, encoding int32, data []byte, overwrite bool, indexes []IndexSpec) (isNew bool, err error) {
	if edgetype == 0 {
		return false, fmt.Errorf("%w: edgetype must be nonzero", ErrInvalidArgument)
	}

	colo := gid1.Colo()
	err = s.withTx(ctx, colo, func(tx dbconn.Tx) error {
		revision, err := s.incrementRevision(ctx, tx, edgetype, uint64(gid1))
		if err != nil {
			return err
		}

		var res dbconn.Result
		if overwrite {
			res, err = tx.Run(ctx, dbconn.QueryAddEdgeOverwrite, edgetype, uint64(gid1), uint64(gid2), revision, encoding, data)
		} else {
			res, err = tx.Run(ctx, dbconn.QueryAddEdge, edgetype, uint64(gid1), uint64(gid2), revision, encoding, data)
		}
		if err != nil {
			return fmt.Errorf("shard: add edge: %w", err)
		}

		// The MySQL upsert convention: 1 row affected means INSERT, 2 means
		// the ON DUPLICATE KEY UPDATE branch fired.
		isNew = res.AffectedRows() == 1

		var prevRevision int64
		hasPrev := overwrite && !isNew
		if hasPrev {
			prevRevision = tx.LastInsertID()
			if prevRevision >= revision {
				return fmt.Errorf("%w: edge prev-revision %d did not precede new revision %d for edgetype=%d gid1=%s",
					ErrConsistency, prevRevision, revision, edgetype, gid1)
			}
		}

		if isNew {
			if err := s.incrementCount(ctx, tx, edgetype, uint64(gid1), 1); err != nil {
				return err
			}
		}

		for _, idx := range indexes {
			// Delete the edge's own stale index row first: the unique-count
			// check below must not see it, or overwriting an edge that
			// carries a unique index with an unchanged value would count
			// its own prior row and reject the write as a collision with
			// itself.
			if hasPrev {
				if _, err := tx.Run(ctx, dbconn.QueryDeleteIndex, idx.IndexType, uint64(gid1), prevRevision); err != nil {
					return fmt.Errorf("shard: delete stale index: %w", err)
				}
			}

			if idx.Unique {
				row, ok, err := tx.GetOne(ctx, dbconn.QueryUniqueIndexCount, idx.IndexType, idx.IndexValue)
				if err != nil {
					return fmt.Errorf("shard: unique index check: %w", err)
				}
				if ok {
					var count int64
					if err := row.Scan(&count); err != nil {
						return fmt.Errorf("shard: unique index scan: %w", err)
					}
					if count > 0 {
						return fmt.Errorf("%w: indextype=%d indexvalue=%q", ErrDuplicateIndex, idx.IndexType, idx.IndexValue)
					}
				}
			}

			if _, err := tx.Run(ctx, dbconn.QueryAddIndex, idx.IndexType, idx.IndexValue, uint64(gid1), revision); err != nil {
				return fmt.Errorf("shard: add index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return isNew, nil
}

// Delete removes the edge (edgetype, gid1, gid2) and retires its rows in
// every index listed in indextypes. It reports whether an edge was actually
// deleted; deleting an edge that does not exist still advances the
// parent's revision but is not an error.
func (s *Shard) Delete(ctx context.Context, edgetype int32, gid1, gid2 gid.Gid, indextypes []int32) (deleted bool, err error) {
	if edgetype == 0 {
		return false, fmt.Errorf("%w: edgetype must be nonzero", ErrInvalidArgument)
	}

	colo := gid1.Colo()
	err = s.withTx(ctx, colo, func(tx dbconn.Tx) error {
		if _, err := s.incrementRevision(ctx, tx, edgetype, uint64(gid1)); err != nil {
			return err
		}

		res, err := tx.Run(ctx, dbconn.QueryDeleteEdge, edgetype, uint64(gid1), uint64(gid2))
		if err != nil {
			return fmt.Errorf("shard: delete edge: %w", err)
		}
		deleted = res.AffectedRows() == 1

		// The deleted row's own revision, not the parent's just-advanced
		// one: index rows are keyed by the revision the edge carried, which
		// lags the parent's revision whenever a sibling edge mutated more
		// recently. DELETE does not update the last-insert-id register
		// through normal channels, so this must be an explicit read rather
		// than tx.LastInsertID() after the delete.
		row, ok, err := tx.GetOne(ctx, dbconn.QuerySelectLastInsertID)
		if err != nil {
			return fmt.Errorf("shard: read last insert id: %w", err)
		}
		var delRevision int64
		if ok {
			if err := row.Scan(&delRevision); err != nil {
				return fmt.Errorf("shard: scan last insert id: %w", err)
			}
		}

		if deleted {
			if err := s.incrementCount(ctx, tx, edgetype, uint64(gid1), -1); err != nil {
				return err
			}
			for _, it := range indextypes {
				if _, err := tx.Run(ctx, dbconn.QueryDeleteIndex, it, uint64(gid1), delRevision); err != nil {
					return fmt.Errorf("shard: delete index: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// Get fetches one edge by primary key. If idx is non-nil, the edge must
// also currently have an index entry of idx.IndexType within [idx.Lo,
// idx.Hi], otherwise Get reports no match even if the edge itself exists.
// ok is false, with a nil error, if no matching edge was found.
func (s *Shard) Get(ctx context.Context, edgetype int32, gid1, gid2 gid.Gid, idx *IndexRange) (edge *Edge, ok bool, err error) {
	if edgetype == 0 {
		return nil, false, fmt.Errorf("%w: edgetype must be nonzero", ErrInvalidArgument)
	}

	colo := gid1.Colo()
	err = s.withTx(ctx, colo, func(tx dbconn.Tx) error {
		var row dbconn.Row
		var found bool
		var err error
		if idx != nil {
			row, found, err = tx.GetOne(ctx, dbconn.QueryGetEdgeByIndex, edgetype, uint64(gid1), uint64(gid2), idx.IndexType, idx.Lo, idx.Hi)
		} else {
			row, found, err = tx.GetOne(ctx, dbconn.QueryGetEdge, edgetype, uint64(gid1), uint64(gid2))
		}
		if err != nil {
			return fmt.Errorf("shard: get edge: %w", err)
		}
		if !found {
			return nil
		}
		e, err := scanEdge(row)
		if err != nil {
			return err
		}
		edge, ok = e, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return edge, ok, nil
}

// Query lists edges matching one of three modes, mirroring the three ways
// the original system lets a caller scan a shard:
//
//   - gid1 set, idx nil: every current edge under that parent, newest
//     revision first.
//   - gid1 set, idx set: that parent's edges constrained to an index range,
//     ordered by (index value, revision descending).
//   - gid1 nil, idx set: every edge on the shard (across parents) whose
//     index value falls in range, same ordering.
//
// gid1 nil and idx nil together is invalid: an unindexed, unscoped scan of
// an entire shard has no bounded cost and no caller in this system should
// ever need one.
func (s *Shard) Query(ctx context.Context, edgetype int32, gid1 *gid.Gid, idx *IndexRange) ([]*Edge, error) {
	if edgetype == 0 {
		return nil, fmt.Errorf("%w: edgetype must be nonzero", ErrInvalidArgument)
	}
	if gid1 == nil && idx == nil {
		return nil, fmt.Errorf("%w: query requires gid1, an index range, or both", ErrInvalidArgument)
	}

	var routingColo uint32
	if gid1 != nil {
		routingColo = gid1.Colo()
	}

	var rows []dbconn.Row
	err := s.withTx(ctx, routingColo, func(tx dbconn.Tx) error {
		var err error
		switch {
		case gid1 != nil && idx == nil:
			rows, err = tx.Get(ctx, dbconn.QueryListEdges, edgetype, uint64(*gid1))
		case gid1 != nil && idx != nil:
			rows, err = tx.Get(ctx, dbconn.QueryListEdgesByIndex, edgetype, uint64(*gid1), idx.IndexType, idx.Lo, idx.Hi)
		default: // gid1 == nil, idx != nil
			rows, err = tx.Get(ctx, dbconn.QuerySearchIndex, edgetype, idx.IndexType, idx.Lo, idx.Hi)
		}
		if err != nil {
			return fmt.Errorf("shard: query: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	edges := make([]*Edge, len(rows))
	for i, row := range rows {
		e, err := scanEdge(row)
		if err != nil {
			return nil, err
		}
		edges[i] = e
	}
	return edges, nil
}

// Count returns the number of live edges under (edgetype, gid1), or 0 if
// the parent has never had an edge written.
func (s *Shard) Count(ctx context.Context, edgetype int32, gid1 gid.Gid) (int64, error) {
	if edgetype == 0 {
		return 0, fmt.Errorf("%w: edgetype must be nonzero", ErrInvalidArgument)
	}

	var count int64
	err := s.withTx(ctx, gid1.Colo(), func(tx dbconn.Tx) error {
		row, ok, err := tx.GetOne(ctx, dbconn.QueryCount, edgetype, uint64(gid1))
		if err != nil {
			return fmt.Errorf("shard: count: %w", err)
		}
		if !ok {
			return nil
		}
		return row.Scan(&count)
	})
	return count, err
}

// LockHandle represents one caller's hold on a colocation's lock, acquired
// by Lock. Release exactly once per successful Lock call.
type LockHandle struct {
	shard    *Shard
	colo     uint32
	released bool
}

// Lock acquires a re-entrant, transaction-scoped lock on colo. Every
// Add/Delete/Get/Query/Count call made against colo while the lock is held
// on this Shard (from any goroutine, whether or not it holds a LockHandle)
// executes inside the same transaction as the lock probe,
// letting a caller compose several operations into one atomic unit.
//
// Calling Lock again for a colo already locked by this Shard increases the
// hold's re-entrancy depth instead of opening a second transaction;
// Release must be called once per Lock call to fully release it.
func (s *Shard) Lock(ctx context.Context, colo uint32) (*LockHandle, error) {
	if colo == 0 {
		return nil, fmt.Errorf("%w: colo must be nonzero", ErrInvalidArgument)
	}

	s.mu.Lock()
	if held, ok := s.locks[colo]; ok {
		held.depth++
		s.mu.Unlock()
		return &LockHandle{shard: s, colo: colo}, nil
	}
	s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("shard: lock: begin: %w", err)
	}
	if _, err := tx.Run(ctx, dbconn.QueryLockProbe, colo); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("shard: lock: probe: %w", err)
	}

	s.mu.Lock()
	s.locks[colo] = &heldLock{tx: tx, depth: 1}
	s.mu.Unlock()

	return &LockHandle{shard: s, colo: colo}, nil
}

// Release releases this handle's hold on its colocation. Once the
// outermost Lock call's handle is released, the underlying transaction
// commits. Release is safe to call more than once; calls after the first
// are no-ops.
func (h *LockHandle) Release() error {
	if h.released {
		return nil
	}
	h.released = true

	s := h.shard
	s.mu.Lock()
	held, ok := s.locks[h.colo]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: release: no lock held for colo %d", ErrConsistency, h.colo)
	}
	held.depth--
	if held.depth > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.locks, h.colo)
	s.mu.Unlock()

	if err := held.tx.Commit(); err != nil {
		return fmt.Errorf("shard: release: commit: %w", err)
	}
	return nil
}

// IsLocked reports whether this Shard currently holds a lock on colo.
func (s *Shard) IsLocked(colo uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[colo]
	return ok
}

// LockDepth reports the current re-entrancy depth of colo's lock, or 0 if
// it is not held.
func (s *Shard) LockDepth(colo uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[colo]; ok {
		return held.depth
	}
	return 0
}

func scanEdge(row dbconn.Row) (*Edge, error) {
	var e Edge
	var gid1raw, gid2raw uint64
	if err := row.Scan(&e.EdgeType, &gid1raw, &gid2raw, &e.Revision, &e.Encoding, &e.Data); err != nil {
		return nil, fmt.Errorf("shard: scan edge: %w", err)
	}
	e.Gid1 = gid.Gid(gid1raw)
	e.Gid2 = gid.Gid(gid2raw)
	return &e, nil
}
