// Package shard implements the storage engine for one shard of the edge
// store: the component that actually issues SQL against a single connection
// and owns the consistency rules tying edge writes to their secondary index
// rows.
//
// # Overview
//
// A shard holds every edge, index row, and revision counter for the
// colocations routed to it (see package router for routing). All of a
// shard's state lives behind a single dbconn.Conn; a Shard never talks to
// more than one connection; callers that need one edge store across many
// shards compose multiple *Shard values (package store does this).
//
// # Revision protocol
//
// Every mutation to a parent (edgetype, gid1) first increments that
// parent's revision counter in the same transaction, using the SQL
// upsert-plus-LAST_INSERT_ID(expr) trick in dbconn.QueryIncrementRevision to
// learn the new value without a second round trip. The edge write that
// follows stamps the edge with that revision; on overwrite, the same trick
// recovers the edge's *previous* revision before the new one replaces it,
// which is what lets Add find and retire the stale index rows a prior
// version of the edge left behind.
//
// DELETE does not report a last-insert-id the way INSERT and
// LAST_INSERT_ID(expr)-bearing UPDATEs do, so Delete captures the deleted
// edge's own revision with an explicit follow-up read (dbconn.Tx.GetOne on
// dbconn.QuerySelectLastInsertID) rather than trusting dbconn.Tx.LastInsertID
// after the delete statement.
//
// # Locking
//
// Lock acquires a re-entrant, transaction-scoped hold on one colocation: the
// first Lock call for a colo opens a transaction and executes a probe
// statement that takes MySQL's ordinary row-level lock on that colo's
// counter row without disturbing its value (dbconn.QueryLockProbe, reserved
// counter value 0). Every operation issued against that colo while the lock
// is held reuses the open transaction instead of starting its own; Release
// commits once the outermost holder releases.
//
// # Testing
//
// Tests exercise a Shard against dbconn.NewFake, never a real database —
// the fake reproduces the affected-rows and LAST_INSERT_ID conventions
// exactly enough for every invariant in this package to be tested without
// external infrastructure.
package shard
