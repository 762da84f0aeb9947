// Package dbconn defines the narrow driver contract the storage engine
// requires of an underlying relational database, and provides two
// implementations: MySQL (backed by database/sql and the MySQL wire
// protocol) and an in-memory Fake used by every test in this module.
//
// The contract mirrors what a revision-tracking edge store needs from its
// MySQL driver: parameterized statements, an affected-rows counter, and a
// per-connection "last insert id" register that SQL can both read and
// assign via LAST_INSERT_ID(expr). That register is the side channel the
// storage engine (package shard) uses to thread revision numbers through
// INSERT/UPDATE/DELETE without a second round trip — except on DELETE,
// where the register is not updated by the wire protocol and an explicit
// follow-up read is required; see Tx.LastInsertID's doc comment.
package dbconn

import "context"

// Row is a single result row. Columns are decoded lazily by Scan, mirroring
// database/sql.Rows.Scan so the MySQL implementation can wrap it directly.
type Row interface {
	// Scan copies the columns of the row into dest, in the order they were
	// selected. The number and type of dest must match the query.
	Scan(dest ...any) error
}

// Result reports the outcome of a Run call.
type Result interface {
	// AffectedRows returns the number of rows changed by the statement.
	// For an upsert (INSERT ... ON DUPLICATE KEY UPDATE) the engine relies
	// on the MySQL convention that this is 1 for an insert, 2 for an
	// update, 0 for a no-op update (new values equal old values).
	AffectedRows() int64
}

// Tx is a single database transaction. All statements issued through a Tx
// run against the same underlying connection, so LAST_INSERT_ID() observes
// every previous statement in the same transaction — this is what lets
// incrementRevision's issued value be read back by the edge insert that
// follows it.
type Tx interface {
	// Run executes a statement that does not return rows (INSERT, UPDATE,
	// DELETE). query uses '?' placeholders; args are bound positionally.
	Run(ctx context.Context, query string, args ...any) (Result, error)

	// Get executes a statement that returns zero or more rows.
	Get(ctx context.Context, query string, args ...any) ([]Row, error)

	// GetOne executes a statement expected to return at most one row. ok is
	// false if the query produced no rows; it is not an error.
	GetOne(ctx context.Context, query string, args ...any) (row Row, ok bool, err error)

	// LastInsertID reads the connection's last-insert-id register as of the
	// most recently executed statement on this Tx.
	//
	// The register is set by any statement that performs an INSERT, or
	// that embeds LAST_INSERT_ID(expr) in an UPDATE's SET clause — this is
	// how incrementRevision and the overwrite path in shard.Add smuggle a
	// computed value back to the caller without a second statement.
	// A DELETE is never reported here, even when its WHERE clause assigns
	// the register through LAST_INSERT_ID(expr); callers that need that
	// value must read it back with an explicit SELECT LAST_INSERT_ID()
	// after the DELETE (see shard.Shard.Delete).
	LastInsertID() int64

	// Commit commits the transaction. Calling any method other than
	// Rollback on the Tx after Commit returns is a programming error.
	Commit() error

	// Rollback aborts the transaction. Rollback after Commit is a no-op
	// returning nil, matching database/sql.Tx so deferred rollbacks are
	// always safe to call unconditionally.
	Rollback() error
}

// Conn is a single database connection (or connection pool keyed to one
// logical destination) capable of beginning transactions. The router
// package maintains at most one Conn per (host, dbname) pair and at most
// one shard object per Conn — see router.Router.
type Conn interface {
	// Begin starts a new transaction. Only one transaction may be open on a
	// given Conn at a time; the caller must Commit or Rollback before
	// beginning another.
	Begin(ctx context.Context) (Tx, error)

	// HasOngoingTransaction reports whether a transaction is currently open
	// on this connection. Package shard does not consult it: shard.Shard.Lock
	// begins the transaction its lock probe runs in itself.
	HasOngoingTransaction() bool

	// Close releases the connection's resources. Safe to call more than
	// once.
	Close() error

	// Ping reports whether the connection's destination is currently
	// reachable, without starting a transaction. Used by the health
	// monitor to distinguish a slow shard from a dead one.
	Ping(ctx context.Context) error
}

// Opener constructs a Conn for a given host and logical database name. The
// router package uses an Opener to lazily create connections the first
// time a colocation routes to a host it hasn't seen yet.
type Opener interface {
	Open(host, dbname string) (Conn, error)
}
