package dbconn

// The statements below are the MySQL-dialect SQL the storage engine issues.
// They are exported from this package (rather than living as unexported
// constants in package shard) because the SQL text itself is part of the
// driver contract: it is what lets LAST_INSERT_ID(expr) carry a value
// computed by one clause of a statement back through Tx.LastInsertID, and a
// Conn implementation needs to recognize these exact statements to serve
// them without a real MySQL server underneath (see Fake in fake.go).
//
// Placeholders use '?', matching go-sql-driver/mysql's expected syntax. `?`
// argument order matches the order documented on each constant.
const (
	// QueryGenerateGid upserts a colocation's counter row, returning the
	// new counter value through LAST_INSERT_ID. Args: colo, start.
	QueryGenerateGid = `
		INSERT INTO colo (colo, counter)
		VALUES (?, LAST_INSERT_ID(?))
		ON DUPLICATE KEY UPDATE counter = LAST_INSERT_ID(counter + 1)
	`

	// QueryIncrementRevision upserts an edgemeta row, initializing
	// revision=1, count=0 on first write or incrementing revision
	// otherwise, returning the new revision through LAST_INSERT_ID.
	// Args: edgetype, gid1.
	QueryIncrementRevision = `
		INSERT INTO edgemeta (edgetype, gid1, revision, count)
		VALUES (?, ?, LAST_INSERT_ID(1), 0)
		ON DUPLICATE KEY UPDATE revision = LAST_INSERT_ID(revision + 1)
	`

	// QueryIncrementCount adjusts an edgemeta row's live-edge count by
	// delta (positive or negative). Args: delta, edgetype, gid1.
	QueryIncrementCount = `
		UPDATE edgemeta SET count = count + ?
		WHERE edgetype = ? AND gid1 = ?
	`

	// QueryAddEdge inserts a new edge row in non-overwrite mode; fails at
	// the database layer (duplicate primary key) if one already exists.
	// Args: edgetype, gid1, gid2, revision, encoding, data.
	QueryAddEdge = `
		INSERT INTO edgedata (edgetype, gid1, gid2, revision, encoding, data)
		VALUES (?, ?, ?, LAST_INSERT_ID(?), ?, ?)
	`

	// QueryAddEdgeOverwrite inserts or, on primary-key collision, updates
	// an edge row. The LAST_INSERT_ID(revision) clause stashes the row's
	// *previous* revision before it is overwritten by the VALUES() clause
	// that follows it, letting the caller detect a concurrent writer (see
	// shard.Shard.Add's prev-revision self-check). Args: edgetype, gid1,
	// gid2, revision, encoding, data.
	QueryAddEdgeOverwrite = `
		INSERT INTO edgedata (edgetype, gid1, gid2, revision, encoding, data)
		VALUES (?, ?, ?, LAST_INSERT_ID(?), ?, ?)
		ON DUPLICATE KEY UPDATE
			revision = LAST_INSERT_ID(revision),
			revision = VALUES(revision),
			encoding = VALUES(encoding),
			data = VALUES(data)
	`

	// QueryUniqueIndexCount counts existing rows for a unique-flagged
	// index value, used to enforce invariant 4. Args: indextype,
	// indexvalue.
	QueryUniqueIndexCount = `
		SELECT COUNT(1) FROM edgeindex
		WHERE indextype = ? AND indexvalue = ?
	`

	// QueryDeleteIndex removes the index row tied to one edge version.
	// Args: indextype, gid1, revision.
	QueryDeleteIndex = `
		DELETE FROM edgeindex
		WHERE indextype = ? AND gid1 = ? AND revision = ?
	`

	// QueryAddIndex inserts a new index row for the edge version just
	// written. Args: indextype, indexvalue, gid1, revision.
	QueryAddIndex = `
		INSERT INTO edgeindex (indextype, indexvalue, gid1, revision)
		VALUES (?, ?, ?, ?)
	`

	// QueryDeleteEdge deletes an edge row by primary key. The
	// `revision = LAST_INSERT_ID(revision)` clause is always true (it
	// compares the column to itself) but its evaluation has the side
	// effect of stashing the deleted row's own revision in the
	// connection's last-insert-id register, which DELETE otherwise never
	// touches; shard.Shard.Delete reads it back with
	// QuerySelectLastInsertID to know which revision's index rows to
	// remove. Args: edgetype, gid1, gid2.
	QueryDeleteEdge = `
		DELETE FROM edgedata
		WHERE edgetype = ? AND gid1 = ? AND gid2 = ?
		  AND revision = LAST_INSERT_ID(revision)
	`

	// QuerySelectLastInsertID re-reads the connection's last-insert-id
	// register explicitly. DELETE does not update the register through
	// normal channels, so shard.Shard.Delete reads the deleted row's
	// revision (stashed by QueryDeleteEdge's WHERE clause) with this SELECT
	// immediately after the DELETE instead.
	QuerySelectLastInsertID = `SELECT LAST_INSERT_ID()`

	// QueryGetEdge fetches a single edge by primary key. Args: edgetype,
	// gid1, gid2.
	QueryGetEdge = `
		SELECT edgetype, gid1, gid2, revision, encoding, data
		FROM edgedata
		WHERE edgetype = ? AND gid1 = ? AND gid2 = ?
	`

	// QueryGetEdgeByIndex fetches a single edge by primary key, additionally
	// requiring that it currently has an index entry of the given type
	// within range. Args: edgetype, gid1, gid2, indextype, indexlo, indexhi.
	QueryGetEdgeByIndex = `
		SELECT edgedata.edgetype, edgedata.gid1, edgedata.gid2,
		       edgedata.revision, edgedata.encoding, edgedata.data
		FROM edgeindex STRAIGHT_JOIN edgedata
		ON (edgedata.edgetype = ? AND edgedata.gid1 = ? AND edgedata.gid2 = ?
		    AND edgedata.gid1 = edgeindex.gid1
		    AND edgedata.revision = edgeindex.revision)
		WHERE edgeindex.indextype = ?
		  AND edgeindex.indexvalue BETWEEN ? AND ?
	`

	// QueryListEdges lists every current edge under a parent, newest
	// revision first. Args: edgetype, gid1.
	QueryListEdges = `
		SELECT edgetype, gid1, gid2, revision, encoding, data
		FROM edgedata
		WHERE edgetype = ? AND gid1 = ?
		ORDER BY revision DESC
	`

	// QueryListEdgesByIndex scans a parent's edges constrained to an index
	// range, ordered by (indexvalue ASC, revision DESC). Args: edgetype,
	// gid1, indextype, indexlo, indexhi.
	QueryListEdgesByIndex = `
		SELECT edgedata.edgetype, edgedata.gid1, edgedata.gid2,
		       edgedata.revision, edgedata.encoding, edgedata.data
		FROM edgeindex STRAIGHT_JOIN edgedata
		ON (edgedata.edgetype = ? AND edgedata.gid1 = ?
		    AND edgedata.gid1 = edgeindex.gid1
		    AND edgedata.revision = edgeindex.revision)
		WHERE edgeindex.indextype = ?
		  AND edgeindex.indexvalue BETWEEN ? AND ?
		ORDER BY edgeindex.indexvalue, edgeindex.revision DESC
	`

	// QuerySearchIndex range-scans an index across every parent on this
	// shard, ordered by (indexvalue ASC, revision DESC). Args: edgetype,
	// indextype, indexlo, indexhi.
	QuerySearchIndex = `
		SELECT edgedata.edgetype, edgedata.gid1, edgedata.gid2,
		       edgedata.revision, edgedata.encoding, edgedata.data
		FROM edgeindex STRAIGHT_JOIN edgedata
		ON (edgedata.edgetype = ? AND edgedata.gid1 = edgeindex.gid1
		    AND edgedata.revision = edgeindex.revision)
		WHERE edgeindex.indextype = ?
		  AND edgeindex.indexvalue BETWEEN ? AND ?
		ORDER BY edgeindex.indexvalue, edgeindex.revision DESC
	`

	// QueryCount fetches the live-edge count for a parent. Args: edgetype,
	// gid1.
	QueryCount = `
		SELECT count FROM edgemeta
		WHERE edgetype = ? AND gid1 = ?
	`

	// QueryLockProbe exploits ordinary row-level locking to hold an
	// exclusive lock on a colocation's row for the life of the open
	// transaction, without disturbing its counter. Reserved counter value 0
	// seeds the row the first time a colocation is locked before it has
	// ever generated a gid; 0 is never returned by QueryGenerateGid (whose
	// first real value is 1), so a later genuine generateGid call on this
	// colo is unaffected. Args: colo.
	QueryLockProbe = `
		INSERT INTO colo (colo, counter)
		VALUES (?, 0)
		ON DUPLICATE KEY UPDATE counter = counter
	`
)
