package dbconn

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Conn implementation satisfying the same driver
// contract as MySQL: a mutex-guarded map standing in for a real backend so
// the rest of the system can be exercised without external infrastructure.
//
// Fake recognizes the fixed set of statements in queries.go by exact text
// and reproduces MySQL's upsert/affected-rows/LAST_INSERT_ID conventions
// precisely enough for the storage engine's correctness tests, including
// the DELETE-does-not-report-LAST_INSERT_ID quirk the engine works around
// in shard.Shard.Delete. It does not parse arbitrary SQL and will return an
// error for any query text it does not recognize.
type Fake struct {
	mu    sync.Mutex
	state fakeState
}

// NewFake returns an empty in-memory database.
func NewFake() *Fake {
	return &Fake{state: newFakeState()}
}

// FakeOpener is an Opener handing out one *Fake per (host, dbname) pair,
// so tests that exercise multiple shards get independent databases while
// repeated Opens for the same destination share state, matching the
// per-(host,dbname) connection singleton the router relies on.
type FakeOpener struct {
	mu sync.Mutex
	db map[string]*Fake
}

// NewFakeOpener returns an Opener suitable for tests.
func NewFakeOpener() *FakeOpener {
	return &FakeOpener{db: make(map[string]*Fake)}
}

func (o *FakeOpener) Open(host, dbname string) (Conn, error) {
	key := host + "/" + dbname

	o.mu.Lock()
	defer o.mu.Unlock()

	f, ok := o.db[key]
	if !ok {
		f = NewFake()
		o.db[key] = f
	}
	return &fakeConn{db: f}, nil
}

// fakeState is the relational data Fake manages: one table per edge-store
// entity (edge data, edge metadata, secondary index rows), plus the
// colocation counter table.
type fakeState struct {
	edgedata map[edgeKey]edgeRow
	edgemeta map[metaKey]metaRow
	edgeidx  []indexRow
	colo     map[uint32]int64
}

func newFakeState() fakeState {
	return fakeState{
		edgedata: make(map[edgeKey]edgeRow),
		edgemeta: make(map[metaKey]metaRow),
		colo:     make(map[uint32]int64),
	}
}

func (s fakeState) clone() fakeState {
	out := newFakeState()
	for k, v := range s.edgedata {
		out.edgedata[k] = v
	}
	for k, v := range s.edgemeta {
		out.edgemeta[k] = v
	}
	for k, v := range s.colo {
		out.colo[k] = v
	}
	out.edgeidx = append(out.edgeidx, s.edgeidx...)
	return out
}

type edgeKey struct {
	EdgeType int32
	Gid1     uint64
	Gid2     uint64
}

type edgeRow struct {
	EdgeType int32
	Gid1     uint64
	Gid2     uint64
	Revision int64
	Encoding int32
	Data     []byte
}

type metaKey struct {
	EdgeType int32
	Gid1     uint64
}

type metaRow struct {
	EdgeType int32
	Gid1     uint64
	Revision int64
	Count    int64
}

type indexRow struct {
	IndexType  int32
	IndexValue string
	Gid1       uint64
	Revision   int64
}

// fakeConn adapts a *Fake to Conn, enforcing the single-transaction-per-
// connection rule the MySQL implementation also holds to.
type fakeConn struct {
	db *Fake

	mu       sync.Mutex
	activeTx bool
	closed   bool
}

func (c *fakeConn) Begin(ctx context.Context) (Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTx {
		return nil, fmt.Errorf("dbconn: fake connection already has an open transaction")
	}
	c.activeTx = true

	c.db.mu.Lock()
	scratch := c.db.state.clone()
	c.db.mu.Unlock()

	return &fakeTx{conn: c, scratch: scratch}, nil
}

func (c *fakeConn) HasOngoingTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTx
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Ping always succeeds unless the connection has been closed; there is no
// real network destination to be unreachable.
func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("dbconn: fake connection is closed")
	}
	return nil
}

// fakeTx isolates one transaction's view of the database: a cloned scratch
// copy of every table, applied back to the shared Fake only on Commit.
// This gives Rollback-on-abort for free, which is what lets the prev-
// revision self-check in shard.Shard.Add actually discard a half-applied
// write when it fires.
type fakeTx struct {
	conn    *fakeConn
	scratch fakeState
	done    bool

	// apiRegister is what Tx.LastInsertID reports: it tracks every
	// statement except a bare DELETE, mirroring the real driver's
	// unreliable LastInsertId() reporting for DELETE statements.
	apiRegister int64
	// trueRegister is the session-level value, updated by every statement
	// that evaluates a LAST_INSERT_ID(expr) clause, including the WHERE-
	// clause trick in QueryDeleteEdge. QuerySelectLastInsertID reads this.
	trueRegister int64
}

type fakeResult struct{ affected int64 }

func (r fakeResult) AffectedRows() int64 { return r.affected }

func (t *fakeTx) Run(ctx context.Context, query string, args ...any) (Result, error) {
	if t.done {
		return nil, fmt.Errorf("dbconn: fake: Run on a completed transaction")
	}

	switch query {
	case QueryGenerateGid:
		return t.runGenerateGid(args)
	case QueryIncrementRevision:
		return t.runIncrementRevision(args)
	case QueryIncrementCount:
		return t.runIncrementCount(args)
	case QueryAddEdge:
		return t.runAddEdge(args)
	case QueryAddEdgeOverwrite:
		return t.runAddEdgeOverwrite(args)
	case QueryDeleteIndex:
		return t.runDeleteIndex(args)
	case QueryAddIndex:
		return t.runAddIndex(args)
	case QueryDeleteEdge:
		return t.runDeleteEdge(args)
	case QueryLockProbe:
		return t.runLockProbe(args)
	default:
		return nil, fmt.Errorf("dbconn: fake: unrecognized statement: %s", query)
	}
}

func (t *fakeTx) Get(ctx context.Context, query string, args ...any) ([]Row, error) {
	if t.done {
		return nil, fmt.Errorf("dbconn: fake: Get on a completed transaction")
	}

	switch query {
	case QuerySelectLastInsertID:
		return []Row{valueRow{t.trueRegister}}, nil
	case QueryUniqueIndexCount:
		return t.getUniqueIndexCount(args)
	case QueryGetEdge:
		return t.getEdge(args)
	case QueryGetEdgeByIndex:
		return t.getEdgeByIndex(args)
	case QueryListEdges:
		return t.listEdges(args)
	case QueryListEdgesByIndex:
		return t.listEdgesByIndex(args)
	case QuerySearchIndex:
		return t.searchIndex(args)
	case QueryCount:
		return t.getCount(args)
	default:
		return nil, fmt.Errorf("dbconn: fake: unrecognized query: %s", query)
	}
}

func (t *fakeTx) GetOne(ctx context.Context, query string, args ...any) (Row, bool, error) {
	rows, err := t.Get(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (t *fakeTx) LastInsertID() int64 { return t.apiRegister }

func (t *fakeTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.conn.db.mu.Lock()
	t.conn.db.state = t.scratch
	t.conn.db.mu.Unlock()

	t.conn.mu.Lock()
	t.conn.activeTx = false
	t.conn.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.conn.mu.Lock()
	t.conn.activeTx = false
	t.conn.mu.Unlock()
	return nil
}

// --- statement handlers -----------------------------------------------

func (t *fakeTx) runGenerateGid(args []any) (Result, error) {
	colo, err := argUint32(args, 0)
	if err != nil {
		return nil, err
	}
	start, err := argInt64(args, 1)
	if err != nil {
		return nil, err
	}

	if cur, ok := t.scratch.colo[colo]; ok {
		next := cur + 1
		t.scratch.colo[colo] = next
		t.setRegister(next)
		return fakeResult{2}, nil
	}
	t.scratch.colo[colo] = start
	t.setRegister(start)
	return fakeResult{1}, nil
}

func (t *fakeTx) runIncrementRevision(args []any) (Result, error) {
	edgetype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 1)
	if err != nil {
		return nil, err
	}
	key := metaKey{edgetype, gid1}

	if row, ok := t.scratch.edgemeta[key]; ok {
		row.Revision++
		t.scratch.edgemeta[key] = row
		t.setRegister(row.Revision)
		return fakeResult{2}, nil
	}
	t.scratch.edgemeta[key] = metaRow{EdgeType: edgetype, Gid1: gid1, Revision: 1, Count: 0}
	t.setRegister(1)
	return fakeResult{1}, nil
}

func (t *fakeTx) runIncrementCount(args []any) (Result, error) {
	delta, err := argInt64(args, 0)
	if err != nil {
		return nil, err
	}
	edgetype, err := argInt32(args, 1)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 2)
	if err != nil {
		return nil, err
	}
	key := metaKey{edgetype, gid1}
	row, ok := t.scratch.edgemeta[key]
	if !ok {
		return fakeResult{0}, nil
	}
	row.Count += delta
	t.scratch.edgemeta[key] = row
	return fakeResult{1}, nil
}

func (t *fakeTx) runAddEdge(args []any) (Result, error) {
	edgetype, gid1, gid2, revision, encoding, data, err := parseEdgeArgs(args)
	if err != nil {
		return nil, err
	}
	key := edgeKey{edgetype, gid1, gid2}
	if _, exists := t.scratch.edgedata[key]; exists {
		return nil, fmt.Errorf("dbconn: fake: duplicate primary key for edgedata (%d,%d,%d)", edgetype, gid1, gid2)
	}
	t.scratch.edgedata[key] = edgeRow{edgetype, gid1, gid2, revision, encoding, data}
	t.setRegister(revision)
	return fakeResult{1}, nil
}

func (t *fakeTx) runAddEdgeOverwrite(args []any) (Result, error) {
	edgetype, gid1, gid2, revision, encoding, data, err := parseEdgeArgs(args)
	if err != nil {
		return nil, err
	}
	key := edgeKey{edgetype, gid1, gid2}

	if existing, ok := t.scratch.edgedata[key]; ok {
		prev := existing.Revision
		t.setRegister(prev)
		existing.Revision = revision
		existing.Encoding = encoding
		existing.Data = data
		t.scratch.edgedata[key] = existing
		return fakeResult{2}, nil
	}
	t.scratch.edgedata[key] = edgeRow{edgetype, gid1, gid2, revision, encoding, data}
	t.setRegister(revision)
	return fakeResult{1}, nil
}

func (t *fakeTx) runDeleteIndex(args []any) (Result, error) {
	indextype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 1)
	if err != nil {
		return nil, err
	}
	revision, err := argInt64(args, 2)
	if err != nil {
		return nil, err
	}

	kept := t.scratch.edgeidx[:0:0]
	var removed int64
	for _, row := range t.scratch.edgeidx {
		if row.IndexType == indextype && row.Gid1 == gid1 && row.Revision == revision {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	t.scratch.edgeidx = kept
	return fakeResult{removed}, nil
}

func (t *fakeTx) runAddIndex(args []any) (Result, error) {
	indextype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	indexvalue, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 2)
	if err != nil {
		return nil, err
	}
	revision, err := argInt64(args, 3)
	if err != nil {
		return nil, err
	}
	t.scratch.edgeidx = append(t.scratch.edgeidx, indexRow{indextype, indexvalue, gid1, revision})
	return fakeResult{1}, nil
}

func (t *fakeTx) runDeleteEdge(args []any) (Result, error) {
	edgetype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 1)
	if err != nil {
		return nil, err
	}
	gid2, err := argUint64(args, 2)
	if err != nil {
		return nil, err
	}
	key := edgeKey{edgetype, gid1, gid2}
	row, ok := t.scratch.edgedata[key]
	if !ok {
		return fakeResult{0}, nil
	}
	// Mirrors the WHERE-clause "revision = LAST_INSERT_ID(revision)" trick:
	// the true session register observes the row's own (pre-deletion)
	// revision, but this is a DELETE, so it is deliberately not mirrored
	// into apiRegister — callers must re-read it via QuerySelectLastInsertID.
	t.trueRegister = row.Revision
	delete(t.scratch.edgedata, key)
	return fakeResult{1}, nil
}

func (t *fakeTx) runLockProbe(args []any) (Result, error) {
	colo, err := argUint32(args, 0)
	if err != nil {
		return nil, err
	}
	if _, ok := t.scratch.colo[colo]; !ok {
		t.scratch.colo[colo] = 0
		return fakeResult{1}, nil
	}
	// Row already exists; the statement's SET clause leaves it unchanged,
	// only the lock side effect matters.
	return fakeResult{2}, nil
}

func (t *fakeTx) setRegister(v int64) {
	t.apiRegister = v
	t.trueRegister = v
}

// --- query handlers -----------------------------------------------------

type valueRow struct{ v int64 }

func (r valueRow) Scan(dest ...any) error {
	return assign(firstOrNil(dest), r.v)
}

func firstOrNil(dest []any) any {
	if len(dest) == 0 {
		return nil
	}
	return dest[0]
}

func (t *fakeTx) getUniqueIndexCount(args []any) ([]Row, error) {
	indextype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	indexvalue, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	var count int64
	for _, row := range t.scratch.edgeidx {
		if row.IndexType == indextype && row.IndexValue == indexvalue {
			count++
		}
	}
	return []Row{valueRow{count}}, nil
}

func (t *fakeTx) getEdge(args []any) ([]Row, error) {
	edgetype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 1)
	if err != nil {
		return nil, err
	}
	gid2, err := argUint64(args, 2)
	if err != nil {
		return nil, err
	}
	row, ok := t.scratch.edgedata[edgeKey{edgetype, gid1, gid2}]
	if !ok {
		return nil, nil
	}
	return []Row{edgeDataRow{row}}, nil
}

func (t *fakeTx) getEdgeByIndex(args []any) ([]Row, error) {
	edgetype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 1)
	if err != nil {
		return nil, err
	}
	gid2, err := argUint64(args, 2)
	if err != nil {
		return nil, err
	}
	indextype, err := argInt32(args, 3)
	if err != nil {
		return nil, err
	}
	lo, err := argString(args, 4)
	if err != nil {
		return nil, err
	}
	hi, err := argString(args, 5)
	if err != nil {
		return nil, err
	}

	row, ok := t.scratch.edgedata[edgeKey{edgetype, gid1, gid2}]
	if !ok {
		return nil, nil
	}
	for _, idx := range t.scratch.edgeidx {
		if idx.IndexType == indextype && idx.Gid1 == gid1 && idx.Revision == row.Revision &&
			idx.IndexValue >= lo && idx.IndexValue <= hi {
			return []Row{edgeDataRow{row}}, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) listEdges(args []any) ([]Row, error) {
	edgetype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 1)
	if err != nil {
		return nil, err
	}

	var rows []edgeRow
	for k, row := range t.scratch.edgedata {
		if k.EdgeType == edgetype && k.Gid1 == gid1 {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Revision > rows[j].Revision })

	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = edgeDataRow{r}
	}
	return out, nil
}

func (t *fakeTx) listEdgesByIndex(args []any) ([]Row, error) {
	edgetype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 1)
	if err != nil {
		return nil, err
	}
	indextype, err := argInt32(args, 2)
	if err != nil {
		return nil, err
	}
	lo, err := argString(args, 3)
	if err != nil {
		return nil, err
	}
	hi, err := argString(args, 4)
	if err != nil {
		return nil, err
	}

	type joined struct {
		idx  indexRow
		edge edgeRow
	}
	// The index row only identifies a parent and revision, not a specific
	// gid2, since one parent can have many edges; join on
	// (edgetype, gid1, revision) against edgedata, matching the original
	// STRAIGHT_JOIN rather than trying to key off the index row alone.
	var rows []joined
	for _, idx := range t.scratch.edgeidx {
		if idx.IndexType != indextype || idx.Gid1 != gid1 {
			continue
		}
		if idx.IndexValue < lo || idx.IndexValue > hi {
			continue
		}
		for k, edge := range t.scratch.edgedata {
			if k.EdgeType == edgetype && k.Gid1 == gid1 && edge.Revision == idx.Revision {
				rows = append(rows, joined{idx, edge})
			}
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].idx.IndexValue != rows[j].idx.IndexValue {
			return rows[i].idx.IndexValue < rows[j].idx.IndexValue
		}
		return rows[i].idx.Revision > rows[j].idx.Revision
	})

	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = edgeDataRow{r.edge}
	}
	return out, nil
}

func (t *fakeTx) searchIndex(args []any) ([]Row, error) {
	edgetype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	indextype, err := argInt32(args, 1)
	if err != nil {
		return nil, err
	}
	lo, err := argString(args, 2)
	if err != nil {
		return nil, err
	}
	hi, err := argString(args, 3)
	if err != nil {
		return nil, err
	}

	type joined struct {
		idx  indexRow
		edge edgeRow
	}
	var rows []joined
	for _, idx := range t.scratch.edgeidx {
		if idx.IndexType != indextype {
			continue
		}
		if idx.IndexValue < lo || idx.IndexValue > hi {
			continue
		}
		for k, edge := range t.scratch.edgedata {
			if k.EdgeType == edgetype && k.Gid1 == idx.Gid1 && edge.Revision == idx.Revision {
				rows = append(rows, joined{idx, edge})
			}
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].idx.IndexValue != rows[j].idx.IndexValue {
			return rows[i].idx.IndexValue < rows[j].idx.IndexValue
		}
		return rows[i].idx.Revision > rows[j].idx.Revision
	})

	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = edgeDataRow{r.edge}
	}
	return out, nil
}

func (t *fakeTx) getCount(args []any) ([]Row, error) {
	edgetype, err := argInt32(args, 0)
	if err != nil {
		return nil, err
	}
	gid1, err := argUint64(args, 1)
	if err != nil {
		return nil, err
	}
	row, ok := t.scratch.edgemeta[metaKey{edgetype, gid1}]
	if !ok {
		return nil, nil
	}
	return []Row{valueRow{row.Count}}, nil
}

// edgeDataRow scans out the six edgedata columns in the order every SELECT
// in queries.go selects them: edgetype, gid1, gid2, revision, encoding,
// data.
type edgeDataRow struct {
	row edgeRow
}

func (r edgeDataRow) Scan(dest ...any) error {
	if len(dest) != 6 {
		return fmt.Errorf("dbconn: fake: edge row scan expects 6 destinations, got %d", len(dest))
	}
	vals := []any{r.row.EdgeType, r.row.Gid1, r.row.Gid2, r.row.Revision, r.row.Encoding, r.row.Data}
	for i, d := range dest {
		if err := assign(d, vals[i]); err != nil {
			return err
		}
	}
	return nil
}

// --- argument coercion ---------------------------------------------------

func argAt(args []any, i int) (any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("dbconn: fake: missing argument %d", i)
	}
	return args[i], nil
}

func argInt32(args []any, i int) (int32, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}

func argInt64(args []any, i int) (int64, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

func argUint64(args []any, i int) (uint64, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func argUint32(args []any, i int) (uint32, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func argString(args []any, i int) (string, error) {
	v, err := argAt(args, i)
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

func parseEdgeArgs(args []any) (edgetype int32, gid1, gid2 uint64, revision int64, encoding int32, data []byte, err error) {
	if edgetype, err = argInt32(args, 0); err != nil {
		return
	}
	if gid1, err = argUint64(args, 1); err != nil {
		return
	}
	if gid2, err = argUint64(args, 2); err != nil {
		return
	}
	if revision, err = argInt64(args, 3); err != nil {
		return
	}
	if encoding, err = argInt32(args, 4); err != nil {
		return
	}
	var v any
	if v, err = argAt(args, 5); err != nil {
		return
	}
	data = toBytes(v)
	return
}
