package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// PoolConfig tunes the connection pool behind every MySQL Conn this package
// opens. Defaults are conservative enough for a single shard's share of a
// modest connection budget; operators with many shards per process should
// lower MaxOpenConns accordingly.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig is a conservative default for a process that opens one
// pool per shard host.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// MySQLOpener is an Opener backed by database/sql and the MySQL wire
// protocol driver. It caches one *sql.DB per (host, dbname) pair so repeat
// calls to Open for the same destination return the same pooled connection
// set instead of opening a fresh pool each time.
type MySQLOpener struct {
	mu     sync.Mutex
	pools  map[string]*sql.DB
	pool   PoolConfig
	dsnFmt func(host, dbname string) string
}

// NewMySQLOpener creates an Opener using pool for every connection it
// opens. dsnFmt builds a go-sql-driver/mysql DSN from a host address and
// logical database name; pass nil to use the default
// "<host>/<dbname>?parseTime=true&interpolateParams=true" form suitable for
// a bare "host:port" address.
func NewMySQLOpener(pool PoolConfig, dsnFmt func(host, dbname string) string) *MySQLOpener {
	if dsnFmt == nil {
		dsnFmt = func(host, dbname string) string {
			return fmt.Sprintf("%s/%s?parseTime=true&interpolateParams=true", host, dbname)
		}
	}
	return &MySQLOpener{
		pools:  make(map[string]*sql.DB),
		pool:   pool,
		dsnFmt: dsnFmt,
	}
}

// Open returns the cached connection pool for (host, dbname), creating it
// on first use.
func (o *MySQLOpener) Open(host, dbname string) (Conn, error) {
	key := host + "/" + dbname

	o.mu.Lock()
	defer o.mu.Unlock()

	if db, ok := o.pools[key]; ok {
		return &mysqlConn{db: db}, nil
	}

	db, err := sql.Open("mysql", o.dsnFmt(host, dbname))
	if err != nil {
		return nil, fmt.Errorf("dbconn: open %s: %w", key, err)
	}
	db.SetMaxOpenConns(o.pool.MaxOpenConns)
	db.SetMaxIdleConns(o.pool.MaxIdleConns)
	db.SetConnMaxLifetime(o.pool.ConnMaxLifetime)

	o.pools[key] = db
	return &mysqlConn{db: db}, nil
}

// mysqlConn adapts a *sql.DB to the Conn interface. It tracks whether a
// transaction is currently open so HasOngoingTransaction can answer without
// a round trip.
type mysqlConn struct {
	db *sql.DB

	mu       sync.Mutex
	activeTx bool
}

func (c *mysqlConn) Begin(ctx context.Context) (Tx, error) {
	c.mu.Lock()
	if c.activeTx {
		c.mu.Unlock()
		return nil, fmt.Errorf("dbconn: connection already has an open transaction")
	}
	c.activeTx = true
	c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		c.mu.Lock()
		c.activeTx = false
		c.mu.Unlock()
		return nil, fmt.Errorf("dbconn: begin: %w", err)
	}
	return &mysqlTx{conn: c, tx: tx}, nil
}

func (c *mysqlConn) HasOngoingTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTx
}

func (c *mysqlConn) Close() error {
	return c.db.Close()
}

func (c *mysqlConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// mysqlTx adapts *sql.Tx to the Tx interface, keeping the last-insert-id
// value MySQL returned for the most recent Run call.
type mysqlTx struct {
	conn         *mysqlConn
	tx           *sql.Tx
	lastInsertID int64
	done         bool
}

func (t *mysqlTx) Run(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dbconn: exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("dbconn: rows affected: %w", err)
	}
	// LastInsertId() is only meaningful after INSERT/UPDATE statements that
	// touch an AUTO_INCREMENT column or embed LAST_INSERT_ID(expr); the
	// driver returns whatever MySQL's wire protocol reported, which is
	// exactly the side-channel value the engine relies on.
	if id, idErr := res.LastInsertId(); idErr == nil {
		t.lastInsertID = id
	}
	return mysqlResult{affected: affected}, nil
}

func (t *mysqlTx) Get(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dbconn: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("dbconn: columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("dbconn: scan: %w", err)
		}
		out = append(out, copiedRow{vals: vals})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dbconn: rows: %w", err)
	}
	return out, nil
}

func (t *mysqlTx) GetOne(ctx context.Context, query string, args ...any) (Row, bool, error) {
	rows, err := t.Get(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (t *mysqlTx) LastInsertID() int64 {
	return t.lastInsertID
}

func (t *mysqlTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.conn.mu.Lock()
	t.conn.activeTx = false
	t.conn.mu.Unlock()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("dbconn: commit: %w", err)
	}
	return nil
}

func (t *mysqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.conn.mu.Lock()
	t.conn.activeTx = false
	t.conn.mu.Unlock()
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("dbconn: rollback: %w", err)
	}
	return nil
}

type mysqlResult struct {
	affected int64
}

func (r mysqlResult) AffectedRows() int64 { return r.affected }

// copiedRow holds one row's column values, copied out of the cursor while
// it was the current row. This is necessary because Get consumes the whole
// *sql.Rows cursor before returning — rows.Scan can only be called while
// its row is current, so a Row implementation that deferred to the cursor
// directly would silently return the last row's data for every entry.
type copiedRow struct {
	vals []any
}

func (r copiedRow) Scan(dest ...any) error {
	if len(dest) != len(r.vals) {
		return fmt.Errorf("dbconn: scan: expected %d destinations, got %d", len(r.vals), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, r.vals[i]); err != nil {
			return fmt.Errorf("dbconn: scan column %d: %w", i, err)
		}
	}
	return nil
}

// assign copies src (as produced by database/sql's driver-level scan) into
// the pointer dest. It covers the scalar types the edge store's schema
// uses; unsupported destination types are a programming error caught here
// rather than failing confusingly deeper in the call stack.
func assign(dest, src any) error {
	switch d := dest.(type) {
	case *int64:
		v, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = v
	case *uint64:
		v, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = uint64(v)
	case *uint32:
		v, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = uint32(v)
	case *int32:
		v, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = int32(v)
	case *int:
		v, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = int(v)
	case *string:
		*d = toString(src)
	case *[]byte:
		*d = toBytes(src)
	case *any:
		*d = src
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
	return nil
}

func toInt64(src any) (int64, error) {
	switch v := src.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case []byte:
		var out int64
		if _, err := fmt.Sscanf(string(v), "%d", &out); err != nil {
			return 0, fmt.Errorf("convert %q to int64: %w", v, err)
		}
		return out, nil
	case string:
		var out int64
		if _, err := fmt.Sscanf(v, "%d", &out); err != nil {
			return 0, fmt.Errorf("convert %q to int64: %w", v, err)
		}
		return out, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", src)
	}
}

func toString(src any) string {
	switch v := src.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func toBytes(src any) []byte {
	switch v := src.(type) {
	case []byte:
		// Copied rather than returned directly: callers on both sides of
		// this boundary (Fake's in-memory rows, the caller's own argument
		// slice) must not be able to mutate state they no longer own.
		out := make([]byte, len(v))
		copy(out, v)
		return out
	case string:
		return []byte(v)
	case nil:
		return nil
	default:
		return []byte(fmt.Sprint(v))
	}
}
