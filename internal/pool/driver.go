package pool

import (
	"context"
	"database/sql"
	"fmt"
)

// RawConn is the opaque capability set a physical connection exposes to
// the pool. The pool never knows anything about the wire protocol
// behind it — that is the driver's concern entirely.
type RawConn interface {
	// Execute runs a trivial probe statement, used by the default
	// Validator.
	Execute(ctx context.Context, query string) error
	// SetAutocommit is applied exactly once, right after connect.
	SetAutocommit(ctx context.Context, on bool) error
	// Close releases the underlying resource. Calling it more than
	// once must be safe (handles already enforce "exactly once" on
	// top of this, but drivers should not assume it).
	Close() error
}

// Driver is the narrow factory the pool depends on to obtain raw
// connections. It is an external collaborator (spec §1 Out of scope):
// the pool only ever calls Connect.
type Driver interface {
	Connect(ctx context.Context, endpoint, username, password string) (RawConn, error)
}

// Validator reports whether a raw connection can still service a
// trivial query. The pool's default validator runs RawConn.Execute
// with the configured probe; SetCustomValidator overrides it.
type Validator func(ctx context.Context, conn RawConn) bool

// Factory produces a new raw connection, one attempt per call; the
// pool's createConnection calls it under its own retry/backoff policy.
// SetCustomFactory overrides the pool's Driver-backed default.
type Factory func(ctx context.Context) (RawConn, error)

// sqlRawConn adapts a *sql.Conn, taken from a database/sql connection
// pool of size 1, to RawConn. database/sql already owns dialing,
// reconnection, and driver registration; this adapter exists only so
// a real SQL driver can satisfy the pool's narrow contract without the
// pool depending on any particular wire format.
type sqlRawConn struct {
	db   *sql.DB
	conn *sql.Conn
}

func (c *sqlRawConn) Execute(ctx context.Context, query string) error {
	_, err := c.conn.ExecContext(ctx, query)
	return err
}

func (c *sqlRawConn) SetAutocommit(ctx context.Context, on bool) error {
	// database/sql connections are autocommit by default outside an
	// explicit transaction; nothing to toggle for the default driver.
	return nil
}

func (c *sqlRawConn) Close() error {
	err := c.conn.Close()
	c.db.Close()
	return err
}

// SQLDriver implements Driver on top of database/sql, for any
// registered driver name (e.g. "sqlite3", "mysql"). Each Connect call
// opens an independent *sql.DB capped at one connection, so the
// connection pooling semantics (lease, validate, evict) are entirely
// owned by pool.Pool rather than by database/sql's own pool.
type SQLDriver struct {
	DriverName string
	// DSN builds the driver-specific data source name from the
	// endpoint and credentials. Kept as a hook because DSN syntax
	// varies per driver (sqlite3 wants a file path, mysql wants
	// user:pass@tcp(host:port)/db).
	DSN func(endpoint, username, password string) string
}

func (d SQLDriver) Connect(ctx context.Context, endpoint, username, password string) (RawConn, error) {
	dsn := d.DSN(endpoint, username, password)
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql driver %q: open: %w", d.DriverName, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sql driver %q: connect: %w", d.DriverName, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("sql driver %q: ping: %w", d.DriverName, err)
	}
	return &sqlRawConn{db: db, conn: conn}, nil
}
