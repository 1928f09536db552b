package pool

import (
	"context"
	"errors"
	"sync/atomic"
)

// fakeConn is an in-memory RawConn stand-in: no network, no disk,
// configurable to fail validation or close on demand so tests can
// drive every branch of Acquire/Release/maintenance deterministically.
type fakeConn struct {
	id     int64
	closed atomic.Bool
	broken atomic.Bool
}

func (c *fakeConn) Execute(ctx context.Context, query string) error {
	if c.broken.Load() {
		return errors.New("fake: connection broken")
	}
	return nil
}

func (c *fakeConn) SetAutocommit(ctx context.Context, on bool) error { return nil }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeDriver hands out fakeConns and can be told to fail the next N
// connect attempts, exercising the createConnection backoff path.
type fakeDriver struct {
	nextID     atomic.Int64
	failNext   atomic.Int64
	created    atomic.Int64
	conns      chan *fakeConn
	recordConn func(*fakeConn)
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{conns: make(chan *fakeConn, 1024)}
}

func (d *fakeDriver) Connect(ctx context.Context, endpoint, username, password string) (RawConn, error) {
	if d.failNext.Load() > 0 {
		d.failNext.Add(-1)
		return nil, errors.New("fake: connect refused")
	}
	c := &fakeConn{id: d.nextID.Add(1)}
	d.created.Add(1)
	select {
	case d.conns <- c:
	default:
	}
	if d.recordConn != nil {
		d.recordConn(c)
	}
	return c, nil
}

func (d *fakeDriver) failNextConnects(n int64) {
	d.failNext.Store(n)
}
