package pool

import (
	"context"
	"sync/atomic"

	"github.com/ajitpratap0/comet/pkg/driver"
	"github.com/ajitpratap0/comet/pkg/errors"
)

// Conn is the thin facade handed to borrowers. Closing it returns the
// underlying entry to the pool; Close is idempotent and any use after Close
// fails with ErrClosed. The facade adds no locking: like the raw session it
// wraps, it is meant for one goroutine at a time.
type Conn struct {
	pool   *Pool
	entry  *entry
	closed atomic.Bool
}

func newConn(p *Pool, e *entry) *Conn {
	return &Conn{pool: p, entry: e}
}

// Raw exposes the underlying driver session for driver-level work. Returns
// nil after Close.
func (c *Conn) Raw() driver.Conn {
	if c.closed.Load() {
		return nil
	}
	return c.entry.conn
}

// Exec runs a statement on the underlying session.
func (c *Conn) Exec(ctx context.Context, stmt string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	e, ok := c.entry.conn.(driver.Execer)
	if !ok {
		return errors.New(errors.ErrorTypeCapability, "driver cannot execute statements")
	}
	return e.Exec(ctx, stmt)
}

// Ping runs the driver's native validity check on the underlying session.
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	pg, ok := c.entry.conn.(driver.Pinger)
	if !ok {
		return errors.New(errors.ErrorTypeCapability, "driver has no native validity check")
	}
	return pg.Ping(ctx)
}

// Close returns the connection to the pool. The first call wins; later calls
// are no-ops.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pool.release(c.entry)
	return nil
}
