package pool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/comet/pkg/bag"
	"github.com/ajitpratap0/comet/pkg/driver"
)

// baseline anchors the pool's monotonic clock. Entry timestamps are
// durations since this instant, immune to wall-clock adjustment.
var baseline = time.Now()

func nanotime() int64 {
	return int64(time.Since(baseline))
}

// entry is the pooled record wrapping one live database session. Its state
// word is owned by the bag; everything else is lifecycle metadata.
type entry struct {
	conn driver.Conn

	state      atomic.Int32
	lastAccess atomic.Int64 // monotonic nanos of the last successful requite
	openedAt   int64        // monotonic nanos

	evicted atomic.Bool // destroy on next release or sweep
	aborted atomic.Bool // forcibly terminated

	// maxLife is the per-entry lifetime timer. Cancellation must not race
	// the firing callback, so the callback re-checks maxLifeCancelled.
	maxLife          *time.Timer
	maxLifeCancelled atomic.Bool

	id string
}

func newEntry(conn driver.Conn, id string) *entry {
	e := &entry{
		conn:     conn,
		openedAt: nanotime(),
		id:       id,
	}
	e.lastAccess.Store(e.openedAt)
	return e
}

// State exposes the atomic state word to the bag.
func (e *entry) State() *atomic.Int32 { return &e.state }

// age returns the time since the underlying session was opened.
func (e *entry) age() time.Duration {
	return time.Duration(nanotime() - e.openedAt)
}

// idleFor returns the time since the entry was last requited.
func (e *entry) idleFor() time.Duration {
	return time.Duration(nanotime() - e.lastAccess.Load())
}

// cancelMaxLife stops the lifetime timer. The flag is set first so a
// concurrently firing callback observes the cancellation.
func (e *entry) cancelMaxLife() {
	e.maxLifeCancelled.Store(true)
	if e.maxLife != nil {
		e.maxLife.Stop()
	}
}

func (e *entry) String() string {
	return fmt.Sprintf("%s (state=%d, age=%s)", e.id, e.state.Load(), e.age())
}

var _ bag.Item = (*entry)(nil)
