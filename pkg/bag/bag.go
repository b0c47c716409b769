// Package bag provides the lock-light concurrent container at the heart of
// the Comet connection pool. It is a specialized multi-producer/multi-consumer
// bag: borrowers take items, returners hand them back, and a housekeeping
// caller may reserve an idle item for exclusive inspection or removal.
//
// The bag gets its speed from three layers:
//   - a per-thread cache of recently requited items (sync.Pool, so entries are
//     weakly held and never pinned past a GC) giving borrowers a
//     contention-free fast path;
//   - a copy-on-write shared list scanned with per-item CAS when the cache
//     misses;
//   - a zero-capacity handoff rendezvous on which returners pass an item
//     directly to a blocked borrower.
//
// Item state is a single atomic word. Every transition is a compare-and-set
// except the two stores made by an item's sole owner (requite and unreserve),
// so a successful borrow establishes a happens-before edge with the previous
// requite of the same item.
package bag

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/pkg/errors"
)

// Item states. An item is reachable from the bag iff its state is not
// StateRemoved.
const (
	// StateNotInUse marks an item available for borrowing.
	StateNotInUse int32 = 0
	// StateInUse marks an item checked out by a borrower.
	StateInUse int32 = 1
	// StateRemoved is terminal; the item has been unlinked from the bag.
	StateRemoved int32 = -1
	// StateReserved marks an exclusive non-borrow claim (inspection/removal).
	StateReserved int32 = -2
)

// spinYields bounds the offer loop in Requite before the item falls back to
// the per-thread cache.
const spinYields = 256

// ErrTimeout is returned by Borrow when the time budget is exhausted before
// any item could be claimed.
var ErrTimeout = errors.New(errors.ErrorTypeTimeout, "timed out waiting for an item")

// ErrClosed is returned by Borrow after Close.
var ErrClosed = errors.New(errors.ErrorTypeConnection, "bag has been closed")

// Item is the contract a pooled element must satisfy. The bag drives all
// state transitions through the returned atomic word; implementations must
// never write it directly.
type Item interface {
	State() *atomic.Int32
}

// Listener is notified when a borrower is about to block because no item was
// claimable. The pool uses it to request that a connection be added. The
// callback must not block; implementations are expected to coalesce signals.
type Listener interface {
	AddItem()
}

// Bag is the concurrent container. The zero value is not usable; construct
// with New.
type Bag[T Item] struct {
	sharedList atomic.Pointer[[]T]
	listLock   sync.Mutex // guards copy-on-write updates of sharedList

	handoff chan T

	// threadCache holds recently requited items. sync.Pool is per-P and
	// GC-cleared, which is exactly the weak per-thread cache the fast path
	// wants: a hit skips the shared list entirely, and a removed item is
	// dropped at the next collection rather than pinned.
	threadCache sync.Pool

	waiters  atomic.Int32
	closed   atomic.Bool
	listener Listener
	logger   *zap.Logger
}

// New creates an empty bag. The listener may be nil; the logger must not.
func New[T Item](listener Listener, logger *zap.Logger) *Bag[T] {
	b := &Bag[T]{
		handoff:  make(chan T),
		listener: listener,
		logger:   logger.With(zap.String("component", "bag")),
	}
	empty := make([]T, 0, 16)
	b.sharedList.Store(&empty)
	return b
}

// Borrow claims an item, waiting up to timeout. A timeout of zero performs
// exactly one non-blocking pass over the cache and the shared list. A
// cancellation arriving through ctx while blocked is propagated unchanged.
//
// The returned item is in StateInUse. Losing a CAS to a competing borrower is
// not an error; the scan simply continues.
func (b *Bag[T]) Borrow(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	if b.closed.Load() {
		return zero, ErrClosed
	}

	// Fast path: recently requited items cached on this thread.
	for {
		cached := b.threadCache.Get()
		if cached == nil {
			break
		}
		item := cached.(T)
		if item.State().CompareAndSwap(StateNotInUse, StateInUse) {
			return item, nil
		}
		// Claimed by a competitor or already removed; drop it. It is still
		// reachable through the shared list if it is live.
	}

	b.waiters.Add(1)
	defer b.waiters.Add(-1)

	start := time.Now()
	for {
		if b.closed.Load() {
			return zero, ErrClosed
		}

		for _, item := range b.snapshot() {
			if item.State().CompareAndSwap(StateNotInUse, StateInUse) {
				return item, nil
			}
		}

		// Nothing claimable; tell the listener we are about to block.
		if b.listener != nil {
			b.listener.AddItem()
		}

		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			return zero, ErrTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case item := <-b.handoff:
			timer.Stop()
			// A handed-off item is not ours until the CAS lands: a competing
			// borrower may have claimed it through the list scan.
			if item.State().CompareAndSwap(StateNotInUse, StateInUse) {
				return item, nil
			}
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
			return zero, ErrTimeout
		}
	}
}

// Requite returns a borrowed item to the bag. While borrowers are waiting the
// item is offered on the handoff rendezvous with a bounded number of
// spin-yields; otherwise it lands in the caller's per-thread cache.
//
// The caller must be the sole owner of the item (state StateInUse); the
// NOT_IN_USE store is plain for that reason.
func (b *Bag[T]) Requite(item T) {
	item.State().Store(StateNotInUse)

	for i := 0; b.waiters.Load() > 0; i++ {
		select {
		case b.handoff <- item:
			return
		default:
		}
		if i >= spinYields {
			break
		}
		runtime.Gosched()
	}

	b.threadCache.Put(item)
}

// Add publishes a new item, in state StateNotInUse, into the shared list and
// offers it to any blocked borrower.
func (b *Bag[T]) Add(item T) {
	b.listLock.Lock()
	old := *b.sharedList.Load()
	next := make([]T, len(old), len(old)+1)
	copy(next, old)
	next = append(next, item)
	b.sharedList.Store(&next)
	b.listLock.Unlock()

	for i := 0; b.waiters.Load() > 0 && item.State().Load() == StateNotInUse; i++ {
		select {
		case b.handoff <- item:
			return
		default:
		}
		if i >= spinYields {
			break
		}
		runtime.Gosched()
	}
}

// Remove transitions an item to StateRemoved and unlinks it from the shared
// list. The item must currently be held by the caller, either borrowed
// (StateInUse) or reserved (StateReserved); removing an unclaimed item is an
// accounting error and is refused. Returns true when this caller performed
// the removal; a concurrent competing CAS loses. After Close the state check
// is skipped: any item is unlinked, and the caller that unlinks it first is
// the one that gets true.
func (b *Bag[T]) Remove(item T) bool {
	if !item.State().CompareAndSwap(StateInUse, StateRemoved) &&
		!item.State().CompareAndSwap(StateReserved, StateRemoved) &&
		!b.closed.Load() {
		b.logger.Warn("attempt to remove an item not borrowed or reserved",
			zap.Int32("state", item.State().Load()),
			zap.Stack("stack"))
		return false
	}

	b.listLock.Lock()
	old := *b.sharedList.Load()
	next := make([]T, 0, len(old))
	removed := false
	for _, it := range old {
		if !removed && any(it) == any(item) {
			removed = true
			continue
		}
		next = append(next, it)
	}
	b.sharedList.Store(&next)
	b.listLock.Unlock()

	return removed
}

// Reserve makes an exclusive non-borrow claim on an idle item. Returns false
// if the item is not currently StateNotInUse.
func (b *Bag[T]) Reserve(item T) bool {
	return item.State().CompareAndSwap(StateNotInUse, StateReserved)
}

// Unreserve releases a reservation and makes the item borrowable again. The
// caller is the reservation's sole owner, so the store is plain.
func (b *Bag[T]) Unreserve(item T) {
	item.State().Store(StateNotInUse)

	for i := 0; b.waiters.Load() > 0 && item.State().Load() == StateNotInUse; i++ {
		select {
		case b.handoff <- item:
			return
		default:
		}
		if i >= spinYields {
			break
		}
		runtime.Gosched()
	}
}

// Values returns a point-in-time snapshot of items currently in the given
// state. The snapshot is weakly consistent: states may change under the
// caller, who must Reserve or CAS before acting on any item.
func (b *Bag[T]) Values(state int32) []T {
	list := b.snapshot()
	out := make([]T, 0, len(list))
	for _, item := range list {
		if item.State().Load() == state {
			out = append(out, item)
		}
	}
	return out
}

// All returns a snapshot of every reachable item regardless of state.
func (b *Bag[T]) All() []T {
	list := b.snapshot()
	out := make([]T, len(list))
	copy(out, list)
	return out
}

// Count returns the number of items currently in the given state. Weakly
// consistent, like Values.
func (b *Bag[T]) Count(state int32) int {
	n := 0
	for _, item := range b.snapshot() {
		if item.State().Load() == state {
			n++
		}
	}
	return n
}

// Size returns the number of reachable items.
func (b *Bag[T]) Size() int {
	return len(b.snapshot())
}

// PendingCount returns the number of borrowers currently blocked in Borrow.
func (b *Bag[T]) PendingCount() int {
	return int(b.waiters.Load())
}

// Close marks the bag closed. Subsequent Borrow calls fail with ErrClosed;
// items already reachable stay reachable so the pool can retire them.
func (b *Bag[T]) Close() {
	b.closed.Store(true)
}

func (b *Bag[T]) snapshot() []T {
	return *b.sharedList.Load()
}
