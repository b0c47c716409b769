// Package pool implements the Comet connection pool. Callers request a live,
// validated connection with Get, use it briefly, and return it by closing the
// facade. The pool amortizes session opens, caps concurrent load on the
// database, and enforces freshness, idleness, and lifetime policy on pooled
// entries.
//
// Internally the pool orchestrates borrow/return traffic against a concurrent
// bag (pkg/bag), opens and closes real connections through a driver.Factory,
// and runs three background tasks: a housekeeper that retires idle or evicted
// entries, an add-worker that refills toward the minimum-idle target, and a
// close executor that performs blocking network closes off the release path.
package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/pkg/bag"
	"github.com/ajitpratap0/comet/pkg/config"
	"github.com/ajitpratap0/comet/pkg/driver"
	"github.com/ajitpratap0/comet/pkg/errors"
	"github.com/ajitpratap0/comet/pkg/logger"
	"github.com/ajitpratap0/comet/pkg/metrics"
)

// Pool states.
const (
	poolRunning int32 = iota
	poolShutdown
)

// Close reasons, used in logs and metric labels.
const (
	reasonEvicted  = "evicted"
	reasonIdle     = "idle"
	reasonDead     = "dead"
	reasonAborted  = "aborted"
	reasonShutdown = "shutdown"
)

// ErrClosed is returned by Get after Shutdown.
var ErrClosed = errors.New(errors.ErrorTypeConnection, "pool has been shut down")

// Pool is a bounded set of reusable database connections.
type Pool struct {
	cfg      *config.PoolConfig
	factory  driver.Factory
	liveness *driver.Liveness
	logger   *zap.Logger

	connBag *bag.Bag[*entry]

	total atomic.Int32
	state atomic.Int32

	// addSignal carries coalesced wantsMore requests to the add-worker:
	// a signal arriving while one is pending or while the worker is mid-loop
	// folds into the running pass.
	addSignal chan struct{}

	closeCh chan closeTask
	closeWG sync.WaitGroup // tracks enqueued closes not yet performed

	stopCh     chan struct{}
	workers    sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc

	lastOpenErr atomic.Pointer[openFailure]
	entrySeq    atomic.Int64
}

type openFailure struct {
	err error
	at  time.Time
}

// New creates a pool, starts its background tasks, and, when minimum-idle is
// positive, begins filling toward it immediately.
func New(cfg *config.PoolConfig, factory driver.Factory, log *zap.Logger) (*Pool, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.ForPool(cfg.Name)
	} else {
		log = log.With(zap.String("pool", cfg.Name))
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		factory:    factory,
		logger:     log,
		addSignal:  make(chan struct{}, 1),
		closeCh:    make(chan closeTask, cfg.MaximumPoolSize),
		stopCh:     make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	p.liveness = driver.NewLiveness(cfg, p.logger)
	p.connBag = bag.New[*entry](p, p.logger)

	p.workers.Add(2 + cfg.CloseConcurrency)
	go p.addWorker()
	go p.houseKeeper()
	for i := 0; i < cfg.CloseConcurrency; i++ {
		go p.closeWorker()
	}

	if cfg.MinimumIdle > 0 {
		p.wantsMore()
	}

	p.logger.Info("pool started",
		zap.Int("maximum_pool_size", cfg.MaximumPoolSize),
		zap.Int("minimum_idle", cfg.MinimumIdle),
		zap.String("driver", factory.Name()))
	return p, nil
}

// Get borrows a validated connection, waiting up to the configured
// connection timeout. A cancellation arriving through ctx is propagated
// unchanged. The returned facade must be closed to return the connection.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	if p.state.Load() != poolRunning {
		return nil, ErrClosed
	}

	timer := metrics.NewTimer("borrow")
	timeout := p.cfg.ConnectionTimeout
	start := time.Now()

	for {
		remaining := timeout - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}

		e, err := p.connBag.Borrow(ctx, remaining)
		if err != nil {
			if stderrors.Is(err, bag.ErrClosed) {
				return nil, ErrClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.BorrowTimeouts.WithLabelValues(p.cfg.Name).Inc()
			return nil, p.timeoutError()
		}

		switch {
		case e.evicted.Load(), p.cfg.MaxLifetime > 0 && e.age() > p.cfg.MaxLifetime:
			p.closeEntry(e, reasonEvicted)
		case e.idleFor() > p.cfg.AliveBypassWindow && !p.liveness.IsAlive(ctx, e.conn, p.cfg.ValidationTimeout):
			metrics.ValidationFailures.WithLabelValues(p.cfg.Name).Inc()
			p.closeEntry(e, reasonDead)
		default:
			metrics.BorrowLatency.WithLabelValues(p.cfg.Name).
				Observe(float64(timer.Stop().Nanoseconds()))
			return newConn(p, e), nil
		}
	}
}

// release returns a borrowed entry to the bag, or retires it when it has
// been marked evicted or aborted while out.
func (p *Pool) release(e *entry) {
	if e.aborted.Load() {
		// The abort sweep owns termination of the underlying session; only
		// the accounting is settled here, and at most one of the two paths
		// wins the removal.
		e.cancelMaxLife()
		if p.connBag.Remove(e) {
			p.total.Add(-1)
			metrics.ConnectionsClosed.WithLabelValues(p.cfg.Name, reasonAborted).Inc()
		}
		return
	}
	if e.evicted.Load() {
		p.closeEntry(e, reasonEvicted)
		return
	}
	e.lastAccess.Store(nanotime())
	p.connBag.Requite(e)
}

// closeEntry permanently retires an entry: cancels its lifetime timer,
// unlinks it from the bag, and hands the blocking network close to the close
// executor. Safe to call from any state the caller holds (borrowed or
// reserved); a lost race leaves the entry to its winner.
func (p *Pool) closeEntry(e *entry, reason string) {
	e.cancelMaxLife()
	if !p.connBag.Remove(e) {
		return
	}
	tc := p.total.Add(-1)
	if tc < 0 {
		p.logger.Warn("internal accounting inconsistency",
			zap.Int32("total_connections", tc),
			zap.Stack("stack"))
	}
	metrics.ConnectionsClosed.WithLabelValues(p.cfg.Name, reason).Inc()
	p.logger.Debug("connection retired", zap.String("entry", e.id), zap.String("reason", reason))
	p.enqueueClose(e.conn, reason)
	p.updateGauges()
}

// SoftEvictConnections retires every current entry without interrupting
// in-flight work: idle entries close now, in-use entries close on release.
func (p *Pool) SoftEvictConnections() {
	for _, e := range p.connBag.Values(bag.StateInUse) {
		e.evicted.Store(true)
	}
	for _, e := range p.connBag.Values(bag.StateNotInUse) {
		if p.connBag.Reserve(e) {
			p.closeEntry(e, reasonEvicted)
		}
	}
}

// abortActiveConnections forcibly terminates every in-use entry through the
// driver's abort hook. Abort failures fall back to a quiet close; only a
// cooperative cancellation from ctx stops the sweep early.
func (p *Pool) abortActiveConnections(ctx context.Context) error {
	for _, e := range p.connBag.Values(bag.StateInUse) {
		e.aborted.Store(true)
		e.evicted.Store(true)
		e.cancelMaxLife()

		var abortErr error
		if ab, ok := e.conn.(driver.Aborter); ok {
			abortErr = ab.Abort(ctx)
		} else {
			abortErr = errors.New(errors.ErrorTypeCapability, "driver has no abort hook")
		}
		if abortErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && stderrors.Is(abortErr, ctxErr) {
				if p.connBag.Remove(e) {
					p.total.Add(-1)
				}
				return abortErr
			}
			p.quietClose(e.conn, reasonAborted)
		}

		if p.connBag.Remove(e) {
			p.total.Add(-1)
			metrics.ConnectionsClosed.WithLabelValues(p.cfg.Name, reasonAborted).Inc()
		}
	}
	p.updateGauges()
	return nil
}

// Shutdown closes the pool: borrows fail immediately, idle entries are
// retired, borrowed entries are waited for up to ctx's deadline and then
// aborted. Exactly one driver close (or abort) is issued per ever-opened
// connection. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.state.CompareAndSwap(poolRunning, poolShutdown) {
		return nil
	}
	p.logger.Info("shutting down")

	close(p.stopCh)
	p.connBag.Close()
	p.baseCancel() // interrupt in-flight opens
	p.SoftEvictConnections()

	// Wait for borrowed entries to come home; they retire on release because
	// they are marked evicted.
	for p.total.Load() > 0 && ctx.Err() == nil {
		p.SoftEvictConnections()
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}

	var abortErr error
	if p.total.Load() > 0 {
		p.logger.Warn("aborting connections still in use",
			zap.Int32("total_connections", p.total.Load()))
		abortErr = p.abortActiveConnections(context.Background())
	}
	p.SoftEvictConnections()

	p.closeWG.Wait()
	close(p.closeCh)
	p.workers.Wait()

	p.updateGauges()
	p.logger.Info("shutdown complete")
	return abortErr
}

// wantsMore signals the add-worker; concurrent signals coalesce.
func (p *Pool) wantsMore() {
	select {
	case p.addSignal <- struct{}{}:
	default:
	}
}

// AddItem implements bag.Listener: a borrower is about to block.
func (p *Pool) AddItem() {
	p.wantsMore()
}

// Name returns the pool's configured name.
func (p *Pool) Name() string { return p.cfg.Name }

// TotalConnections returns the count of reachable entries.
func (p *Pool) TotalConnections() int { return int(p.total.Load()) }

// IdleConnections returns the count of entries available for borrowing.
func (p *Pool) IdleConnections() int { return p.connBag.Count(bag.StateNotInUse) }

// ActiveConnections returns the count of borrowed entries.
func (p *Pool) ActiveConnections() int { return p.connBag.Count(bag.StateInUse) }

// ThreadsAwaitingConnection returns the count of callers blocked in Get.
func (p *Pool) ThreadsAwaitingConnection() int { return p.connBag.PendingCount() }

// Stats is a point-in-time snapshot of the pool's population.
type Stats struct {
	Pool              string `json:"pool"`
	TotalConnections  int    `json:"total_connections"`
	IdleConnections   int    `json:"idle_connections"`
	ActiveConnections int    `json:"active_connections"`
	PendingBorrowers  int    `json:"pending_borrowers"`
}

// Stats returns a weakly-consistent snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Pool:              p.cfg.Name,
		TotalConnections:  p.TotalConnections(),
		IdleConnections:   p.IdleConnections(),
		ActiveConnections: p.ActiveConnections(),
		PendingBorrowers:  p.ThreadsAwaitingConnection(),
	}
}

func (p *Pool) timeoutError() error {
	err := errors.New(errors.ErrorTypeTimeout, "timed out waiting for a connection").
		WithDetail("pool", p.cfg.Name).
		WithDetail("connection_timeout", p.cfg.ConnectionTimeout.String())
	if last := p.lastOpenErr.Load(); last != nil {
		err = err.WithDetail("last_open_error", last.err.Error()).
			WithDetail("last_open_error_at", last.at.Format(time.RFC3339))
	}
	return err
}

func (p *Pool) updateGauges() {
	name := p.cfg.Name
	metrics.TotalConnections.WithLabelValues(name).Set(float64(p.total.Load()))
	metrics.IdleConnections.WithLabelValues(name).Set(float64(p.IdleConnections()))
	metrics.ActiveConnections.WithLabelValues(name).Set(float64(p.ActiveConnections()))
	metrics.PendingBorrowers.WithLabelValues(name).Set(float64(p.ThreadsAwaitingConnection()))
}

func (p *Pool) logPoolState(prefix string) {
	p.logger.Debug(prefix+"pool state",
		zap.Int32("total", p.total.Load()),
		zap.Int("idle", p.IdleConnections()),
		zap.Int("active", p.ActiveConnections()),
		zap.Int("waiting", p.ThreadsAwaitingConnection()))
}

func (p *Pool) nextEntryID() string {
	return fmt.Sprintf("%s-%d", p.cfg.Name, p.entrySeq.Add(1))
}
