package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/pkg/metrics"
)

const initialAddBackoff = 200 * time.Millisecond

// addWorker is the single goroutine that opens connections on demand. It
// drains coalesced wantsMore signals: a signal arriving while a fill pass is
// running folds into that pass instead of queueing another.
//
// A pass keeps opening while the pool is running, below maximum size, and
// below the minimum-idle target. With no minimum idle configured, a single
// successful open is enough to unblock a waiter; with no waiters left there
// is nothing to do at all.
func (p *Pool) addWorker() {
	defer p.workers.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.addSignal:
		}

		backoff := initialAddBackoff
		maxPool := p.cfg.MaximumPoolSize
		minIdle := p.cfg.MinimumIdle

		for p.state.Load() == poolRunning &&
			int(p.total.Load()) < maxPool &&
			(minIdle == 0 || p.IdleConnections() < minIdle) {

			if p.addConnection() {
				if minIdle == 0 {
					break // one connection is enough to unblock a waiter
				}
				continue
			}

			if minIdle == 0 && p.ThreadsAwaitingConnection() == 0 {
				break
			}

			select {
			case <-p.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff = min(p.cfg.ConnectionTimeout/2, backoff+backoff/2)
		}
	}
}

// addConnection opens one session and publishes it to the bag. Returns false
// on open failure. A slot is claimed in totalConnections before dialing so
// the maximum pool size is never overshot by concurrent fills.
func (p *Pool) addConnection() bool {
	if tc := p.total.Add(1); int(tc) > p.cfg.MaximumPoolSize {
		p.total.Add(-1)
		return true // pool is full, nothing to add
	}

	ctx, cancel := context.WithTimeout(p.baseCtx, p.cfg.ConnectionTimeout)
	defer cancel()

	conn, err := p.factory.Open(ctx)
	if err != nil {
		p.total.Add(-1)
		p.lastOpenErr.Store(&openFailure{err: err, at: time.Now()})
		metrics.OpenFailures.WithLabelValues(p.cfg.Name).Inc()
		p.logger.Warn("failed to open connection", zap.Error(err))
		return false
	}

	if p.state.Load() != poolRunning {
		// Lost the race with shutdown; this session was never published.
		p.total.Add(-1)
		p.quietClose(conn, reasonShutdown)
		return false
	}

	e := newEntry(conn, p.nextEntryID())
	p.scheduleMaxLife(e)
	p.connBag.Add(e)

	metrics.ConnectionsOpened.WithLabelValues(p.cfg.Name).Inc()
	p.logger.Debug("connection added", zap.String("entry", e.id))
	p.updateGauges()
	return true
}
