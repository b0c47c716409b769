package pool

import (
	"time"

	"github.com/ajitpratap0/comet/pkg/bag"
)

// houseKeeper periodically retires idle or evicted entries and refills
// toward the minimum-idle target. Each candidate is reserved before
// inspection so a concurrent borrower can never observe it mid-retirement.
func (p *Pool) houseKeeper() {
	defer p.workers.Done()

	ticker := time.NewTicker(p.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		p.logPoolState("before cleanup ")

		now := nanotime()
		idleTimeout := p.cfg.IdleTimeout

		for _, e := range p.connBag.Values(bag.StateNotInUse) {
			if !p.connBag.Reserve(e) {
				continue
			}
			switch {
			case e.evicted.Load():
				p.closeEntry(e, reasonEvicted)
			case idleTimeout > 0 && time.Duration(now-e.lastAccess.Load()) > idleTimeout:
				p.closeEntry(e, reasonIdle)
			default:
				p.connBag.Unreserve(e)
			}
		}

		p.logPoolState("after cleanup ")
		p.updateGauges()

		if p.cfg.MinimumIdle > 0 {
			p.wantsMore()
		}
	}
}
