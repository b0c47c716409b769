package pool

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// scheduleMaxLife arms the entry's one-shot lifetime timer. The deadline is
// shortened by a random 2-3% so a burst of same-aged connections does not
// close as a cliff. The shot only marks the entry evicted; the next borrow or
// housekeeping sweep performs the close.
func (p *Pool) scheduleMaxLife(e *entry) {
	if p.cfg.MaxLifetime <= 0 {
		return
	}

	lifetime := p.cfg.MaxLifetime
	jitter := time.Duration(float64(lifetime) * (0.02 + 0.01*rand.Float64()))

	e.maxLife = time.AfterFunc(lifetime-jitter, func() {
		// cancelMaxLife may have raced the firing; the flag decides.
		if e.maxLifeCancelled.Load() {
			return
		}
		e.evicted.Store(true)
		p.logger.Debug("entry reached max lifetime", zap.String("entry", e.id))
	})
}
