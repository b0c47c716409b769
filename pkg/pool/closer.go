package pool

import (
	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/pkg/driver"
)

type closeTask struct {
	conn   driver.Conn
	reason string
}

// enqueueClose hands a connection to the close executor. The release path
// must never block on a network close, so a full queue spills to a fresh
// goroutine instead of waiting.
func (p *Pool) enqueueClose(conn driver.Conn, reason string) {
	p.closeWG.Add(1)
	select {
	case p.closeCh <- closeTask{conn: conn, reason: reason}:
	default:
		go func() {
			defer p.closeWG.Done()
			p.quietClose(conn, reason)
		}()
	}
}

// closeWorker drains the close queue until Shutdown closes it.
func (p *Pool) closeWorker() {
	defer p.workers.Done()
	for task := range p.closeCh {
		p.quietClose(task.conn, task.reason)
		p.closeWG.Done()
	}
}

// quietClose closes the underlying session, swallowing any error after
// logging it. Close failures along this path are not actionable.
func (p *Pool) quietClose(conn driver.Conn, reason string) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.logger.Debug("error closing connection",
			zap.String("reason", reason),
			zap.Error(err))
	}
}
