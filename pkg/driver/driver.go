// Package driver defines the boundary between the Comet pool and the
// database drivers that actually open sessions. The pool consumes a Factory
// to create connections and probes liveness through the optional capability
// interfaces below; it is otherwise oblivious to SQL.
package driver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/pkg/config"
)

// Conn is an opaque live database session. Close severs it; the pool
// guarantees Close is issued exactly once per opened connection.
type Conn interface {
	Close() error
}

// Pinger is implemented by connections with a native validity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Execer is implemented by connections that can run a statement without
// result processing. Used for the connection test query and session setup.
type Execer interface {
	Exec(ctx context.Context, stmt string) error
}

// Rollbacker is implemented by connections that can roll back an implicit
// transaction left open by an internal query.
type Rollbacker interface {
	Rollback(ctx context.Context) error
}

// Aborter is implemented by connections that support hard termination of an
// in-flight session, severing it out from under its user.
type Aborter interface {
	Abort(ctx context.Context) error
}

// Factory opens fresh sessions with the configured session defaults already
// applied.
type Factory interface {
	// Open dials a new session. It must honor ctx for cancellation and
	// deadline.
	Open(ctx context.Context) (Conn, error)
	// Name identifies the factory in logs and error details.
	Name() string
}

// Liveness decides whether a pooled connection is still usable. It prefers
// the driver's native check and falls back to the configured test query.
type Liveness struct {
	cfg    *config.PoolConfig
	logger *zap.Logger
}

// NewLiveness builds a liveness prober for the given pool configuration.
func NewLiveness(cfg *config.PoolConfig, logger *zap.Logger) *Liveness {
	return &Liveness{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "liveness")),
	}
}

// IsAlive probes the connection within the given budget. Any driver error
// means the connection is dead.
func (l *Liveness) IsAlive(ctx context.Context, conn Conn, timeout time.Duration) bool {
	// A too-small budget would declare healthy connections dead on a busy
	// network; clamp to one second.
	if timeout < time.Second {
		timeout = time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p, ok := conn.(Pinger); ok {
		if err := p.Ping(probeCtx); err != nil {
			l.logger.Warn("native validity check failed, connection is dead", zap.Error(err))
			return false
		}
		return true
	}

	e, ok := conn.(Execer)
	if !ok || l.cfg.ConnectionTestQuery == "" {
		// No way to probe; assume alive rather than churn the pool.
		return true
	}

	if err := e.Exec(probeCtx, l.cfg.ConnectionTestQuery); err != nil {
		l.logger.Warn("connection test query failed, connection is dead", zap.Error(err))
		return false
	}

	if l.cfg.IsolateInternalQueries && !l.cfg.AutoCommit {
		if r, ok := conn.(Rollbacker); ok {
			if err := r.Rollback(probeCtx); err != nil {
				l.logger.Warn("rollback after test query failed, connection is dead", zap.Error(err))
				return false
			}
		}
	}

	return true
}
