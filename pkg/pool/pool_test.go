package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/comet/pkg/config"
	"github.com/ajitpratap0/comet/pkg/driver"
	"github.com/ajitpratap0/comet/pkg/errors"
	"github.com/ajitpratap0/comet/pkg/testutil"
)

// fakeConn is a controllable driver connection. Closing and aborting are
// counted so the no-leak law can be asserted exactly.
type fakeConn struct {
	id         int
	closeCount atomic.Int32
	abortCount atomic.Int32
	failPing   atomic.Bool
	severed    atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closeCount.Add(1)
	c.severed.Store(true)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	if c.severed.Load() {
		return errors.New(errors.ErrorTypeConnection, "connection severed")
	}
	if c.failPing.Load() {
		return errors.New(errors.ErrorTypeConnection, "ping failed")
	}
	return nil
}

func (c *fakeConn) Exec(context.Context, string) error {
	if c.severed.Load() {
		return errors.New(errors.ErrorTypeConnection, "connection severed")
	}
	return nil
}

func (c *fakeConn) Abort(context.Context) error {
	c.abortCount.Add(1)
	c.severed.Store(true)
	return nil
}

// fakeFactory opens fakeConns with configurable latency and failure
// injection.
type fakeFactory struct {
	mu        sync.Mutex
	opened    []*fakeConn
	openDelay time.Duration
	failNext  atomic.Int32
	seq       atomic.Int32
}

func (f *fakeFactory) Name() string { return "fake" }

func (f *fakeFactory) Open(ctx context.Context) (driver.Conn, error) {
	if f.openDelay > 0 {
		select {
		case <-time.After(f.openDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		return nil, errors.New(errors.ErrorTypeConnection, "injected open failure")
	}
	conn := &fakeConn{id: int(f.seq.Add(1))}
	f.mu.Lock()
	f.opened = append(f.opened, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeFactory) conns() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeConn, len(f.opened))
	copy(out, f.opened)
	return out
}

func testPoolConfig(name string) *config.PoolConfig {
	cfg := config.NewPoolConfig(name)
	cfg.MinimumIdle = 0
	cfg.ConnectionTimeout = time.Second
	cfg.IdleTimeout = 0
	cfg.MaxLifetime = 0
	cfg.HousekeepingInterval = time.Second
	return cfg
}

func newTestPool(t *testing.T, cfg *config.PoolConfig, f *fakeFactory) *Pool {
	t.Helper()
	p, err := New(cfg, f, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestGetAndRelease(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, testPoolConfig("basic"), f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalConnections())
	assert.Equal(t, 1, p.ActiveConnections())
	assert.Equal(t, 0, p.IdleConnections())

	require.NoError(t, conn.Close())
	assert.Equal(t, 1, p.TotalConnections())
	assert.Equal(t, 0, p.ActiveConnections())
	assert.Equal(t, 1, p.IdleConnections())
}

func TestRoundTripReturnsSameConnection(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, testPoolConfig("roundtrip"), f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	first := conn.Raw()
	require.NoError(t, conn.Close())

	conn, err = p.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, conn.Raw())
	require.NoError(t, conn.Close())
}

func TestFacadeCloseIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, testPoolConfig("idempotent"), f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.Equal(t, 1, p.IdleConnections(), "double close must not double-requite")
	assert.Nil(t, conn.Raw())
	assert.ErrorIs(t, conn.Exec(context.Background(), "SELECT 1"), ErrClosed)
}

func TestTwoBorrowersThenTimeout(t *testing.T) {
	// Scenario: max=2, min=0, opens take 50ms. Two concurrent borrowers
	// succeed with distinct sessions; a third, arriving while both are held,
	// times out.
	f := &fakeFactory{openDelay: 50 * time.Millisecond}
	cfg := testPoolConfig("timeout")
	cfg.MaximumPoolSize = 2
	cfg.ConnectionTimeout = 300 * time.Millisecond
	p := newTestPool(t, cfg, f)

	var wg sync.WaitGroup
	conns := make([]*Conn, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := p.Get(context.Background())
			if err == nil {
				conns[i] = conn
			}
		}(i)
	}
	wg.Wait()

	require.NotNil(t, conns[0])
	require.NotNil(t, conns[1])
	assert.NotSame(t, conns[0].Raw(), conns[1].Raw())
	assert.Equal(t, 2, p.TotalConnections())

	_, err := p.Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout), "expected a borrow timeout, got %v", err)
	assert.Equal(t, 2, p.TotalConnections(), "no overshoot past maximum pool size")

	require.NoError(t, conns[0].Close())
	require.NoError(t, conns[1].Close())
}

func TestMinimumIdleWarmsThePool(t *testing.T) {
	// Scenario: max=4, min=2. The pool opens exactly two idle sessions on
	// its own.
	f := &fakeFactory{}
	cfg := testPoolConfig("warmup")
	cfg.MaximumPoolSize = 4
	cfg.MinimumIdle = 2
	p := newTestPool(t, cfg, f)

	testutil.AssertEventually(t, func() bool {
		return p.IdleConnections() == 2 && p.TotalConnections() == 2
	}, 2*time.Second, "pool did not warm to minimum idle")
	assert.Equal(t, 0, p.ActiveConnections())
}

func TestMinimumIdleEqualsMaximumKeepsPoolFull(t *testing.T) {
	f := &fakeFactory{}
	cfg := testPoolConfig("full-warm")
	cfg.MaximumPoolSize = 3
	cfg.MinimumIdle = 3
	p := newTestPool(t, cfg, f)

	testutil.AssertEventually(t, func() bool {
		return p.IdleConnections() == 3 && p.TotalConnections() == 3
	}, 2*time.Second, "pool did not fill to maximum")
}

func TestMaxLifetimeEvictsAndReplaces(t *testing.T) {
	// Scenario: maxLifetime=500ms. A borrowed-then-released entry is marked
	// evicted around its deadline; the next borrow observes a fresh session
	// and the old one closes exactly once.
	f := &fakeFactory{}
	cfg := testPoolConfig("maxlife")
	cfg.MaxLifetime = 500 * time.Millisecond
	p := newTestPool(t, cfg, f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, conn.Close())

	time.Sleep(400 * time.Millisecond) // past the (jittered) lifetime

	conn, err = p.Get(context.Background())
	require.NoError(t, err)
	defer func() { require.NoError(t, conn.Close()) }()

	conns := f.conns()
	require.Len(t, conns, 2, "a fresh session should have been opened")
	assert.Same(t, conns[1], conn.Raw().(*fakeConn))
	testutil.AssertEventually(t, func() bool {
		return conns[0].closeCount.Load() == 1
	}, time.Second, "old session not closed exactly once")
}

func TestValidationFailureReplacesDeadConnection(t *testing.T) {
	// Scenario: the liveness probe fails for an entry idle beyond the bypass
	// window; the borrower gets a different, freshly opened session.
	f := &fakeFactory{}
	cfg := testPoolConfig("validation")
	cfg.AliveBypassWindow = time.Millisecond
	p := newTestPool(t, cfg, f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	dead := conn.Raw().(*fakeConn)
	require.NoError(t, conn.Close())

	time.Sleep(20 * time.Millisecond)
	dead.failPing.Store(true)

	conn, err = p.Get(context.Background())
	require.NoError(t, err)
	defer func() { require.NoError(t, conn.Close()) }()

	assert.NotSame(t, dead, conn.Raw().(*fakeConn))
	testutil.AssertEventually(t, func() bool {
		return dead.closeCount.Load() == 1
	}, time.Second, "dead session not closed")
}

func TestSoftEvict(t *testing.T) {
	// Scenario: 3 in-use and 2 idle entries. Immediately after softEvict the
	// idle side is empty; each in-use entry closes on its next release.
	f := &fakeFactory{}
	cfg := testPoolConfig("softevict")
	cfg.MaximumPoolSize = 5
	p := newTestPool(t, cfg, f)

	var held []*Conn
	for i := 0; i < 5; i++ {
		conn, err := p.Get(context.Background())
		require.NoError(t, err)
		held = append(held, conn)
	}
	require.NoError(t, held[3].Close())
	require.NoError(t, held[4].Close())
	held = held[:3]

	require.Equal(t, 2, p.IdleConnections())
	require.Equal(t, 3, p.ActiveConnections())

	p.SoftEvictConnections()

	assert.Equal(t, 3, p.TotalConnections(), "in-flight work is not interrupted")
	testutil.AssertConsistently(t, func() bool {
		return p.IdleConnections() == 0
	}, 100*time.Millisecond, "evicted idle entries must not resurface")

	for _, conn := range held {
		require.NoError(t, conn.Close())
	}
	assert.Equal(t, 0, p.TotalConnections())

	testutil.AssertEventually(t, func() bool {
		n := 0
		for _, c := range f.conns() {
			n += int(c.closeCount.Load())
		}
		return n == 5
	}, time.Second, "all evicted sessions close")
}

func TestAbortActiveConnections(t *testing.T) {
	// Scenario: two in-use entries at shutdown with a 100ms deadline.
	// Both driver abort hooks fire, the pool empties, and the facades fail
	// afterwards.
	f := &fakeFactory{}
	cfg := testPoolConfig("abort")
	cfg.MaximumPoolSize = 2
	p := newTestPool(t, cfg, f)

	conn1, err := p.Get(context.Background())
	require.NoError(t, err)
	conn2, err := p.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.Equal(t, 0, p.TotalConnections())
	for _, c := range f.conns() {
		assert.Equal(t, int32(1), c.abortCount.Load(), "abort hook invoked for conn %d", c.id)
	}

	// The severed sessions reject further use through the facades.
	assert.Error(t, conn1.Exec(context.Background(), "SELECT 1"))
	assert.Error(t, conn2.Exec(context.Background(), "SELECT 1"))
}

func TestShutdownClosesEverythingExactlyOnce(t *testing.T) {
	f := &fakeFactory{}
	cfg := testPoolConfig("shutdown")
	cfg.MaximumPoolSize = 4
	p := newTestPool(t, cfg, f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	idle1, err := p.Get(context.Background())
	require.NoError(t, err)
	idle2, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, idle1.Close())
	require.NoError(t, idle2.Close())
	require.NoError(t, conn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	for _, c := range f.conns() {
		assert.Equal(t, int32(1), c.closeCount.Load()+c.abortCount.Load(),
			"conn %d must see exactly one driver close", c.id)
	}

	_, err = p.Get(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdownIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, testPoolConfig("reshutdown"), f)

	ctx := context.Background()
	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))
}

func TestIdleTimeoutRetiresConnections(t *testing.T) {
	f := &fakeFactory{}
	cfg := testPoolConfig("idle")
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.HousekeepingInterval = time.Second
	p := newTestPool(t, cfg, f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.Equal(t, 1, p.TotalConnections())

	testutil.AssertEventually(t, func() bool {
		return p.TotalConnections() == 0
	}, 3*time.Second, "idle entry not retired by the housekeeper")

	conns := f.conns()
	require.Len(t, conns, 1)
	testutil.AssertEventually(t, func() bool {
		return conns[0].closeCount.Load() == 1
	}, time.Second, "retired session not closed")
}

func TestOpenFailuresRetryWithBackoff(t *testing.T) {
	f := &fakeFactory{}
	f.failNext.Store(2)
	cfg := testPoolConfig("backoff")
	cfg.ConnectionTimeout = 2 * time.Second
	p := newTestPool(t, cfg, f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err, "borrow should survive transient open failures")
	require.NoError(t, conn.Close())
}

func TestBorrowTimeoutCarriesLastOpenError(t *testing.T) {
	f := &fakeFactory{}
	f.failNext.Store(1000)
	cfg := testPoolConfig("openfail")
	cfg.ConnectionTimeout = 300 * time.Millisecond
	p := newTestPool(t, cfg, f)

	_, err := p.Get(context.Background())
	require.Error(t, err)
	require.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	var structured *errors.Error
	require.ErrorAs(t, err, &structured)
	assert.Contains(t, structured.Details, "last_open_error")
}

func TestGetHonorsCallerCancellation(t *testing.T) {
	f := &fakeFactory{}
	cfg := testPoolConfig("cancel")
	cfg.MaximumPoolSize = 1
	cfg.ConnectionTimeout = 5 * time.Second
	p := newTestPool(t, cfg, f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConcurrentChurnKeepsAccountingConsistent(t *testing.T) {
	const workers = 8
	const rounds = 100

	f := &fakeFactory{}
	cfg := testPoolConfig("churn")
	cfg.MaximumPoolSize = 4
	cfg.ConnectionTimeout = 5 * time.Second
	p := newTestPool(t, cfg, f)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				conn, err := p.Get(context.Background())
				if err != nil {
					t.Errorf("borrow failed: %v", err)
					return
				}
				_ = conn.Close()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, p.TotalConnections(), 4)
	assert.Equal(t, 0, p.ActiveConnections())
	assert.Equal(t, p.TotalConnections(), p.IdleConnections())
}

func TestStatsSnapshot(t *testing.T) {
	f := &fakeFactory{}
	cfg := testPoolConfig("stats")
	p := newTestPool(t, cfg, f)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	stats := p.Stats()
	assert.Equal(t, "stats", stats.Pool)
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, 0, stats.IdleConnections)
}
