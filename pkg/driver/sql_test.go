package driver

import (
	"context"
	sqldriver "database/sql/driver"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/comet/pkg/config"
	cometerrors "github.com/ajitpratap0/comet/pkg/errors"
)

// rawConn is a minimal database/sql driver connection.
type rawConn struct {
	closed   atomic.Bool
	executed []string
	execErr  error
}

func (c *rawConn) Prepare(query string) (sqldriver.Stmt, error) {
	if c.execErr != nil {
		return nil, c.execErr
	}
	return &rawStmt{conn: c, query: query}, nil
}

func (c *rawConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *rawConn) Begin() (sqldriver.Tx, error) {
	return nil, errors.New("not implemented")
}

type rawStmt struct {
	conn  *rawConn
	query string
}

func (s *rawStmt) Close() error  { return nil }
func (s *rawStmt) NumInput() int { return -1 }

func (s *rawStmt) Exec([]sqldriver.Value) (sqldriver.Result, error) {
	s.conn.executed = append(s.conn.executed, s.query)
	return sqldriver.RowsAffected(0), nil
}

func (s *rawStmt) Query([]sqldriver.Value) (sqldriver.Rows, error) {
	return nil, errors.New("not implemented")
}

// rawPingConn adds ExecerContext and Pinger on top of rawConn.
type rawPingConn struct {
	rawConn
	pingErr error
}

func (c *rawPingConn) Ping(context.Context) error { return c.pingErr }

func (c *rawPingConn) ExecContext(_ context.Context, query string, _ []sqldriver.NamedValue) (sqldriver.Result, error) {
	if c.execErr != nil {
		return nil, c.execErr
	}
	c.executed = append(c.executed, query)
	return sqldriver.RowsAffected(0), nil
}

type recordingConnector struct {
	conn sqldriver.Conn
	err  error
}

func (c *recordingConnector) Connect(context.Context) (sqldriver.Conn, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.conn, nil
}

func (c *recordingConnector) Driver() sqldriver.Driver { return nil }

func TestWrapSQLConnDetectsPingCapability(t *testing.T) {
	plain := wrapSQLConn(&rawConn{})
	_, ok := plain.(Pinger)
	assert.False(t, ok, "a driver without Ping must not look pingable")

	pingable := wrapSQLConn(&rawPingConn{})
	_, ok = pingable.(Pinger)
	assert.True(t, ok)
}

func TestSQLConnExecFallsBackToPrepare(t *testing.T) {
	raw := &rawConn{}
	conn := wrapSQLConn(raw)

	e, ok := conn.(Execer)
	require.True(t, ok)
	require.NoError(t, e.Exec(context.Background(), "SELECT 1"))
	assert.Equal(t, []string{"SELECT 1"}, raw.executed)
}

func TestSQLConnExecUsesExecerContext(t *testing.T) {
	raw := &rawPingConn{}
	conn := wrapSQLConn(raw)

	e, ok := conn.(Execer)
	require.True(t, ok)
	require.NoError(t, e.Exec(context.Background(), "SET autocommit=1"))
	assert.Equal(t, []string{"SET autocommit=1"}, raw.executed)
}

func TestSQLFactoryAppliesInitStatements(t *testing.T) {
	raw := &rawPingConn{}
	f := NewSQLFactory("test", &recordingConnector{conn: raw},
		SessionDefaults{InitStatements: []string{"USE `orders`", "SET SESSION TRANSACTION READ ONLY"}},
		zaptest.NewLogger(t))

	conn, err := f.Open(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	assert.Equal(t, []string{"USE `orders`", "SET SESSION TRANSACTION READ ONLY"}, raw.executed)
}

func TestSQLFactoryClosesOnFailedDefaults(t *testing.T) {
	raw := &rawPingConn{}
	raw.execErr = errors.New("boom")
	f := NewSQLFactory("test", &recordingConnector{conn: raw},
		SessionDefaults{InitStatements: []string{"SET x = 1"}},
		zaptest.NewLogger(t))

	_, err := f.Open(context.Background())
	require.Error(t, err)
	assert.True(t, cometerrors.IsType(err, cometerrors.ErrorTypeConnection))
	assert.True(t, raw.closed.Load(), "half-configured session must be closed")
}

func TestNewFactoryRequiresDriverName(t *testing.T) {
	_, err := NewFactory(&config.DriverConfig{DSN: "dsn"}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, cometerrors.IsType(err, cometerrors.ErrorTypeConfig))
}

func TestNewMySQLFactoryRejectsBadDSN(t *testing.T) {
	_, err := NewMySQLFactory(&config.DriverConfig{Driver: "mysql", DSN: "user:pass@tcp(localhost:3306"}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, cometerrors.IsType(err, cometerrors.ErrorTypeConfig))
}

func TestNewMySQLFactorySessionDefaults(t *testing.T) {
	f, err := NewMySQLFactory(&config.DriverConfig{
		Driver:   "mysql",
		DSN:      "user:pass@tcp(localhost:3306)/orders",
		Catalog:  "reporting",
		ReadOnly: true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "mysql", f.Name())
	assert.Equal(t, []string{"USE `reporting`", "SET SESSION TRANSACTION READ ONLY"},
		f.defaults.InitStatements)
}

func newLivenessConfig() *config.PoolConfig {
	cfg := config.NewPoolConfig("liveness")
	cfg.ConnectionTestQuery = "SELECT 1"
	return cfg
}

func TestLivenessPrefersNativePing(t *testing.T) {
	cfg := newLivenessConfig()
	l := NewLiveness(cfg, zaptest.NewLogger(t))

	healthy := wrapSQLConn(&rawPingConn{})
	assert.True(t, l.IsAlive(context.Background(), healthy, time.Second))

	dead := wrapSQLConn(&rawPingConn{pingErr: errors.New("gone")})
	assert.False(t, l.IsAlive(context.Background(), dead, time.Second))
}

func TestLivenessFallsBackToTestQuery(t *testing.T) {
	cfg := newLivenessConfig()
	l := NewLiveness(cfg, zaptest.NewLogger(t))

	raw := &rawConn{}
	assert.True(t, l.IsAlive(context.Background(), wrapSQLConn(raw), time.Second))
	assert.Equal(t, []string{"SELECT 1"}, raw.executed)

	broken := &rawConn{execErr: errors.New("io timeout")}
	assert.False(t, l.IsAlive(context.Background(), wrapSQLConn(broken), time.Second))
}

func TestLivenessRollsBackIsolatedInternalQueries(t *testing.T) {
	cfg := newLivenessConfig()
	cfg.IsolateInternalQueries = true
	cfg.AutoCommit = false
	l := NewLiveness(cfg, zaptest.NewLogger(t))

	raw := &rawConn{}
	assert.True(t, l.IsAlive(context.Background(), wrapSQLConn(raw), time.Second))
	assert.Equal(t, []string{"SELECT 1", "ROLLBACK"}, raw.executed)
}

func TestLivenessAssumesAliveWithoutProbe(t *testing.T) {
	cfg := newLivenessConfig()
	cfg.ConnectionTestQuery = ""
	l := NewLiveness(cfg, zaptest.NewLogger(t))

	raw := &rawConn{}
	assert.True(t, l.IsAlive(context.Background(), wrapSQLConn(raw), time.Second),
		"no native check and no test query means no probe")
	assert.Empty(t, raw.executed)
}
