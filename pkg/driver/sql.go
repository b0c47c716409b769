package driver

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/pkg/config"
	"github.com/ajitpratap0/comet/pkg/errors"
)

// SessionDefaults are statements applied to every freshly opened session
// before it is published to the pool. The dialect-specific constructors
// translate DriverConfig options into these.
type SessionDefaults struct {
	InitStatements []string
}

// SQLFactory adapts a database/sql driver.Connector to the pool's Factory
// interface. Unlike sql.DB it hands out raw driver connections, so Comet's
// bag does the pooling instead of the standard library's.
type SQLFactory struct {
	connector sqldriver.Connector
	defaults  SessionDefaults
	name      string
	logger    *zap.Logger
}

// NewSQLFactory wraps an arbitrary driver.Connector.
func NewSQLFactory(name string, connector sqldriver.Connector, defaults SessionDefaults, logger *zap.Logger) *SQLFactory {
	return &SQLFactory{
		connector: connector,
		defaults:  defaults,
		name:      name,
		logger:    logger.With(zap.String("component", "factory"), zap.String("driver", name)),
	}
}

// Name identifies the factory in logs and error details.
func (f *SQLFactory) Name() string { return f.name }

// Open dials a new session and applies the session defaults.
func (f *SQLFactory) Open(ctx context.Context) (Conn, error) {
	raw, err := f.connector.Connect(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open session").
			WithDetail("driver", f.name)
	}

	conn := wrapSQLConn(raw)
	for _, stmt := range f.defaults.InitStatements {
		e, ok := conn.(Execer)
		if !ok {
			_ = conn.Close()
			return nil, errors.New(errors.ErrorTypeCapability, "driver cannot execute init statements").
				WithDetail("driver", f.name)
		}
		if err := e.Exec(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to apply session defaults").
				WithDetail("driver", f.name).
				WithDetail("statement", stmt)
		}
	}

	return conn, nil
}

// NewFactory builds a Factory from driver configuration, dispatching on the
// driver name. Unrecognized names fall through to the generic adapter, which
// works with any registered database/sql driver (snowflake, sqlite, ...).
func NewFactory(cfg *config.DriverConfig, logger *zap.Logger) (Factory, error) {
	switch cfg.Driver {
	case "mysql":
		return NewMySQLFactory(cfg, logger)
	case "postgres", "pgx":
		return NewPostgresFactory(cfg, logger)
	case "":
		return nil, errors.New(errors.ErrorTypeConfig, "driver name is required")
	default:
		return NewNamedFactory(cfg, logger)
	}
}

// NewMySQLFactory builds a factory over the go-sql-driver/mysql connector.
func NewMySQLFactory(cfg *config.DriverConfig, logger *zap.Logger) (*SQLFactory, error) {
	mycfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql DSN")
	}
	connector, err := mysql.NewConnector(mycfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build mysql connector")
	}

	defaults := SessionDefaults{}
	if cfg.Catalog != "" {
		defaults.InitStatements = append(defaults.InitStatements, fmt.Sprintf("USE `%s`", cfg.Catalog))
	}
	if cfg.ReadOnly {
		defaults.InitStatements = append(defaults.InitStatements, "SET SESSION TRANSACTION READ ONLY")
	}
	defaults.InitStatements = append(defaults.InitStatements, cfg.InitStatements...)

	return NewSQLFactory("mysql", connector, defaults, logger), nil
}

// NewPostgresFactory builds a factory over the pgx stdlib connector.
func NewPostgresFactory(cfg *config.DriverConfig, logger *zap.Logger) (*SQLFactory, error) {
	pgcfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres DSN")
	}
	connector := stdlib.GetConnector(*pgcfg)

	defaults := SessionDefaults{}
	if cfg.ReadOnly {
		defaults.InitStatements = append(defaults.InitStatements, "SET default_transaction_read_only = on")
	}
	defaults.InitStatements = append(defaults.InitStatements, cfg.InitStatements...)

	return NewSQLFactory("postgres", connector, defaults, logger), nil
}

// NewNamedFactory builds a factory for any driver registered with
// database/sql under cfg.Driver. Session options that need dialect knowledge
// (catalog, read-only) must be spelled out in InitStatements.
func NewNamedFactory(cfg *config.DriverConfig, logger *zap.Logger) (*SQLFactory, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "unknown database driver").
			WithDetail("driver", cfg.Driver)
	}
	drv := db.Driver()
	_ = db.Close()

	var connector sqldriver.Connector
	if dc, ok := drv.(sqldriver.DriverContext); ok {
		connector, err = dc.OpenConnector(cfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build connector").
				WithDetail("driver", cfg.Driver)
		}
	} else {
		connector = &dsnConnector{dsn: cfg.DSN, driver: drv}
	}

	defaults := SessionDefaults{InitStatements: cfg.InitStatements}
	return NewSQLFactory(cfg.Driver, connector, defaults, logger), nil
}

// dsnConnector adapts pre-DriverContext drivers to the Connector interface.
type dsnConnector struct {
	dsn    string
	driver sqldriver.Driver
}

func (c *dsnConnector) Connect(context.Context) (sqldriver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *dsnConnector) Driver() sqldriver.Driver { return c.driver }

// sqlConn adapts a raw database/sql driver connection to the pool's Conn
// capability interfaces.
type sqlConn struct {
	raw sqldriver.Conn
}

// sqlPingConn adds the native validity check when the underlying driver
// supports it. Wrapping is decided at open time so type assertions on the
// pool side stay honest.
type sqlPingConn struct {
	sqlConn
}

func wrapSQLConn(raw sqldriver.Conn) Conn {
	c := sqlConn{raw: raw}
	if _, ok := raw.(sqldriver.Pinger); ok {
		return &sqlPingConn{c}
	}
	return &c
}

func (c *sqlConn) Close() error {
	return c.raw.Close()
}

func (c *sqlConn) Exec(ctx context.Context, stmt string) error {
	if ec, ok := c.raw.(sqldriver.ExecerContext); ok {
		_, err := ec.ExecContext(ctx, stmt, nil)
		if err != sqldriver.ErrSkip {
			return err
		}
	}

	s, err := c.raw.Prepare(stmt)
	if err != nil {
		return err
	}
	defer s.Close()

	if sc, ok := s.(sqldriver.StmtExecContext); ok {
		_, err = sc.ExecContext(ctx, nil)
		return err
	}
	_, err = s.Exec(nil) //nolint:staticcheck // pre-context drivers only expose Exec
	return err
}

func (c *sqlConn) Rollback(ctx context.Context) error {
	return c.Exec(ctx, "ROLLBACK")
}

func (c *sqlPingConn) Ping(ctx context.Context) error {
	return c.raw.(sqldriver.Pinger).Ping(ctx)
}
