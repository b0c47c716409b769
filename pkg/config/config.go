// Package config provides the unified configuration system for Comet.
// It defines the PoolConfig structure that governs sizing, freshness, and
// validation policy for a connection pool, plus the surrounding driver,
// logging, and observability sections used by the CLI.
//
// Example usage:
//
//	cfg := config.NewPoolConfig("orders")
//	cfg.MaximumPoolSize = 20
//	cfg.MaxLifetime = 30 * time.Minute
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/comet/pkg/errors"
)

// PoolConfig governs a single connection pool.
type PoolConfig struct {
	// Name identifies the pool in logs and metric labels
	Name string `yaml:"name" json:"name"`

	// MaximumPoolSize is the hard upper bound on pooled entries
	MaximumPoolSize int `yaml:"maximum_pool_size" json:"maximum_pool_size"`
	// MinimumIdle is the target count of idle entries; 0 means lazy
	MinimumIdle int `yaml:"minimum_idle" json:"minimum_idle"`

	// ConnectionTimeout bounds a single borrow
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	// IdleTimeout retires entries idle longer than this; 0 disables
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// MaxLifetime evicts entries after this much time since open; 0 disables
	MaxLifetime time.Duration `yaml:"max_lifetime" json:"max_lifetime"`
	// ValidationTimeout bounds the liveness probe
	ValidationTimeout time.Duration `yaml:"validation_timeout" json:"validation_timeout"`
	// AliveBypassWindow skips validation for entries idle less than this
	AliveBypassWindow time.Duration `yaml:"alive_bypass_window" json:"alive_bypass_window"`
	// HousekeepingInterval is the period of the idle-retirement sweep
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval" json:"housekeeping_interval"`

	// ConnectionTestQuery is run when the driver has no native validity check
	ConnectionTestQuery string `yaml:"connection_test_query" json:"connection_test_query"`
	// IsolateInternalQueries rolls back after internal queries
	IsolateInternalQueries bool `yaml:"isolate_internal_queries" json:"isolate_internal_queries"`
	// AutoCommit reflects the session default applied by the driver factory
	AutoCommit bool `yaml:"auto_commit" json:"auto_commit"`

	// CloseConcurrency is the number of workers draining blocking closes
	CloseConcurrency int `yaml:"close_concurrency" json:"close_concurrency"`
}

// DriverConfig selects and parameterizes the underlying database driver.
type DriverConfig struct {
	// Driver names the database/sql driver ("mysql", "postgres", "snowflake", ...)
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string
	DSN string `yaml:"dsn" json:"dsn"`
	// InitStatements are run once on every freshly opened session
	InitStatements []string `yaml:"init_statements" json:"init_statements"`
	// ReadOnly requests a read-only session where the driver supports it
	ReadOnly bool `yaml:"read_only" json:"read_only"`
	// Catalog selects the initial catalog/database for the session
	Catalog string `yaml:"catalog" json:"catalog"`
}

// LoggingConfig mirrors logger.Config for YAML loading.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	// SamplingInitial/SamplingThereafter throttle repeated log lines per
	// second; see logger.Config. Zero disables sampling.
	SamplingInitial    int `yaml:"sampling_initial" json:"sampling_initial"`
	SamplingThereafter int `yaml:"sampling_thereafter" json:"sampling_thereafter"`
}

// ObservabilityConfig controls the metrics endpoint of the CLI.
type ObservabilityConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Config is the top-level document loaded from YAML.
type Config struct {
	Pool          PoolConfig          `yaml:"pool" json:"pool"`
	Driver        DriverConfig        `yaml:"driver" json:"driver"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// Default policy values. MinimumIdle defaults to MaximumPoolSize so the pool
// stays fully warm unless configured otherwise.
const (
	DefaultMaximumPoolSize      = 10
	DefaultConnectionTimeout    = 30 * time.Second
	DefaultIdleTimeout          = 10 * time.Minute
	DefaultMaxLifetime          = 30 * time.Minute
	DefaultValidationTimeout    = 5 * time.Second
	DefaultAliveBypassWindow    = 500 * time.Millisecond
	DefaultHousekeepingInterval = 30 * time.Second
	DefaultCloseConcurrency     = 2
)

// NewPoolConfig returns a PoolConfig populated with defaults.
func NewPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:                 name,
		MaximumPoolSize:      DefaultMaximumPoolSize,
		MinimumIdle:          DefaultMaximumPoolSize,
		ConnectionTimeout:    DefaultConnectionTimeout,
		IdleTimeout:          DefaultIdleTimeout,
		MaxLifetime:          DefaultMaxLifetime,
		ValidationTimeout:    DefaultValidationTimeout,
		AliveBypassWindow:    DefaultAliveBypassWindow,
		HousekeepingInterval: DefaultHousekeepingInterval,
		AutoCommit:           true,
		CloseConcurrency:     DefaultCloseConcurrency,
	}
}

// DefaultConfig returns the starter document written by `comet init`: a
// fully defaulted pool over a placeholder MySQL DSN that reads its password
// from the environment.
func DefaultConfig() *Config {
	return &Config{
		Pool: *NewPoolConfig("comet"),
		Driver: DriverConfig{
			Driver: "mysql",
			DSN:    "user:${DB_PASSWORD}@tcp(localhost:3306)/app",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			MetricsAddr:   ":9090",
		},
	}
}

// SetDefaults fills zero-valued fields with defaults. A MinimumIdle of -1
// means "unset" and resolves to MaximumPoolSize; an explicit 0 is kept (lazy
// pool). IdleTimeout and MaxLifetime are left as they are, because zero
// disables them.
func (c *PoolConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "comet"
	}
	if c.MaximumPoolSize == 0 {
		c.MaximumPoolSize = DefaultMaximumPoolSize
	}
	if c.MinimumIdle < 0 {
		c.MinimumIdle = c.MaximumPoolSize
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = DefaultValidationTimeout
	}
	if c.AliveBypassWindow == 0 {
		c.AliveBypassWindow = DefaultAliveBypassWindow
	}
	if c.HousekeepingInterval == 0 {
		c.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if c.CloseConcurrency == 0 {
		c.CloseConcurrency = DefaultCloseConcurrency
	}
}

// UnmarshalYAML implements yaml.Unmarshaler so duration fields accept
// human-readable values like "30s" or "10m". An absent minimum_idle keeps
// whatever the caller primed (LoadFile primes the unset sentinel) so an
// explicit zero can be told apart from an omitted key. An absent idle_timeout
// takes DefaultIdleTimeout; only an explicit zero disables idle retirement.
func (c *PoolConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawPoolConfig struct {
		Name                   string `yaml:"name"`
		MaximumPoolSize        int    `yaml:"maximum_pool_size"`
		MinimumIdle            *int   `yaml:"minimum_idle"`
		ConnectionTimeout      string `yaml:"connection_timeout"`
		IdleTimeout            string `yaml:"idle_timeout"`
		MaxLifetime            string `yaml:"max_lifetime"`
		ValidationTimeout      string `yaml:"validation_timeout"`
		AliveBypassWindow      string `yaml:"alive_bypass_window"`
		HousekeepingInterval   string `yaml:"housekeeping_interval"`
		ConnectionTestQuery    string `yaml:"connection_test_query"`
		IsolateInternalQueries bool   `yaml:"isolate_internal_queries"`
		AutoCommit             *bool  `yaml:"auto_commit"`
		CloseConcurrency       int    `yaml:"close_concurrency"`
	}

	var raw rawPoolConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.Name = raw.Name
	c.MaximumPoolSize = raw.MaximumPoolSize
	if raw.MinimumIdle != nil {
		c.MinimumIdle = *raw.MinimumIdle
	}
	c.ConnectionTestQuery = raw.ConnectionTestQuery
	c.IsolateInternalQueries = raw.IsolateInternalQueries
	c.AutoCommit = true
	if raw.AutoCommit != nil {
		c.AutoCommit = *raw.AutoCommit
	}
	c.CloseConcurrency = raw.CloseConcurrency

	var err error
	if c.ConnectionTimeout, err = parseDuration(raw.ConnectionTimeout, "connection_timeout"); err != nil {
		return err
	}
	c.IdleTimeout = DefaultIdleTimeout
	if raw.IdleTimeout != "" {
		if c.IdleTimeout, err = parseDuration(raw.IdleTimeout, "idle_timeout"); err != nil {
			return err
		}
	}
	if c.MaxLifetime, err = parseDuration(raw.MaxLifetime, "max_lifetime"); err != nil {
		return err
	}
	if c.ValidationTimeout, err = parseDuration(raw.ValidationTimeout, "validation_timeout"); err != nil {
		return err
	}
	if c.AliveBypassWindow, err = parseDuration(raw.AliveBypassWindow, "alive_bypass_window"); err != nil {
		return err
	}
	if c.HousekeepingInterval, err = parseDuration(raw.HousekeepingInterval, "housekeeping_interval"); err != nil {
		return err
	}
	return nil
}

// MarshalYAML mirrors UnmarshalYAML so a saved document round-trips: the
// duration fields are emitted as the human-readable strings the decoder
// expects, not int64 nanosecond counts.
func (c PoolConfig) MarshalYAML() (interface{}, error) {
	type rawPoolConfig struct {
		Name                   string `yaml:"name"`
		MaximumPoolSize        int    `yaml:"maximum_pool_size"`
		MinimumIdle            int    `yaml:"minimum_idle"`
		ConnectionTimeout      string `yaml:"connection_timeout"`
		IdleTimeout            string `yaml:"idle_timeout"`
		MaxLifetime            string `yaml:"max_lifetime"`
		ValidationTimeout      string `yaml:"validation_timeout"`
		AliveBypassWindow      string `yaml:"alive_bypass_window"`
		HousekeepingInterval   string `yaml:"housekeeping_interval"`
		ConnectionTestQuery    string `yaml:"connection_test_query,omitempty"`
		IsolateInternalQueries bool   `yaml:"isolate_internal_queries"`
		AutoCommit             bool   `yaml:"auto_commit"`
		CloseConcurrency       int    `yaml:"close_concurrency"`
	}
	return rawPoolConfig{
		Name:                   c.Name,
		MaximumPoolSize:        c.MaximumPoolSize,
		MinimumIdle:            c.MinimumIdle,
		ConnectionTimeout:      c.ConnectionTimeout.String(),
		IdleTimeout:            c.IdleTimeout.String(),
		MaxLifetime:            c.MaxLifetime.String(),
		ValidationTimeout:      c.ValidationTimeout.String(),
		AliveBypassWindow:      c.AliveBypassWindow.String(),
		HousekeepingInterval:   c.HousekeepingInterval.String(),
		ConnectionTestQuery:    c.ConnectionTestQuery,
		IsolateInternalQueries: c.IsolateInternalQueries,
		AutoCommit:             c.AutoCommit,
		CloseConcurrency:       c.CloseConcurrency,
	}, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "invalid duration").
			WithDetail("field", field).
			WithDetail("value", s)
	}
	return d, nil
}

// Validate checks the configuration for inconsistencies.
func (c *PoolConfig) Validate() error {
	if c.MaximumPoolSize < 1 {
		return errors.New(errors.ErrorTypeConfig, "maximum_pool_size must be at least 1").
			WithDetail("maximum_pool_size", c.MaximumPoolSize)
	}
	if c.MinimumIdle < 0 || c.MinimumIdle > c.MaximumPoolSize {
		return errors.New(errors.ErrorTypeConfig, "minimum_idle must be between 0 and maximum_pool_size").
			WithDetail("minimum_idle", c.MinimumIdle).
			WithDetail("maximum_pool_size", c.MaximumPoolSize)
	}
	if c.ConnectionTimeout < 250*time.Millisecond {
		return errors.New(errors.ErrorTypeConfig, "connection_timeout must be at least 250ms").
			WithDetail("connection_timeout", c.ConnectionTimeout.String())
	}
	if c.ValidationTimeout < 250*time.Millisecond {
		return errors.New(errors.ErrorTypeConfig, "validation_timeout must be at least 250ms").
			WithDetail("validation_timeout", c.ValidationTimeout.String())
	}
	if c.IdleTimeout < 0 || c.MaxLifetime < 0 {
		return errors.New(errors.ErrorTypeConfig, "idle_timeout and max_lifetime must not be negative")
	}
	if c.HousekeepingInterval < time.Second {
		return errors.New(errors.ErrorTypeConfig, "housekeeping_interval must be at least 1s").
			WithDetail("housekeeping_interval", c.HousekeepingInterval.String())
	}
	return nil
}
