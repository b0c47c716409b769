package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/pkg/config"
	"github.com/ajitpratap0/comet/pkg/driver"
	"github.com/ajitpratap0/comet/pkg/json"
	"github.com/ajitpratap0/comet/pkg/logger"
	"github.com/ajitpratap0/comet/pkg/observability"
	"github.com/ajitpratap0/comet/pkg/pool"

	// Register additional database/sql drivers for the generic factory.
	_ "github.com/snowflakedb/gosnowflake"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	v := viper.New()
	v.SetEnvPrefix("COMET")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "comet",
		Short: "Comet - High-performance database connection pool",
		Long: `Comet is a high-performance database connection pool for Go applications.
It hands out live, validated connections from a bounded set of reusable
sessions, enforcing freshness, idleness, and lifetime policy under load.`,
	}

	var configFile, logLevel string
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "comet.yaml", "Path to pool configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Comet v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configFile); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", configFile)
			}
			if err := config.Save(configFile, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", configFile)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Open a single connection and probe its liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(configFile, v.GetString("log_level"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			factory, err := driver.NewFactory(&cfg.Driver, log)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Pool.ConnectionTimeout)
			defer cancel()

			start := time.Now()
			conn, err := factory.Open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			alive := driver.NewLiveness(&cfg.Pool, log).
				IsAlive(ctx, conn, cfg.Pool.ValidationTimeout)
			fmt.Printf("driver=%s open=%s alive=%v\n", factory.Name(), time.Since(start), alive)
			return nil
		},
	})

	var workers int
	var duration time.Duration
	var query string
	var traceSampling float64
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a borrow/release benchmark against the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(configFile, v.GetString("log_level"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if traceSampling > 0 {
				shutdown, err := observability.Init(observability.TracingConfig{
					ServiceName:    "comet",
					ServiceVersion: version,
					Environment:    "bench",
					SamplingRate:   traceSampling,
				})
				if err != nil {
					return err
				}
				defer func() { _ = shutdown(context.Background()) }()
			}
			return runBench(cmd.Context(), cfg, log, v.GetInt("workers"), duration, query)
		},
	}
	benchCmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "Number of concurrent borrowers")
	benchCmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "Benchmark duration")
	benchCmd.Flags().StringVar(&query, "query", "", "Statement run on each borrowed connection (empty = borrow/release only)")
	benchCmd.Flags().Float64Var(&traceSampling, "trace-sampling", 0, "Fraction of borrow cycles to trace (0 disables tracing)")
	_ = v.BindPFlag("workers", benchCmd.Flags().Lookup("workers"))
	root.AddCommand(benchCmd)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Keep a warm pool and serve Prometheus metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(configFile, v.GetString("log_level"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServe(cmd.Context(), cfg, log)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(configFile, logLevel string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if level == "" {
		level = "info"
	}
	encoding := cfg.Logging.Encoding
	if encoding == "" {
		encoding = "json"
	}
	if err := logger.Init(logger.Config{
		Level:              level,
		Development:        cfg.Logging.Development,
		Encoding:           encoding,
		SamplingInitial:    cfg.Logging.SamplingInitial,
		SamplingThereafter: cfg.Logging.SamplingThereafter,
	}); err != nil {
		return nil, nil, err
	}
	return cfg, logger.Get(), nil
}

func newPool(cfg *config.Config, log *zap.Logger) (*pool.Pool, error) {
	factory, err := driver.NewFactory(&cfg.Driver, log)
	if err != nil {
		return nil, err
	}
	return pool.New(&cfg.Pool, factory, log)
}

func serveMetrics(cfg *config.Config, log *zap.Logger) *http.Server {
	if !cfg.Observability.EnableMetrics {
		return nil
	}
	addr := cfg.Observability.MetricsAddr
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

func runBench(ctx context.Context, cfg *config.Config, log *zap.Logger, workers int, duration time.Duration, query string) error {
	p, err := newPool(cfg, log)
	if err != nil {
		return err
	}
	srv := serveMetrics(cfg, log)

	benchCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var borrows, failures atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for benchCtx.Err() == nil {
				spanCtx, span := observability.StartSpan(benchCtx, "borrow", observability.PoolAttr(p.Name()))
				conn, err := p.Get(spanCtx)
				if err != nil {
					span.End()
					failures.Add(1)
					continue
				}
				if query != "" {
					if err := conn.Exec(spanCtx, query); err != nil && benchCtx.Err() == nil {
						failures.Add(1)
					}
				}
				_ = conn.Close()
				span.End()
				borrows.Add(1)
			}
		}()
	}
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}

	out, err := json.MarshalIndent(map[string]interface{}{
		"duration":           duration.String(),
		"workers":            workers,
		"borrows":            borrows.Load(),
		"failures":           failures.Load(),
		"borrows_per_second": float64(borrows.Load()) / duration.Seconds(),
		"final_stats":        p.Stats(),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	p, err := newPool(cfg, log)
	if err != nil {
		return err
	}
	srv := serveMetrics(cfg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("received signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	return p.Shutdown(shutdownCtx)
}
