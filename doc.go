// Package comet provides a high-performance database connection pool.
// Clients borrow a live, validated connection from a bounded set of reusable
// sessions, use it briefly, and return it; the pool amortizes the cost of
// opening database sessions, caps concurrent load on the database, and
// enforces freshness, idleness, and lifetime policy on pooled resources.
//
// # Architecture
//
// Comet is built around two subsystems:
//
// 1. The concurrent bag (pkg/bag): a lock-light multi-producer/multi-consumer
// container that hands pooled entries to borrowers with minimal contention.
// It layers a per-thread cache of recently returned entries over a
// copy-on-write shared list and a zero-capacity handoff rendezvous, with a
// single atomic state word per entry driving all transitions.
//
// 2. The pool lifecycle manager (pkg/pool): orchestrates borrow/return
// traffic against the bag while maintaining min-idle, max-size, max-lifetime,
// idle-timeout, soft-eviction, and forced-abort invariants under concurrent
// load. Background tasks - a housekeeper, a coalescing add-worker, and a
// close executor - keep the borrow/release fast path free of blocking work.
//
// # Quick Start
//
// Create a pool over MySQL and borrow a connection:
//
//	import (
//	    "context"
//	    "github.com/ajitpratap0/comet/pkg/config"
//	    "github.com/ajitpratap0/comet/pkg/driver"
//	    "github.com/ajitpratap0/comet/pkg/pool"
//	)
//
//	cfg := config.NewPoolConfig("orders")
//	factory, err := driver.NewFactory(&config.DriverConfig{
//	    Driver: "mysql",
//	    DSN:    "user:pass@tcp(localhost:3306)/orders",
//	}, logger)
//	p, err := pool.New(cfg, factory, logger)
//
//	conn, err := p.Get(context.Background())
//	defer conn.Close()
//
// The pool is oblivious to SQL: any driver satisfying pkg/driver.Factory can
// be pooled, and adapters are provided for mysql, pgx, and every registered
// database/sql driver.
package comet
