// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the agent-standard SQLite connection pool.
//
// Outpost keeps its durable local state — the completed-job ledger — in
// SQLite. This package wraps zombiezen.com/go/sqlite with the pragma set
// the agent wants: WAL journal mode, NORMAL synchronous for
// process-crash durability without fsync-per-commit overhead, and a busy
// timeout so an occasional concurrent reader waits instead of failing.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for the
// duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: write-ahead logging so a reporting read never
//     blocks the orchestrator's ledger write.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across power failure — acceptable for the ledger, whose
//     records can be reconstructed from control-plane job history.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock instead
//     of returning SQLITE_BUSY immediately.
//   - foreign_keys=ON: the ledger schema is small and any future
//     relation should enforce integrity in the database.
//   - cache_size=-2048: 2 MB page cache. The ledger is kilobytes.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/outpost/jobs.db",
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// # Design
//
// The package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. Callers write SQL and
// use sqlitex.Execute; there is no query builder and no abstraction over
// SQLite's connection model.
package sqlitepool
