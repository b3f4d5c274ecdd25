// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package patchjob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/outpost-sec/outpost/lib/clock"
	"github.com/outpost-sec/outpost/lib/sqlitepool"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS completed_jobs (
	job_id       TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	result       TEXT NOT NULL,
	completed_at INTEGER NOT NULL
) STRICT;

CREATE INDEX IF NOT EXISTS completed_jobs_by_time
	ON completed_jobs (completed_at);
`

// Ledger records terminal job outcomes so a re-delivered job_id is
// re-reported, not re-executed. The record is written after execution
// and before reporting; a crash inside that window can still
// double-execute, which is accepted — closing it would need a
// write-ahead intent record the risk does not justify.
type Ledger struct {
	pool      *sqlitepool.Pool
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// LedgerConfig holds the parameters for opening a job ledger.
type LedgerConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// Retention is how long completed-job records are kept. Required,
	// positive; entries older than this are pruned on open and on
	// every insert.
	Retention time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// OpenLedger opens (creating if needed) the completed-job ledger and
// prunes expired entries. The caller must Close it.
func OpenLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("patchjob: ledger Path is required")
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("patchjob: ledger Retention must be positive")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, ledgerSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("patchjob: opening ledger: %w", err)
	}

	ledger := &Ledger{
		pool:      pool,
		retention: cfg.Retention,
		clock:     clk,
		logger:    logger.With("component", "patchjob"),
	}
	if err := ledger.prune(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return ledger, nil
}

// Close closes the underlying connection pool.
func (l *Ledger) Close() error {
	return l.pool.Close()
}

// Lookup returns the stored outcome for jobID, or found=false when the
// job has not completed on this asset within the retention period.
func (l *Ledger) Lookup(ctx context.Context, jobID string) (result Result, found bool, err error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return Result{}, false, err
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT result FROM completed_jobs WHERE job_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{jobID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return json.Unmarshal([]byte(stmt.ColumnText(0)), &result)
			},
		})
	if err != nil {
		return Result{}, false, fmt.Errorf("patchjob: ledger lookup for job %s: %w", jobID, err)
	}
	return result, found, nil
}

// Record stores a terminal outcome and prunes expired entries. An
// existing record for the same job_id is replaced: the newest outcome
// is the one worth re-reporting.
func (l *Ledger) Record(ctx context.Context, result Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("patchjob: encoding ledger record for job %s: %w", result.JobID, err)
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO completed_jobs (job_id, status, result, completed_at)
		 VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{result.JobID, result.Status, string(encoded), l.clock.Now().Unix()},
		})
	if err != nil {
		return fmt.Errorf("patchjob: recording job %s: %w", result.JobID, err)
	}

	return l.pruneConn(conn)
}

func (l *Ledger) prune(ctx context.Context) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)
	return l.pruneConn(conn)
}

func (l *Ledger) pruneConn(conn *sqlite.Conn) error {
	cutoff := l.clock.Now().Add(-l.retention).Unix()
	err := sqlitex.Execute(conn,
		`DELETE FROM completed_jobs WHERE completed_at < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return fmt.Errorf("patchjob: pruning ledger: %w", err)
	}
	if pruned := conn.Changes(); pruned > 0 {
		l.logger.Debug("pruned expired ledger entries", "count", pruned)
	}
	return nil
}
