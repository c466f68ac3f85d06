// Package db implements the §6 database contract: builds/buildsteps
// row operations, the builds_updated LISTEN/NOTIFY channel, and the
// global advisory lock that keeps two queue-runner processes from
// racing. The teacher is filesystem/git backed and has no SQL layer
// to adapt, so this package is grounded directly on
// original_source/state.hh's pqxx::work / Pool<Connection> contract,
// reimplemented with pgx's native pool and notification support
// instead of libpqxx.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LumiGuide/hydra/pkg/types"
)

// globalLockID is the pg_advisory_lock key the queue runner takes at
// startup to ensure only one instance is active against a given
// database (§6, §7 "Fatal process error").
const globalLockID = 0x68796472612d7172 // "hydra-qr" packed into an int64

// Pool wraps a pgx connection pool with the row-level operations the
// core requires.
type Pool struct {
	l    hclog.Logger
	pool *pgxpool.Pool

	lockConn *pgxpool.Conn
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l hclog.Logger) Option {
	return func(p *Pool) { p.l = l.Named("db") }
}

// Connect opens a pgx pool against dsn.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}

	p := &Pool{l: hclog.L().Named("db"), pool: pool}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close releases the pool and, if held, the global advisory lock.
func (p *Pool) Close() {
	if p.lockConn != nil {
		ctx := context.Background()
		if _, err := p.lockConn.Exec(ctx, "SELECT pg_advisory_unlock($1)", globalLockID); err != nil {
			p.l.Warn("failed to release global advisory lock", "error", err)
		}
		p.lockConn.Release()
		p.lockConn = nil
	}
	p.pool.Close()
}

// AcquireGlobalLock blocks until the process-wide advisory lock is
// held, pinning a single connection for the lifetime of the process
// (§6, §7). A fatal error here (cannot acquire, cannot open DB at
// startup) is non-zero-exit per §7 - the caller decides that policy.
func (p *Pool) AcquireGlobalLock(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("db: acquire connection for global lock: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", globalLockID); err != nil {
		conn.Release()
		return fmt.Errorf("db: acquire global advisory lock: %w", err)
	}
	p.lockConn = conn
	p.l.Info("acquired global advisory lock")
	return nil
}

// ReadQueuedBuilds implements §6's "builds queue read with id >
// lastSeenId AND finished = 0". Results are ordered by id ascending so
// the caller can advance lastSeenId monotonically.
func (p *Pool) ReadQueuedBuilds(ctx context.Context, lastSeenID types.BuildID, limit int) ([]QueuedBuild, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, drvPath, project, jobset, job, priority, globalPriority,
		       timestamp, maxsilent, timeout
		FROM builds
		WHERE id > $1 AND finished = 0
		ORDER BY id ASC
		LIMIT $2`, lastSeenID, limit)
	if err != nil {
		return nil, fmt.Errorf("db: read queued builds: %w", err)
	}
	defer rows.Close()

	var out []QueuedBuild
	for rows.Next() {
		var (
			b                      QueuedBuild
			submit                 int64
			maxSilentSec, hardSecs int64
		)
		if err := rows.Scan(&b.ID, &b.DrvPath, &b.Project, &b.Jobset, &b.Job,
			&b.LocalPriority, &b.GlobalPriority, &submit, &maxSilentSec, &hardSecs); err != nil {
			return nil, fmt.Errorf("db: scan queued build: %w", err)
		}
		b.SubmitTime = time.Unix(submit, 0)
		b.MaxSilentTime = time.Duration(maxSilentSec) * time.Second
		b.HardTimeout = time.Duration(hardSecs) * time.Second
		out = append(out, b)
	}
	return out, rows.Err()
}

// ReadBuild fetches a single build row by id regardless of
// lastSeenId, for the §6 "--build-one <id>" control-surface trigger.
func (p *Pool) ReadBuild(ctx context.Context, id types.BuildID) (QueuedBuild, error) {
	var (
		b                      QueuedBuild
		submit                 int64
		maxSilentSec, hardSecs int64
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, drvPath, project, jobset, job, priority, globalPriority,
		       timestamp, maxsilent, timeout
		FROM builds
		WHERE id = $1`, id).Scan(&b.ID, &b.DrvPath, &b.Project, &b.Jobset, &b.Job,
		&b.LocalPriority, &b.GlobalPriority, &submit, &maxSilentSec, &hardSecs)
	if err != nil {
		return QueuedBuild{}, fmt.Errorf("db: read build %d: %w", id, err)
	}
	b.SubmitTime = time.Unix(submit, 0)
	b.MaxSilentTime = time.Duration(maxSilentSec) * time.Second
	b.HardTimeout = time.Duration(hardSecs) * time.Second
	return b, nil
}

// StartBuildStep implements §4.6 phase 1: in a transaction, allocate
// the next step number for buildID and insert a busy buildsteps row.
func (p *Pool) StartBuildStep(ctx context.Context, buildID types.BuildID, drvPath, machine string, start int64) (stepNr int, err error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("db: begin start-step tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(stepnr), 0) + 1 FROM buildsteps WHERE build = $1`, buildID)
	if err := row.Scan(&stepNr); err != nil {
		return 0, fmt.Errorf("db: allocate step number: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO buildsteps (build, stepnr, drvpath, busy, machine, starttime, status)
		VALUES ($1, $2, $3, 1, $4, $5, $6)`,
		buildID, stepNr, drvPath, machine, start, int(types.StepBusy)); err != nil {
		return 0, fmt.Errorf("db: insert busy step row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("db: commit start-step tx: %w", err)
	}
	return stepNr, nil
}

// FinishBuildStep updates the buildsteps row allocated by
// StartBuildStep with its terminal outcome (§4.6 phase 2/3).
func (p *Pool) FinishBuildStep(ctx context.Context, outcome StepOutcome) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE buildsteps
		SET busy = 0, status = $1, starttime = $2, stoptime = $3, logfile = $4
		WHERE build = $5 AND stepnr = $6`,
		int(outcome.Status), outcome.StartTime.Unix(), outcome.StopTime.Unix(), outcome.LogPath,
		outcome.BuildID, outcome.StepNr)
	if err != nil {
		return fmt.Errorf("db: finish build step: %w", err)
	}
	return nil
}

// FinalizeBuild implements the build-finalization row update
// referenced throughout §4.7: finished=1, buildStatus, stopTime.
// propagatedFromBuild/propagatedFromStepNr identify the build-step
// that actually failed for bsDepFailed builds (§7 "the build log for a
// dep-failed build carries the propagated-from step reference"), zero
// otherwise.
func (p *Pool) FinalizeBuild(ctx context.Context, id types.BuildID, status types.BuildStatus, stopTime int64, propagatedFromBuild types.BuildID, propagatedFromStepNr int) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE builds
		SET finished = 1, buildstatus = $1, stoptime = $2,
		    propagatedfrom = NULLIF($3, 0), propagatedfromstepnr = NULLIF($4, 0)
		WHERE id = $5`,
		int(status), stopTime, propagatedFromBuild, propagatedFromStepNr, id)
	if err != nil {
		return fmt.Errorf("db: finalize build %d: %w", id, err)
	}
	return nil
}

// RecordCachedFailure is the write-back half of §4.8: remember that
// these output paths failed so future builds requiring them
// short-circuit without entering the graph.
func (p *Pool) RecordCachedFailure(ctx context.Context, outputPaths []string, buildStepID types.BuildID) error {
	for _, out := range outputPaths {
		if _, err := p.pool.Exec(ctx, `
			INSERT INTO failedpaths (path, buildstep) VALUES ($1, $2)
			ON CONFLICT (path) DO UPDATE SET buildstep = EXCLUDED.buildstep`,
			out, buildStepID); err != nil {
			return fmt.Errorf("db: record cached failure for %s: %w", out, err)
		}
	}
	return nil
}

// CheckCachedFailure implements §4.8's lookup half: a hit returns the
// build-step id that originally produced the failure.
func (p *Pool) CheckCachedFailure(ctx context.Context, outputPath string) (types.BuildID, bool, error) {
	var buildStep types.BuildID
	err := p.pool.QueryRow(ctx, `SELECT buildstep FROM failedpaths WHERE path = $1`, outputPath).Scan(&buildStep)
	switch {
	case err == nil:
		return buildStep, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("db: check cached failure for %s: %w", outputPath, err)
	}
}
