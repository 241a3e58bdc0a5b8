package db

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the statements used by the stores.
type Queries struct {
	db DBTX
}

// New returns a Queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Iteration is a row of the iterations table.
type Iteration struct {
	RunID          string
	Iteration      int64
	ItemID         string
	ItemGroup      int64
	Outcome        string
	HaltReason     string
	Error          string
	CheckpointPre  string
	CheckpointPost string
	VerifyPreExit  sql.NullInt64
	VerifyPostExit sql.NullInt64
	WorkerExit     sql.NullInt64
	Flipped        bool
	StartedAt      int64
	FinishedAt     int64
	Decision       string
}

// IterationPath is a row of the iteration_paths table.
type IterationPath struct {
	RunID     string
	Iteration int64
	Path      string
	Violation string
}

// RunSummary aggregates the iterations of one run.
type RunSummary struct {
	RunID      string
	Iterations int64
	Passed     int64
	StartedAt  int64
	FinishedAt int64
}

const iterationColumns = `run_id, iteration, item_id, item_group, outcome, halt_reason, error,
	checkpoint_pre, checkpoint_post, verify_pre_exit, verify_post_exit, worker_exit,
	flipped, started_at, finished_at, decision`

const upsertIteration = `INSERT OR REPLACE INTO iterations (` + iterationColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// UpsertIteration inserts or replaces an iteration row.
func (q *Queries) UpsertIteration(ctx context.Context, arg Iteration) error {
	_, err := q.db.ExecContext(ctx, upsertIteration,
		arg.RunID,
		arg.Iteration,
		arg.ItemID,
		arg.ItemGroup,
		arg.Outcome,
		arg.HaltReason,
		arg.Error,
		arg.CheckpointPre,
		arg.CheckpointPost,
		arg.VerifyPreExit,
		arg.VerifyPostExit,
		arg.WorkerExit,
		arg.Flipped,
		arg.StartedAt,
		arg.FinishedAt,
		arg.Decision,
	)
	return err
}

const getIteration = `SELECT ` + iterationColumns + `
FROM iterations WHERE run_id = ? AND iteration = ?`

// GetIteration returns one iteration. It returns sql.ErrNoRows when absent.
func (q *Queries) GetIteration(ctx context.Context, runID string, iteration int64) (Iteration, error) {
	row := q.db.QueryRowContext(ctx, getIteration, runID, iteration)
	return scanIteration(row)
}

// ListIterationsParams filters ListIterations. An empty RunID or ItemID
// matches everything.
type ListIterationsParams struct {
	RunID  string
	ItemID string
	Limit  int64
}

const listIterations = `SELECT ` + iterationColumns + `
FROM iterations
WHERE (? = '' OR run_id = ?) AND (? = '' OR item_id = ?)
ORDER BY finished_at DESC, iteration DESC
LIMIT ?`

// ListIterations returns the newest iterations first.
func (q *Queries) ListIterations(ctx context.Context, arg ListIterationsParams) ([]Iteration, error) {
	rows, err := q.db.QueryContext(ctx, listIterations, arg.RunID, arg.RunID, arg.ItemID, arg.ItemID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []Iteration
	for rows.Next() {
		i, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const deleteIterationPaths = `DELETE FROM iteration_paths WHERE run_id = ? AND iteration = ?`

// DeleteIterationPaths removes the paths recorded for an iteration.
func (q *Queries) DeleteIterationPaths(ctx context.Context, runID string, iteration int64) error {
	_, err := q.db.ExecContext(ctx, deleteIterationPaths, runID, iteration)
	return err
}

const insertIterationPath = `INSERT OR REPLACE INTO iteration_paths (run_id, iteration, path, violation)
VALUES (?, ?, ?, ?)`

// InsertIterationPath records a path changed by an iteration.
func (q *Queries) InsertIterationPath(ctx context.Context, arg IterationPath) error {
	_, err := q.db.ExecContext(ctx, insertIterationPath, arg.RunID, arg.Iteration, arg.Path, arg.Violation)
	return err
}

const listIterationPaths = `SELECT run_id, iteration, path, violation
FROM iteration_paths WHERE run_id = ? AND iteration = ?
ORDER BY path`

// ListIterationPaths returns the paths recorded for an iteration, sorted.
func (q *Queries) ListIterationPaths(ctx context.Context, runID string, iteration int64) ([]IterationPath, error) {
	rows, err := q.db.QueryContext(ctx, listIterationPaths, runID, iteration)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []IterationPath
	for rows.Next() {
		var p IterationPath
		if err := rows.Scan(&p.RunID, &p.Iteration, &p.Path, &p.Violation); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

const listRuns = `SELECT run_id,
	COUNT(*),
	SUM(CASE WHEN outcome = 'passed' THEN 1 ELSE 0 END),
	MIN(started_at),
	MAX(finished_at)
FROM iterations
GROUP BY run_id
ORDER BY MAX(finished_at) DESC
LIMIT ?`

// ListRuns summarizes runs, most recently active first.
func (q *Queries) ListRuns(ctx context.Context, limit int64) ([]RunSummary, error) {
	rows, err := q.db.QueryContext(ctx, listRuns, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Iterations, &r.Passed, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIteration(s scanner) (Iteration, error) {
	var i Iteration
	err := s.Scan(
		&i.RunID,
		&i.Iteration,
		&i.ItemID,
		&i.ItemGroup,
		&i.Outcome,
		&i.HaltReason,
		&i.Error,
		&i.CheckpointPre,
		&i.CheckpointPost,
		&i.VerifyPreExit,
		&i.VerifyPostExit,
		&i.WorkerExit,
		&i.Flipped,
		&i.StartedAt,
		&i.FinishedAt,
		&i.Decision,
	)
	return i, err
}
