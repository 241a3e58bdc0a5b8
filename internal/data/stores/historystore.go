package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/colonyops/overseer/internal/controller"
	"github.com/colonyops/overseer/internal/core/history"
	"github.com/colonyops/overseer/internal/core/verify"
	"github.com/colonyops/overseer/internal/data/db"
)

const defaultListLimit = 50

// HistoryStore records iteration decisions in SQLite and serves them back
// as history entries.
type HistoryStore struct {
	db *db.DB
}

var (
	_ history.Store       = (*HistoryStore)(nil)
	_ controller.Recorder = (*HistoryStore)(nil)
)

// NewHistoryStore creates a new SQLite-backed history store.
func NewHistoryStore(db *db.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Record stores d, replacing any earlier record of the same iteration.
func (s *HistoryStore) Record(ctx context.Context, d controller.Decision) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	row := db.Iteration{
		RunID:          d.RunID,
		Iteration:      int64(d.Iteration),
		ItemID:         d.ItemID,
		ItemGroup:      int64(d.Group),
		Outcome:        string(d.Outcome),
		HaltReason:     string(d.HaltReason),
		Error:          d.Error,
		CheckpointPre:  d.CheckpointPre,
		CheckpointPost: d.CheckpointPost,
		VerifyPreExit:  verifyExit(d.VerifyPre),
		VerifyPostExit: verifyExit(d.VerifyPost),
		Flipped:        d.Flipped,
		StartedAt:      d.StartedAt.UnixNano(),
		FinishedAt:     d.FinishedAt.UnixNano(),
		Decision:       string(raw),
	}
	if d.Dispatch != nil {
		row.WorkerExit = sql.NullInt64{Int64: int64(d.Dispatch.ExitCode), Valid: true}
	}

	paths := map[string]string{}
	for _, p := range d.ChangedPaths {
		paths[p] = ""
	}
	for _, v := range d.Violations {
		paths[v.Path] = v.Reason
	}

	return s.db.WithTx(ctx, func(q *db.Queries) error {
		if err := q.UpsertIteration(ctx, row); err != nil {
			return fmt.Errorf("failed to save iteration: %w", err)
		}
		if err := q.DeleteIterationPaths(ctx, row.RunID, row.Iteration); err != nil {
			return fmt.Errorf("failed to clear iteration paths: %w", err)
		}
		for p, violation := range paths {
			err := q.InsertIterationPath(ctx, db.IterationPath{
				RunID:     row.RunID,
				Iteration: row.Iteration,
				Path:      p,
				Violation: violation,
			})
			if err != nil {
				return fmt.Errorf("failed to save iteration path: %w", err)
			}
		}
		return nil
	})
}

// List returns entries newest first.
func (s *HistoryStore) List(ctx context.Context, f history.Filter) ([]history.Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.Queries().ListIterations(ctx, db.ListIterationsParams{
		RunID:  f.RunID,
		ItemID: f.ItemID,
		Limit:  int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list iterations: %w", err)
	}

	entries := make([]history.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, rowToEntry(row))
	}
	return entries, nil
}

// Get returns one iteration with its changed paths. Returns
// history.ErrNotFound if it was never recorded.
func (s *HistoryStore) Get(ctx context.Context, runID string, iteration int) (history.Entry, error) {
	row, err := s.db.Queries().GetIteration(ctx, runID, int64(iteration))
	if IsNotFoundError(err) {
		return history.Entry{}, history.ErrNotFound
	}
	if err != nil {
		return history.Entry{}, fmt.Errorf("failed to get iteration: %w", err)
	}

	paths, err := s.db.Queries().ListIterationPaths(ctx, runID, int64(iteration))
	if err != nil {
		return history.Entry{}, fmt.Errorf("failed to list iteration paths: %w", err)
	}

	e := rowToEntry(row)
	for _, p := range paths {
		e.Paths = append(e.Paths, history.Path{Path: p.Path, Violation: p.Violation})
	}
	return e, nil
}

// Runs summarizes the most recently active runs.
func (s *HistoryStore) Runs(ctx context.Context, limit int) ([]history.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.Queries().ListRuns(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]history.Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, history.Run{
			ID:         row.RunID,
			Iterations: int(row.Iterations),
			Passed:     int(row.Passed),
			StartedAt:  time.Unix(0, row.StartedAt),
			FinishedAt: time.Unix(0, row.FinishedAt),
		})
	}
	return runs, nil
}

func verifyExit(r *verify.Result) sql.NullInt64 {
	if r == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(r.ExitCode), Valid: true}
}

func fromNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// rowToEntry converts a db.Iteration to a history.Entry.
func rowToEntry(row db.Iteration) history.Entry {
	return history.Entry{
		RunID:          row.RunID,
		Iteration:      int(row.Iteration),
		ItemID:         row.ItemID,
		Group:          int(row.ItemGroup),
		Outcome:        row.Outcome,
		HaltReason:     row.HaltReason,
		Error:          row.Error,
		CheckpointPre:  row.CheckpointPre,
		CheckpointPost: row.CheckpointPost,
		VerifyPreExit:  fromNullInt(row.VerifyPreExit),
		VerifyPostExit: fromNullInt(row.VerifyPostExit),
		WorkerExit:     fromNullInt(row.WorkerExit),
		Flipped:        row.Flipped,
		StartedAt:      time.Unix(0, row.StartedAt),
		FinishedAt:     time.Unix(0, row.FinishedAt),
	}
}
