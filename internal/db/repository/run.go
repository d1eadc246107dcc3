// Package repository implements control-plane persistence over SQLite.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hellstation/mangalake/internal/domain"
)

// Compile-time check.
var _ domain.RunRepository = (*RunRepo)(nil)

// RunRepo implements RunRepository using SQLite.
type RunRepo struct {
	db *sql.DB
}

// NewRunRepo creates a new RunRepo on the write pool.
func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

func newID() string { return uuid.New().String() }

// CreateRun inserts a new pipeline run in pending state.
func (r *RunRepo) CreateRun(ctx context.Context, run *domain.PipelineRun) (*domain.PipelineRun, error) {
	out := *run
	out.ID = newID()
	out.Status = domain.RunStatusPending
	out.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, load_date, trigger_type, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		out.ID, out.LoadDate, out.TriggerType, out.Status, out.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun returns a pipeline run by ID.
func (r *RunRepo) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, load_date, trigger_type, status, created_at, started_at, finished_at, error
		FROM pipeline_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs matching the filter, newest first.
func (r *RunRepo) ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.PipelineRun, error) {
	q := `SELECT id, load_date, trigger_type, status, created_at, started_at, finished_at, error
		FROM pipeline_runs WHERE 1=1`
	var args []any
	if filter.LoadDate != nil {
		q += ` AND load_date = ?`
		args = append(args, *filter.LoadDate)
	}
	if filter.Status != nil {
		q += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.PipelineRun
	for rows.Next() {
		run, err := scanRunFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// UpdateRunStarted marks a run running.
func (r *RunRepo) UpdateRunStarted(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE pipeline_runs SET status = ?, started_at = ? WHERE id = ?`,
		domain.RunStatusRunning, time.Now().UTC(), id)
}

// UpdateRunFinished records the terminal status of a run.
func (r *RunRepo) UpdateRunFinished(ctx context.Context, id string, status string, errMsg *string) error {
	return r.exec(ctx, `UPDATE pipeline_runs SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
		status, time.Now().UTC(), nullStringPtr(errMsg), id)
}

// CreateStageRun inserts a pending stage run.
func (r *RunRepo) CreateStageRun(ctx context.Context, sr *domain.StageRun) (*domain.StageRun, error) {
	out := *sr
	out.ID = newID()
	out.Status = domain.RunStatusPending

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stage_runs (id, run_id, stage, status)
		VALUES (?, ?, ?, ?)`,
		out.ID, out.RunID, out.Stage, out.Status)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListStageRuns returns the stage runs of one pipeline run, in stage order.
func (r *RunRepo) ListStageRuns(ctx context.Context, runID string) ([]domain.StageRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, stage, status, attempt, pages_fetched, records_written,
		       files_written, records_upserted, records_skipped, started_at, finished_at, error
		FROM stage_runs WHERE run_id = ?
		ORDER BY CASE stage WHEN 'extract' THEN 0 WHEN 'transform' THEN 1 ELSE 2 END`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.StageRun
	for rows.Next() {
		var sr domain.StageRun
		var startedAt, finishedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.Stage, &sr.Status, &sr.Attempt,
			&sr.PagesFetched, &sr.RecordsWritten, &sr.FilesWritten,
			&sr.RecordsUpserted, &sr.RecordsSkipped,
			&startedAt, &finishedAt, &errMsg); err != nil {
			return nil, err
		}
		sr.StartedAt = timePtr(startedAt)
		sr.FinishedAt = timePtr(finishedAt)
		sr.Error = stringPtr(errMsg)
		out = append(out, sr)
	}
	return out, rows.Err()
}

// UpdateStageRunStarted marks a stage run running on the given attempt.
func (r *RunRepo) UpdateStageRunStarted(ctx context.Context, id string, attempt int) error {
	return r.exec(ctx, `UPDATE stage_runs SET status = ?, attempt = ?, started_at = ? WHERE id = ?`,
		domain.RunStatusRunning, attempt, time.Now().UTC(), id)
}

// UpdateStageRunProgress persists the progress counters of a stage run.
func (r *RunRepo) UpdateStageRunProgress(ctx context.Context, id string, sr *domain.StageRun) error {
	return r.exec(ctx, `
		UPDATE stage_runs
		SET pages_fetched = ?, records_written = ?, files_written = ?,
		    records_upserted = ?, records_skipped = ?
		WHERE id = ?`,
		sr.PagesFetched, sr.RecordsWritten, sr.FilesWritten,
		sr.RecordsUpserted, sr.RecordsSkipped, id)
}

// UpdateStageRunFinished records the terminal status of a stage run.
func (r *RunRepo) UpdateStageRunFinished(ctx context.Context, id string, status string, errMsg *string) error {
	return r.exec(ctx, `UPDATE stage_runs SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
		status, time.Now().UTC(), nullStringPtr(errMsg), id)
}

func (r *RunRepo) exec(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound("no row matched update")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var startedAt, finishedAt sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&run.ID, &run.LoadDate, &run.TriggerType, &run.Status,
		&run.CreatedAt, &startedAt, &finishedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("pipeline run not found")
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	run.Error = stringPtr(errMsg)
	return &run, nil
}

func scanRunFromRows(rows *sql.Rows) (*domain.PipelineRun, error) {
	return scanRun(rows)
}

func nullStringPtr(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
