package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hellstation/mangalake/internal/domain"
)

// Rebuild recomputes both marts for one load date from the current
// ods_manga snapshot, replacing any existing rows for that date. Rows with
// a NULL status form their own group rather than being dropped, so counts
// stay reconcilable against the fact table.
//
// The delete+insert pair runs in one transaction, and the output is a pure
// function of the fact-table snapshot: rebuilding again without intervening
// fact changes produces identical rows, which is what makes re-runs after
// partial failures safe.
//
// TRY_CAST shields the year aggregate: a value that cannot be read as a
// number contributes null instead of aborting the rebuild.
func (w *Warehouse) Rebuild(ctx context.Context, loadDate string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mart rebuild: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	steps := []struct {
		name string
		sql  string
	}{
		{"clear daily counts", `DELETE FROM dm_manga_daily_counts WHERE load_date = ?`},
		{"compute daily counts", `
			INSERT INTO dm_manga_daily_counts (load_date, status, count_manga)
			SELECT load_date, status, count(*)
			FROM ods_manga
			WHERE load_date = ?
			GROUP BY load_date, status`},
		{"clear avg year", `DELETE FROM dm_manga_avg_year WHERE load_date = ?`},
		{"compute avg year", `
			INSERT INTO dm_manga_avg_year (load_date, status, avg_year)
			SELECT load_date, status, avg(TRY_CAST(year AS DOUBLE))
			FROM ods_manga
			WHERE load_date = ?
			GROUP BY load_date, status`},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.sql, loadDate); err != nil {
			return fmt.Errorf("%s for %s: %w", step.name, loadDate, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mart rebuild: %w", err)
	}

	w.logger.Info("marts rebuilt", "load_date", loadDate)
	return nil
}

// DailyCounts returns the dm_manga_daily_counts rows for a load date,
// ordered with the NULL-status group first.
func (w *Warehouse) DailyCounts(ctx context.Context, loadDate string) ([]domain.DailyCount, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT strftime(load_date, '%Y-%m-%d'), status, count_manga
		FROM dm_manga_daily_counts
		WHERE load_date = ?
		ORDER BY status NULLS FIRST`, loadDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.DailyCount
	for rows.Next() {
		var c domain.DailyCount
		var status sql.NullString
		if err := rows.Scan(&c.LoadDate, &status, &c.Count); err != nil {
			return nil, err
		}
		c.Status = strPtr(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AvgYears returns the dm_manga_avg_year rows for a load date, ordered with
// the NULL-status group first.
func (w *Warehouse) AvgYears(ctx context.Context, loadDate string) ([]domain.AvgYear, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT strftime(load_date, '%Y-%m-%d'), status, avg_year
		FROM dm_manga_avg_year
		WHERE load_date = ?
		ORDER BY status NULLS FIRST`, loadDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.AvgYear
	for rows.Next() {
		var a domain.AvgYear
		var status sql.NullString
		var avg sql.NullFloat64
		if err := rows.Scan(&a.LoadDate, &status, &avg); err != nil {
			return nil, err
		}
		a.Status = strPtr(status)
		if avg.Valid {
			v := avg.Float64
			a.Avg = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
