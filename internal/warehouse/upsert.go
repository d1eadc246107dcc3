package warehouse

import (
	"context"
	"database/sql"
	"time"

	"github.com/hellstation/mangalake/internal/domain"
	"github.com/hellstation/mangalake/internal/metrics"
)

// mergeSQL deduplicates the staged batch last-value-wins by input order,
// then merges on the natural key: existing manga_id updates every column
// and the load date, new manga_id inserts.
const mergeSQL = `
INSERT INTO ods_manga (manga_id, title, status, last_chapter, year, tags, updated_at, load_date)
SELECT manga_id, title, status, last_chapter, year, tags, updated_at, load_date
FROM (
	SELECT *, row_number() OVER (PARTITION BY manga_id ORDER BY seq DESC) AS rn
	FROM stg_manga
)
WHERE rn = 1
ON CONFLICT (manga_id) DO UPDATE SET
	title        = excluded.title,
	status       = excluded.status,
	last_chapter = excluded.last_chapter,
	year         = excluded.year,
	tags         = excluded.tags,
	updated_at   = excluded.updated_at,
	load_date    = excluded.load_date`

// Upsert loads the batch into a transient staging table and performs a
// single atomic merge into ods_manga. The call is all-or-nothing: any
// staging or merge failure rolls the whole thing back and surfaces a
// StagingError, and the caller retries the batch as a unit.
//
// Applying the same batch twice yields the same table state as applying it
// once: row identity is fully determined by manga_id, and duplicates within
// the batch collapse to the last occurrence by input order.
func (w *Warehouse) Upsert(ctx context.Context, records []domain.CanonicalRecord, loadDate string) (*domain.UpsertResult, error) {
	if len(records) == 0 {
		return &domain.UpsertResult{}, nil
	}

	// Pin one connection: the staging table is temp and connection-local.
	conn, err := w.db.Conn(ctx)
	if err != nil {
		return nil, domain.ErrStaging("acquire connection: %v", err)
	}
	defer conn.Close() //nolint:errcheck

	if _, err := conn.ExecContext(ctx, `CREATE OR REPLACE TEMP TABLE stg_manga (
		seq          BIGINT,
		manga_id     VARCHAR,
		title        VARCHAR,
		status       VARCHAR,
		last_chapter VARCHAR,
		year         INTEGER,
		tags         VARCHAR,
		updated_at   TIMESTAMP,
		load_date    DATE
	)`); err != nil {
		return nil, domain.ErrStaging("create staging table: %v", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `DROP TABLE IF EXISTS stg_manga`) //nolint:errcheck

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.ErrStaging("begin merge transaction: %v", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stg_manga VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, domain.ErrStaging("prepare staging insert: %v", err)
	}
	defer stmt.Close() //nolint:errcheck

	for i, rec := range records {
		if _, err := stmt.ExecContext(ctx, i, rec.MangaID,
			nullStr(rec.Title), nullStr(rec.Status), nullStr(rec.LastChapter),
			nullInt(rec.Year), nullStr(rec.Tags), nullTime(rec.UpdatedAt),
			loadDate,
		); err != nil {
			return nil, domain.ErrStaging("stage record %q: %v", rec.MangaID, err)
		}
	}

	// Classify outcomes before the merge changes the table.
	var updated int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM (SELECT DISTINCT manga_id FROM stg_manga) s
		JOIN ods_manga o USING (manga_id)`).Scan(&updated); err != nil {
		return nil, domain.ErrStaging("count existing keys: %v", err)
	}
	var staged int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(DISTINCT manga_id) FROM stg_manga`).Scan(&staged); err != nil {
		return nil, domain.ErrStaging("count staged keys: %v", err)
	}

	if _, err := tx.ExecContext(ctx, mergeSQL); err != nil {
		return nil, domain.ErrStaging("merge into ods_manga: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.ErrStaging("commit merge: %v", err)
	}

	result := &domain.UpsertResult{Inserted: staged - updated, Updated: updated}
	metrics.RecordsUpsertedTotal.WithLabelValues("inserted").Add(float64(result.Inserted))
	metrics.RecordsUpsertedTotal.WithLabelValues("updated").Add(float64(result.Updated))
	w.logger.Info("fact table merged",
		"load_date", loadDate, "staged", len(records),
		"inserted", result.Inserted, "updated", result.Updated)
	return result, nil
}

// FactRow is one ods_manga row, read back for tests and the admin surface.
type FactRow struct {
	MangaID     string
	Title       *string
	Status      *string
	LastChapter *string
	Year        *int
	Tags        *string
	LoadDate    string
}

// FactRows returns all fact rows ordered by manga_id.
func (w *Warehouse) FactRows(ctx context.Context) ([]FactRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT manga_id, title, status, last_chapter, year, tags, strftime(load_date, '%Y-%m-%d')
		FROM ods_manga ORDER BY manga_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []FactRow
	for rows.Next() {
		var r FactRow
		var title, status, lastChapter, tags sql.NullString
		var year sql.NullInt32
		if err := rows.Scan(&r.MangaID, &title, &status, &lastChapter, &year, &tags, &r.LoadDate); err != nil {
			return nil, err
		}
		r.Title = strPtr(title)
		r.Status = strPtr(status)
		r.LastChapter = strPtr(lastChapter)
		r.Tags = strPtr(tags)
		if year.Valid {
			y := int(year.Int32)
			r.Year = &y
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
