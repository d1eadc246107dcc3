package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellstation/mangalake/internal/domain"
	"github.com/hellstation/mangalake/internal/testutil"
)

func openTestWarehouse(t *testing.T) *Warehouse {
	t.Helper()
	w, err := Open("", testutil.Logger(t)) // in-memory
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func record(id string, status string, year int) domain.CanonicalRecord {
	rec := domain.CanonicalRecord{MangaID: id, LoadDate: "2024-01-01"}
	if status != "" {
		rec.Status = &status
	}
	if year != 0 {
		rec.Year = &year
	}
	return rec
}

func TestUpsert_InsertThenUpdate(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	title := "One Piece"
	updatedAt := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	first := []domain.CanonicalRecord{
		{MangaID: "m1", Title: &title, Status: strp("ongoing"), Year: intp(1997),
			UpdatedAt: &updatedAt, LoadDate: "2024-01-01"},
		record("m2", "completed", 2010),
	}

	res, err := w.Upsert(ctx, first, "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, &domain.UpsertResult{Inserted: 2, Updated: 0}, res)

	// Second load touches m1 and introduces m3.
	second := []domain.CanonicalRecord{
		record("m1", "hiatus", 1997),
		record("m3", "ongoing", 2020),
	}
	res, err = w.Upsert(ctx, second, "2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, &domain.UpsertResult{Inserted: 1, Updated: 1}, res)

	rows, err := w.FactRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// m1 was fully replaced: all columns and load_date reflect the latest load.
	assert.Equal(t, "m1", rows[0].MangaID)
	assert.Nil(t, rows[0].Title)
	assert.Equal(t, "hiatus", *rows[0].Status)
	assert.Equal(t, "2024-01-02", rows[0].LoadDate)
	// m2 was untouched by the second load.
	assert.Equal(t, "2024-01-01", rows[1].LoadDate)
}

func TestUpsert_IsIdempotent(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	batch := []domain.CanonicalRecord{
		record("m1", "ongoing", 2020),
		record("m2", "ongoing", 2022),
		record("m3", "", 0),
	}

	_, err := w.Upsert(ctx, batch, "2024-01-01")
	require.NoError(t, err)
	once, err := w.FactRows(ctx)
	require.NoError(t, err)

	res, err := w.Upsert(ctx, batch, "2024-01-01")
	require.NoError(t, err)
	// The repeat is all updates, no new keys.
	assert.Equal(t, &domain.UpsertResult{Inserted: 0, Updated: 3}, res)

	twice, err := w.FactRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, once, twice, "merging the same batch twice must equal merging once")
}

func TestUpsert_LastValueWinsWithinBatch(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	batch := []domain.CanonicalRecord{
		record("m1", "ongoing", 2000),
		record("m1", "cancelled", 2001),
		record("m1", "completed", 2002),
	}
	res, err := w.Upsert(ctx, batch, "2024-01-01")
	require.NoError(t, err)
	// Three occurrences of one key stage as a single insert.
	assert.Equal(t, &domain.UpsertResult{Inserted: 1, Updated: 0}, res)

	rows, err := w.FactRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "completed", *rows[0].Status)
	assert.Equal(t, 2002, *rows[0].Year)
}

func TestUpsert_EmptyBatch(t *testing.T) {
	w := openTestWarehouse(t)

	res, err := w.Upsert(context.Background(), nil, "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, &domain.UpsertResult{}, res)
}

func TestUpsert_StagingFailureLeavesFactTableUntouched(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	seed := []domain.CanonicalRecord{
		record("m1", "ongoing", 2001),
		record("m2", "completed", 2002),
	}
	_, err := w.Upsert(ctx, seed, "2024-01-01")
	require.NoError(t, err)
	before, err := w.FactRows(ctx)
	require.NoError(t, err)

	// An unparseable load date fails the staging load of a batch that
	// would otherwise update m1 and insert m3. The whole call must roll
	// back: no update, no insert, no partial state.
	batch := []domain.CanonicalRecord{
		record("m1", "hiatus", 2005),
		record("m3", "ongoing", 2010),
	}
	_, err = w.Upsert(ctx, batch, "not-a-date")
	require.Error(t, err)
	var stagingErr *domain.StagingError
	assert.ErrorAs(t, err, &stagingErr)

	after, err := w.FactRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpsert_NullableColumnsSurviveRoundTrip(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	_, err := w.Upsert(ctx, []domain.CanonicalRecord{
		{MangaID: "m1", LoadDate: "2024-01-01"}, // everything optional is null
	}, "2024-01-01")
	require.NoError(t, err)

	rows, err := w.FactRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Title)
	assert.Nil(t, rows[0].Status)
	assert.Nil(t, rows[0].LastChapter)
	assert.Nil(t, rows[0].Year)
	assert.Nil(t, rows[0].Tags)
}

func TestRebuild_AggregatesByStatus(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	// Fact table per the reference scenario: two ongoing rows, 2020 and 2022.
	_, err := w.Upsert(ctx, []domain.CanonicalRecord{
		record("m1", "ongoing", 2020),
		record("m2", "ongoing", 2022),
	}, "2024-01-01")
	require.NoError(t, err)

	require.NoError(t, w.Rebuild(ctx, "2024-01-01"))

	counts, err := w.DailyCounts(ctx, "2024-01-01")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, "2024-01-01", counts[0].LoadDate)
	assert.Equal(t, "ongoing", *counts[0].Status)
	assert.Equal(t, 2, counts[0].Count)

	avgs, err := w.AvgYears(ctx, "2024-01-01")
	require.NoError(t, err)
	require.Len(t, avgs, 1)
	assert.Equal(t, "ongoing", *avgs[0].Status)
	assert.Equal(t, 2021.0, *avgs[0].Avg)
}

func TestRebuild_NullStatusFormsItsOwnGroup(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	_, err := w.Upsert(ctx, []domain.CanonicalRecord{
		record("m1", "ongoing", 2020),
		record("m2", "", 2000),
		record("m3", "", 0), // null status and null year
	}, "2024-01-01")
	require.NoError(t, err)
	require.NoError(t, w.Rebuild(ctx, "2024-01-01"))

	counts, err := w.DailyCounts(ctx, "2024-01-01")
	require.NoError(t, err)
	require.Len(t, counts, 2)
	// NULL group first, and its 2 rows are counted, not silently dropped.
	assert.Nil(t, counts[0].Status)
	assert.Equal(t, 2, counts[0].Count)
	assert.Equal(t, "ongoing", *counts[1].Status)
	assert.Equal(t, 1, counts[1].Count)

	avgs, err := w.AvgYears(ctx, "2024-01-01")
	require.NoError(t, err)
	require.Len(t, avgs, 2)
	// The null-status group averages over its single non-null year.
	assert.Nil(t, avgs[0].Status)
	assert.Equal(t, 2000.0, *avgs[0].Avg)
}

func TestRebuild_IsIdempotent(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	_, err := w.Upsert(ctx, []domain.CanonicalRecord{
		record("m1", "ongoing", 2020),
		record("m2", "completed", 2010),
		record("m3", "ongoing", 0),
	}, "2024-01-01")
	require.NoError(t, err)

	require.NoError(t, w.Rebuild(ctx, "2024-01-01"))
	counts1, err := w.DailyCounts(ctx, "2024-01-01")
	require.NoError(t, err)
	avgs1, err := w.AvgYears(ctx, "2024-01-01")
	require.NoError(t, err)

	require.NoError(t, w.Rebuild(ctx, "2024-01-01"))
	counts2, err := w.DailyCounts(ctx, "2024-01-01")
	require.NoError(t, err)
	avgs2, err := w.AvgYears(ctx, "2024-01-01")
	require.NoError(t, err)

	assert.Equal(t, counts1, counts2)
	assert.Equal(t, avgs1, avgs2)
}

func TestRebuild_ReplacesPriorRowsForLoadDate(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	_, err := w.Upsert(ctx, []domain.CanonicalRecord{
		record("m1", "ongoing", 2020),
	}, "2024-01-01")
	require.NoError(t, err)
	require.NoError(t, w.Rebuild(ctx, "2024-01-01"))

	// The fact table changes: m1 flips to completed within the same date.
	_, err = w.Upsert(ctx, []domain.CanonicalRecord{
		record("m1", "completed", 2020),
	}, "2024-01-01")
	require.NoError(t, err)
	require.NoError(t, w.Rebuild(ctx, "2024-01-01"))

	counts, err := w.DailyCounts(ctx, "2024-01-01")
	require.NoError(t, err)
	// Replaced, not accumulated: one group, not two.
	require.Len(t, counts, 1)
	assert.Equal(t, "completed", *counts[0].Status)
	assert.Equal(t, 1, counts[0].Count)
}

func TestRebuild_ScopedToLoadDate(t *testing.T) {
	w := openTestWarehouse(t)
	ctx := context.Background()

	_, err := w.Upsert(ctx, []domain.CanonicalRecord{record("m1", "ongoing", 2020)}, "2024-01-01")
	require.NoError(t, err)
	require.NoError(t, w.Rebuild(ctx, "2024-01-01"))

	// A later load moves m1 to 2024-01-02; rebuilding that date must not
	// disturb the 2024-01-01 mart rows.
	_, err = w.Upsert(ctx, []domain.CanonicalRecord{record("m1", "ongoing", 2020)}, "2024-01-02")
	require.NoError(t, err)
	require.NoError(t, w.Rebuild(ctx, "2024-01-02"))

	jan1, err := w.DailyCounts(ctx, "2024-01-01")
	require.NoError(t, err)
	require.Len(t, jan1, 1)
	assert.Equal(t, 1, jan1[0].Count)

	jan2, err := w.DailyCounts(ctx, "2024-01-02")
	require.NoError(t, err)
	require.Len(t, jan2, 1)
	assert.Equal(t, 1, jan2[0].Count)
}

func strp(s string) *string { return &s }
func intp(v int) *int       { return &v }
