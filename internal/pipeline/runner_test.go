package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellstation/mangalake/internal/config"
	"github.com/hellstation/mangalake/internal/db"
	"github.com/hellstation/mangalake/internal/db/repository"
	"github.com/hellstation/mangalake/internal/domain"
	"github.com/hellstation/mangalake/internal/fetch"
	"github.com/hellstation/mangalake/internal/landing"
	"github.com/hellstation/mangalake/internal/testutil"
	"github.com/hellstation/mangalake/internal/warehouse"
)

// mangaPage serves a fixed record set paginated by limit/offset, in the
// envelope shape of the upstream API.
func mangaPage(records []map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if offset > len(records) {
			offset = len(records)
		}
		if end > len(records) {
			end = len(records)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": records[offset:end]})
	}
}

func apiRecords(n int) []map[string]any {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = map[string]any{
			"id":     fmt.Sprintf("m-%03d", i),
			"title":  fmt.Sprintf("Manga %d", i),
			"status": "ongoing",
			"year":   2000 + i%20,
		}
	}
	return records
}

// newTestRunner wires a full pipeline against the given API URL: in-memory
// object store, in-memory warehouse, SQLite-backed run repository.
func newTestRunner(t *testing.T, apiURL string) (*Runner, *testutil.MemObjectStore, *warehouse.Warehouse, domain.RunRepository) {
	t.Helper()

	cfg := &config.Config{
		MangaAPIBase:   apiURL,
		RequestTimeout: 2 * time.Second,
		RequestRetries: 1,
		PageSize:       10,
		BatchSize:      8,
		RateLimitRPS:   1000,
	}

	var fetcher *fetch.Fetcher
	if apiURL != "" {
		var err error
		fetcher, err = fetch.New(cfg, testutil.Logger(t))
		require.NoError(t, err)
	}

	store := testutil.NewMemObjectStore()
	writer := landing.NewWriter(store, cfg.BatchSize, testutil.Logger(t))
	reader := landing.NewReader(store, testutil.Logger(t))

	wh, err := warehouse.Open("", testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = wh.Close() })

	writeDB, _ := db.OpenTestSQLite(t)
	runs := repository.NewRunRepo(writeDB)

	r := NewRunner(DefaultDefinition(), fetcher, writer, reader, wh, runs, testutil.Logger(t))
	r.backoffBase = time.Millisecond
	return r, store, wh, runs
}

func TestRun_FullPipeline(t *testing.T) {
	srv := httptest.NewServer(mangaPage(apiRecords(25)))
	defer srv.Close()

	r, store, wh, runs := newTestRunner(t, srv.URL)
	ctx := context.Background()

	run, err := r.Run(ctx, "2024-03-01", domain.TriggerTypeManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.NotNil(t, run.FinishedAt)

	// 25 records at batch size 8 → 4 landing files.
	keys, err := store.List(ctx, landing.PartitionPrefix("2024-03-01"))
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	rows, err := wh.FactRows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 25)

	counts, err := wh.DailyCounts(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 25, counts[0].Count)

	stageRuns, err := runs.ListStageRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stageRuns, 3)

	extract := stageRuns[0]
	assert.Equal(t, domain.StageExtract, extract.Stage)
	assert.Equal(t, domain.RunStatusSuccess, extract.Status)
	assert.Equal(t, 3, extract.PagesFetched) // 10, 10, 5
	assert.Equal(t, 25, extract.RecordsWritten)
	assert.Equal(t, 4, extract.FilesWritten)

	transform := stageRuns[1]
	assert.Equal(t, domain.StageTransform, transform.Stage)
	assert.Equal(t, 25, transform.RecordsUpserted)
	assert.Equal(t, 0, transform.RecordsSkipped)

	assert.Equal(t, domain.StageMart, stageRuns[2].Stage)
	assert.Equal(t, domain.RunStatusSuccess, stageRuns[2].Status)
}

func TestRun_IsIdempotentAcrossReruns(t *testing.T) {
	srv := httptest.NewServer(mangaPage(apiRecords(5)))
	defer srv.Close()

	r, store, wh, _ := newTestRunner(t, srv.URL)
	ctx := context.Background()

	_, err := r.Run(ctx, "2024-03-01", domain.TriggerTypeManual)
	require.NoError(t, err)
	_, err = r.Run(ctx, "2024-03-01", domain.TriggerTypeManual)
	require.NoError(t, err)

	// The landing zone accumulates (append-only), the warehouse does not.
	keys, err := store.List(ctx, landing.PartitionPrefix("2024-03-01"))
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	rows, err := wh.FactRows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	counts, err := wh.DailyCounts(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 5, counts[0].Count)
}

func TestRun_SkipsRecordsWithoutID(t *testing.T) {
	records := apiRecords(4)
	delete(records[2], "id")

	srv := httptest.NewServer(mangaPage(records))
	defer srv.Close()

	r, _, wh, runs := newTestRunner(t, srv.URL)
	ctx := context.Background()

	run, err := r.Run(ctx, "2024-03-01", domain.TriggerTypeManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, run.Status)

	rows, err := wh.FactRows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	stageRuns, err := runs.ListStageRuns(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stageRuns[1].RecordsSkipped)
}

func TestRun_ExtractFailureSkipsDownstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, _, _, runs := newTestRunner(t, srv.URL)
	ctx := context.Background()

	run, err := r.Run(ctx, "2024-03-01", domain.TriggerTypeManual)
	require.Error(t, err)
	var exErr *domain.ExtractionError
	assert.ErrorAs(t, err, &exErr)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)

	stageRuns, err := runs.ListStageRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stageRuns, 3)
	assert.Equal(t, domain.RunStatusFailed, stageRuns[0].Status)
	assert.Equal(t, 2, stageRuns[0].Attempt) // extract retries once
	assert.Equal(t, domain.RunStatusSkipped, stageRuns[1].Status)
	assert.Equal(t, domain.RunStatusSkipped, stageRuns[2].Status)
}

func TestRunStage_TransformReadsPartitionListing(t *testing.T) {
	srv := httptest.NewServer(mangaPage(apiRecords(6)))
	defer srv.Close()

	seeder, _, _, _ := newTestRunner(t, srv.URL)
	ctx := context.Background()
	_, err := seeder.RunStage(ctx, "2024-03-01", domain.TriggerTypeManual, domain.StageExtract)
	require.NoError(t, err)

	// Each run starts with an empty in-process file list, so a standalone
	// transform must fall back to listing the partition.
	run, err := seeder.RunStage(ctx, "2024-03-01", domain.TriggerTypeManual, domain.StageTransform)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
}

func TestRunStage_TransformWithoutLandingData(t *testing.T) {
	r, _, _, _ := newTestRunner(t, "")

	_, err := r.RunStage(context.Background(), "2024-03-01", domain.TriggerTypeManual, domain.StageTransform)
	require.Error(t, err)
	var nfErr *domain.NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestRun_RejectsBadLoadDate(t *testing.T) {
	r, _, _, _ := newTestRunner(t, "")

	_, err := r.Run(context.Background(), "03/01/2024", domain.TriggerTypeManual)
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRunStage_RejectsUnknownStage(t *testing.T) {
	r, _, _, _ := newTestRunner(t, "")

	_, err := r.RunStage(context.Background(), "2024-03-01", domain.TriggerTypeManual, "teleport")
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRun_ExtractWithoutAPIConfig(t *testing.T) {
	r, _, _, _ := newTestRunner(t, "")

	run, err := r.Run(context.Background(), "2024-03-01", domain.TriggerTypeManual)
	require.Error(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}
