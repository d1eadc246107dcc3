package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hellstation/mangalake/internal/domain"
	"github.com/hellstation/mangalake/internal/fetch"
	"github.com/hellstation/mangalake/internal/landing"
	"github.com/hellstation/mangalake/internal/metrics"
	"github.com/hellstation/mangalake/internal/normalize"
	"github.com/hellstation/mangalake/internal/warehouse"
)

// retryBackoffBase is the first delay between stage attempts; each further
// attempt doubles it.
const retryBackoffBase = time.Second

// Runner executes pipeline runs. Each stage exchanges state only through
// durable storage (landing files, warehouse tables), so a run can resume
// from the last committed artifact: a crash after extract leaves the
// landing files in place and the fact table untouched.
type Runner struct {
	def     *Definition
	fetcher *fetch.Fetcher  // nil when no API endpoint is configured
	writer  *landing.Writer // nil when S3 is not configured
	reader  *landing.Reader // nil when S3 is not configured
	wh      *warehouse.Warehouse
	runs    domain.RunRepository
	logger  *slog.Logger

	backoffBase time.Duration // overridable in tests
}

// NewRunner wires a Runner. fetcher, writer, and reader may be nil when the
// corresponding boundary is not configured; stages that need them fail with
// a validation error instead of panicking.
func NewRunner(def *Definition, fetcher *fetch.Fetcher, writer *landing.Writer,
	reader *landing.Reader, wh *warehouse.Warehouse, runs domain.RunRepository,
	logger *slog.Logger) *Runner {

	return &Runner{
		def:         def,
		fetcher:     fetcher,
		writer:      writer,
		reader:      reader,
		wh:          wh,
		runs:        runs,
		logger:      logger.With("component", "pipeline"),
		backoffBase: retryBackoffBase,
	}
}

// runState carries in-process results between stages of one run. The
// landing file list written by extract is the authoritative transform input
// when both stages run in the same process; a standalone transform falls
// back to listing the partition.
type runState struct {
	files []domain.LandingFile
}

// Run executes the configured stages for one load date, in dependency
// order. A stage failure marks the remaining stages skipped and fails the
// run; everything already committed stays committed.
func (r *Runner) Run(ctx context.Context, loadDate, triggerType string) (*domain.PipelineRun, error) {
	return r.run(ctx, loadDate, triggerType, r.def.Stages)
}

// RunStage executes a single stage for one load date, recorded as its own
// run. This is the entry point for orchestrator-driven backfills.
func (r *Runner) RunStage(ctx context.Context, loadDate, triggerType, stage string) (*domain.PipelineRun, error) {
	def, err := r.singleStage(stage)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, loadDate, triggerType, []StageDef{def})
}

func (r *Runner) singleStage(stage string) (StageDef, error) {
	switch stage {
	case domain.StageExtract, domain.StageTransform, domain.StageMart:
	default:
		return StageDef{}, domain.ErrValidation("unknown stage: %s", stage)
	}
	def, ok := r.def.Stage(stage)
	if !ok {
		def = StageDef{Name: stage}
	}
	// A single-stage run trusts the operator that upstream artifacts exist,
	// so the stage's dependencies do not apply.
	def.DependsOn = nil
	return def, nil
}

func (r *Runner) run(ctx context.Context, loadDate, triggerType string, stages []StageDef) (*domain.PipelineRun, error) {
	prep, err := r.prepare(ctx, loadDate, triggerType, stages)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, prep)
}

// Start creates the run records and executes the stages in the background.
// An empty stage runs the full pipeline; a stage name runs just that stage.
// The returned run is pending; callers poll the repository for progress.
func (r *Runner) Start(ctx context.Context, loadDate, triggerType, stage string) (*domain.PipelineRun, error) {
	stages := r.def.Stages
	if stage != "" {
		def, err := r.singleStage(stage)
		if err != nil {
			return nil, err
		}
		stages = []StageDef{def}
	}

	prep, err := r.prepare(ctx, loadDate, triggerType, stages)
	if err != nil {
		return nil, err
	}
	go func() {
		// Detached from the request context: an API-triggered run outlives
		// the request that started it.
		if _, err := r.execute(context.Background(), prep); err != nil {
			r.logger.Warn("background run failed", "run_id", prep.run.ID, "error", err)
		}
	}()
	return prep.run, nil
}

// preparedRun is a run whose control-plane records exist but whose stages
// have not executed yet.
type preparedRun struct {
	run         *domain.PipelineRun
	stages      []StageDef
	levels      [][]string
	stageRunIDs map[string]string
}

func (r *Runner) prepare(ctx context.Context, loadDate, triggerType string, stages []StageDef) (*preparedRun, error) {
	if _, err := time.Parse("2006-01-02", loadDate); err != nil {
		return nil, domain.ErrValidation("invalid load date %q: want YYYY-MM-DD", loadDate)
	}

	levels, err := ResolveExecutionOrder(stages)
	if err != nil {
		return nil, err
	}

	run, err := r.runs.CreateRun(ctx, &domain.PipelineRun{
		LoadDate:    loadDate,
		TriggerType: triggerType,
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	stageRunIDs := make(map[string]string, len(stages))
	for _, s := range stages {
		sr, err := r.runs.CreateStageRun(ctx, &domain.StageRun{RunID: run.ID, Stage: s.Name})
		if err != nil {
			return nil, fmt.Errorf("create stage run: %w", err)
		}
		stageRunIDs[s.Name] = sr.ID
	}

	return &preparedRun{run: run, stages: stages, levels: levels, stageRunIDs: stageRunIDs}, nil
}

func (r *Runner) execute(ctx context.Context, prep *preparedRun) (*domain.PipelineRun, error) {
	run := prep.run
	loadDate := run.LoadDate
	logger := r.logger.With("run_id", run.ID, "load_date", loadDate)

	if err := r.runs.UpdateRunStarted(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("mark run started: %w", err)
	}

	state := &runState{}
	var runErr error

	for _, level := range prep.levels {
		for _, name := range level {
			srID := prep.stageRunIDs[name]
			if runErr != nil {
				_ = r.runs.UpdateStageRunFinished(ctx, srID, domain.RunStatusSkipped, nil)
				continue
			}
			def, _ := stageByName(prep.stages, name)
			if err := r.executeStage(ctx, def, srID, loadDate, state, logger); err != nil {
				runErr = fmt.Errorf("stage %s for %s: %w", name, loadDate, err)
			}
		}
	}

	status := domain.RunStatusSuccess
	var errMsg *string
	if runErr != nil {
		status = domain.RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := r.runs.UpdateRunFinished(ctx, run.ID, status, errMsg); err != nil {
		logger.Error("failed to finalize run", "error", err)
	}

	finished, err := r.runs.GetRun(ctx, run.ID)
	if err != nil {
		finished = run
	}
	return finished, runErr
}

// executeStage runs one stage with its retry budget. Every attempt is a
// full re-execution of the stage; the stage contracts (append-only landing,
// idempotent merge, replace-per-date marts) make that safe.
func (r *Runner) executeStage(ctx context.Context, def StageDef, stageRunID,
	loadDate string, state *runState, logger *slog.Logger) error {

	logger = logger.With("stage", def.Name)
	maxAttempts := def.RetryCount + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := r.backoffBase << uint(attempt-2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
			if lastErr != nil && ctx.Err() != nil {
				break
			}
			logger.Info("retrying stage", "attempt", attempt)
		}

		if err := r.runs.UpdateStageRunStarted(ctx, stageRunID, attempt); err != nil {
			return fmt.Errorf("mark stage started: %w", err)
		}

		start := time.Now()
		lastErr = r.executeStageAttempt(ctx, def.Name, stageRunID, loadDate, state, logger)
		status := domain.RunStatusSuccess
		if lastErr != nil {
			status = domain.RunStatusFailed
		}
		metrics.StageDurationSeconds.WithLabelValues(def.Name, status).Observe(time.Since(start).Seconds())

		if lastErr == nil {
			break
		}
		logger.Warn("stage attempt failed", "attempt", attempt, "error", lastErr)
	}

	if lastErr != nil {
		msg := lastErr.Error()
		_ = r.runs.UpdateStageRunFinished(ctx, stageRunID, domain.RunStatusFailed, &msg)
		return lastErr
	}
	_ = r.runs.UpdateStageRunFinished(ctx, stageRunID, domain.RunStatusSuccess, nil)
	return nil
}

func (r *Runner) executeStageAttempt(ctx context.Context, stage, stageRunID,
	loadDate string, state *runState, logger *slog.Logger) error {

	switch stage {
	case domain.StageExtract:
		return r.extract(ctx, stageRunID, loadDate, state, logger)
	case domain.StageTransform:
		return r.transform(ctx, stageRunID, loadDate, state, logger)
	case domain.StageMart:
		return r.mart(ctx, loadDate, logger)
	default:
		return domain.ErrValidation("unknown stage: %s", stage)
	}
}

// extract walks the API and lands the records as partitioned JSONL files.
func (r *Runner) extract(ctx context.Context, stageRunID, loadDate string,
	state *runState, logger *slog.Logger) error {

	if r.fetcher == nil {
		return domain.ErrValidation("extract not available: no API endpoint configured")
	}
	if r.writer == nil {
		return domain.ErrValidation("extract not available: S3 landing zone not configured")
	}

	stream := r.fetcher.Fetch()
	files, err := r.writer.WriteBatches(ctx, stream, loadDate)

	records := 0
	for _, f := range files {
		records += f.Records
	}
	_ = r.runs.UpdateStageRunProgress(ctx, stageRunID, &domain.StageRun{
		PagesFetched:   stream.Pages(),
		RecordsWritten: records,
		FilesWritten:   len(files),
	})

	if err != nil {
		return err
	}

	state.files = files
	logger.Info("extract finished", "pages", stream.Pages(), "records", records, "files", len(files))
	return nil
}

// transform reads the landing files, normalizes each record, and merges the
// batch into the fact table.
func (r *Runner) transform(ctx context.Context, stageRunID, loadDate string,
	state *runState, logger *slog.Logger) error {

	if r.reader == nil {
		return domain.ErrValidation("transform not available: S3 landing zone not configured")
	}

	files := state.files
	if len(files) == 0 {
		// Standalone transform (backfill): the producing run's descriptor
		// list is gone, so fall back to listing the partition.
		var err error
		files, err = r.reader.ListPartition(ctx, loadDate)
		if err != nil {
			return err
		}
	}
	if len(files) == 0 {
		return domain.ErrNotFound("no landing files for load date %s", loadDate)
	}

	var records []domain.CanonicalRecord
	skipped := 0
	err := r.reader.ReadRecords(ctx, files, func(raw domain.RawRecord) error {
		rec, skip := normalize.Normalize(raw, loadDate)
		if skip != nil {
			skipped++
			metrics.RecordsSkippedTotal.WithLabelValues("transform", "missing_id").Inc()
			logger.Debug("record skipped", "reason", skip.Reason)
			return nil
		}
		records = append(records, *rec)
		return nil
	})
	if err != nil {
		return err
	}

	result, err := r.wh.Upsert(ctx, records, loadDate)
	if err != nil {
		return err
	}

	_ = r.runs.UpdateStageRunProgress(ctx, stageRunID, &domain.StageRun{
		RecordsUpserted: result.Inserted + result.Updated,
		RecordsSkipped:  skipped,
	})
	logger.Info("transform finished",
		"files", len(files), "records", len(records), "skipped", skipped,
		"inserted", result.Inserted, "updated", result.Updated)
	return nil
}

// mart recomputes the derived tables for the load date.
func (r *Runner) mart(ctx context.Context, loadDate string, logger *slog.Logger) error {
	if err := r.wh.Rebuild(ctx, loadDate); err != nil {
		return err
	}
	logger.Info("marts rebuilt")
	return nil
}

func stageByName(stages []StageDef, name string) (StageDef, bool) {
	for _, s := range stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageDef{}, false
}
