package domain

import "time"

// Stage names, in pipeline order.
const (
	StageExtract   = "extract"   // API → landing zone
	StageTransform = "transform" // landing zone → fact table
	StageMart      = "mart"      // fact table → marts
)

// Run and stage-run statuses.
const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusSkipped = "skipped"
)

// Trigger types.
const (
	TriggerTypeManual    = "manual"
	TriggerTypeScheduled = "scheduled"
	TriggerTypeAPI       = "api"
)

// PipelineRun is one end-to-end execution of the pipeline for a load date.
type PipelineRun struct {
	ID          string
	LoadDate    string
	TriggerType string
	Status      string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Error       *string
}

// StageRun is one attempt-tracked execution of a single stage within a run.
// The progress counters give the orchestrator enough context for targeted
// backfill: which stage, which load date, how far it got.
type StageRun struct {
	ID              string
	RunID           string
	Stage           string
	Status          string
	Attempt         int
	PagesFetched    int
	RecordsWritten  int
	FilesWritten    int
	RecordsUpserted int
	RecordsSkipped  int
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Error           *string
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	LoadDate *string
	Status   *string
	Limit    int
}
