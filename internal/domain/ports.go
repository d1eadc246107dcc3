package domain

import "context"

// ObjectStore is the landing-zone boundary: an S3-compatible bucket holding
// immutable objects. Put never overwrites in practice because landing keys
// embed a per-run identifier.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// RunRepository persists pipeline runs and stage runs in the control plane.
type RunRepository interface {
	CreateRun(ctx context.Context, run *PipelineRun) (*PipelineRun, error)
	GetRun(ctx context.Context, id string) (*PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]PipelineRun, error)
	UpdateRunStarted(ctx context.Context, id string) error
	UpdateRunFinished(ctx context.Context, id string, status string, errMsg *string) error

	CreateStageRun(ctx context.Context, sr *StageRun) (*StageRun, error)
	ListStageRuns(ctx context.Context, runID string) ([]StageRun, error)
	UpdateStageRunStarted(ctx context.Context, id string, attempt int) error
	UpdateStageRunProgress(ctx context.Context, id string, sr *StageRun) error
	UpdateStageRunFinished(ctx context.Context, id string, status string, errMsg *string) error
}
