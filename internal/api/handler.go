// Package api provides the HTTP control surface for triggering and
// inspecting pipeline runs.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hellstation/mangalake/internal/domain"
	"github.com/hellstation/mangalake/internal/pipeline"
)

// Handler serves the run-control API.
type Handler struct {
	runner *pipeline.Runner
	runs   domain.RunRepository
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(runner *pipeline.Runner, runs domain.RunRepository, logger *slog.Logger) *Handler {
	return &Handler{
		runner: runner,
		runs:   runs,
		logger: logger.With("component", "api"),
	}
}

// Routes builds the router: health and metrics at the root, the run API
// under /v1.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", h.TriggerRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{runID}", h.GetRun)
	})

	return r
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// triggerRunRequest is the POST /v1/runs body. An empty load_date targets
// the current UTC date; an empty stage runs the full pipeline.
type triggerRunRequest struct {
	LoadDate string `json:"load_date"`
	Stage    string `json:"stage,omitempty"`
}

// TriggerRun starts a pipeline run in the background and returns 202 with
// the pending run.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if req.LoadDate == "" {
		req.LoadDate = time.Now().UTC().Format("2006-01-02")
	}

	run, err := h.runner.Start(r.Context(), req.LoadDate, domain.TriggerTypeAPI, req.Stage)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runToJSON(run))
}

// ListRuns returns recent runs, optionally filtered by load_date and status.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := domain.RunFilter{}
	if v := r.URL.Query().Get("load_date"); v != "" {
		filter.LoadDate = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = &v
	}

	runs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	items := make([]runJSON, 0, len(runs))
	for i := range runs {
		items = append(items, runToJSON(&runs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": items})
}

// GetRun returns one run with its stage runs.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")

	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	stageRuns, err := h.runs.ListStageRuns(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := runToJSON(run)
	resp.Stages = make([]stageRunJSON, 0, len(stageRuns))
	for i := range stageRuns {
		resp.Stages = append(resp.Stages, stageRunToJSON(&stageRuns[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// runJSON is the wire shape of a run.
type runJSON struct {
	ID          string         `json:"id"`
	LoadDate    string         `json:"load_date"`
	TriggerType string         `json:"trigger_type"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Stages      []stageRunJSON `json:"stages,omitempty"`
}

type stageRunJSON struct {
	Stage           string     `json:"stage"`
	Status          string     `json:"status"`
	Attempt         int        `json:"attempt"`
	PagesFetched    int        `json:"pages_fetched"`
	RecordsWritten  int        `json:"records_written"`
	FilesWritten    int        `json:"files_written"`
	RecordsUpserted int        `json:"records_upserted"`
	RecordsSkipped  int        `json:"records_skipped"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Error           *string    `json:"error,omitempty"`
}

func runToJSON(run *domain.PipelineRun) runJSON {
	return runJSON{
		ID:          run.ID,
		LoadDate:    run.LoadDate,
		TriggerType: run.TriggerType,
		Status:      run.Status,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Error:       run.Error,
	}
}

func stageRunToJSON(sr *domain.StageRun) stageRunJSON {
	return stageRunJSON{
		Stage:           sr.Stage,
		Status:          sr.Status,
		Attempt:         sr.Attempt,
		PagesFetched:    sr.PagesFetched,
		RecordsWritten:  sr.RecordsWritten,
		FilesWritten:    sr.FilesWritten,
		RecordsUpserted: sr.RecordsUpserted,
		RecordsSkipped:  sr.RecordsSkipped,
		StartedAt:       sr.StartedAt,
		FinishedAt:      sr.FinishedAt,
		Error:           sr.Error,
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFromDomainError(err)
	if status >= 500 {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
