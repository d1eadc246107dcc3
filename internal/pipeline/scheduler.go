package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hellstation/mangalake/internal/domain"
)

// Scheduler runs the pipeline on the cron schedule from the definition.
// Each firing targets the current UTC date, so a schedule of "0 2 * * *"
// produces one run per load date.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	def    *Definition
	logger *slog.Logger

	now func() time.Time // overridable in tests
}

// NewScheduler creates a scheduler for the definition's cron expression.
func NewScheduler(runner *Runner, def *Definition, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		def:    def,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// Start registers the schedule and starts the cron loop. A definition
// without a schedule is valid; Start is then a no-op.
func (s *Scheduler) Start() error {
	if s.def.Schedule == "" {
		s.logger.Info("no schedule configured, scheduler idle")
		return nil
	}

	_, err := s.cron.AddFunc(s.def.Schedule, func() {
		loadDate := s.now().UTC().Format("2006-01-02")
		if _, err := s.runner.Run(context.Background(), loadDate, domain.TriggerTypeScheduled); err != nil {
			s.logger.Warn("scheduled run failed", "load_date", loadDate, "error", err)
		}
	})
	if err != nil {
		return domain.ErrValidation("invalid cron schedule %q: %v", s.def.Schedule, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.def.Schedule)
	return nil
}

// Stop stops the cron loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
