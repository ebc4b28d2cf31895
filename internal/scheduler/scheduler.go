// Package scheduler triggers scheduled backup runs. It wraps gocron and
// consults the orchestrator's running-job set as the authoritative
// exclusion check before every tick (spec §4.7); gocron's own singleton
// mode stays enabled as a first line of defense, not the only one.
//
// Each job maps to exactly one gocron registration, identified by the job
// UUID tag. Jobs with no cron expression, or with one that fails to parse,
// are simply never scheduled — a bad cron expression is logged, not fatal.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/db"
	"github.com/localplatform/backup-server/internal/repositories"
)

// Starter is the subset of *orchestrator.Orchestrator the scheduler needs.
// Kept as an interface so package scheduler does not import package
// orchestrator directly, avoiding an import cycle with any future
// orchestrator dependency on scheduling state.
type Starter interface {
	IsRunning(jobID uuid.UUID) bool
	Start(ctx context.Context, jobID uuid.UUID, full bool) error
}

// Scheduler wraps gocron and triggers scheduled job runs through an
// Starter (the orchestrator). The zero value is not usable — create
// instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	jobs   repositories.JobRepository
	runner Starter
	logger *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin
// processing.
func New(jobs repositories.JobRepository, runner Starter, logger *zap.Logger) (*Scheduler, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		runner: runner,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start loads every enabled job carrying a cron expression, schedules each,
// and starts the underlying gocron scheduler. Called once at controller
// startup, after the database connection is established.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.jobs.ListEnabledWithCron(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load enabled jobs: %w", err)
	}

	scheduled := 0
	for i := range enabled {
		if err := s.addJob(&enabled[i]); err != nil {
			s.logger.Error("failed to schedule job",
				zap.String("job_id", enabled[i].ID.String()),
				zap.String("job_name", enabled[i].Name),
				zap.String("cron_expr", enabled[i].CronExpr),
				zap.Error(err),
			)
			continue
		}
		scheduled++
	}

	s.logger.Info("scheduler started", zap.Int("jobs_scheduled", scheduled))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any in-flight tick functions to return before returning itself.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Schedule registers or reschedules job in the cron runner. Safe to call
// while the scheduler is running — used by the API layer after a job is
// created or its cron expression or enabled flag changes.
func (s *Scheduler) Schedule(job *db.Job) error {
	s.cron.RemoveByTags(job.ID.String())

	if !job.Enabled || job.CronExpr == "" {
		s.logger.Info("job not scheduled (disabled or no cron expression)",
			zap.String("job_id", job.ID.String()))
		return nil
	}

	if err := s.addJob(job); err != nil {
		return fmt.Errorf("scheduler: schedule job %s: %w", job.ID, err)
	}
	s.logger.Info("job scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("cron_expr", job.CronExpr),
	)
	return nil
}

// Unschedule removes jobID from the cron runner. Safe to call while the
// scheduler is running, and a no-op if the job was never scheduled — used
// when a job is deleted or disabled.
func (s *Scheduler) Unschedule(jobID uuid.UUID) {
	s.cron.RemoveByTags(jobID.String())
	s.logger.Info("job unscheduled", zap.String("job_id", jobID.String()))
}

// TriggerNow manually starts a job run, bypassing its cron schedule (spec
// §4.6 "manual trigger"). full forces a non-incremental run ignoring any
// hard-link dedup source.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID uuid.UUID, full bool) error {
	return s.runner.Start(ctx, jobID, full)
}

// addJob registers a single job as a gocron job with singleton mode. The
// job UUID is used as the gocron tag for later RemoveByTags lookups.
func (s *Scheduler) addJob(job *db.Job) error {
	_, err := s.cron.NewJob(
		gocron.CronJob(job.CronExpr, false),
		gocron.NewTask(func(jobID uuid.UUID) {
			s.tick(jobID)
		}, job.ID),
		gocron.WithTags(job.ID.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for job %s (cron: %q): %w", job.ID, job.CronExpr, err)
	}
	return nil
}

// tick is the function gocron invokes on every fire. The running-job-set
// check on the orchestrator is the authoritative exclusion guard (spec
// §4.7) — gocron's own singleton mode only protects against overlapping
// ticks of the *same* gocron registration, not a manual trigger racing a
// scheduled one.
func (s *Scheduler) tick(jobID uuid.UUID) {
	if s.runner.IsRunning(jobID) {
		s.logger.Info("skipping tick, job already running", zap.String("job_id", jobID.String()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.runner.Start(ctx, jobID, false); err != nil {
		s.logger.Error("scheduled run failed to start",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
	}
}
