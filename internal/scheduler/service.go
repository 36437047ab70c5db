package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
)

const (
	sourceCron   = "cron"
	sourceManual = "manual"
)

// DefaultJobs returns the built-in housekeeping jobs on schedule.
func DefaultJobs(schedule string) []Job {
	return []Job{{
		ID:          string(ActionExpireIdle),
		Description: "Delete conversations idle longer than chat.idle_expiry",
		Cron:        schedule,
		Action:      ActionExpireIdle,
	}}
}

// Service runs housekeeping jobs on their cron schedules.
type Service struct {
	jobs   []Job
	store  *Store
	runner *Runner
	cron   *cron.Cron
	now    func() time.Time

	mu      sync.Mutex
	started bool
}

// NewService creates a cron-backed scheduler service. store may be nil to
// skip recording runs.
func NewService(jobs []Job, store *Store, runner *Runner) *Service {
	return &Service{
		jobs:   jobs,
		store:  store,
		runner: runner,
		now:    time.Now,
		cron: cron.New(
			cron.WithLocation(time.Local),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}
}

// Jobs returns the configured jobs.
func (s *Service) Jobs() []Job {
	return append([]Job(nil), s.jobs...)
}

// Start registers every job and starts cron execution.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if s.runner == nil {
		return errors.New("scheduler runner is required")
	}

	for _, job := range s.jobs {
		if err := validateJob(job); err != nil {
			return fmt.Errorf("job %q: %w", job.ID, err)
		}
		job := job
		_, err := s.cron.AddFunc(job.Cron, func() {
			_, _ = s.run(ctx, job, sourceCron)
		})
		if err != nil {
			return fmt.Errorf("register cron job %q: %w", job.ID, err)
		}
	}

	s.cron.Start()
	s.started = true
	logging.Logger().Info("scheduler started", "jobs_registered", len(s.jobs))
	return nil
}

// Stop stops cron and waits for in-flight jobs to finish or ctx cancellation.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	doneCtx := s.cron.Stop()
	s.started = false
	s.mu.Unlock()

	select {
	case <-doneCtx.Done():
		logging.Logger().Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes one job immediately by ID.
func (s *Service) RunNow(ctx context.Context, jobID string) (string, error) {
	for _, job := range s.jobs {
		if job.ID == jobID {
			return s.run(ctx, job, sourceManual)
		}
	}
	return "", fmt.Errorf("job %s not found", jobID)
}

func (s *Service) run(ctx context.Context, job Job, source string) (string, error) {
	started := s.now()
	output, err := s.runner.Run(ctx, job)
	run := Run{
		JobID:     job.ID,
		Action:    job.Action,
		Source:    source,
		StartedAt: started.UTC(),
		Duration:  s.now().Sub(started),
		Output:    output,
	}
	if err != nil {
		run.Error = err.Error()
		logging.Logger().Warn(
			"scheduled job failed",
			"job_id", job.ID,
			"source", source,
			"action", job.Action,
			"err", err,
		)
	} else {
		logging.Logger().Info(
			"scheduled job succeeded",
			"job_id", job.ID,
			"source", source,
			"action", job.Action,
			"output", output,
		)
	}

	if s.store != nil {
		if recErr := s.store.Record(context.WithoutCancel(ctx), run); recErr != nil {
			logging.Logger().Warn("failed to record job run", "job_id", job.ID, "err", recErr)
		}
	}
	return output, err
}
