// Package scheduler runs the risk pipeline on a cron schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner is the unit of scheduled work.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Scheduler owns the cron instance. Jobs run sequentially; a run that
// overlaps the next trigger is skipped, not queued.
type Scheduler struct {
	cron    *cron.Cron
	log     zerolog.Logger
	timeout time.Duration
}

// New creates a scheduler. timeout bounds each job execution; zero means
// four hours.
func New(log zerolog.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 4 * time.Hour
	}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		log:     log.With().Str("component", "scheduler").Logger(),
		timeout: timeout,
	}
}

// AddJob registers a named job on a standard five-field cron expression.
func (s *Scheduler) AddJob(name, spec string, runner Runner) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		started := time.Now()
		s.log.Info().Str("job", name).Msg("Scheduled job starting")
		if err := runner.Run(ctx); err != nil {
			s.log.Error().Str("job", name).Err(err).Msg("Scheduled job failed")
			return
		}
		s.log.Info().Str("job", name).Dur("elapsed", time.Since(started)).Msg("Scheduled job finished")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("job", name).Str("spec", spec).Msg("Job registered")
	return nil
}

// Start begins triggering jobs. It returns immediately.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts new triggers and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}
