/**
 * @description
 * Cron scheduler wiring the background sweeps onto their configured cadences. Each
 * job runs with a per-tick timeout and jobs skip overlapping runs of themselves so a
 * slow bank cannot pile up concurrent sweeps.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - github.com/robfig/cron/v3: Cron scheduling.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig carries the three sweep cadences as cron expressions
// (for example "@every 1m").
type SchedulerConfig struct {
	HoldExpirySchedule     string
	ReconciliationSchedule string
	DLQRetrySchedule       string
	JobTimeout             time.Duration
}

// Scheduler owns the cron runner for the background jobs.
type Scheduler struct {
	cron *cron.Cron
	jobs *Jobs
	cfg  SchedulerConfig
}

// NewScheduler builds a scheduler; Start registers and launches the entries.
func NewScheduler(jobs *Jobs, cfg SchedulerConfig) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	runner := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	return &Scheduler{cron: runner, jobs: jobs, cfg: cfg}
}

// Start registers the sweeps and launches the cron loop.
func (s *Scheduler) Start() error {
	entries := []struct {
		name     string
		schedule string
		run      func(ctx context.Context)
	}{
		{"hold_expiry", s.cfg.HoldExpirySchedule, s.jobs.RunHoldExpirySweep},
		{"reconciliation", s.cfg.ReconciliationSchedule, s.jobs.RunReconciliation},
		{"dlq_retry", s.cfg.DLQRetrySchedule, s.jobs.RunDLQRetry},
	}

	for _, entry := range entries {
		name, run := entry.name, entry.run
		_, err := s.cron.AddFunc(entry.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
			defer cancel()
			started := time.Now()
			run(ctx)
			log.Printf("level=debug component=scheduler job=%s duration=%s", name, time.Since(started))
		})
		if err != nil {
			return err
		}
		log.Printf("level=info component=scheduler job=%s schedule=%q msg=\"registered\"", name, entry.schedule)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
