package reconcile

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Schedule holds one cron expression per job. Expressions use the
// six-field form with seconds.
type Schedule struct {
	Replay string
	Verify string
	Sweep  string
}

// DefaultSchedule replays every minute, sweeps every five and verifies
// hourly
var DefaultSchedule = Schedule{
	Replay: "0 * * * * *",
	Sweep:  "30 */5 * * * *",
	Verify: "0 15 * * * *",
}

// Scheduler runs the reconciler's jobs on cron
type Scheduler struct {
	cron *cron.Cron
	r    *Reconciler
	ctx  context.Context
	log  logrus.FieldLogger
}

// NewScheduler registers every job. ctx bounds each job run.
func NewScheduler(ctx context.Context, r *Reconciler, s Schedule, log logrus.FieldLogger) (*Scheduler, error) {
	sch := &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		r:    r,
		ctx:  ctx,
		log:  log.WithField("component", "scheduler"),
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{JobReplay, s.Replay, func() { _, _ = r.ReplayPending(sch.ctx) }},
		{JobVerify, s.Verify, func() { _, _ = r.VerifyBalances(sch.ctx) }},
		{JobSweep, s.Sweep, func() { _ = r.SweepProposals(sch.ctx) }},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := sch.cron.AddFunc(job.spec, job.fn); err != nil {
			return nil, fmt.Errorf("register %s: %w", job.name, err)
		}
	}
	return sch, nil
}

// Entries returns the number of registered jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start starts the cron scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}
