// Package scheduler runs FlowGuide's periodic maintenance.
//
// Jobs are scheduled with 5-field cron expressions. The built-in job archives
// sessions that have been idle longer than the configured TTL.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Archiver moves idle sessions out of the live tables.
type Archiver interface {
	ArchiveIdleSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// ArchiveJob archives sessions not updated within TTL.
type ArchiveJob struct {
	Archiver Archiver
	TTL      time.Duration
	// Timeout bounds one run. Zero means one minute.
	Timeout time.Duration
	Now     func() time.Time
}

// Run performs one archive pass and returns the number of sessions archived.
func (j *ArchiveJob) Run(ctx context.Context) (int, error) {
	if j.TTL <= 0 {
		return 0, fmt.Errorf("archive TTL must be positive, got %v", j.TTL)
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cutoff := now().Add(-j.TTL)
	n, err := j.Archiver.ArchiveIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive sessions idle since %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		slog.Info("ArchiveJob.Run: archived idle sessions", "count", n, "cutoff", cutoff)
	} else {
		slog.Debug("ArchiveJob.Run: no idle sessions", "cutoff", cutoff)
	}
	return n, nil
}

// ScheduleArchive registers job on expr. Failures are logged; the next run retries.
func (s *Scheduler) ScheduleArchive(expr string, job *ArchiveJob) error {
	if job == nil || job.Archiver == nil {
		return fmt.Errorf("archive job needs an archiver")
	}
	if job.TTL <= 0 {
		return fmt.Errorf("archive TTL must be positive, got %v", job.TTL)
	}
	if err := s.AddJob(expr, func() {
		if _, err := job.Run(context.Background()); err != nil {
			slog.Error("Scheduler.ScheduleArchive: archive run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid archive schedule %q: %w", expr, err)
	}
	slog.Info("Scheduler.ScheduleArchive: idle session archiving enabled", "schedule", expr, "ttl", job.TTL)
	return nil
}
