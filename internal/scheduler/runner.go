// Package scheduler runs periodic jobs on a cron schedule. Its main job is
// the due sweep, which pushes every due plan through the trigger gateway as
// the configured keeper agent.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Runner wraps a cron scheduler whose jobs receive a shared base context.
// Specs use the six-field format with a leading seconds field.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// New creates a stopped Runner. A nil baseCtx means context.Background().
func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		baseCtx: baseCtx,
	}
}

// Add registers job under spec.
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		job(r.baseCtx)
	})
}

// Entries returns the number of registered jobs.
func (r *Runner) Entries() int {
	return len(r.cron.Entries())
}

// Start begins running jobs in the background.
func (r *Runner) Start() {
	slog.Info("scheduler started", "jobs", r.Entries())
	r.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}
