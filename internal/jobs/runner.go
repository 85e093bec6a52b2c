// Package jobs runs the periodic sweeps (renewal scan, provider health) on
// cron schedules.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Func is one run of a job. ctx is cancelled on Stop or after the job timeout.
type Func func(ctx context.Context)

// Runner wraps a cron scheduler whose jobs never overlap themselves
type Runner struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Entry
}

// NewRunner creates a stopped runner
func NewRunner(logger *logrus.Entry) *Runner {
	logger = logger.WithField("component", "jobs")
	cl := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add schedules fn under name. spec accepts standard five-field expressions
// and descriptors such as "@every 1h".
func (r *Runner) Add(name, spec string, timeout time.Duration, fn Func) error {
	_, err := r.cron.AddFunc(spec, func() {
		ctx := r.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		fn(ctx)
		r.logger.WithFields(logrus.Fields{
			"job":      name,
			"duration": time.Since(start).String(),
		}).Debug("job finished")
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	r.logger.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("job scheduled")
	return nil
}

// Start begins scheduling
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels running jobs and waits for them to return
func (r *Runner) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info("job runner stopped")
}
