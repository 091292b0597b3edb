// Package reconcile runs the control plane's background loops: quota
// resets, workspace standby, provisioning, the agent watchdog, container
// health probes, and standby cleanup. Each loop is a Job driven by a
// shared runner; a panicking pass is logged and the loop keeps going.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Job is one periodic reconciler pass.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner drives a set of jobs until its context is cancelled.
type Runner struct {
	jobs []Job
}

func NewRunner(jobs ...Job) *Runner {
	return &Runner{jobs: jobs}
}

// Add appends a job before Start.
func (r *Runner) Add(job Job) {
	r.jobs = append(r.jobs, job)
}

// Start launches every job loop and blocks until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		if job.Interval <= 0 {
			log.Warn().Str("job", job.Name).Msg("reconcile job disabled, no interval")
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	log.Info().Str("job", job.Name).Dur("interval", job.Interval).Msg("reconcile job started")
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("job", job.Name).Msg("reconcile job stopped")
			return
		case <-ticker.C:
			runOnce(ctx, job)
		}
	}
}

// runOnce executes one pass with panic containment.
func runOnce(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("job", job.Name).Interface("panic", rec).Msg("reconcile pass panicked")
		}
	}()
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Warn().Err(err).Str("job", job.Name).Msg("reconcile pass failed")
		return
	}
	log.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("reconcile pass done")
}

// errs joins pass-level errors so one bad row never hides the rest.
type errs []error

func (e errs) join(name string) error {
	if len(e) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %d item(s) failed, first: %w", name, len(e), e[0])
}
