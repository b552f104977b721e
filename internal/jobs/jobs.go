// Package jobs holds the background schedulers: fixed-interval polling over
// the database, no push from the external systems.
package jobs

import (
	"context"
	"log"
	"time"
)

// Job is one poll cycle of work. Run must tolerate being invoked again
// before external state changes; each job guards with state flags, not
// scheduling.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner polls every job on a shared fixed interval. Errors are logged and
// the loop keeps going; a failing cycle is retried on the next tick.
type Runner struct {
	Interval time.Duration
	Jobs     []Job
}

func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		r.runAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) runAll(ctx context.Context) {
	for _, job := range r.Jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job.Run(ctx); err != nil {
			log.Printf("job %s: %v", job.Name(), err)
		}
	}
}
