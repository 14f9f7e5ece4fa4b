// File: internal/infra/worker/job_runner.go
package worker

import (
	"context"
	"time"

	"kb-research-agent/internal/domain/ports/usecase"

	"github.com/rs/zerolog"
)

// JobRunner polls for pending research jobs and feeds them to the pool.
// Jobs enqueued through the API are normally dispatched immediately, so
// the runner mostly picks up work left behind by a crashed instance or
// submitted while the pool was saturated.
type JobRunner struct {
	queue    usecase.JobDispatcher
	interval time.Duration
	log      *zerolog.Logger
}

func NewJobRunner(queue usecase.JobDispatcher, interval time.Duration, logger *zerolog.Logger) *JobRunner {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	lg := logger.With().Str("component", "job_runner").Logger()
	return &JobRunner{queue: queue, interval: interval, log: &lg}
}

// Start runs the poll loop until ctx is done. It should be run in a
// goroutine; actual execution happens on the pool's workers.
func (r *JobRunner) Start(ctx context.Context, pool *Pool) {
	r.log.Info().Dur("interval", r.interval).Msg("job runner started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("job runner stopping")
			return
		case <-ticker.C:
			// A full pool means every worker is busy; skip this tick
			// rather than stacking claims behind it.
			_ = pool.Submit(func(ctx context.Context) error {
				found, err := r.queue.DispatchNext(ctx)
				if err != nil && !found {
					// Execution failures are already landed on the job
					// by Execute; only the claim itself is ours.
					r.log.Error().Err(err).Msg("claiming pending job failed")
				}
				return nil
			})
		}
	}
}
