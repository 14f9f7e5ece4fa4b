package sched

import (
	"context"
	"time"

	"kb-research-agent/internal/usecase"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CleanupWorker runs the queue cleanup sweep on a cron schedule. Each
// sweep fails jobs stuck in processing first, then deletes terminal
// jobs past retention, so nothing still conceptually running is thrown
// away.
type CleanupWorker struct {
	schedule cron.Schedule
	queue    usecase.QueueUseCase
	log      *zerolog.Logger
}

// NewCleanupWorker parses expr as a standard five-field cron
// expression. An invalid or empty expression falls back to hourly.
func NewCleanupWorker(expr string, queue usecase.QueueUseCase, logger *zerolog.Logger) *CleanupWorker {
	compLog := logger.With().Str("component", "CleanupWorker").Logger()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		compLog.Warn().Err(err).Str("cron", expr).Msg("invalid cleanup schedule, falling back to hourly")
		schedule, _ = parser.Parse("0 * * * *")
	}
	return &CleanupWorker{schedule: schedule, queue: queue, log: &compLog}
}

func (w *CleanupWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting cleanup worker")
	// Run once on startup so an instance that was down over a scheduled
	// sweep catches up immediately.
	w.runSweep(ctx)

	for {
		timer := time.NewTimer(time.Until(w.schedule.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.log.Info().Msg("Stopping cleanup worker")
			return ctx.Err()
		case <-timer.C:
			w.runSweep(ctx)
		}
	}
}

func (w *CleanupWorker) runSweep(ctx context.Context) {
	stuck, deleted, err := w.queue.RunCleanup(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("cleanup sweep failed")
		return
	}
	if stuck > 0 || deleted > 0 {
		w.log.Info().Int64("stuck_failed", stuck).Int64("deleted", deleted).Msg("cleanup sweep finished")
	}
}
