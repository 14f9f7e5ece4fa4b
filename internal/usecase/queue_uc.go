// File: internal/usecase/queue_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kb-research-agent/internal/config"
	"kb-research-agent/internal/domain"
	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/domain/ports/repository"
	"kb-research-agent/internal/infra/metrics"
	red "kb-research-agent/internal/infra/redis"
	"kb-research-agent/internal/infra/worker"
)

// Compile-time check
var _ QueueUseCase = (*queueUC)(nil)

// StuckJobMessage is the synthetic error recorded when a job is force-failed
// after sitting in processing past the liveness threshold.
const StuckJobMessage = "stuck job auto-failed"

// JobNotifier receives a snapshot after every observable job change. Used for
// live progress push; implementations must not block.
type JobNotifier interface {
	JobUpdated(ctx context.Context, job *model.ResearchJob)
}

// QueueUseCase is the durable, pollable wrapper around workflow runs: enqueue,
// claim and execute, poll with stuck-job recovery, and the periodic cleanup
// surface.
type QueueUseCase interface {
	Enqueue(ctx context.Context, params model.WorkflowParams) (*model.ResearchJob, error)
	// Dispatch claims the given job and executes it inline.
	Dispatch(ctx context.Context, jobID string) error
	// DispatchAsync hands the claim-and-execute to the worker pool. A
	// saturated pool rejects instead of blocking the caller.
	DispatchAsync(ctx context.Context, jobID string) error
	// DispatchNext claims the oldest pending job, if any, and executes it.
	// The bool reports whether a job was found.
	DispatchNext(ctx context.Context) (bool, error)
	Execute(ctx context.Context, job *model.ResearchJob) error
	// GetJobWithCleanup fetches a job for polling. A job stuck in processing
	// past the configured threshold is force-failed before being returned, so
	// no poller ever observes a hung execution as live.
	GetJobWithCleanup(ctx context.Context, jobID string) (*model.ResearchJob, error)
	CleanupStuckJobs(ctx context.Context) (int64, error)
	CleanupOldJobs(ctx context.Context) (int64, error)
	// RunCleanup sweeps stuck jobs into failed before deleting aged terminal
	// jobs; the order guarantees nothing conceptually-processing is deleted.
	RunCleanup(ctx context.Context) (stuck, deleted int64, err error)
	Stats(ctx context.Context) (map[model.JobStatus]int64, error)
}

type queueUC struct {
	jobs     repository.ResearchJobRepository
	workflow WorkflowUseCase
	cache    *red.JobCache
	limiter  *red.RateLimiter
	pool     *worker.Pool
	notifier JobNotifier
	cfg      *config.Config
	log      *zerolog.Logger
}

// NewQueueUseCase constructs the queue. cache, limiter, pool and notifier are
// optional; a nil value disables that concern.
func NewQueueUseCase(
	jobs repository.ResearchJobRepository,
	workflow WorkflowUseCase,
	cache *red.JobCache,
	limiter *red.RateLimiter,
	pool *worker.Pool,
	notifier JobNotifier,
	cfg *config.Config,
	logger *zerolog.Logger,
) *queueUC {
	lg := logger.With().Str("component", "queue_uc").Logger()
	return &queueUC{
		jobs:     jobs,
		workflow: workflow,
		cache:    cache,
		limiter:  limiter,
		pool:     pool,
		notifier: notifier,
		cfg:      cfg,
		log:      &lg,
	}
}

func (q *queueUC) Enqueue(ctx context.Context, params model.WorkflowParams) (*model.ResearchJob, error) {
	if strings.TrimSpace(params.Question) == "" || strings.TrimSpace(params.KBName) == "" {
		return nil, domain.ErrInvalidArgument
	}
	if params.AgentType == "" {
		params.AgentType = q.cfg.Agent.DefaultAgentType
	}
	if params.Locale == "" {
		params.Locale = q.cfg.Agent.DefaultLocale
	}

	if q.limiter != nil {
		user := params.UserID
		if user == "" {
			user = "anonymous"
		}
		ok, err := q.limiter.Allow(ctx, red.UserActionKey(user, "enqueue"),
			q.cfg.Queue.SubmitRateLimit, q.cfg.Queue.SubmitRateWindow)
		if err != nil {
			// A broken limiter must not take submissions down with it.
			q.log.Warn().Err(err).Msg("rate limiter unavailable, allowing submission")
		} else if !ok {
			return nil, domain.ErrRateLimited
		}
	}

	job := model.NewResearchJob(params)
	if err := q.jobs.Save(ctx, nil, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	q.log.Info().Str("job_id", job.ID).Str("kb", params.KBName).Msg("job enqueued")
	return job, nil
}

func (q *queueUC) Dispatch(ctx context.Context, jobID string) error {
	job, err := q.jobs.MarkProcessingByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	return q.Execute(ctx, job)
}

func (q *queueUC) DispatchAsync(ctx context.Context, jobID string) error {
	if q.pool == nil {
		go func() {
			if err := q.Dispatch(context.Background(), jobID); err != nil {
				q.log.Error().Err(err).Str("job_id", jobID).Msg("async dispatch failed")
			}
		}()
		return nil
	}
	return q.pool.Submit(func(ctx context.Context) error {
		if err := q.Dispatch(ctx, jobID); err != nil &&
			!errors.Is(err, domain.ErrAlreadyClaimed) && !errors.Is(err, domain.ErrJobTerminal) {
			q.log.Error().Err(err).Str("job_id", jobID).Msg("async dispatch failed")
		}
		return nil
	})
}

func (q *queueUC) DispatchNext(ctx context.Context) (bool, error) {
	job, err := q.jobs.FetchAndMarkProcessing(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, q.Execute(ctx, job)
}

// Execute drives the workflow for an already-claimed job. The job never stays
// processing past a return: every exit path, panics included, lands it in a
// terminal state.
func (q *queueUC) Execute(ctx context.Context, job *model.ResearchJob) (err error) {
	metrics.JobStarted()
	start := time.Now()
	defer func() {
		metrics.JobFinished()
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
			q.finishFailed(job, err, start)
		}
	}()

	q.log.Info().Str("job_id", job.ID).Msg("processing job")

	params := job.Params
	if job.SessionID != "" {
		params.SessionID = job.SessionID
	}
	res, werr := q.workflow.Run(ctx, params, &jobObserver{q: q, job: job})
	if werr != nil {
		q.finishFailed(job, werr, start)
		return werr
	}

	job.SessionID = res.SessionID
	job.MarkCompleted(res.Answer, res.Files)
	// The final write uses a fresh context so a canceled run still records
	// its outcome.
	if serr := q.jobs.Save(context.Background(), nil, job); serr != nil {
		q.log.Error().Err(serr).Str("job_id", job.ID).Msg("completed job not saved")
		return serr
	}
	q.finishTouch(job)
	metrics.IncJobProcessed(string(model.JobStatusCompleted))
	metrics.ObserveJobDuration(string(model.JobStatusCompleted), time.Since(start).Seconds())
	q.log.Info().Str("job_id", job.ID).Dur("duration", time.Since(start)).Msg("job completed")
	return nil
}

func (q *queueUC) finishFailed(job *model.ResearchJob, cause error, start time.Time) {
	job.MarkFailed(cause.Error())
	if err := q.jobs.Save(context.Background(), nil, job); err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("failed job not saved")
	}
	q.finishTouch(job)
	metrics.IncJobProcessed(string(model.JobStatusFailed))
	metrics.ObserveJobDuration(string(model.JobStatusFailed), time.Since(start).Seconds())
	q.log.Error().Err(cause).Str("job_id", job.ID).Msg("job failed")
}

// finishTouch caches the terminal row and pushes the last notification.
func (q *queueUC) finishTouch(job *model.ResearchJob) {
	ctx := context.Background()
	if q.cache != nil {
		if err := q.cache.Store(ctx, job); err != nil {
			q.log.Warn().Err(err).Str("job_id", job.ID).Msg("terminal job not cached")
		}
	}
	q.notify(ctx, job)
}

func (q *queueUC) notify(ctx context.Context, job *model.ResearchJob) {
	if q.notifier == nil {
		return
	}
	snapshot := *job
	q.notifier.JobUpdated(ctx, &snapshot)
}

func (q *queueUC) GetJobWithCleanup(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	if q.cache != nil {
		if hit, err := q.cache.Get(ctx, jobID); err == nil && hit != nil {
			return hit, nil
		}
	}
	job, err := q.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == model.JobStatusProcessing && job.StartedAt != nil {
		cutoff := time.Now().Add(-q.cfg.Queue.StuckAfter)
		if job.StartedAt.Before(cutoff) {
			landed, ferr := q.jobs.FailIfStuck(ctx, nil, jobID, cutoff, StuckJobMessage)
			if ferr != nil {
				return nil, ferr
			}
			if landed {
				metrics.IncJobsStuckFailed("read", 1)
				q.log.Warn().Str("job_id", jobID).Msg("stuck job failed at read time")
			}
			// Either we failed it or a concurrent finisher beat the cutoff
			// check; both ways the row is newer than what we hold.
			job, err = q.jobs.FindByID(ctx, nil, jobID)
			if err != nil {
				return nil, err
			}
		}
	}

	if job.Terminal() && q.cache != nil {
		if err := q.cache.Store(ctx, job); err != nil {
			q.log.Warn().Err(err).Str("job_id", jobID).Msg("terminal job not cached")
		}
	}
	return job, nil
}

func (q *queueUC) CleanupStuckJobs(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-q.cfg.Queue.StuckAfter)
	n, err := q.jobs.FailStuckBefore(ctx, cutoff, StuckJobMessage)
	if err != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", err)
	}
	if n > 0 {
		metrics.IncJobsStuckFailed("sweep", int(n))
		q.log.Warn().Int64("count", n).Msg("stuck jobs failed by sweep")
	}
	return n, nil
}

func (q *queueUC) CleanupOldJobs(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -q.cfg.Queue.RetentionDays)
	n, err := q.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	if n > 0 {
		metrics.IncJobsDeleted(n)
		q.log.Info().Int64("count", n).Msg("aged terminal jobs deleted")
	}
	return n, nil
}

func (q *queueUC) RunCleanup(ctx context.Context) (int64, int64, error) {
	stuck, err := q.CleanupStuckJobs(ctx)
	if err != nil {
		return 0, 0, err
	}
	deleted, err := q.CleanupOldJobs(ctx)
	if err != nil {
		return stuck, 0, err
	}
	if counts, cerr := q.jobs.CountByStatus(ctx); cerr == nil {
		metrics.SetJobsByStatus(counts)
	}
	return stuck, deleted, nil
}

func (q *queueUC) Stats(ctx context.Context) (map[model.JobStatus]int64, error) {
	return q.jobs.CountByStatus(ctx)
}

// jobObserver streams workflow progress onto the job row. Updates are
// best-effort hints for pollers, never load-bearing state.
type jobObserver struct {
	q   *queueUC
	job *model.ResearchJob
}

func (o *jobObserver) SessionStarted(ctx context.Context, sessionID string) {
	o.job.SessionID = sessionID
	o.job.Params.SessionID = sessionID
	if err := o.q.jobs.Save(ctx, nil, o.job); err != nil {
		o.q.log.Warn().Err(err).Str("job_id", o.job.ID).Msg("session id not attached to job")
	}
	o.q.notify(ctx, o.job)
}

func (o *jobObserver) StageChanged(ctx context.Context, stage string, progress int) {
	o.job.CurrentStep = stage
	o.job.Progress = progress
	if err := o.q.jobs.UpdateProgress(ctx, nil, o.job.ID, progress, stage); err != nil {
		o.q.log.Warn().Err(err).Str("job_id", o.job.ID).Msg("job progress not updated")
	}
	o.q.notify(ctx, o.job)
}

// JobResultView carries a completed job's output in the poll shape.
type JobResultView struct {
	Content string          `json:"content"`
	Files   []model.FileRef `json:"files,omitempty"`
}

// JobStatusView is the client-facing poll shape: result only when completed,
// error only when failed.
type JobStatusView struct {
	ID          string          `json:"id"`
	Status      model.JobStatus `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"current_step"`
	SessionID   string          `json:"session_id,omitempty"`
	Result      *JobResultView  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func ToJobStatusView(job *model.ResearchJob) JobStatusView {
	v := JobStatusView{
		ID:          job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		SessionID:   job.SessionID,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	switch job.Status {
	case model.JobStatusCompleted:
		v.Result = &JobResultView{Content: job.OutputContent, Files: job.Files}
	case model.JobStatusFailed:
		v.Error = job.ErrorMessage
	}
	return v
}
