package repository

import (
	"context"
	"time"

	"kb-research-agent/internal/domain/model"
)

// ResearchJobRepository persists the durable job records that wrap workflow
// runs. Implementations must accept a nil qx (non-transactional path).
type ResearchJobRepository interface {
	Save(ctx context.Context, qx any, job *model.ResearchJob) error
	FindByID(ctx context.Context, qx any, id string) (*model.ResearchJob, error)
	FindBySession(ctx context.Context, qx any, sessionID string) ([]*model.ResearchJob, error)

	// UpdateProgress advances the progress/current_step columns of a running
	// job without touching its lifecycle fields.
	UpdateProgress(ctx context.Context, qx any, id string, progress int, currentStep string) error

	// FetchAndMarkProcessing atomically claims one pending job and marks it
	// processing, so concurrent workers never pick up the same job. Returns
	// domain.ErrNotFound when no pending job exists.
	FetchAndMarkProcessing(ctx context.Context) (*model.ResearchJob, error)

	// MarkProcessingByID claims the given job if it is still pending.
	// Returns domain.ErrAlreadyClaimed when another worker got there first
	// and domain.ErrJobTerminal when the job already finished.
	MarkProcessingByID(ctx context.Context, qx any, id string) (*model.ResearchJob, error)

	// FailIfStuck fails the job only if it is still processing and was
	// started before the cutoff. The bool reports whether the update landed;
	// false means another writer changed the row first and the caller should
	// re-read.
	FailIfStuck(ctx context.Context, qx any, id string, cutoff time.Time, message string) (bool, error)

	// FailStuckBefore fails every processing job started before the cutoff
	// and returns how many rows were updated.
	FailStuckBefore(ctx context.Context, cutoff time.Time, message string) (int64, error)

	// DeleteTerminalBefore removes completed and failed jobs that reached
	// their terminal state before the cutoff. Pending and processing jobs
	// are never deleted; a freshly auto-failed stuck job only ages out once
	// its completed_at clears the retention window.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error)
}
