// File: internal/infra/db/postgres/postgres_job_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"kb-research-agent/internal/domain"
	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/domain/ports/repository"
)

var _ repository.ResearchJobRepository = (*ResearchJobRepo)(nil)

type ResearchJobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewResearchJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *ResearchJobRepo {
	return &ResearchJobRepo{pool: pool, tm: tm}
}

const jobColumns = `id, status, session_id, progress, current_step, output_content, files, params, error_message, created_at, started_at, completed_at`

func (r *ResearchJobRepo) Save(ctx context.Context, qx any, job *model.ResearchJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal job params: %w", err)
	}
	files, err := marshalFiles(job.Files)
	if err != nil {
		return fmt.Errorf("marshal job files: %w", err)
	}

	const q = `
INSERT INTO research_jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,COALESCE($10,NOW()),$11,$12)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  session_id = EXCLUDED.session_id,
  progress = EXCLUDED.progress,
  current_step = EXCLUDED.current_step,
  output_content = EXCLUDED.output_content,
  files = EXCLUDED.files,
  error_message = EXCLUDED.error_message,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at;`

	_, err = execSQL(ctx, r.pool, qx, q,
		job.ID, string(job.Status), job.SessionID, job.Progress, job.CurrentStep,
		job.OutputContent, files, params, job.ErrorMessage,
		job.CreatedAt, job.StartedAt, job.CompletedAt)
	return err
}

func (r *ResearchJobRepo) FindByID(ctx context.Context, qx any, id string) (*model.ResearchJob, error) {
	const q = `SELECT ` + jobColumns + ` FROM research_jobs WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, qx, q, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *ResearchJobRepo) FindBySession(ctx context.Context, qx any, sessionID string) ([]*model.ResearchJob, error) {
	const q = `SELECT ` + jobColumns + ` FROM research_jobs WHERE session_id = $1 ORDER BY created_at ASC;`
	rows, err := queryRows(ctx, r.pool, qx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.ResearchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateProgress only touches a job that is still processing; terminal and
// pending rows are left alone.
func (r *ResearchJobRepo) UpdateProgress(ctx context.Context, qx any, id string, progress int, currentStep string) error {
	const q = `
UPDATE research_jobs SET progress = $2, current_step = $3
 WHERE id = $1 AND status = 'processing';`
	_, err := execSQL(ctx, r.pool, qx, q, id, progress, currentStep)
	return err
}

func (r *ResearchJobRepo) FetchAndMarkProcessing(ctx context.Context) (*model.ResearchJob, error) {
	var job *model.ResearchJob

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const fetchQuery = `
SELECT ` + jobColumns + `
FROM research_jobs
WHERE status = 'pending'
ORDER BY created_at
LIMIT 1
FOR UPDATE SKIP LOCKED;`

		row, err := pickRow(ctx, r.pool, tx, fetchQuery)
		if err != nil {
			return err
		}
		fetched, err := scanJob(row)
		if err != nil {
			return err
		}

		const claimQuery = `
UPDATE research_jobs SET status = 'processing', started_at = NOW()
 WHERE id = $1
 RETURNING started_at;`
		row, err = pickRow(ctx, r.pool, tx, claimQuery, fetched.ID)
		if err != nil {
			return err
		}
		var startedAt time.Time
		if err := row.Scan(&startedAt); err != nil {
			return domain.ErrReadDatabaseRow
		}
		fetched.Status = model.JobStatusProcessing
		fetched.StartedAt = &startedAt

		job = fetched
		return nil
	})

	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

// MarkProcessingByID claims a specific pending job. The error tells the
// caller why a claim did not land: someone else holds it, it already
// finished, or it does not exist.
func (r *ResearchJobRepo) MarkProcessingByID(ctx context.Context, qx any, id string) (*model.ResearchJob, error) {
	const q = `
UPDATE research_jobs SET status = 'processing', started_at = NOW()
 WHERE id = $1 AND status = 'pending'
 RETURNING ` + jobColumns + `;`
	row, err := pickRow(ctx, r.pool, qx, q, id)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	// The claim missed: inspect the row to report why.
	current, err := r.FindByID(ctx, qx, id)
	if err != nil {
		return nil, err
	}
	if current.Terminal() {
		return nil, domain.ErrJobTerminal
	}
	return nil, domain.ErrAlreadyClaimed
}

// FailIfStuck is the conditional write behind read-time stuck detection. The
// WHERE clause re-checks status and started_at so a job that completed
// between the caller's read and this write is left untouched.
func (r *ResearchJobRepo) FailIfStuck(ctx context.Context, qx any, id string, cutoff time.Time, message string) (bool, error) {
	const q = `
UPDATE research_jobs
   SET status = 'failed', error_message = $3, completed_at = NOW()
 WHERE id = $1 AND status = 'processing' AND started_at < $2;`
	tag, err := execSQL(ctx, r.pool, qx, q, id, cutoff, message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ResearchJobRepo) FailStuckBefore(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	const q = `
UPDATE research_jobs
   SET status = 'failed', error_message = $2, completed_at = NOW()
 WHERE status = 'processing' AND started_at < $1;`
	tag, err := r.pool.Exec(ctx, q, cutoff, message)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *ResearchJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
DELETE FROM research_jobs
 WHERE status IN ('completed', 'failed') AND completed_at < $1;`
	tag, err := r.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *ResearchJobRepo) CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error) {
	const q = `SELECT status, COUNT(*) FROM research_jobs GROUP BY status;`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.JobStatus]int64, 4)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[model.JobStatus(status)] = count
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*model.ResearchJob, error) {
	var j model.ResearchJob
	var status string
	var files, params []byte
	err := row.Scan(
		&j.ID, &status, &j.SessionID, &j.Progress, &j.CurrentStep,
		&j.OutputContent, &files, &params, &j.ErrorMessage,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	j.Status = model.JobStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return nil, fmt.Errorf("unmarshal job params: %w", err)
		}
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &j.Files); err != nil {
			return nil, fmt.Errorf("unmarshal job files: %w", err)
		}
	}
	return &j, nil
}

func marshalFiles(files []model.FileRef) ([]byte, error) {
	if len(files) == 0 {
		return nil, nil
	}
	return json.Marshal(files)
}
