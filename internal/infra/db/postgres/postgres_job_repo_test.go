//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"kb-research-agent/internal/domain"
	"kb-research-agent/internal/domain/model"
)

func TestResearchJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}

	ctx := context.Background()
	tm := NewTxManager(testPool)
	repo := NewResearchJobRepo(testPool, tm)

	newJob := func(t *testing.T) *model.ResearchJob {
		t.Helper()
		job := model.NewResearchJob(model.WorkflowParams{Question: "what is pgx?", KBName: "docs"})
		if err := repo.Save(ctx, nil, job); err != nil {
			t.Fatalf("failed to save job: %v", err)
		}
		return job
	}

	t.Run("should save and reload a job with params and files intact", func(t *testing.T) {
		cleanup(t)
		job := newJob(t)
		job.MarkProcessing()
		job.MarkCompleted("the answer", []model.FileRef{{Name: "report.csv", URL: "s3://bucket/report.csv", Size: 42}})
		if err := repo.Save(ctx, nil, job); err != nil {
			t.Fatalf("failed to update job: %v", err)
		}

		got, err := repo.FindByID(ctx, nil, job.ID)
		if err != nil {
			t.Fatalf("failed to reload job: %v", err)
		}
		if got.Status != model.JobStatusCompleted {
			t.Errorf("expected status 'completed', but got '%s'", got.Status)
		}
		if got.Params.Question != "what is pgx?" || got.Params.KBName != "docs" {
			t.Errorf("expected params to round-trip, but got %+v", got.Params)
		}
		if len(got.Files) != 1 || got.Files[0].Name != "report.csv" {
			t.Errorf("expected one file 'report.csv', but got %+v", got.Files)
		}
		if got.StartedAt == nil || got.CompletedAt == nil {
			t.Error("expected both timestamps to be set on a completed job")
		}
	})

	t.Run("should return ErrNotFound for a missing job", func(t *testing.T) {
		cleanup(t)
		_, err := repo.FindByID(ctx, nil, "00000000-0000-0000-0000-000000000000")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, but got %v", err)
		}
	})

	t.Run("should fetch and mark a pending job, skipping locked ones", func(t *testing.T) {
		cleanup(t)
		job1 := model.NewResearchJob(model.WorkflowParams{Question: "first", KBName: "docs"})
		job1.CreatedAt = time.Now().Add(-1 * time.Second)
		job2 := model.NewResearchJob(model.WorkflowParams{Question: "second", KBName: "docs"})
		if err := repo.Save(ctx, nil, job1); err != nil {
			t.Fatalf("failed to save job1: %v", err)
		}
		if err := repo.Save(ctx, nil, job2); err != nil {
			t.Fatalf("failed to save job2: %v", err)
		}

		// Lock job1 from a second transaction to simulate a concurrent worker.
		tx, err := testPool.Begin(ctx)
		if err != nil {
			t.Fatalf("failed to begin transaction: %v", err)
		}
		defer tx.Rollback(ctx)
		var lockedID string
		if err := tx.QueryRow(ctx, "SELECT id FROM research_jobs WHERE id = $1 FOR UPDATE", job1.ID).Scan(&lockedID); err != nil {
			t.Fatalf("failed to lock job1: %v", err)
		}

		fetched, err := repo.FetchAndMarkProcessing(ctx)
		if err != nil {
			t.Fatalf("FetchAndMarkProcessing failed: %v", err)
		}
		if fetched.ID != job2.ID {
			t.Errorf("expected to fetch job2, but got job with ID %s", fetched.ID)
		}
		if fetched.Status != model.JobStatusProcessing {
			t.Errorf("expected fetched job status to be 'processing', but got '%s'", fetched.Status)
		}
		if fetched.StartedAt == nil {
			t.Error("expected StartedAt to be set on the claimed job")
		}

		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("failed to commit locking transaction: %v", err)
		}

		fetched, err = repo.FetchAndMarkProcessing(ctx)
		if err != nil || fetched.ID != job1.ID {
			t.Fatalf("expected to fetch job1 on the second call, got job=%v err=%v", fetched, err)
		}

		if _, err = repo.FetchAndMarkProcessing(ctx); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound when no pending jobs remain, but got %v", err)
		}
	})

	t.Run("should claim a specific job exactly once", func(t *testing.T) {
		cleanup(t)
		job := newJob(t)

		claimed, err := repo.MarkProcessingByID(ctx, nil, job.ID)
		if err != nil {
			t.Fatalf("first claim failed: %v", err)
		}
		if claimed.Status != model.JobStatusProcessing {
			t.Errorf("expected claimed job to be processing, but got '%s'", claimed.Status)
		}

		if _, err := repo.MarkProcessingByID(ctx, nil, job.ID); !errors.Is(err, domain.ErrAlreadyClaimed) {
			t.Errorf("expected ErrAlreadyClaimed on second claim, but got %v", err)
		}

		claimed.MarkCompleted("done", nil)
		if err := repo.Save(ctx, nil, claimed); err != nil {
			t.Fatalf("failed to complete job: %v", err)
		}
		if _, err := repo.MarkProcessingByID(ctx, nil, job.ID); !errors.Is(err, domain.ErrJobTerminal) {
			t.Errorf("expected ErrJobTerminal on a finished job, but got %v", err)
		}
	})

	t.Run("FailIfStuck should only touch old processing rows", func(t *testing.T) {
		cleanup(t)
		job := newJob(t)
		if _, err := repo.MarkProcessingByID(ctx, nil, job.ID); err != nil {
			t.Fatalf("claim failed: %v", err)
		}

		// Fresh job: cutoff in the past must not match.
		ok, err := repo.FailIfStuck(ctx, nil, job.ID, time.Now().Add(-10*time.Minute), "stuck job auto-failed")
		if err != nil {
			t.Fatalf("FailIfStuck failed: %v", err)
		}
		if ok {
			t.Error("expected a fresh processing job to survive the stuck check")
		}

		// Backdate started_at, then the same check must fire.
		if _, err := testPool.Exec(ctx, "UPDATE research_jobs SET started_at = NOW() - INTERVAL '1 hour' WHERE id = $1", job.ID); err != nil {
			t.Fatalf("failed to backdate job: %v", err)
		}
		ok, err = repo.FailIfStuck(ctx, nil, job.ID, time.Now().Add(-10*time.Minute), "stuck job auto-failed")
		if err != nil {
			t.Fatalf("FailIfStuck failed: %v", err)
		}
		if !ok {
			t.Fatal("expected the backdated job to be auto-failed")
		}

		got, err := repo.FindByID(ctx, nil, job.ID)
		if err != nil {
			t.Fatalf("failed to reload job: %v", err)
		}
		if got.Status != model.JobStatusFailed {
			t.Errorf("expected status 'failed', but got '%s'", got.Status)
		}
		if got.ErrorMessage != "stuck job auto-failed" {
			t.Errorf("expected the stuck error message, but got %q", got.ErrorMessage)
		}
		if got.CompletedAt == nil {
			t.Error("expected CompletedAt to be set on the auto-failed job")
		}

		// A second attempt must not touch the now-failed row.
		ok, err = repo.FailIfStuck(ctx, nil, job.ID, time.Now(), "stuck job auto-failed")
		if err != nil {
			t.Fatalf("FailIfStuck failed: %v", err)
		}
		if ok {
			t.Error("expected a terminal job to be immune to the stuck check")
		}
	})

	t.Run("retention delete should key on the terminal timestamp", func(t *testing.T) {
		cleanup(t)
		oldCompleted := newJob(t)
		oldCompleted.MarkProcessing()
		oldCompleted.MarkCompleted("old", nil)
		if err := repo.Save(ctx, nil, oldCompleted); err != nil {
			t.Fatalf("failed to save old completed job: %v", err)
		}
		oldProcessing := newJob(t)
		if _, err := repo.MarkProcessingByID(ctx, nil, oldProcessing.ID); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		freshCompleted := newJob(t)
		freshCompleted.MarkProcessing()
		freshCompleted.MarkCompleted("fresh", nil)
		if err := repo.Save(ctx, nil, freshCompleted); err != nil {
			t.Fatalf("failed to save fresh completed job: %v", err)
		}
		freshPending := newJob(t)

		// Age the completed row past the cutoff. The processing row is aged on
		// created_at and started_at only, which must not make it eligible.
		if _, err := testPool.Exec(ctx, "UPDATE research_jobs SET completed_at = NOW() - INTERVAL '30 days' WHERE id = $1", oldCompleted.ID); err != nil {
			t.Fatalf("failed to age completed job: %v", err)
		}
		if _, err := testPool.Exec(ctx, "UPDATE research_jobs SET created_at = NOW() - INTERVAL '30 days', started_at = NOW() - INTERVAL '30 days' WHERE id = $1", oldProcessing.ID); err != nil {
			t.Fatalf("failed to age processing job: %v", err)
		}

		deleted, err := repo.DeleteTerminalBefore(ctx, time.Now().AddDate(0, 0, -7))
		if err != nil {
			t.Fatalf("DeleteTerminalBefore failed: %v", err)
		}
		if deleted != 1 {
			t.Errorf("expected exactly 1 deleted job, but got %d", deleted)
		}
		if _, err := repo.FindByID(ctx, nil, oldCompleted.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected the old completed job to be gone, but got %v", err)
		}
		if _, err := repo.FindByID(ctx, nil, oldProcessing.ID); err != nil {
			t.Errorf("expected the old processing job to survive, but got %v", err)
		}
		if _, err := repo.FindByID(ctx, nil, freshCompleted.ID); err != nil {
			t.Errorf("expected the freshly completed job to survive, but got %v", err)
		}
		if _, err := repo.FindByID(ctx, nil, freshPending.ID); err != nil {
			t.Errorf("expected the fresh pending job to survive, but got %v", err)
		}
	})

	t.Run("CountByStatus should reflect the table", func(t *testing.T) {
		cleanup(t)
		newJob(t)
		newJob(t)
		done := newJob(t)
		done.MarkProcessing()
		done.MarkFailed("x")
		if err := repo.Save(ctx, nil, done); err != nil {
			t.Fatalf("failed to save failed job: %v", err)
		}

		counts, err := repo.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("CountByStatus failed: %v", err)
		}
		if counts[model.JobStatusPending] != 2 {
			t.Errorf("expected 2 pending jobs, but got %d", counts[model.JobStatusPending])
		}
		if counts[model.JobStatusFailed] != 1 {
			t.Errorf("expected 1 failed job, but got %d", counts[model.JobStatusFailed])
		}
	})
}
