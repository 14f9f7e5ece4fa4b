package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"kb-research-agent/internal/config"
	"kb-research-agent/internal/domain/model"
	aiAdapters "kb-research-agent/internal/infra/adapters/ai"
	toolAdapters "kb-research-agent/internal/infra/adapters/tools"
	pg "kb-research-agent/internal/infra/db/postgres"
	"kb-research-agent/internal/infra/i18n"
	"kb-research-agent/internal/infra/logging"
	red "kb-research-agent/internal/infra/redis"
	"kb-research-agent/internal/usecase"
)

// Runs one research job end to end against a real database, with the AI and
// tool calls stubbed out. Useful for checking the persistence plumbing without
// any API keys.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New(cfg.Log, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 5)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer pool.Close()

	tm := pg.NewTxManager(pool)
	jobRepo := pg.NewResearchJobRepo(pool, tm)
	sessionRepo := pg.NewSessionRepo(pool)

	bundle, err := i18n.NewBundle(i18n.LocalesFS, "en", "en", "es")
	if err != nil {
		log.Fatalf("i18n error: %v", err)
	}

	workflow := usecase.NewWorkflowUseCase(
		sessionRepo,
		aiAdapters.NewNoopAIAdapter(),
		toolAdapters.NoopKnowledgeSearcher{},
		toolAdapters.NoopWebSearcher{},
		toolAdapters.NoopCodeRunner{},
		red.NewLocalLocker(),
		bundle,
		cfg,
		logger,
	)
	queue := usecase.NewQueueUseCase(jobRepo, workflow, nil, nil, nil, nil, cfg, logger)
	history := usecase.NewHistoryUseCase(sessionRepo, jobRepo, logger)

	// Enqueue, then claim and execute in this process.
	job, err := queue.Enqueue(ctx, model.WorkflowParams{
		Question:  "What does this pipeline do with a question?",
		KBName:    "demo-kb",
		AgentType: "research",
		UserID:    "demo-user",
		Locale:    "en",
	})
	if err != nil {
		log.Fatalf("enqueue error: %v", err)
	}
	fmt.Printf("Enqueued job %s\n", job.ID)

	found, err := queue.DispatchNext(ctx)
	if err != nil {
		log.Fatalf("dispatch error (found=%v): %v", found, err)
	}
	if !found {
		log.Fatalf("no pending job found, was the queue drained by another instance?")
	}

	done, err := queue.GetJobWithCleanup(ctx, job.ID)
	if err != nil {
		log.Fatalf("poll error: %v", err)
	}
	fmt.Printf("Job %s finished: status=%s progress=%d\n", done.ID, done.Status, done.Progress)
	fmt.Printf("Answer:\n%s\n\n", done.OutputContent)

	msgs, err := history.Transcript(ctx, done.SessionID)
	if err != nil {
		log.Fatalf("transcript error: %v", err)
	}
	fmt.Printf("Transcript for session %s:\n", done.SessionID)
	for _, m := range msgs {
		fmt.Printf("  [%s] %s\n", m.Role, m.Content)
	}
}
