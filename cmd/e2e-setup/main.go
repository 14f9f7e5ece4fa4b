package main

import (
	"context"
	"log"
	"time"

	"kb-research-agent/internal/config"
	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/infra/db/postgres"
	"kb-research-agent/internal/infra/redis"

	"github.com/jackc/pgx/v4/pgxpool"
)

// This script is for setting up a clean, predictable database state
// for manual end-to-end testing.
func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	// --- Connect to Postgres ---
	pool, err := postgres.NewPgxPool(ctx, cfg.Database.URL, 5)
	if err != nil {
		log.Fatalf("postgres connection failed: %v", err)
	}
	defer pool.Close()

	log.Println("--- Starting E2E Environment Setup ---")

	// 1. Clean the Redis cache to remove any stale data.
	if cfg.Redis.URL != "" {
		log.Println("[1/4] Wiping Redis cache...")
		redisClient, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()
		if err := redisClient.FlushDB(ctx); err != nil {
			log.Fatalf("failed to flush redis: %v", err)
		}
	} else {
		log.Println("[1/4] Redis not configured, skipping cache wipe")
	}

	// 2. Clean the database completely.
	log.Println("[2/4] Wiping all existing database data...")
	_, err = pool.Exec(ctx, `
		TRUNCATE
			research_jobs, agent_steps, agent_sessions
		RESTART IDENTITY CASCADE;
	`)
	if err != nil {
		log.Fatalf("failed to truncate tables: %v", err)
	}

	// 3. Seed a conversation that ran to completion.
	log.Println("[3/4] Seeding an answered conversation...")
	seedAnsweredConversation(ctx, pool)

	// 4. Seed the recovery scenarios the admin endpoints act on.
	log.Println("[4/4] Seeding recovery fixtures (lost turn, stale job)...")
	seedRecoveryFixtures(ctx, pool)

	log.Println("--- E2E Environment Setup Complete ---")
}

// seedAnsweredConversation leaves behind one session with a full step trail
// and its completed job, so the poll, transcript and session-list endpoints
// all return data out of the box.
func seedAnsweredConversation(ctx context.Context, pool *pgxpool.Pool) {
	sessions := postgres.NewSessionRepo(pool)
	jobs := postgres.NewResearchJobRepo(pool, postgres.NewTxManager(pool))

	question := "What does the retention sweep delete?"
	answer := "Terminal jobs older than the retention window are deleted; stuck ones are failed first [1]."

	sess := model.NewAgentSession("e2e-user", "product-docs", "research", map[string]string{
		"question": question,
		"locale":   "en",
	})
	if err := sessions.Save(ctx, nil, sess); err != nil {
		log.Printf("failed to save session: %v", err)
		return
	}

	var ledger model.CitationList
	cit := ledger.Add(model.Citation{
		Type:    "rag",
		Source:  "Retention policy",
		Content: "Old terminal jobs are removed on a schedule.",
		URL:     "kb://product-docs/retention",
	})

	steps := []*model.AgentStep{
		model.NewMessageStep(sess.ID, model.Message{Role: "user", Content: question}),
		model.NewAgentStep(sess.ID, model.StepTypeInvestigate, model.StepData{Investigate: &model.InvestigatePayload{
			Plan: model.Plan{Understanding: "Lookup of the cleanup behavior.", RequiredTools: []string{"rag"}},
		}}),
		model.NewAgentStep(sess.ID, model.StepTypeExecuteTools, model.StepData{ExecuteTools: &model.ExecuteToolsPayload{
			Question:  question,
			Context:   "[1] " + cit.Content,
			ToolsRun:  []model.ToolRun{{Tool: "rag", OK: true, Results: 1}},
			Citations: ledger,
		}}),
		model.NewAgentStep(sess.ID, model.StepTypeFinalAnswer, model.StepData{FinalAnswer: &model.FinalAnswerPayload{
			Answer:    answer,
			Citations: ledger,
		}}),
		model.NewMessageStep(sess.ID, model.Message{Role: "assistant", Content: answer, Agent: "research"}),
	}
	for _, step := range steps {
		if err := sessions.AppendStep(ctx, nil, step); err != nil {
			log.Printf("failed to append %s step: %v", step.Type, err)
		}
	}
	if err := sessions.UpdateStatus(ctx, nil, sess.ID, model.SessionStatusCompleted); err != nil {
		log.Printf("failed to complete session: %v", err)
	}

	job := model.NewResearchJob(model.WorkflowParams{
		Question: question, KBName: "product-docs", AgentType: "research", UserID: "e2e-user", Locale: "en",
	})
	job.SessionID = sess.ID
	job.MarkProcessing()
	job.MarkCompleted(answer, nil)
	if err := jobs.Save(ctx, nil, job); err != nil {
		log.Printf("failed to save completed job: %v", err)
	}
	log.Printf("answered conversation: session=%s job=%s", sess.ID, job.ID)
}

// seedRecoveryFixtures creates the two states the recovery paths exist for:
// a completed job whose assistant turn never made it into the step log, and
// a processing job whose worker died hours ago.
func seedRecoveryFixtures(ctx context.Context, pool *pgxpool.Pool) {
	sessions := postgres.NewSessionRepo(pool)
	jobs := postgres.NewResearchJobRepo(pool, postgres.NewTxManager(pool))

	// Lost assistant turn: the transcript endpoint should synthesize it from
	// the job output.
	lostQ := "Which tools can a plan request?"
	lost := model.NewAgentSession("e2e-user", "product-docs", "research", map[string]string{
		"question": lostQ,
		"locale":   "en",
	})
	if err := sessions.Save(ctx, nil, lost); err != nil {
		log.Printf("failed to save lost-turn session: %v", err)
		return
	}
	if err := sessions.AppendStep(ctx, nil, model.NewMessageStep(lost.ID, model.Message{Role: "user", Content: lostQ})); err != nil {
		log.Printf("failed to append lost-turn question: %v", err)
	}
	lostJob := model.NewResearchJob(model.WorkflowParams{
		Question: lostQ, KBName: "product-docs", AgentType: "research", UserID: "e2e-user", Locale: "en",
	})
	lostJob.SessionID = lost.ID
	lostJob.MarkProcessing()
	lostJob.MarkCompleted("Plans may request rag, web and code tools.", nil)
	if err := jobs.Save(ctx, nil, lostJob); err != nil {
		log.Printf("failed to save lost-turn job: %v", err)
	}
	log.Printf("lost assistant turn: session=%s job=%s", lost.ID, lostJob.ID)

	// Stale processing job: both the poll endpoint and the cleanup sweep
	// should fail it once it passes the stuck threshold.
	staleQ := "How are stuck jobs detected?"
	stale := model.NewAgentSession("e2e-user", "product-docs", "research", map[string]string{
		"question": staleQ,
		"locale":   "en",
	})
	if err := sessions.Save(ctx, nil, stale); err != nil {
		log.Printf("failed to save stale session: %v", err)
		return
	}
	if err := sessions.AppendStep(ctx, nil, model.NewMessageStep(stale.ID, model.Message{Role: "user", Content: staleQ})); err != nil {
		log.Printf("failed to append stale question: %v", err)
	}
	staleJob := model.NewResearchJob(model.WorkflowParams{
		Question: staleQ, KBName: "product-docs", AgentType: "research", UserID: "e2e-user", Locale: "en",
	})
	staleJob.SessionID = stale.ID
	staleJob.MarkProcessing()
	past := time.Now().Add(-2 * time.Hour)
	staleJob.StartedAt = &past
	if err := jobs.Save(ctx, nil, staleJob); err != nil {
		log.Printf("failed to save stale job: %v", err)
	}
	log.Printf("stale processing job: session=%s job=%s started_at=%s", stale.ID, staleJob.ID, past.Format(time.RFC3339))
}
