// File: cmd/app/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kb-research-agent/internal/config"
	"kb-research-agent/internal/domain/ports/adapter"
	aiAdapters "kb-research-agent/internal/infra/adapters/ai"
	toolAdapters "kb-research-agent/internal/infra/adapters/tools"
	"kb-research-agent/internal/infra/api"
	pg "kb-research-agent/internal/infra/db/postgres"
	"kb-research-agent/internal/infra/i18n"
	"kb-research-agent/internal/infra/logging"
	"kb-research-agent/internal/infra/metrics"
	red "kb-research-agent/internal/infra/redis"
	"kb-research-agent/internal/infra/sched"
	"kb-research-agent/internal/infra/worker"
	"kb-research-agent/internal/usecase"
)

// Set via -ldflags on release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("dev mode enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	dbPool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer dbPool.Close()
	pg.StartPoolMetrics(ctx, dbPool, 15*time.Second)

	// ---- Redis (optional in dev) ----
	var (
		locker   red.Locker
		jobCache *red.JobCache
		limiter  *red.RateLimiter
	)
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		locker = red.NewLocker(redisClient)
		jobCache = red.NewJobCache(redisClient, cfg.Redis.TTL)
		limiter = red.NewRateLimiter(redisClient)
	} else {
		logger.Warn().Msg("redis not configured; in-process locking only, job cache and rate limiting disabled")
		locker = red.NewLocalLocker()
	}

	// ---- Repositories ----
	tm := pg.NewTxManager(dbPool)
	jobRepo := pg.NewResearchJobRepo(dbPool, tm)
	sessionRepo := pg.NewSessionRepo(dbPool)

	// ---- AI providers ----
	providers := map[string]adapter.AIServiceAdapter{}
	defaultProvider := ""
	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.DefaultModel)
		if err != nil {
			log.Fatalf("openai adapter: %v", err)
		}
		providers["openai"] = oa
		defaultProvider = "openai"
		logger.Info().Str("model", cfg.AI.DefaultModel).Msg("AI provider: OpenAI")
	}
	if cfg.AI.GeminiKey != "" {
		gm, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiBaseURL, cfg.AI.DefaultModel, 0)
		if err != nil {
			log.Fatalf("gemini adapter: %v", err)
		}
		providers["gemini"] = gm
		if defaultProvider == "" {
			defaultProvider = "gemini"
		}
		logger.Info().Str("model", cfg.AI.DefaultModel).Msg("AI provider: Gemini")
	}
	var ai adapter.AIServiceAdapter
	switch {
	case len(providers) > 0:
		ai = aiAdapters.NewMultiAIAdapter(defaultProvider, providers, nil)
	case cfg.Runtime.Dev:
		logger.Warn().Msg("no AI provider configured; using canned responses")
		ai = aiAdapters.NewNoopAIAdapter()
	default:
		log.Fatalf("no AI provider configured: set ai.openai_key or ai.gemini_key")
	}
	if cfg.AI.ConcurrentLimit > 0 {
		ai = aiAdapters.NewLimitedAI(ai, cfg.AI.ConcurrentLimit)
	}

	// ---- Tool adapters ----
	// The workflow needs every tool wired; unconfigured endpoints get stubs in
	// dev and erroring placeholders otherwise, which runs record as skips.
	var rag adapter.KnowledgeSearcher
	if cfg.Tools.RAG.BaseURL != "" {
		rag, err = toolAdapters.NewRAGSearchAdapter(cfg.Tools.RAG)
		if err != nil {
			log.Fatalf("rag adapter: %v", err)
		}
	} else if cfg.Runtime.Dev {
		rag = toolAdapters.NoopKnowledgeSearcher{}
	} else {
		logger.Warn().Msg("tools.rag.base_url not set; knowledge search disabled")
		rag = toolAdapters.DisabledKnowledgeSearcher{}
	}
	var web adapter.WebSearcher
	if cfg.Tools.Web.BaseURL != "" {
		web, err = toolAdapters.NewWebSearchAdapter(cfg.Tools.Web)
		if err != nil {
			log.Fatalf("web search adapter: %v", err)
		}
	} else if cfg.Runtime.Dev {
		web = toolAdapters.NoopWebSearcher{}
	} else {
		logger.Warn().Msg("tools.web.base_url not set; web search disabled")
		web = toolAdapters.DisabledWebSearcher{}
	}
	var code adapter.CodeRunner
	if cfg.Tools.Code.BaseURL != "" {
		code, err = toolAdapters.NewCodeSandboxAdapter(cfg.Tools.Code)
		if err != nil {
			log.Fatalf("code sandbox adapter: %v", err)
		}
	} else if cfg.Runtime.Dev {
		code = toolAdapters.NoopCodeRunner{}
	} else {
		logger.Warn().Msg("tools.code.base_url not set; code execution disabled")
		code = toolAdapters.DisabledCodeRunner{}
	}

	// ---- i18n ----
	bundle, err := i18n.NewBundle(i18n.LocalesFS, "en", "en", "es")
	if err != nil {
		log.Fatalf("i18n: %v", err)
	}

	// ---- Use cases ----
	workflowUC := usecase.NewWorkflowUseCase(sessionRepo, ai, rag, web, code, locker, bundle, cfg, logger)
	hub := api.NewHub(logger)
	taskPool := worker.NewPool(cfg.Queue.Workers, logger)
	taskPool.Start(ctx)
	queueUC := usecase.NewQueueUseCase(jobRepo, workflowUC, jobCache, limiter, taskPool, hub, cfg, logger)
	historyUC := usecase.NewHistoryUseCase(sessionRepo, jobRepo, logger)

	// ---- Pending-job runner ----
	if cfg.Queue.RunnerEnabled {
		runner := worker.NewJobRunner(queueUC, cfg.Queue.PollInterval, logger)
		go runner.Start(ctx, taskPool)
	}

	// ---- Cleanup worker ----
	cleanup := sched.NewCleanupWorker(cfg.Queue.CleanupCron, queueUC, logger)
	go func() { _ = cleanup.Run(ctx) }()

	// ---- HTTP API ----
	srv := api.NewServer(queueUC, historyUC, hub, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	cancel()
	taskPool.Stop()
}
