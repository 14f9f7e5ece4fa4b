// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	APIKey         string        `yaml:"api_key"` // admin bearer token; empty keeps the admin surface locked
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type QueueConfig struct {
	Workers          int           `yaml:"workers"`        // async execution pool size
	RunnerEnabled    bool          `yaml:"runner_enabled"` // poll for pending jobs left behind
	PollInterval     time.Duration `yaml:"poll_interval"`  // pending-job poll cadence
	StuckAfter       time.Duration `yaml:"stuck_after"`    // processing older than this is stuck
	RetentionDays    int           `yaml:"retention_days"` // terminal jobs kept this long
	CleanupCron      string        `yaml:"cleanup_cron"`
	SubmitRateLimit  int           `yaml:"submit_rate_limit"` // enqueues per user per window
	SubmitRateWindow time.Duration `yaml:"submit_rate_window"`
}

type AIConfig struct {
	OpenAIKey        string `yaml:"openai_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	GeminiKey        string `yaml:"gemini_key"`
	GeminiBaseURL    string `yaml:"gemini_url"`
	DefaultModel     string `yaml:"default_model"`
	PlannerModel     string `yaml:"planner_model"`    // defaults to default_model
	ConcurrentLimit  int    `yaml:"concurrent_limit"` // max concurrent AI calls
	MaxContextTokens int    `yaml:"max_context_tokens"`
}

type ToolEndpoint struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	TopK    int           `yaml:"top_k"`
	Timeout time.Duration `yaml:"timeout"`
}

type ToolsConfig struct {
	RAG  ToolEndpoint `yaml:"rag"`
	Web  ToolEndpoint `yaml:"web"`
	Code ToolEndpoint `yaml:"code"`
}

type AgentConfig struct {
	DefaultAgentType   string `yaml:"default_agent_type"`
	MaxHistoryMessages int    `yaml:"max_history_messages"`
	DefaultLocale      string `yaml:"default_locale"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	AI       AIConfig       `yaml:"ai"`
	Tools    ToolsConfig    `yaml:"tools"`
	Agent    AgentConfig    `yaml:"agent"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig() (*Config, error) {
	var configPath string = ""
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()

	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	cfg.Runtime.Dev = dev

	// Minimal validation. Dev runs may skip Redis; the app falls back to
	// in-process locking and loses the cache and rate limiter.
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" && !cfg.Runtime.Dev {
		return nil, errors.New("redis.url is required")
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = 2 * time.Second
	}
	if cfg.Queue.StuckAfter <= 0 {
		cfg.Queue.StuckAfter = 10 * time.Minute
	}
	if cfg.Queue.RetentionDays <= 0 {
		cfg.Queue.RetentionDays = 7
	}
	if cfg.Queue.CleanupCron == "" {
		cfg.Queue.CleanupCron = "*/5 * * * *"
	}
	if cfg.Queue.SubmitRateLimit <= 0 {
		cfg.Queue.SubmitRateLimit = 6
	}
	if cfg.Queue.SubmitRateWindow <= 0 {
		cfg.Queue.SubmitRateWindow = time.Minute
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AI.PlannerModel == "" {
		cfg.AI.PlannerModel = cfg.AI.DefaultModel
	}
	if cfg.AI.MaxContextTokens <= 0 {
		cfg.AI.MaxContextTokens = 16000
	}
	if cfg.Tools.RAG.TopK <= 0 {
		cfg.Tools.RAG.TopK = 5
	}
	if cfg.Tools.Web.TopK <= 0 {
		cfg.Tools.Web.TopK = 5
	}
	if cfg.Tools.RAG.Timeout <= 0 {
		cfg.Tools.RAG.Timeout = 15 * time.Second
	}
	if cfg.Tools.Web.Timeout <= 0 {
		cfg.Tools.Web.Timeout = 15 * time.Second
	}
	if cfg.Tools.Code.Timeout <= 0 {
		cfg.Tools.Code.Timeout = 60 * time.Second
	}
	if cfg.Agent.DefaultAgentType == "" {
		cfg.Agent.DefaultAgentType = "research"
	}
	if cfg.Agent.MaxHistoryMessages <= 0 {
		cfg.Agent.MaxHistoryMessages = 20
	}
	if cfg.Agent.DefaultLocale == "" {
		cfg.Agent.DefaultLocale = "en"
	}
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
