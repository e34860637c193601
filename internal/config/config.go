// Package config loads and validates surfer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (SURFER_LLM_PROVIDER, ...).
const EnvPrefix = "SURFER"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	LLM         LLMConfig         `mapstructure:"llm"`
	Chunking    ChunkingConfig    `mapstructure:"chunking"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Evaluation  EvaluationConfig  `mapstructure:"evaluation"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Results     ResultsConfig     `mapstructure:"results"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Prompts     map[string]string `mapstructure:"prompts"`
	TargetSites []string          `mapstructure:"target_sites"`
	DomainTerms []string          `mapstructure:"domain_terms"`
}

// LLMConfig selects the provider and the resilience knobs of the call gateway.
type LLMConfig struct {
	Provider           string        `mapstructure:"provider"`
	BaseURL            string        `mapstructure:"base_url"`
	APIKeyEnv          string        `mapstructure:"api_key_env"`
	Models             ModelsConfig  `mapstructure:"models"`
	ContextBudget      int           `mapstructure:"context_budget"`
	Tokenizer          string        `mapstructure:"tokenizer"`
	TimeoutSeconds     int           `mapstructure:"timeout_seconds"`
	FastTimeoutSeconds int           `mapstructure:"fast_timeout_seconds"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RequestsPerMinute  float64       `mapstructure:"requests_per_minute"`
	Breaker            BreakerConfig `mapstructure:"breaker"`
}

// ModelsConfig maps cost tiers to model identifiers.
type ModelsConfig struct {
	Fast     string `mapstructure:"fast"`
	Standard string `mapstructure:"standard"`
	Advanced string `mapstructure:"advanced"`
}

// BreakerConfig tunes the circuit breaker in front of the LLM service.
type BreakerConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	FailureRatio float64 `mapstructure:"failure_ratio"`
	MinRequests  uint32  `mapstructure:"min_requests"`
	OpenSeconds  int     `mapstructure:"open_seconds"`
}

// ChunkingConfig controls the memory-folding engine.
type ChunkingConfig struct {
	SafetyBuffer    int `mapstructure:"safety_buffer"`
	MaxDepth        int `mapstructure:"max_depth"`
	MaxChunkRetries int `mapstructure:"max_chunk_retries"`
}

// SchedulerConfig holds the exploration limits of one session.
type SchedulerConfig struct {
	ExplorationRate       float64 `mapstructure:"exploration_rate"`
	SatisfactionThreshold int     `mapstructure:"satisfaction_threshold"`
	MaxVisits             int     `mapstructure:"max_visits"`
	MaxJobsPerSite        int     `mapstructure:"max_jobs_per_site"`
	MaxTotalJobsExplored  int     `mapstructure:"max_total_jobs_explored"`
	Seed                  int64   `mapstructure:"seed"`
}

// EvaluationConfig governs relevance decisions and portal fan-out.
type EvaluationConfig struct {
	RelevanceThreshold int `mapstructure:"relevance_threshold"`
	MaxURLDuplicates   int `mapstructure:"max_url_duplicates"`
	FanoutParallelism  int `mapstructure:"fanout_parallelism"`
	MaxPortalDepth     int `mapstructure:"max_portal_depth"`
}

// FetcherConfig configures the content fetcher.
type FetcherConfig struct {
	UserAgent         string         `mapstructure:"user_agent"`
	TimeoutSeconds    int            `mapstructure:"timeout_seconds"`
	MaxRetries        int            `mapstructure:"max_retries"`
	RespectRobots     bool           `mapstructure:"respect_robots"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second"`
	Burst             int            `mapstructure:"burst"`
	MinWords          int            `mapstructure:"min_words"`
	MaxLinkDensity    float64        `mapstructure:"max_link_density"`
	BlockedDomains    []string       `mapstructure:"blocked_domains"`
	Headless          HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
	MaxPerDomain    int  `mapstructure:"max_per_domain"`
	SettleMillis    int  `mapstructure:"settle_millis"`
}

// MemoryConfig points at the persisted memory document.
type MemoryConfig struct {
	File             string  `mapstructure:"file"`
	SuccessSmoothing float64 `mapstructure:"success_smoothing"`
}

// ResultsConfig sets where result artifacts are written. A bucket wins over Dir.
type ResultsConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig enables the optional Postgres mirror of found jobs.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig enables found-job notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the optional status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith builds a Config on a caller-supplied viper instance, so CLI flags
// bound to v take precedence over the file and the environment.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("llm.models.fast", "gpt-4o-mini")
	v.SetDefault("llm.models.standard", "gpt-4o")
	v.SetDefault("llm.models.advanced", "gpt-4o")
	v.SetDefault("llm.context_budget", 128000)
	v.SetDefault("llm.tokenizer", "cl100k_base")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.fast_timeout_seconds", 20)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.breaker.enabled", true)
	v.SetDefault("llm.breaker.failure_ratio", 0.8)
	v.SetDefault("llm.breaker.min_requests", 5)
	v.SetDefault("llm.breaker.open_seconds", 60)
	v.SetDefault("chunking.safety_buffer", 2500)
	v.SetDefault("chunking.max_depth", 4)
	v.SetDefault("chunking.max_chunk_retries", 3)
	v.SetDefault("scheduler.exploration_rate", 0.3)
	v.SetDefault("scheduler.satisfaction_threshold", 10)
	v.SetDefault("scheduler.max_visits", 20)
	v.SetDefault("scheduler.max_jobs_per_site", 5)
	v.SetDefault("scheduler.max_total_jobs_explored", 15)
	v.SetDefault("scheduler.seed", 0)
	v.SetDefault("evaluation.relevance_threshold", 3)
	v.SetDefault("evaluation.max_url_duplicates", 3)
	v.SetDefault("evaluation.fanout_parallelism", 1)
	v.SetDefault("evaluation.max_portal_depth", 2)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("fetcher.timeout_seconds", 20)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.requests_per_second", 1)
	v.SetDefault("fetcher.burst", 1)
	v.SetDefault("fetcher.min_words", 80)
	v.SetDefault("fetcher.max_link_density", 0.75)
	v.SetDefault("fetcher.headless.enabled", false)
	v.SetDefault("fetcher.headless.max_parallel", 1)
	v.SetDefault("fetcher.headless.nav_timeout_seconds", 25)
	v.SetDefault("fetcher.headless.promotion_threshold", 2048)
	v.SetDefault("fetcher.headless.max_per_domain", 10)
	v.SetDefault("fetcher.headless.settle_millis", 2000)
	v.SetDefault("memory.file", "agent_memory.json")
	v.SetDefault("memory.success_smoothing", 0.5)
	v.SetDefault("results.dir", "results")
	v.SetDefault("results.prefix", "")
	v.SetDefault("db.table", "found_jobs")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("llm.provider must be openai or gemini, got %q", c.LLM.Provider)
	}
	if c.LLM.Models.Fast == "" || c.LLM.Models.Advanced == "" {
		return fmt.Errorf("llm.models.fast and llm.models.advanced must be set")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("llm.timeout_seconds must be > 0")
	}
	if c.LLM.MaxAttempts <= 0 {
		return fmt.Errorf("llm.max_attempts must be > 0")
	}
	if c.LLM.ContextBudget <= c.Chunking.SafetyBuffer {
		return fmt.Errorf("llm.context_budget must exceed chunking.safety_buffer")
	}
	if c.Chunking.SafetyBuffer < 0 {
		return fmt.Errorf("chunking.safety_buffer must be >= 0")
	}
	if c.Chunking.MaxDepth <= 0 {
		return fmt.Errorf("chunking.max_depth must be > 0")
	}
	if c.Scheduler.ExplorationRate < 0 || c.Scheduler.ExplorationRate > 1 {
		return fmt.Errorf("scheduler.exploration_rate must be within [0,1]")
	}
	if c.Scheduler.SatisfactionThreshold <= 0 {
		return fmt.Errorf("scheduler.satisfaction_threshold must be > 0")
	}
	if c.Scheduler.MaxVisits <= 0 {
		return fmt.Errorf("scheduler.max_visits must be > 0")
	}
	if c.Scheduler.MaxJobsPerSite < 0 || c.Scheduler.MaxTotalJobsExplored < 0 {
		return fmt.Errorf("scheduler job quotas must be >= 0")
	}
	if c.Evaluation.RelevanceThreshold < 0 || c.Evaluation.RelevanceThreshold > 5 {
		return fmt.Errorf("evaluation.relevance_threshold must be within [0,5]")
	}
	if c.Evaluation.MaxURLDuplicates <= 0 {
		return fmt.Errorf("evaluation.max_url_duplicates must be > 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Fetcher.Headless.Enabled && c.Fetcher.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetcher.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Memory.File == "" {
		return fmt.Errorf("memory.file must be set")
	}
	if c.Memory.SuccessSmoothing <= 0 || c.Memory.SuccessSmoothing > 1 {
		return fmt.Errorf("memory.success_smoothing must be within (0,1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// Prompt returns the configured template for name, or fallback when unset.
func (c Config) Prompt(name, fallback string) string {
	if p := strings.TrimSpace(c.Prompts[name]); p != "" {
		return p
	}
	return fallback
}

// CallTimeout is the per-attempt deadline for standard and advanced model calls.
func (c LLMConfig) CallTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// FastCallTimeout is the per-attempt deadline for the fast model.
func (c LLMConfig) FastCallTimeout() time.Duration {
	if c.FastTimeoutSeconds <= 0 {
		return c.CallTimeout()
	}
	return time.Duration(c.FastTimeoutSeconds) * time.Second
}

// FetchTimeout converts the fetcher timeout into a duration.
func (c FetcherConfig) FetchTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
