package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/Galdaer/portfolio-sub000/medcore"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Reasoning    ReasoningConfig    `mapstructure:"reasoning"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Session      SessionConfig      `mapstructure:"session"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig is the caller-visible tuning surface of a turn.
type OrchestratorConfig struct {
	GlobalDeadlineMs   int     `mapstructure:"global_deadline_ms"`   // whole-turn budget
	PerAgentTimeoutMs  int     `mapstructure:"per_agent_timeout_ms"` // per-task cap inside the global budget
	ReasoningStrategy  string  `mapstructure:"reasoning_strategy"`   // "chain", "tree", "auto"
	TreeDepth          int     `mapstructure:"tree_depth"`
	TreeBranching      int     `mapstructure:"tree_branching"`
	CacheTTLS          int     `mapstructure:"cache_ttl_s"`
	SessionIdleTTLS    int     `mapstructure:"session_idle_ttl_s"`
	DeadlineReservePct float64 `mapstructure:"deadline_reserve_pct"` // share of the global budget kept for reasoning + persistence
	PersistTimeoutMs   int     `mapstructure:"persist_timeout_ms"`
	ReviewThreshold    float64 `mapstructure:"review_threshold"` // answers below this confidence require review
	FailurePenalty     float64 `mapstructure:"failure_penalty"`  // confidence reduction at 100% agent failure
}

func (c OrchestratorConfig) GlobalDeadline() time.Duration {
	return time.Duration(c.GlobalDeadlineMs) * time.Millisecond
}

func (c OrchestratorConfig) PerAgentTimeout() time.Duration {
	return time.Duration(c.PerAgentTimeoutMs) * time.Millisecond
}

func (c OrchestratorConfig) PersistTimeout() time.Duration {
	return time.Duration(c.PersistTimeoutMs) * time.Millisecond
}

func (c OrchestratorConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLS) * time.Second
}

func (c OrchestratorConfig) SessionIdleTTL() time.Duration {
	return time.Duration(c.SessionIdleTTLS) * time.Second
}

// ReasoningConfig tunes the chain and tree processors.
type ReasoningConfig struct {
	BeamWidth         int     `mapstructure:"beam_width"` // <= orchestrator.tree_branching
	MinViability      float64 `mapstructure:"min_viability"`
	ConfidenceWeight  float64 `mapstructure:"confidence_weight"`
	EvidenceWeight    float64 `mapstructure:"evidence_weight"`
	RiskWeight        float64 `mapstructure:"risk_weight"`
	HighRiskThreshold float64 `mapstructure:"high_risk_threshold"`
}

// CacheConfig selects the knowledge cache backend.
type CacheConfig struct {
	Backend        string `mapstructure:"backend"` // "memory", "redis", "none"
	Capacity       int    `mapstructure:"capacity"`
	SweepIntervalS int    `mapstructure:"sweep_interval_s"`
}

// SessionConfig selects the fast tier and append lock striping.
type SessionConfig struct {
	FastBackend string `mapstructure:"fast_backend"` // "memory", "redis"
	LockStripes int    `mapstructure:"lock_stripes"`
}

// DatabaseConfig stores durable tier connection details.
type DatabaseConfig struct {
	Type           string `mapstructure:"type"` // "libsql", "postgres"
	DSN            string `mapstructure:"dsn"`  // file path for libsql, URL for postgres
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	ConnMaxIdleSec int    `mapstructure:"conn_max_idle_sec"`
	ConnMaxLifeSec int    `mapstructure:"conn_max_life_sec"`
}

// RedisConfig is shared by the Redis fast tier and cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AgentsConfig controls the agent registry.
type AgentsConfig struct {
	Enabled             []string `mapstructure:"enabled"`
	KnowledgeFile       string   `mapstructure:"knowledge_file"`
	RateLimitEnabled    bool     `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int      `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate string   `mapstructure:"rate_limit_refill_rate"`
	MaxResearchSources  int      `mapstructure:"max_research_sources"`
	RequiredDocFields   []string `mapstructure:"required_doc_fields"`
}

// LoggingConfig configures the root zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json", "console"
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.global_deadline_ms", 8000)
	v.SetDefault("orchestrator.per_agent_timeout_ms", 5000)
	v.SetDefault("orchestrator.reasoning_strategy", "auto")
	v.SetDefault("orchestrator.tree_depth", 3)
	v.SetDefault("orchestrator.tree_branching", 3)
	v.SetDefault("orchestrator.cache_ttl_s", 3600)
	v.SetDefault("orchestrator.session_idle_ttl_s", 3600)
	v.SetDefault("orchestrator.deadline_reserve_pct", 0.1)
	v.SetDefault("orchestrator.persist_timeout_ms", 2000)
	v.SetDefault("orchestrator.review_threshold", 0.6)
	v.SetDefault("orchestrator.failure_penalty", 0.3)

	v.SetDefault("reasoning.beam_width", 3)
	v.SetDefault("reasoning.min_viability", 0.35)
	v.SetDefault("reasoning.confidence_weight", 0.5)
	v.SetDefault("reasoning.evidence_weight", 0.3)
	v.SetDefault("reasoning.risk_weight", 0.2)
	v.SetDefault("reasoning.high_risk_threshold", 0.7)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.sweep_interval_s", 60)

	v.SetDefault("session.fast_backend", "memory")
	v.SetDefault("session.lock_stripes", 64)

	v.SetDefault("database.type", internal.DefaultDatabaseType)
	v.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_idle_sec", 300)
	v.SetDefault("database.conn_max_life_sec", 3600)

	v.SetDefault("redis.addr", internal.DefaultRedisAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", internal.DefaultRedisPrefix)

	v.SetDefault("agents.enabled", []string{"research", "document", "transcription", "billing"})
	v.SetDefault("agents.knowledge_file", filepath.Join(internal.DefaultConfigPath, internal.DefaultKnowledgeFile))
	v.SetDefault("agents.rate_limit_enabled", true)
	v.SetDefault("agents.rate_limit_capacity", 10)
	v.SetDefault("agents.rate_limit_refill_rate", "1s")
	v.SetDefault("agents.max_research_sources", 5)
	v.SetDefault("agents.required_doc_fields", []string{"patient", "date_of_service", "provider", "diagnosis"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// LoadConfig reads configuration from file or environment variables into a
// fresh viper instance and returns both.
func LoadConfig(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	SetDefaults(v)

	v.SetEnvPrefix(strings.ToUpper(internal.DefaultAppName))
	v.AutomaticEnv()
	// orchestrator.global_deadline_ms becomes MEDCORE_ORCHESTRATOR_GLOBAL_DEADLINE_MS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	o := c.Orchestrator
	switch {
	case o.GlobalDeadlineMs <= 0:
		return fmt.Errorf("orchestrator.global_deadline_ms must be positive")
	case o.PerAgentTimeoutMs <= 0:
		return fmt.Errorf("orchestrator.per_agent_timeout_ms must be positive")
	case o.TreeDepth < 1:
		return fmt.Errorf("orchestrator.tree_depth must be >= 1")
	case o.TreeBranching < 1:
		return fmt.Errorf("orchestrator.tree_branching must be >= 1")
	case o.SessionIdleTTLS <= 0:
		return fmt.Errorf("orchestrator.session_idle_ttl_s must be positive")
	case o.DeadlineReservePct < 0 || o.DeadlineReservePct >= 1:
		return fmt.Errorf("orchestrator.deadline_reserve_pct must be in [0,1)")
	}
	switch o.ReasoningStrategy {
	case "chain", "tree", "auto":
	default:
		return fmt.Errorf("orchestrator.reasoning_strategy %q is not one of chain, tree, auto", o.ReasoningStrategy)
	}
	if c.Reasoning.BeamWidth < 1 || c.Reasoning.BeamWidth > o.TreeBranching {
		return fmt.Errorf("reasoning.beam_width must be in [1, tree_branching=%d]", o.TreeBranching)
	}
	switch c.Database.Type {
	case "libsql", "postgres":
	default:
		return fmt.Errorf("database.type %q is not one of libsql, postgres", c.Database.Type)
	}
	return nil
}
