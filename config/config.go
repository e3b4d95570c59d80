package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the tutoring service.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Databases  DatabasesConfig  `mapstructure:"databases"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Assembler  AssemblerConfig  `mapstructure:"assembler"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP shell settings.
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LLMConfig configures the embedding/completion provider.
type LLMConfig struct {
	Provider         string        `mapstructure:"provider"` // openai
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	CompletionModel  string        `mapstructure:"completion_model"`
	EmbeddingModel   string        `mapstructure:"embedding_model"`
	Temperature      float64       `mapstructure:"temperature"`
	MaxAnswerTokens  int           `mapstructure:"max_answer_tokens"`
	Timeout          time.Duration `mapstructure:"timeout"`
	EmbeddingTimeout time.Duration `mapstructure:"embedding_timeout"`
}

// DatabasesConfig groups backing stores.
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains the content-store connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (databases.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains optional redis settings for caching and locks.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether redis is configured at all.
func (r RedisConfig) Enabled() bool { return r.Host != "" && r.Port != "" }

// CacheConfig controls the per-process TTL caches.
type CacheConfig struct {
	Backend  string        `mapstructure:"backend"` // memory or redis
	ChunkTTL time.Duration `mapstructure:"chunk_ttl"`
	IndexTTL time.Duration `mapstructure:"index_ttl"`
}

// RetrievalConfig tunes the retrieval engine.
type RetrievalConfig struct {
	TopK                int     `mapstructure:"top_k"`
	SimilarityFloor     float64 `mapstructure:"similarity_floor"`
	SemanticWeight      float64 `mapstructure:"semantic_weight"`
	RankDecayWeight     float64 `mapstructure:"rank_decay_weight"`
	DedicatedTopicBoost float64 `mapstructure:"dedicated_topic_boost"`
}

// Normalize applies defaults for unset retrieval values.
func (r RetrievalConfig) Normalize() RetrievalConfig {
	if r.TopK <= 0 {
		r.TopK = 10
	}
	if r.SimilarityFloor <= 0 {
		r.SimilarityFloor = 0.2
	}
	if r.SemanticWeight <= 0 {
		r.SemanticWeight = 0.7
	}
	if r.RankDecayWeight <= 0 {
		r.RankDecayWeight = 0.3
	}
	if r.DedicatedTopicBoost <= 0 {
		r.DedicatedTopicBoost = 0.5
	}
	return r
}

// AssemblerConfig tunes context assembly budgets.
type AssemblerConfig struct {
	MaxContextTokens     int `mapstructure:"max_context_tokens"`
	ListRequestMaxTokens int `mapstructure:"list_request_max_tokens"`
}

// Normalize applies defaults for unset assembler values.
func (a AssemblerConfig) Normalize() AssemblerConfig {
	if a.MaxContextTokens <= 0 {
		a.MaxContextTokens = 2000
	}
	if a.ListRequestMaxTokens <= 0 {
		a.ListRequestMaxTokens = 4000
	}
	return a
}

// GovernanceConfig tunes the governance engine thresholds.
type GovernanceConfig struct {
	MinAverageSimilarity    float64 `mapstructure:"min_average_similarity"`
	DedicatedMinSimilarity  float64 `mapstructure:"dedicated_min_similarity"`
	ListRequestMinChunks    int     `mapstructure:"list_request_min_chunks"`
	IdentifierCoverageRatio float64 `mapstructure:"identifier_coverage_ratio"`
	MaxRetries              int     `mapstructure:"max_retries"`
}

// Normalize applies defaults for unset governance values.
func (g GovernanceConfig) Normalize() GovernanceConfig {
	if g.MinAverageSimilarity <= 0 {
		g.MinAverageSimilarity = 0.3
	}
	if g.DedicatedMinSimilarity <= 0 {
		g.DedicatedMinSimilarity = 0.7
	}
	if g.ListRequestMinChunks <= 0 {
		g.ListRequestMinChunks = 5
	}
	if g.IdentifierCoverageRatio <= 0 {
		g.IdentifierCoverageRatio = 0.5
	}
	if g.MaxRetries <= 0 {
		g.MaxRetries = 1
	}
	return g
}

// EscalationConfig tunes escalation behavior.
type EscalationConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	StruggleThreshold   float64       `mapstructure:"struggle_threshold"`
	ReminderCron        string        `mapstructure:"reminder_cron"`
	ReminderAge         time.Duration `mapstructure:"reminder_age"`
}

// Normalize applies defaults for unset escalation values.
func (e EscalationConfig) Normalize() EscalationConfig {
	if e.ConfidenceThreshold <= 0 {
		e.ConfidenceThreshold = 0.65
	}
	if e.StruggleThreshold <= 0 {
		e.StruggleThreshold = 0.5
	}
	if e.ReminderCron == "" {
		e.ReminderCron = "@hourly"
	}
	if e.ReminderAge <= 0 {
		e.ReminderAge = 4 * time.Hour
	}
	return e
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Validate ensures required settings are present before serving.
func (c *Config) Validate() error {
	if c.General.JWTSecret == "" {
		return fmt.Errorf("general.jwt_secret is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if _, err := c.Databases.Postgres.DSN(); err != nil {
		return err
	}
	return nil
}

// AppConfig is the process-wide configuration loaded at startup.
var AppConfig *Config

// LoadConfig reads configuration from the given path (or the working
// directory) with PATHLIGHT_* environment overrides.
func LoadConfig(path string) *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("PATHLIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			panic(fmt.Errorf("failed to read config: %w", err))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Errorf("failed to unmarshal config: %w", err))
	}

	cfg.Retrieval = cfg.Retrieval.Normalize()
	cfg.Assembler = cfg.Assembler.Normalize()
	cfg.Governance = cfg.Governance.Normalize()
	cfg.Escalation = cfg.Escalation.Normalize()

	AppConfig = cfg
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.listen", ":10020")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.completion_model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_answer_tokens", 1024)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.embedding_timeout", 20*time.Second)
	v.SetDefault("databases.postgres.sslmode", "disable")
	v.SetDefault("databases.redis.db", 0)
	v.SetDefault("databases.redis.timeout", 5*time.Second)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.chunk_ttl", 10*time.Minute)
	v.SetDefault("cache.index_ttl", 30*time.Minute)
	v.SetDefault("telemetry.enabled", true)
}
