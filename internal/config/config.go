package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the orchestrator. All defaults are
// resolved once at load time; callers read fields directly and never fall
// back at the read site.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Citations CitationsConfig `mapstructure:"citations"`
	Breakers  BreakersConfig  `mapstructure:"breakers"`
	Enrich    EnrichConfig    `mapstructure:"enrichment"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServiceConfig contains HTTP server settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// DatabaseConfig contains Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// RedisConfig contains Redis connection settings. Redis backs the provider
// failure counters and the enrichment caches, so it must be the same instance
// across all worker processes.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ProvidersConfig holds per-provider LLM settings.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
	Gemini GeminiConfig `mapstructure:"gemini"`
}

// OpenAIConfig configures the OpenAI driver.
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Temperature float32       `mapstructure:"temperature"`
}

// GeminiConfig configures the Gemini driver.
type GeminiConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// CitationsConfig controls the citation task engine.
type CitationsConfig struct {
	ChunkSize         int           `mapstructure:"chunk_size"`
	DefaultQueryCount int           `mapstructure:"default_query_count"`
	MaxQueryCount     int           `mapstructure:"max_query_count"`
	TaskCacheDays     int           `mapstructure:"task_cache_days"`
	ChunkDelay        time.Duration `mapstructure:"chunk_delay"`
	TopCompetitors    int           `mapstructure:"top_competitors"`
	PromptDir         string        `mapstructure:"prompt_dir"`
	Workers           int           `mapstructure:"workers"`
}

// BreakersConfig carries both failure-gate thresholds. The validation gate and
// the generation gate intentionally trip at different counts; see DESIGN.md.
type BreakersConfig struct {
	Window              time.Duration `mapstructure:"window"`
	ValidationThreshold int           `mapstructure:"validation_threshold"`
	GenerationThreshold int           `mapstructure:"generation_threshold"`
}

// EnrichConfig configures the backlink enrichment services.
type EnrichConfig struct {
	Whois        WhoisConfig        `mapstructure:"whois"`
	SafeBrowsing SafeBrowsingConfig `mapstructure:"safe_browsing"`
	PbnDetector  PbnDetectorConfig  `mapstructure:"pbn_detector"`
}

// WhoisConfig configures the WHOIS lookup service.
type WhoisConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTLDays int           `mapstructure:"cache_ttl_days"`
}

// SafeBrowsingConfig configures the Safe Browsing check service.
type SafeBrowsingConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTLDays int           `mapstructure:"cache_ttl_days"`
}

// PbnDetectorConfig configures the PBN risk-scoring microservice client.
type PbnDetectorConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	SharedSecret  string        `mapstructure:"shared_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	CacheTTLHours int           `mapstructure:"cache_ttl_hours"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from CONFIG_PATH (default config/orchestrator.yaml)
// with CW_-prefixed environment overrides, applies defaults, and validates.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/orchestrator.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		// A missing file is acceptable: env + defaults still form a full config.
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on configuration that primary services cannot run
// without. LLM provider keys are deliberately not required here: a driver
// with no key reports Available()=false and callers route around it.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Citations.ChunkSize <= 0 {
		return fmt.Errorf("citations.chunk_size must be positive, got %d", c.Citations.ChunkSize)
	}
	if c.Citations.MaxQueryCount < c.Citations.DefaultQueryCount {
		return fmt.Errorf("citations.max_query_count %d below default_query_count %d",
			c.Citations.MaxQueryCount, c.Citations.DefaultQueryCount)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8085)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.graceful_timeout", 15*time.Second)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.openai.timeout", 30*time.Second)
	v.SetDefault("providers.openai.max_retries", 3)
	v.SetDefault("providers.openai.temperature", 0.2)
	v.SetDefault("providers.gemini.model", "gemini-1.5-flash")
	v.SetDefault("providers.gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("providers.gemini.timeout", 30*time.Second)
	v.SetDefault("providers.gemini.max_retries", 3)

	v.SetDefault("citations.chunk_size", 25)
	v.SetDefault("citations.default_query_count", 5000)
	v.SetDefault("citations.max_query_count", 5000)
	v.SetDefault("citations.task_cache_days", 30)
	v.SetDefault("citations.chunk_delay", 0*time.Second)
	v.SetDefault("citations.top_competitors", 10)
	v.SetDefault("citations.prompt_dir", "prompts")
	v.SetDefault("citations.workers", 4)

	v.SetDefault("breakers.window", 15*time.Minute)
	v.SetDefault("breakers.validation_threshold", 3)
	v.SetDefault("breakers.generation_threshold", 5)

	v.SetDefault("enrichment.whois.timeout", 20*time.Second)
	v.SetDefault("enrichment.whois.cache_ttl_days", 7)
	v.SetDefault("enrichment.safe_browsing.base_url", "https://safebrowsing.googleapis.com/v4/threatMatches:find")
	v.SetDefault("enrichment.safe_browsing.timeout", 20*time.Second)
	v.SetDefault("enrichment.safe_browsing.cache_ttl_days", 7)
	v.SetDefault("enrichment.pbn_detector.timeout", 60*time.Second)
	v.SetDefault("enrichment.pbn_detector.health_timeout", 5*time.Second)
	v.SetDefault("enrichment.pbn_detector.max_retries", 2)
	v.SetDefault("enrichment.pbn_detector.cache_ttl_hours", 24)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
