package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relaycore/relaycore/internal/logger"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`

	Providers []ProviderConfig `mapstructure:"providers"`

	Steering  SteeringConfig  `mapstructure:"steering"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`

	Logging logger.Config `mapstructure:"logging"`
	CORS    CORSConfig    `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ProviderConfig declares one upstream provider and the models it serves.
type ProviderConfig struct {
	Name    string        `mapstructure:"name"`
	Type    string        `mapstructure:"type"` // openai, anthropic, internal
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Models  []ModelConfig `mapstructure:"models"`
}

type ModelConfig struct {
	Model              string   `mapstructure:"model"`
	Capabilities       []string `mapstructure:"capabilities"`
	InputCostPerToken  string   `mapstructure:"input_cost_per_token"`
	OutputCostPerToken string   `mapstructure:"output_cost_per_token"`
	Currency           string   `mapstructure:"currency"`
	P50LatencyMS       int64    `mapstructure:"p50_latency_ms"`
	MaxConcurrency     int      `mapstructure:"max_concurrency"`
	Enabled            bool     `mapstructure:"enabled"`
	QualityTier        string   `mapstructure:"quality_tier"` // economy, standard, premium
	Fallbacks          []string `mapstructure:"fallbacks"`
	MaxTokens          int      `mapstructure:"max_tokens"`
}

type SteeringConfig struct {
	RuleFile      string        `mapstructure:"rule_file"`
	Watch         bool          `mapstructure:"watch"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
}

type BudgetConfig struct {
	StatusFreshness time.Duration `mapstructure:"status_freshness"`
	OutboxQueue     string        `mapstructure:"outbox_queue"`
	OutboxBatchSize int           `mapstructure:"outbox_batch_size"`
	OutboxInterval  time.Duration `mapstructure:"outbox_interval"`
}

type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxWait    time.Duration `mapstructure:"max_wait"`
	VersionTag string        `mapstructure:"version_tag"`
}

type OptimizerConfig struct {
	Strategy         string        `mapstructure:"strategy"` // aggressive, balanced, quality-first
	LatencyReference time.Duration `mapstructure:"latency_reference"`
}

type PipelineConfig struct {
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/relaycore")
	}

	viper.SetEnvPrefix("RELAYCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 120*time.Second)
	viper.SetDefault("server.idle_timeout", 120*time.Second)
	viper.SetDefault("server.graceful_shutdown", 15*time.Second)

	viper.SetDefault("database.max_connections", 20)
	viper.SetDefault("database.max_idle_connections", 5)
	viper.SetDefault("database.conn_max_lifetime", time.Hour)

	viper.SetDefault("redis.url", "redis://localhost:6379")
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("steering.watch", true)
	viper.SetDefault("steering.watch_debounce", 500*time.Millisecond)

	viper.SetDefault("budget.status_freshness", 5*time.Minute)
	viper.SetDefault("budget.outbox_queue", "relaycore:usage_outbox")
	viper.SetDefault("budget.outbox_batch_size", 100)
	viper.SetDefault("budget.outbox_interval", 5*time.Second)

	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.ttl", 10*time.Minute)
	viper.SetDefault("cache.max_wait", 10*time.Second)
	viper.SetDefault("cache.version_tag", "v1")

	viper.SetDefault("optimizer.strategy", "balanced")
	viper.SetDefault("optimizer.latency_reference", time.Second)

	viper.SetDefault("pipeline.max_concurrency", 256)
	viper.SetDefault("pipeline.default_deadline", 60*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	switch c.Optimizer.Strategy {
	case "aggressive", "balanced", "quality-first":
	default:
		return fmt.Errorf("optimizer.strategy %q is not one of aggressive, balanced, quality-first", c.Optimizer.Strategy)
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case "openai", "anthropic", "internal":
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}

		for _, m := range p.Models {
			if m.Model == "" {
				return fmt.Errorf("provider %q: model id is required", p.Name)
			}
			if len(m.Capabilities) == 0 {
				return fmt.Errorf("provider %q model %q: capability set must not be empty", p.Name, m.Model)
			}
		}
	}

	return nil
}
