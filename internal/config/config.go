// Package config loads the engine configuration from YAML with environment
// overrides, and hot-reloads it when the file changes on disk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine's process configuration. Per-user research knobs live
// in the settings store; this covers deployment-level concerns only.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// ServiceConfig identifies the process and its listen ports.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	// APIToken protects the session API with a static bearer token. Empty
	// disables auth (local development).
	APIToken string `mapstructure:"api_token"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// DatabaseConfig points at Postgres. An empty DSN selects the in-memory
// store, which is only suitable for tests and local development.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig points at the refinement-conversation store. An empty address
// selects the in-process fallback.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OpenAIConfig configures the background deep-research adapter.
type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	ResearchModel  string        `mapstructure:"research_model"`
	UtilityModel   string        `mapstructure:"utility_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// GeminiConfig configures the grounded single-call adapter.
type GeminiConfig struct {
	APIKey        string `mapstructure:"api_key"`
	ResearchModel string `mapstructure:"research_model"`
	UtilityModel  string `mapstructure:"utility_model"`
}

// SMTPConfig configures report delivery. An empty host disables email.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// EngineConfig tunes the orchestration loops.
type EngineConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RepairInterval time.Duration `mapstructure:"repair_interval"`
	ChromePath     string        `mapstructure:"chrome_path"`
	// GeminiExecution selects how Gemini research runs execute: "pipeline"
	// (resumable step pipeline with scout fan-out) or "atomic" (one grounded
	// call per run).
	GeminiExecution string `mapstructure:"gemini_execution"`
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Service.HTTPPort)
	}
	if c.Service.MetricsPort <= 0 || c.Service.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics_port: %d", c.Service.MetricsPort)
	}
	if c.OpenAI.APIKey == "" && c.Gemini.APIKey == "" {
		return fmt.Errorf("no provider API key configured")
	}
	if c.Engine.PollInterval < time.Second {
		return fmt.Errorf("poll_interval below 1s: %s", c.Engine.PollInterval)
	}
	if m := c.Engine.GeminiExecution; m != "pipeline" && m != "atomic" {
		return fmt.Errorf("invalid gemini_execution: %q", m)
	}
	return nil
}

// Load reads the engine config. Resolution order: DEEPRESEARCH_CONFIG env
// var, /app/config/engine.yaml, ./config/engine.yaml. A missing file is not
// an error; defaults plus environment overrides apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEEPRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := configPath()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func configPath() string {
	if p := os.Getenv("DEEPRESEARCH_CONFIG"); p != "" {
		return p
	}
	for _, p := range []string{"/app/config/engine.yaml", "./config/engine.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "deepresearch-engine")
	v.SetDefault("service.http_port", 8080)
	v.SetDefault("service.metrics_port", 2112)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("openai.base_url", "https://api.openai.com")
	v.SetDefault("openai.research_model", "o4-mini-deep-research")
	v.SetDefault("openai.utility_model", "gpt-4.1-mini")
	v.SetDefault("openai.request_timeout", 120*time.Second)

	v.SetDefault("gemini.research_model", "gemini-2.5-pro")
	v.SetDefault("gemini.utility_model", "gemini-2.5-flash")

	v.SetDefault("smtp.port", 587)

	v.SetDefault("engine.poll_interval", 20*time.Second)
	v.SetDefault("engine.repair_interval", 5*time.Minute)
	v.SetDefault("engine.gemini_execution", "pipeline")
}
