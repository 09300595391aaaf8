// Package config holds process-wide configuration for the relay. Values
// are loaded from an optional YAML file, then overridden by environment
// variables; every struct follows the SetDefaults/Validate convention.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Log           LogConfig           `yaml:"log"`
	Budget        BudgetConfig        `yaml:"budget"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite, mysql or postgres

	// sqlite
	Path string `yaml:"path"`

	// mysql
	MySQLHost     string `yaml:"mysql_host"`
	MySQLPort     int    `yaml:"mysql_port"`
	MySQLUser     string `yaml:"mysql_user"`
	MySQLPassword string `yaml:"mysql_password"`
	MySQLDatabase string `yaml:"mysql_database"`

	// postgres
	PostgresDSN string `yaml:"postgres_dsn"`

	// Symmetric key for credential encryption at rest. Empty means the
	// store generates one and keeps it in its own config table.
	EncryptionKey string `yaml:"encryption_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`

	// Days of rotated log files to keep. Zero or negative keeps
	// everything.
	MaxDays int `yaml:"max_days"`
}

type AdminConfig struct {
	Password string `yaml:"password"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// BudgetConfig is the thinking-budget translation table: effort levels
// map to explicit token budgets on the way into Anthropic/Gemini shapes,
// and token budgets map back to effort levels through the thresholds.
type BudgetConfig struct {
	AnthropicMaxTokens       int `yaml:"anthropic_max_tokens"`
	OpenAIReasoningMaxTokens int `yaml:"openai_reasoning_max_tokens"`

	OpenAILowToAnthropicTokens    int `yaml:"openai_low_to_anthropic_tokens"`
	OpenAIMediumToAnthropicTokens int `yaml:"openai_medium_to_anthropic_tokens"`
	OpenAIHighToAnthropicTokens   int `yaml:"openai_high_to_anthropic_tokens"`

	OpenAILowToGeminiTokens    int `yaml:"openai_low_to_gemini_tokens"`
	OpenAIMediumToGeminiTokens int `yaml:"openai_medium_to_gemini_tokens"`
	OpenAIHighToGeminiTokens   int `yaml:"openai_high_to_gemini_tokens"`

	AnthropicToOpenAILowThreshold  int `yaml:"anthropic_to_openai_low_threshold"`
	AnthropicToOpenAIHighThreshold int `yaml:"anthropic_to_openai_high_threshold"`

	GeminiToOpenAILowThreshold  int `yaml:"gemini_to_openai_low_threshold"`
	GeminiToOpenAIHighThreshold int `yaml:"gemini_to_openai_high_threshold"`
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Log.SetDefaults()
	c.Budget.SetDefaults()
	c.Admin.SetDefaults()
	c.Observability.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	return c.Budget.Validate()
}

func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Port)
	}
	return nil
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "sqlite"
	}
	if c.Path == "" {
		c.Path = "data/channels.db"
	}
	if c.MySQLPort == 0 {
		c.MySQLPort = 3306
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Type {
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "mysql":
		if c.MySQLHost == "" || c.MySQLUser == "" || c.MySQLDatabase == "" {
			return fmt.Errorf("mysql_host, mysql_user and mysql_database are required for mysql")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "warn"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
	if c.MaxDays == 0 {
		c.MaxDays = 7
	}
}

func (c *AdminConfig) SetDefaults() {
	if c.Password == "" {
		c.Password = "admin123"
	}
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = "localhost:4317"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
}

func (c *BudgetConfig) SetDefaults() {
	setIfZero := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	setIfZero(&c.AnthropicMaxTokens, 32000)
	setIfZero(&c.OpenAIReasoningMaxTokens, 32000)

	setIfZero(&c.OpenAILowToAnthropicTokens, 2048)
	setIfZero(&c.OpenAIMediumToAnthropicTokens, 8192)
	setIfZero(&c.OpenAIHighToAnthropicTokens, 16384)

	setIfZero(&c.OpenAILowToGeminiTokens, 2048)
	setIfZero(&c.OpenAIMediumToGeminiTokens, 8192)
	setIfZero(&c.OpenAIHighToGeminiTokens, 16384)

	setIfZero(&c.AnthropicToOpenAILowThreshold, 2048)
	setIfZero(&c.AnthropicToOpenAIHighThreshold, 16384)

	setIfZero(&c.GeminiToOpenAILowThreshold, 2048)
	setIfZero(&c.GeminiToOpenAIHighThreshold, 16384)
}

func (c *BudgetConfig) Validate() error {
	if c.AnthropicToOpenAILowThreshold > c.AnthropicToOpenAIHighThreshold {
		return fmt.Errorf("anthropic reasoning thresholds inverted: low %d > high %d",
			c.AnthropicToOpenAILowThreshold, c.AnthropicToOpenAIHighThreshold)
	}
	if c.GeminiToOpenAILowThreshold > c.GeminiToOpenAIHighThreshold {
		return fmt.Errorf("gemini reasoning thresholds inverted: low %d > high %d",
			c.GeminiToOpenAILowThreshold, c.GeminiToOpenAIHighThreshold)
	}
	if c.OpenAILowToAnthropicTokens > c.OpenAIMediumToAnthropicTokens ||
		c.OpenAIMediumToAnthropicTokens > c.OpenAIHighToAnthropicTokens {
		return fmt.Errorf("openai->anthropic effort budgets must be non-decreasing")
	}
	if c.OpenAILowToGeminiTokens > c.OpenAIMediumToGeminiTokens ||
		c.OpenAIMediumToGeminiTokens > c.OpenAIHighToGeminiTokens {
		return fmt.Errorf("openai->gemini effort budgets must be non-decreasing")
	}
	return nil
}

// Load reads the optional YAML config file, applies environment
// overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
