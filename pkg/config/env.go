package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env.local then .env if present. Real environment
// variables always win over file values.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// applyEnv maps the documented environment variables onto the config.
func (c *Config) applyEnv() {
	envInt("WEB_PORT", &c.Server.Port)
	envString("WEB_HOST", &c.Server.Host)

	envString("DATABASE_TYPE", &c.Database.Type)
	envString("DATABASE_PATH", &c.Database.Path)
	envString("MYSQL_HOST", &c.Database.MySQLHost)
	envInt("MYSQL_PORT", &c.Database.MySQLPort)
	envString("MYSQL_USER", &c.Database.MySQLUser)
	envString("MYSQL_PASSWORD", &c.Database.MySQLPassword)
	envString("MYSQL_DATABASE", &c.Database.MySQLDatabase)
	envString("POSTGRES_DSN", &c.Database.PostgresDSN)
	envString("ENCRYPTION_KEY", &c.Database.EncryptionKey)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FILE", &c.Log.File)
	envString("LOG_FORMAT", &c.Log.Format)
	envInt("LOG_MAX_DAYS", &c.Log.MaxDays)

	envString("ADMIN_PASSWORD", &c.Admin.Password)

	envBool("METRICS_ENABLED", &c.Observability.MetricsEnabled)
	envBool("TRACING_ENABLED", &c.Observability.TracingEnabled)
	envString("OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)

	envInt("ANTHROPIC_MAX_TOKENS", &c.Budget.AnthropicMaxTokens)
	envInt("OPENAI_REASONING_MAX_TOKENS", &c.Budget.OpenAIReasoningMaxTokens)

	envInt("OPENAI_LOW_TO_ANTHROPIC_TOKENS", &c.Budget.OpenAILowToAnthropicTokens)
	envInt("OPENAI_MEDIUM_TO_ANTHROPIC_TOKENS", &c.Budget.OpenAIMediumToAnthropicTokens)
	envInt("OPENAI_HIGH_TO_ANTHROPIC_TOKENS", &c.Budget.OpenAIHighToAnthropicTokens)

	envInt("OPENAI_LOW_TO_GEMINI_TOKENS", &c.Budget.OpenAILowToGeminiTokens)
	envInt("OPENAI_MEDIUM_TO_GEMINI_TOKENS", &c.Budget.OpenAIMediumToGeminiTokens)
	envInt("OPENAI_HIGH_TO_GEMINI_TOKENS", &c.Budget.OpenAIHighToGeminiTokens)

	envInt("ANTHROPIC_TO_OPENAI_LOW_REASONING_THRESHOLD", &c.Budget.AnthropicToOpenAILowThreshold)
	envInt("ANTHROPIC_TO_OPENAI_HIGH_REASONING_THRESHOLD", &c.Budget.AnthropicToOpenAIHighThreshold)

	envInt("GEMINI_TO_OPENAI_LOW_REASONING_THRESHOLD", &c.Budget.GeminiToOpenAILowThreshold)
	envInt("GEMINI_TO_OPENAI_HIGH_REASONING_THRESHOLD", &c.Budget.GeminiToOpenAIHighThreshold)
}
