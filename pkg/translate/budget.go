package translate

import (
	"strings"

	"github.com/polyrelay/polyrelay/pkg/config"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

// BudgetMapper translates the reasoning-effort concept across families.
// Effort levels become explicit token budgets on the way into Anthropic
// or Gemini shapes; token budgets become effort levels on the way into
// OpenAI shapes, using the threshold set of the family the budget came
// from.
type BudgetMapper struct {
	cfg config.BudgetConfig
}

func NewBudgetMapper(cfg config.BudgetConfig) *BudgetMapper {
	return &BudgetMapper{cfg: cfg}
}

func (m *BudgetMapper) EffortToAnthropicTokens(effort wire.Effort) int {
	switch effort {
	case wire.EffortLow:
		return m.cfg.OpenAILowToAnthropicTokens
	case wire.EffortHigh:
		return m.cfg.OpenAIHighToAnthropicTokens
	default:
		return m.cfg.OpenAIMediumToAnthropicTokens
	}
}

func (m *BudgetMapper) EffortToGeminiTokens(effort wire.Effort) int {
	switch effort {
	case wire.EffortLow:
		return m.cfg.OpenAILowToGeminiTokens
	case wire.EffortHigh:
		return m.cfg.OpenAIHighToGeminiTokens
	default:
		return m.cfg.OpenAIMediumToGeminiTokens
	}
}

// BudgetToEffort classifies a token budget using the thresholds of the
// family that produced it: below the low threshold is low effort, at or
// above the high threshold is high, everything between is medium.
func (m *BudgetMapper) BudgetToEffort(budget int, origin wire.Family) wire.Effort {
	low, high := m.cfg.AnthropicToOpenAILowThreshold, m.cfg.AnthropicToOpenAIHighThreshold
	if origin == wire.FamilyGemini {
		low, high = m.cfg.GeminiToOpenAILowThreshold, m.cfg.GeminiToOpenAIHighThreshold
	}
	switch {
	case budget < low:
		return wire.EffortLow
	case budget >= high:
		return wire.EffortHigh
	default:
		return wire.EffortMedium
	}
}

// AnthropicMaxTokens is the fallback for the family-required max_tokens
// field when the neutral request carries none: the configured default
// first, then a per-model ceiling. Returns 0 when neither applies.
func (m *BudgetMapper) AnthropicMaxTokens(model string) int {
	if m.cfg.AnthropicMaxTokens > 0 {
		return m.cfg.AnthropicMaxTokens
	}
	switch {
	case strings.Contains(model, "opus-4"):
		return 32000
	case strings.Contains(model, "sonnet-4"), strings.Contains(model, "3-7-sonnet"):
		return 64000
	case strings.Contains(model, "3-5-sonnet"), strings.Contains(model, "3-5-haiku"):
		return 8192
	case strings.Contains(model, "claude-3"):
		return 4096
	default:
		return 0
	}
}

// ReasoningMaxTokens is the max_completion_tokens fallback for OpenAI
// egress carrying a reasoning field.
func (m *BudgetMapper) ReasoningMaxTokens() int {
	return m.cfg.OpenAIReasoningMaxTokens
}
