// Package wire defines the family-agnostic request, response and stream
// event shapes that every format codec encodes to and decodes from.
package wire

// Family identifies one of the three supported API dialects.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGemini    Family = "gemini"
)

// ParseFamily validates a provider string from channel configuration.
func ParseFamily(s string) (Family, bool) {
	switch Family(s) {
	case FamilyOpenAI, FamilyAnthropic, FamilyGemini:
		return Family(s), true
	default:
		return "", false
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
	PartThinking   PartKind = "thinking"
)

type ImageSource string

const (
	ImageSourceURL    ImageSource = "url"
	ImageSourceInline ImageSource = "inline"
)

// Part is a single typed content element within a Turn. Only the fields
// relevant to its Kind are populated.
type Part struct {
	Kind PartKind

	// PartText and PartThinking
	Text string

	// PartImage
	Source    ImageSource
	MediaType string
	Data      string // base64 payload when Source is inline
	URL       string

	// PartToolCall: Args carries the raw JSON argument string untouched.
	ID   string
	Name string
	Args string

	// PartToolResult
	CallID  string
	Result  []Part
	IsError bool
}

func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

type Turn struct {
	Role    Role
	Content []Part
}

type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "named"
)

type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // set when Mode is ToolChoiceNamed
}

type ResponseFormatType string

const (
	ResponseFormatText   ResponseFormatType = "text"
	ResponseFormatJSON   ResponseFormatType = "json"
	ResponseFormatSchema ResponseFormatType = "json_schema"
)

type ResponseFormat struct {
	Type   ResponseFormatType
	Name   string
	Schema map[string]interface{}
}

type Generation struct {
	MaxTokens      *int
	Temperature    *float64
	TopP           *float64
	TopK           *int
	Stop           []string
	ResponseFormat *ResponseFormat
}

type ThinkingKind string

const (
	ThinkingNone   ThinkingKind = "none"
	ThinkingEffort ThinkingKind = "effort"
	ThinkingBudget ThinkingKind = "budget"
)

type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Thinking captures the reasoning-effort concept. Origin records the
// family whose request produced a token budget, so the egress side can
// pick the matching threshold set.
type Thinking struct {
	Kind   ThinkingKind
	Effort Effort
	Budget int
	Origin Family
}

// Request is the neutral chat request every translator maps to and from.
type Request struct {
	Model      string
	System     string
	Messages   []Turn
	Tools      []ToolDecl
	ToolChoice ToolChoice
	Gen        Generation
	Thinking   Thinking
	Stream     bool
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolUse       FinishReason = "tool_use"
	FinishContentFilter FinishReason = "content_filter"
	FinishOther         FinishReason = "other"
)

// Usage counters are best-effort; nil pointers mean the upstream omitted
// the count and it must not be fabricated.
type Usage struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// Response is the neutral unary chat response. Content is assistant-role
// by definition.
type Response struct {
	ID           string
	Model        string
	CreatedAt    int64
	FinishReason FinishReason
	Content      []Part
	Usage        *Usage
}

// Model describes one entry of an upstream model listing.
type Model struct {
	ID        string
	CreatedAt int64
	OwnedBy   string
}
