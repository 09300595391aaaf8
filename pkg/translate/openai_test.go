package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

func TestOpenAIDecodeRequest(t *testing.T) {
	c := NewOpenAICodec(testBudget())

	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "2+2?"}
		],
		"max_tokens": 16
	}`

	req, err := c.DecodeRequest([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, "Be terse.", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, wire.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "2+2?", req.Messages[0].Content[0].Text)
	require.NotNil(t, req.Gen.MaxTokens)
	assert.Equal(t, 16, *req.Gen.MaxTokens)
	assert.False(t, req.Stream)
}

func TestOpenAIDecodeRequest_Validation(t *testing.T) {
	c := NewOpenAICodec(testBudget())

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`, "messages"},
		{"bad reasoning effort", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"reasoning_effort":"extreme"}`, "reasoning_effort"},
		{"tool message without id", `{"model":"gpt-4o","messages":[{"role":"tool","content":"ok"}]}`, "messages[0].tool_call_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.DecodeRequest([]byte(tt.body))
			require.Error(t, err)
			ae, ok := err.(*apierr.Error)
			require.True(t, ok)
			assert.Equal(t, apierr.KindInvalidRequest, ae.Kind)
			assert.Equal(t, tt.field, ae.Field)
		})
	}
}

// An OpenAI-shaped request routed to an Anthropic channel produces the
// messages-API body with the system prompt hoisted and blocks arrays.
func TestOpenAIToAnthropicUnary(t *testing.T) {
	openai := NewOpenAICodec(testBudget())
	anthropic := NewAnthropicCodec(testBudget())

	req, err := openai.DecodeRequest([]byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "2+2?"}
		],
		"max_tokens": 16
	}`))
	require.NoError(t, err)
	req.Model = "claude-3-5-sonnet-20241022"

	body, err := anthropic.EncodeRequest(req)
	require.NoError(t, err)

	var out struct {
		Model    string `json:"model"`
		System   string `json:"system"`
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
		MaxTokens int `json:"max_tokens"`
	}
	require.NoError(t, json.Unmarshal(body, &out))

	assert.Equal(t, "claude-3-5-sonnet-20241022", out.Model)
	assert.Equal(t, "Be terse.", out.System)
	assert.Equal(t, 16, out.MaxTokens)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	require.Len(t, out.Messages[0].Content, 1)
	assert.Equal(t, "text", out.Messages[0].Content[0].Type)
	assert.Equal(t, "2+2?", out.Messages[0].Content[0].Text)
}

// An Anthropic thinking budget routed to an OpenAI channel becomes a
// reasoning effort picked by the Anthropic threshold set, and the token
// limit moves to max_completion_tokens.
func TestAnthropicBudgetToOpenAIReasoning(t *testing.T) {
	anthropic := NewAnthropicCodec(testBudget())
	openai := NewOpenAICodec(testBudget())

	req, err := anthropic.DecodeRequest([]byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"messages": [{"role": "user", "content": "prove it"}],
		"max_tokens": 0,
		"thinking": {"type": "enabled", "budget_tokens": 20000}
	}`))
	require.NoError(t, err)
	assert.Equal(t, wire.ThinkingBudget, req.Thinking.Kind)
	assert.Equal(t, 20000, req.Thinking.Budget)
	assert.Equal(t, wire.FamilyAnthropic, req.Thinking.Origin)

	req.Model = "o3-mini"
	body, err := openai.EncodeRequest(req)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "high", out["reasoning_effort"])
	assert.Equal(t, float64(32000), out["max_completion_tokens"])
	_, hasMaxTokens := out["max_tokens"]
	assert.False(t, hasMaxTokens)
}

func TestOpenAIEncodeRequest_ToolChoice(t *testing.T) {
	c := NewOpenAICodec(testBudget())

	req := &wire.Request{
		Model:      "gpt-4o",
		Messages:   []wire.Turn{{Role: wire.RoleUser, Content: []wire.Part{wire.TextPart("hi")}}},
		Tools:      []wire.ToolDecl{{Name: "get_weather"}},
		ToolChoice: wire.ToolChoice{Mode: wire.ToolChoiceNamed, Name: "get_weather"},
	}
	body, err := c.EncodeRequest(req)
	require.NoError(t, err)

	var out struct {
		ToolChoice struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tool_choice"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "function", out.ToolChoice.Type)
	assert.Equal(t, "get_weather", out.ToolChoice.Function.Name)
}

func TestOpenAIDecodeResponse_ToolCalls(t *testing.T) {
	c := NewOpenAICodec(testBudget())

	resp, err := c.DecodeResponse([]byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]
			},
			"finish_reason": "tool_calls"
		}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, wire.FinishToolUse, resp.FinishReason)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, wire.PartToolCall, resp.Content[0].Kind)
	assert.Equal(t, "get_weather", resp.Content[0].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, resp.Content[0].Args)
}

func TestSplitThinkingTags(t *testing.T) {
	thinking, rest, ok := splitThinkingTags("<thinking>step by step</thinking>\nfour")
	assert.True(t, ok)
	assert.Equal(t, "step by step", thinking)
	assert.Equal(t, "four", rest)

	_, rest, ok = splitThinkingTags("plain answer")
	assert.False(t, ok)
	assert.Equal(t, "plain answer", rest)

	// Unterminated tag is left alone.
	_, rest, ok = splitThinkingTags("<thinking>oops")
	assert.False(t, ok)
	assert.Equal(t, "<thinking>oops", rest)
}

func TestOpenAIFinishReasonMapping(t *testing.T) {
	strPtr := func(s string) *string { return &s }

	assert.Equal(t, wire.FinishStop, openaiFinishToNeutral(strPtr("stop")))
	assert.Equal(t, wire.FinishLength, openaiFinishToNeutral(strPtr("length")))
	assert.Equal(t, wire.FinishToolUse, openaiFinishToNeutral(strPtr("tool_calls")))
	assert.Equal(t, wire.FinishContentFilter, openaiFinishToNeutral(strPtr("content_filter")))
	assert.Equal(t, wire.FinishOther, openaiFinishToNeutral(nil))

	assert.Equal(t, "stop", neutralFinishToOpenAI(wire.FinishStop))
	assert.Equal(t, "length", neutralFinishToOpenAI(wire.FinishLength))
	assert.Equal(t, "tool_calls", neutralFinishToOpenAI(wire.FinishToolUse))
	assert.Equal(t, "stop", neutralFinishToOpenAI(wire.FinishOther))
}

func TestOpenAIStreamDecoder(t *testing.T) {
	c := NewOpenAICodec(testBudget())

	frames := strings.Join([]string{
		`data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		``,
		`data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	dec := c.NewStreamDecoder(strings.NewReader(frames))

	var events []wire.StreamEvent
	for {
		ev, err := dec.Next()
		if err != nil {
			break
		}
		events = append(events, ev)
	}

	types := make([]wire.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []wire.EventType{
		wire.EventMessageStart,
		wire.EventBlockStart,
		wire.EventBlockDelta,
		wire.EventBlockDelta,
		wire.EventBlockStop,
		wire.EventMessageDelta,
		wire.EventMessageStop,
	}, types)

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == wire.EventBlockDelta {
			text.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "Hello", text.String())

	for _, ev := range events {
		if ev.Type == wire.EventMessageDelta {
			assert.Equal(t, wire.FinishStop, ev.FinishReason)
		}
	}
}

func TestOpenAIStreamEncoderEndsWithDone(t *testing.T) {
	c := NewOpenAICodec(testBudget())

	var buf strings.Builder
	enc := c.NewStreamEncoder(&buf)

	events := []wire.StreamEvent{
		{Type: wire.EventMessageStart, MessageID: "chatcmpl-1", Model: "gpt-4o"},
		{Type: wire.EventBlockStart, Index: 0, BlockKind: wire.BlockText},
		{Type: wire.EventBlockDelta, Index: 0, Delta: wire.DeltaText, Text: "four"},
		{Type: wire.EventBlockStop, Index: 0},
		{Type: wire.EventMessageDelta, FinishReason: wire.FinishStop},
		{Type: wire.EventMessageStop},
	}
	for _, ev := range events {
		require.NoError(t, enc.Write(ev))
	}

	out := buf.String()
	assert.Contains(t, out, `"content":"four"`)
	assert.Contains(t, out, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}
