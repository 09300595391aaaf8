package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/config"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

func TestAnthropicDecodeRequest(t *testing.T) {
	c := NewAnthropicCodec(testBudget())

	req, err := c.DecodeRequest([]byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"system": "Be terse.",
		"messages": [{"role": "user", "content": "2+2?"}],
		"max_tokens": 100,
		"stream": true
	}`))
	require.NoError(t, err)

	assert.Equal(t, "claude-3-5-sonnet-20241022", req.Model)
	assert.Equal(t, "Be terse.", req.System)
	assert.True(t, req.Stream)
	require.NotNil(t, req.Gen.MaxTokens)
	assert.Equal(t, 100, *req.Gen.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "2+2?", req.Messages[0].Content[0].Text)
}

// Consecutive same-role turns must merge into one message with part
// order preserved; tool turns ride along as user-role tool_result
// blocks.
func TestAnthropicEncodeRequest_MergesConsecutiveRoles(t *testing.T) {
	c := NewAnthropicCodec(testBudget())

	req := &wire.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []wire.Turn{
			{Role: wire.RoleAssistant, Content: []wire.Part{
				{Kind: wire.PartToolCall, ID: "toolu_1", Name: "get_weather", Args: `{"city":"Paris"}`},
			}},
			{Role: wire.RoleTool, Content: []wire.Part{
				{Kind: wire.PartToolResult, CallID: "toolu_1", Result: []wire.Part{wire.TextPart("18C")}},
			}},
			{Role: wire.RoleUser, Content: []wire.Part{wire.TextPart("and tomorrow?")}},
		},
	}

	body, err := c.EncodeRequest(req)
	require.NoError(t, err)

	var out struct {
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Type      string `json:"type"`
				Text      string `json:"text"`
				ToolUseID string `json:"tool_use_id"`
			} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &out))

	// assistant turn, then tool_result + following user text merged
	// into a single user message.
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "assistant", out.Messages[0].Role)
	assert.Equal(t, "user", out.Messages[1].Role)
	require.Len(t, out.Messages[1].Content, 2)
	assert.Equal(t, "tool_result", out.Messages[1].Content[0].Type)
	assert.Equal(t, "toolu_1", out.Messages[1].Content[0].ToolUseID)
	assert.Equal(t, "text", out.Messages[1].Content[1].Type)
	assert.Equal(t, "and tomorrow?", out.Messages[1].Content[1].Text)
}

func TestAnthropicEncodeRequest_MaxTokensFallback(t *testing.T) {
	req := &wire.Request{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []wire.Turn{{Role: wire.RoleUser, Content: []wire.Part{wire.TextPart("hi")}}},
	}

	body, err := NewAnthropicCodec(testBudget()).EncodeRequest(req)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, float64(32000), out["max_tokens"])

	// No configured default: the per-model ceiling applies; an unknown
	// model is rejected.
	bare := NewAnthropicCodec(NewBudgetMapper(config.BudgetConfig{}))
	body, err = bare.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, float64(8192), out["max_tokens"])

	req.Model = "mystery-model"
	_, err = bare.EncodeRequest(req)
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindInvalidRequest, ae.Kind)
	assert.Equal(t, "max_tokens", ae.Field)
}

// Structured output has no wire form on this family and must fail loud,
// not degrade silently.
func TestAnthropicEncodeRequest_ResponseFormatUnsupported(t *testing.T) {
	c := NewAnthropicCodec(testBudget())

	req := &wire.Request{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []wire.Turn{{Role: wire.RoleUser, Content: []wire.Part{wire.TextPart("hi")}}},
		Gen: wire.Generation{
			ResponseFormat: &wire.ResponseFormat{Type: wire.ResponseFormatJSON},
		},
	}
	_, err := c.EncodeRequest(req)
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUnsupported, ae.Kind)
	assert.Equal(t, "response_format", ae.Field)
}

func TestAnthropicFinishReasonMapping(t *testing.T) {
	assert.Equal(t, wire.FinishStop, anthropicFinishToNeutral(strP("end_turn")))
	assert.Equal(t, wire.FinishLength, anthropicFinishToNeutral(strP("max_tokens")))
	assert.Equal(t, wire.FinishToolUse, anthropicFinishToNeutral(strP("tool_use")))
	assert.Equal(t, wire.FinishStop, anthropicFinishToNeutral(strP("stop_sequence")))
	assert.Equal(t, wire.FinishOther, anthropicFinishToNeutral(nil))

	assert.Equal(t, "end_turn", neutralFinishToAnthropic(wire.FinishStop))
	assert.Equal(t, "max_tokens", neutralFinishToAnthropic(wire.FinishLength))
	assert.Equal(t, "tool_use", neutralFinishToAnthropic(wire.FinishToolUse))
}

func strP(s string) *string { return &s }

func TestAnthropicStreamDecoder(t *testing.T) {
	c := NewAnthropicCodec(testBudget())

	frames := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022"}}`,
		``,
		`event: ping`,
		`data: {"type":"ping"}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"four"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
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

	require.Len(t, events, 6)
	assert.Equal(t, wire.EventMessageStart, events[0].Type)
	assert.Equal(t, "msg_1", events[0].MessageID)
	assert.Equal(t, wire.EventBlockStart, events[1].Type)
	assert.Equal(t, wire.BlockText, events[1].BlockKind)
	assert.Equal(t, "four", events[2].Text)
	assert.Equal(t, wire.EventMessageDelta, events[4].Type)
	assert.Equal(t, wire.FinishStop, events[4].FinishReason)
	require.NotNil(t, events[4].Usage)
	require.NotNil(t, events[4].Usage.CompletionTokens)
	assert.Equal(t, 3, *events[4].Usage.CompletionTokens)
	assert.Equal(t, wire.EventMessageStop, events[5].Type)
}

func TestAnthropicStreamDecoder_ErrorEvent(t *testing.T) {
	c := NewAnthropicCodec(testBudget())

	frames := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1"}}`,
		``,
		`event: error`,
		`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		``,
	}, "\n")

	dec := c.NewStreamDecoder(strings.NewReader(frames))

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.EventMessageStart, ev.Type)

	_, err = dec.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Overloaded")
}

func TestAnthropicModelListRoundTrip(t *testing.T) {
	c := NewAnthropicCodec(testBudget())

	body, err := c.EncodeModelList([]wire.Model{
		{ID: "claude-3-5-sonnet-20241022", CreatedAt: 1729555200},
	})
	require.NoError(t, err)

	var out struct {
		Data []struct {
			Type        string `json:"type"`
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
		HasMore bool `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "model", out.Data[0].Type)
	assert.Equal(t, "claude-3-5-sonnet-20241022", out.Data[0].ID)
	assert.Equal(t, "claude-3-5-sonnet-20241022", out.Data[0].DisplayName)
	assert.False(t, out.HasMore)

	models, err := c.DecodeModelList(body)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "claude-3-5-sonnet-20241022", models[0].ID)
}
