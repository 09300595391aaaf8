package translate

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/httpclient"
	"github.com/polyrelay/polyrelay/pkg/sse"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

const anthropicVersion = "2023-06-01"

// AnthropicCodec maps the messages dialect to and from the neutral model.
type AnthropicCodec struct {
	budget *BudgetMapper
}

func NewAnthropicCodec(budget *BudgetMapper) *AnthropicCodec {
	return &AnthropicCodec{budget: budget}
}

func (c *AnthropicCodec) Family() wire.Family {
	return wire.FamilyAnthropic
}

type anthropicRequest struct {
	Model         string               `json:"model"`
	System        json.RawMessage      `json:"system,omitempty"`
	Messages      []anthropicMessage   `json:"messages"`
	MaxTokens     int                  `json:"max_tokens"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	TopK          *int                 `json:"top_k,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking   `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *anthropicSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	Thinking string `json:"thinking,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type,omitempty"`
	Role         string           `json:"role,omitempty"`
	Model        string           `json:"model,omitempty"`
	Content      []anthropicBlock `json:"content"`
	StopReason   *string          `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        *anthropicUsage  `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
}

func (c *AnthropicCodec) DecodeRequest(body []byte) (*wire.Request, error) {
	var in anthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, apierr.InvalidRequest("body", err.Error())
	}
	if in.Model == "" {
		return nil, apierr.InvalidRequest("model", "model is required")
	}
	if len(in.Messages) == 0 {
		return nil, apierr.InvalidRequest("messages", "messages must not be empty")
	}

	out := &wire.Request{Model: in.Model, Stream: in.Stream}

	if len(in.System) > 0 {
		system, err := decodeAnthropicSystem(in.System)
		if err != nil {
			return nil, err
		}
		out.System = system
	}

	for i, msg := range in.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		if msg.Role != "user" && msg.Role != "assistant" {
			return nil, apierr.InvalidRequest(field+".role", "role must be user or assistant")
		}
		blocks, err := decodeAnthropicContent(msg.Content, field+".content")
		if err != nil {
			return nil, err
		}

		// Tool results live inside user messages on this wire; the
		// neutral model keeps them in a dedicated tool turn.
		var results, rest []wire.Part
		for _, p := range blocks {
			if p.Kind == wire.PartToolResult {
				results = append(results, p)
			} else {
				rest = append(rest, p)
			}
		}
		if len(results) > 0 {
			out.Messages = append(out.Messages, wire.Turn{Role: wire.RoleTool, Content: results})
		}
		if len(rest) > 0 || len(results) == 0 {
			out.Messages = append(out.Messages, wire.Turn{Role: wire.Role(msg.Role), Content: rest})
		}
	}

	for _, t := range in.Tools {
		out.Tools = append(out.Tools, wire.ToolDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	if tc := in.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto":
			out.ToolChoice = wire.ToolChoice{Mode: wire.ToolChoiceAuto}
		case "any":
			out.ToolChoice = wire.ToolChoice{Mode: wire.ToolChoiceRequired}
		case "none":
			out.ToolChoice = wire.ToolChoice{Mode: wire.ToolChoiceNone}
		case "tool":
			out.ToolChoice = wire.ToolChoice{Mode: wire.ToolChoiceNamed, Name: tc.Name}
		default:
			return nil, apierr.InvalidRequest("tool_choice.type", "unknown tool_choice "+tc.Type)
		}
	}

	if in.MaxTokens > 0 {
		out.Gen.MaxTokens = intPtr(in.MaxTokens)
	}
	out.Gen.Temperature = in.Temperature
	out.Gen.TopP = in.TopP
	out.Gen.TopK = in.TopK
	out.Gen.Stop = in.StopSequences

	if th := in.Thinking; th != nil && th.Type == "enabled" {
		out.Thinking = wire.Thinking{
			Kind:   wire.ThinkingBudget,
			Budget: th.BudgetTokens,
			Origin: wire.FamilyAnthropic,
		}
	}

	return out, nil
}

func decodeAnthropicSystem(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", apierr.InvalidRequest("system", "must be a string or an array of text blocks")
	}
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return joinNonEmpty(texts, "\n\n"), nil
}

func decodeAnthropicContent(raw json.RawMessage, field string) ([]wire.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []wire.Part{wire.TextPart(text)}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, apierr.InvalidRequest(field, "content must be a string or an array of blocks")
	}

	var parts []wire.Part
	for i, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, wire.TextPart(b.Text))

		case "thinking":
			parts = append(parts, wire.Part{Kind: wire.PartThinking, Text: b.Thinking})

		case "image":
			if b.Source == nil {
				return nil, apierr.InvalidRequest(fmt.Sprintf("%s[%d].source", field, i), "image source is required")
			}
			part := wire.Part{Kind: wire.PartImage, MediaType: b.Source.MediaType}
			switch b.Source.Type {
			case "base64":
				part.Source = wire.ImageSourceInline
				part.Data = b.Source.Data
			case "url":
				part.Source = wire.ImageSourceURL
				part.URL = b.Source.URL
			default:
				return nil, apierr.InvalidRequest(fmt.Sprintf("%s[%d].source.type", field, i), "unknown image source "+b.Source.Type)
			}
			parts = append(parts, part)

		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			id := b.ID
			if id == "" {
				id = newID("toolu_")
			}
			parts = append(parts, wire.Part{Kind: wire.PartToolCall, ID: id, Name: b.Name, Args: args})

		case "tool_result":
			inner, err := decodeAnthropicContent(b.Content, fmt.Sprintf("%s[%d].content", field, i))
			if err != nil {
				return nil, err
			}
			parts = append(parts, wire.Part{
				Kind:    wire.PartToolResult,
				CallID:  b.ToolUseID,
				Result:  inner,
				IsError: b.IsError,
			})

		default:
			return nil, apierr.InvalidRequest(fmt.Sprintf("%s[%d].type", field, i), "unknown content block type "+b.Type)
		}
	}
	return parts, nil
}

func (c *AnthropicCodec) EncodeRequest(req *wire.Request) ([]byte, error) {
	if rf := req.Gen.ResponseFormat; rf != nil && rf.Type != wire.ResponseFormatText {
		return nil, apierr.Unsupported("response_format")
	}

	out := anthropicRequest{Model: req.Model, Stream: req.Stream}
	if req.System != "" {
		out.System = mustJSON(req.System)
	}

	// Tool turns become user turns carrying tool_result blocks, then
	// consecutive same-role turns merge, as this wire requires.
	var merged []anthropicMessage
	appendBlocks := func(role string, blocks []anthropicBlock) {
		if len(merged) > 0 && merged[len(merged)-1].Role == role {
			var existing []anthropicBlock
			_ = json.Unmarshal(merged[len(merged)-1].Content, &existing)
			merged[len(merged)-1].Content = mustJSON(append(existing, blocks...))
			return
		}
		merged = append(merged, anthropicMessage{Role: role, Content: mustJSON(blocks)})
	}

	for _, turn := range req.Messages {
		role := string(turn.Role)
		if turn.Role == wire.RoleTool {
			role = "user"
		}
		blocks, err := encodeAnthropicBlocks(turn.Content)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		appendBlocks(role, blocks)
	}
	out.Messages = merged

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	switch req.ToolChoice.Mode {
	case wire.ToolChoiceAuto:
		out.ToolChoice = &anthropicToolChoice{Type: "auto"}
	case wire.ToolChoiceRequired:
		out.ToolChoice = &anthropicToolChoice{Type: "any"}
	case wire.ToolChoiceNone:
		out.ToolChoice = &anthropicToolChoice{Type: "none"}
	case wire.ToolChoiceNamed:
		out.ToolChoice = &anthropicToolChoice{Type: "tool", Name: req.ToolChoice.Name}
	}

	// max_tokens is mandatory on this wire.
	if req.Gen.MaxTokens != nil {
		out.MaxTokens = *req.Gen.MaxTokens
	} else if fallback := c.budget.AnthropicMaxTokens(req.Model); fallback > 0 {
		out.MaxTokens = fallback
	} else {
		return nil, apierr.InvalidRequest("max_tokens", "max_tokens is required")
	}
	out.Temperature = req.Gen.Temperature
	out.TopP = req.Gen.TopP
	out.TopK = req.Gen.TopK
	out.StopSequences = req.Gen.Stop

	switch req.Thinking.Kind {
	case wire.ThinkingEffort:
		out.Thinking = &anthropicThinking{
			Type:         "enabled",
			BudgetTokens: c.budget.EffortToAnthropicTokens(req.Thinking.Effort),
		}
	case wire.ThinkingBudget:
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: req.Thinking.Budget}
	}

	return json.Marshal(out)
}

func encodeAnthropicBlocks(parts []wire.Part) ([]anthropicBlock, error) {
	var blocks []anthropicBlock
	for _, p := range parts {
		switch p.Kind {
		case wire.PartText:
			if p.Text == "" {
				continue
			}
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})

		case wire.PartThinking:
			// Thinking output from another family has no replayable
			// signature; folded into plain text on resend.
			if p.Text != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
			}

		case wire.PartImage:
			src := &anthropicSource{MediaType: p.MediaType}
			if p.Source == wire.ImageSourceInline {
				src.Type = "base64"
				src.Data = p.Data
			} else {
				src.Type = "url"
				src.URL = p.URL
			}
			blocks = append(blocks, anthropicBlock{Type: "image", Source: src})

		case wire.PartToolCall:
			input := json.RawMessage(p.Args)
			if p.Args == "" {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: p.ID, Name: p.Name, Input: input})

		case wire.PartToolResult:
			inner, err := encodeAnthropicBlocks(p.Result)
			if err != nil {
				return nil, err
			}
			b := anthropicBlock{Type: "tool_result", ToolUseID: p.CallID, IsError: p.IsError}
			if len(inner) > 0 {
				b.Content = mustJSON(inner)
			}
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

func (c *AnthropicCodec) DecodeResponse(body []byte) (*wire.Response, error) {
	var in anthropicResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to parse message response: %w", err)
	}

	resp := &wire.Response{
		ID:           in.ID,
		Model:        in.Model,
		FinishReason: anthropicFinishToNeutral(in.StopReason),
		Usage:        decodeAnthropicUsage(in.Usage),
	}

	for _, b := range in.Content {
		switch b.Type {
		case "text":
			resp.Content = append(resp.Content, wire.TextPart(b.Text))
		case "thinking":
			resp.Content = append(resp.Content, wire.Part{Kind: wire.PartThinking, Text: b.Thinking})
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			resp.Content = append(resp.Content, wire.Part{
				Kind: wire.PartToolCall, ID: b.ID, Name: b.Name, Args: args,
			})
		}
	}

	return resp, nil
}

func (c *AnthropicCodec) EncodeResponse(resp *wire.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = newID("msg_")
	}

	blocks := make([]anthropicBlock, 0, len(resp.Content))
	for _, p := range resp.Content {
		switch p.Kind {
		case wire.PartText:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
		case wire.PartThinking:
			blocks = append(blocks, anthropicBlock{Type: "thinking", Thinking: p.Text})
		case wire.PartToolCall:
			input := json.RawMessage(p.Args)
			if p.Args == "" {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: p.ID, Name: p.Name, Input: input})
		}
	}

	stop := neutralFinishToAnthropic(resp.FinishReason)
	out := anthropicResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    blocks,
		StopReason: &stop,
		Usage:      encodeAnthropicUsage(resp.Usage),
	}
	return json.Marshal(out)
}

func decodeAnthropicUsage(u *anthropicUsage) *wire.Usage {
	if u == nil {
		return nil
	}
	return &wire.Usage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens}
}

func encodeAnthropicUsage(u *wire.Usage) *anthropicUsage {
	if u == nil {
		return nil
	}
	return &anthropicUsage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

func anthropicFinishToNeutral(reason *string) wire.FinishReason {
	if reason == nil || *reason == "" {
		return wire.FinishOther
	}
	switch *reason {
	case "end_turn":
		return wire.FinishStop
	case "max_tokens":
		return wire.FinishLength
	case "tool_use":
		return wire.FinishToolUse
	case "stop_sequence":
		return wire.FinishStop
	default:
		return wire.FinishOther
	}
}

func neutralFinishToAnthropic(reason wire.FinishReason) string {
	switch reason {
	case wire.FinishLength:
		return "max_tokens"
	case wire.FinishToolUse:
		return "tool_use"
	case wire.FinishContentFilter:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// -- streaming --

type anthropicStreamEvent struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	Message      *anthropicResponse    `json:"message,omitempty"`
	ContentBlock *anthropicBlock       `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta `json:"delta,omitempty"`
	Usage        *anthropicUsage       `json:"usage,omitempty"`
	Error        *anthropicStreamError `json:"error,omitempty"`
}

type anthropicStreamDelta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	StopReason   *string `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

type anthropicStreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamDecoder struct {
	r *sse.Reader
}

func (c *AnthropicCodec) NewStreamDecoder(r io.Reader) StreamDecoder {
	return &anthropicStreamDecoder{r: sse.NewReader(r)}
}

func (d *anthropicStreamDecoder) Next() (wire.StreamEvent, error) {
	for {
		frame, err := d.r.Next()
		if err != nil {
			return wire.StreamEvent{}, err
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			out := wire.StreamEvent{Type: wire.EventMessageStart}
			if ev.Message != nil {
				out.MessageID = ev.Message.ID
				out.Model = ev.Message.Model
			}
			return out, nil

		case "content_block_start":
			out := wire.StreamEvent{Type: wire.EventBlockStart, Index: ev.Index, BlockKind: wire.BlockText}
			if b := ev.ContentBlock; b != nil {
				switch b.Type {
				case "tool_use":
					out.BlockKind = wire.BlockToolCall
					out.ToolName = b.Name
					out.ToolID = b.ID
				case "thinking":
					out.BlockKind = wire.BlockThinking
				}
			}
			return out, nil

		case "content_block_delta":
			out := wire.StreamEvent{Type: wire.EventBlockDelta, Index: ev.Index}
			if del := ev.Delta; del != nil {
				switch del.Type {
				case "input_json_delta":
					out.Delta = wire.DeltaJSON
					out.JSON = del.PartialJSON
				case "thinking_delta":
					out.Delta = wire.DeltaThinking
					out.Text = del.Thinking
				default:
					out.Delta = wire.DeltaText
					out.Text = del.Text
				}
			}
			return out, nil

		case "content_block_stop":
			return wire.StreamEvent{Type: wire.EventBlockStop, Index: ev.Index}, nil

		case "message_delta":
			out := wire.StreamEvent{Type: wire.EventMessageDelta, Usage: decodeAnthropicUsage(ev.Usage)}
			if ev.Delta != nil {
				out.FinishReason = anthropicFinishToNeutral(ev.Delta.StopReason)
			}
			return out, nil

		case "message_stop":
			return wire.StreamEvent{Type: wire.EventMessageStop}, nil

		case "error":
			msg := "upstream stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return wire.StreamEvent{}, fmt.Errorf("stream error event: %s", msg)

		default:
			// ping and future event types
			continue
		}
	}
}

type anthropicStreamEncoder struct {
	w *sse.Writer
}

func (c *AnthropicCodec) NewStreamEncoder(w io.Writer) StreamEncoder {
	return &anthropicStreamEncoder{w: sse.NewWriter(w)}
}

func (e *anthropicStreamEncoder) Write(ev wire.StreamEvent) error {
	switch ev.Type {
	case wire.EventMessageStart:
		id := ev.MessageID
		if id == "" {
			id = newID("msg_")
		}
		return e.writeEvent("message_start", map[string]interface{}{
			"type": "message_start",
			"message": map[string]interface{}{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"model":         ev.Model,
				"content":       []interface{}{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		})

	case wire.EventBlockStart:
		var block map[string]interface{}
		switch ev.BlockKind {
		case wire.BlockToolCall:
			id := ev.ToolID
			if id == "" {
				id = newID("toolu_")
			}
			block = map[string]interface{}{
				"type": "tool_use", "id": id, "name": ev.ToolName, "input": map[string]interface{}{},
			}
		case wire.BlockThinking:
			block = map[string]interface{}{"type": "thinking", "thinking": ""}
		default:
			block = map[string]interface{}{"type": "text", "text": ""}
		}
		return e.writeEvent("content_block_start", map[string]interface{}{
			"type":          "content_block_start",
			"index":         ev.Index,
			"content_block": block,
		})

	case wire.EventBlockDelta:
		var delta map[string]interface{}
		switch ev.Delta {
		case wire.DeltaJSON:
			delta = map[string]interface{}{"type": "input_json_delta", "partial_json": ev.JSON}
		case wire.DeltaThinking:
			delta = map[string]interface{}{"type": "thinking_delta", "thinking": ev.Text}
		default:
			delta = map[string]interface{}{"type": "text_delta", "text": ev.Text}
		}
		return e.writeEvent("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": delta,
		})

	case wire.EventBlockStop:
		return e.writeEvent("content_block_stop", map[string]interface{}{
			"type":  "content_block_stop",
			"index": ev.Index,
		})

	case wire.EventMessageDelta:
		usage := map[string]int{"output_tokens": 0}
		if ev.Usage != nil && ev.Usage.CompletionTokens != nil {
			usage["output_tokens"] = *ev.Usage.CompletionTokens
		}
		return e.writeEvent("message_delta", map[string]interface{}{
			"type": "message_delta",
			"delta": map[string]interface{}{
				"stop_reason":   neutralFinishToAnthropic(ev.FinishReason),
				"stop_sequence": nil,
			},
			"usage": usage,
		})

	case wire.EventMessageStop:
		return e.writeEvent("message_stop", map[string]interface{}{"type": "message_stop"})
	}
	return nil
}

func (e *anthropicStreamEncoder) writeEvent(name string, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.w.WriteEvent(name, string(data))
}

// -- model listing --

type anthropicModelList struct {
	Data    []anthropicModelInfo `json:"data"`
	HasMore bool                 `json:"has_more"`
	FirstID *string              `json:"first_id"`
	LastID  *string              `json:"last_id"`
}

type anthropicModelInfo struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

func (c *AnthropicCodec) DecodeModelList(body []byte) ([]wire.Model, error) {
	var in anthropicModelList
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	models := make([]wire.Model, 0, len(in.Data))
	for _, m := range in.Data {
		var created int64
		if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
			created = t.Unix()
		}
		models = append(models, wire.Model{ID: m.ID, CreatedAt: created, OwnedBy: "anthropic"})
	}
	return models, nil
}

func (c *AnthropicCodec) EncodeModelList(models []wire.Model) ([]byte, error) {
	out := anthropicModelList{Data: make([]anthropicModelInfo, 0, len(models))}
	for _, m := range models {
		info := anthropicModelInfo{Type: "model", ID: m.ID, DisplayName: m.ID}
		if m.CreatedAt > 0 {
			info.CreatedAt = time.Unix(m.CreatedAt, 0).UTC().Format(time.RFC3339)
		}
		out.Data = append(out.Data, info)
	}
	if len(out.Data) > 0 {
		out.FirstID = &out.Data[0].ID
		out.LastID = &out.Data[len(out.Data)-1].ID
	}
	return json.Marshal(out)
}

// -- dispatch capabilities --

func (c *AnthropicCodec) ChatPath(model string, stream bool) string {
	return "/v1/messages"
}

func (c *AnthropicCodec) ModelListPath() string {
	return "/v1/models"
}

func (c *AnthropicCodec) Authorize(req *http.Request, credential string) {
	req.Header.Set("x-api-key", credential)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (c *AnthropicCodec) RateLimitParser() httpclient.RateLimitHeaderParser {
	return httpclient.ParseAnthropicHeaders
}

func joinNonEmpty(parts []string, sep string) string {
	var out string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += p
	}
	return out
}
