package translate

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/httpclient"
	"github.com/polyrelay/polyrelay/pkg/sse"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

// OpenAICodec maps the chat-completions dialect to and from the neutral
// model.
type OpenAICodec struct {
	budget *BudgetMapper
}

func NewOpenAICodec(budget *BudgetMapper) *OpenAICodec {
	return &OpenAICodec{budget: budget}
}

func (c *OpenAICodec) Family() wire.Family {
	return wire.FamilyOpenAI
}

type openaiRequest struct {
	Model               string                `json:"model"`
	Messages            []openaiMessage       `json:"messages"`
	Tools               []openaiTool          `json:"tools,omitempty"`
	ToolChoice          json.RawMessage       `json:"tool_choice,omitempty"`
	MaxTokens           *int                  `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	TopP                *float64              `json:"top_p,omitempty"`
	Stop                json.RawMessage       `json:"stop,omitempty"`
	Stream              bool                  `json:"stream,omitempty"`
	ReasoningEffort     string                `json:"reasoning_effort,omitempty"`
	ResponseFormat      *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openaiResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openaiJSONSchema `json:"json_schema,omitempty"`
}

type openaiJSONSchema struct {
	Name   string                 `json:"name,omitempty"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object,omitempty"`
	Created int64          `json:"created,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int            `json:"index"`
	Message      *openaiMessage `json:"message,omitempty"`
	Delta        *openaiDelta   `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type openaiDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   *string          `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

func (c *OpenAICodec) DecodeRequest(body []byte) (*wire.Request, error) {
	var in openaiRequest
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

	var systems []string
	for i, msg := range in.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		switch msg.Role {
		case "system", "developer":
			parts, err := decodeOpenAIContent(msg.Content, field+".content")
			if err != nil {
				return nil, err
			}
			systems = append(systems, flattenText(parts))

		case "tool":
			if msg.ToolCallID == "" {
				return nil, apierr.InvalidRequest(field+".tool_call_id", "tool messages require tool_call_id")
			}
			parts, err := decodeOpenAIContent(msg.Content, field+".content")
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, wire.Turn{
				Role: wire.RoleTool,
				Content: []wire.Part{{
					Kind:   wire.PartToolResult,
					CallID: msg.ToolCallID,
					Result: parts,
				}},
			})

		case "user", "assistant":
			parts, err := decodeOpenAIContent(msg.Content, field+".content")
			if err != nil {
				return nil, err
			}
			for _, tc := range msg.ToolCalls {
				id := tc.ID
				if id == "" {
					id = newID("call_")
				}
				args := tc.Function.Arguments
				if args == "" {
					args = "{}"
				}
				parts = append(parts, wire.Part{
					Kind: wire.PartToolCall,
					ID:   id,
					Name: tc.Function.Name,
					Args: args,
				})
			}
			out.Messages = append(out.Messages, wire.Turn{Role: wire.Role(msg.Role), Content: parts})

		default:
			return nil, apierr.InvalidRequest(field+".role", "unknown role "+msg.Role)
		}
	}
	out.System = strings.Join(systems, "\n\n")

	for _, t := range in.Tools {
		out.Tools = append(out.Tools, wire.ToolDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	choice, err := decodeOpenAIToolChoice(in.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = choice

	if in.MaxCompletionTokens != nil {
		out.Gen.MaxTokens = in.MaxCompletionTokens
	} else {
		out.Gen.MaxTokens = in.MaxTokens
	}
	out.Gen.Temperature = in.Temperature
	out.Gen.TopP = in.TopP
	out.Gen.Stop = decodeStopSequences(in.Stop)

	if in.ResponseFormat != nil {
		switch in.ResponseFormat.Type {
		case "json_object":
			out.Gen.ResponseFormat = &wire.ResponseFormat{Type: wire.ResponseFormatJSON}
		case "json_schema":
			rf := &wire.ResponseFormat{Type: wire.ResponseFormatSchema}
			if js := in.ResponseFormat.JSONSchema; js != nil {
				rf.Name = js.Name
				rf.Schema = js.Schema
			}
			out.Gen.ResponseFormat = rf
		}
	}

	if in.ReasoningEffort != "" {
		switch in.ReasoningEffort {
		case "low", "medium", "high":
			out.Thinking = wire.Thinking{
				Kind:   wire.ThinkingEffort,
				Effort: wire.Effort(in.ReasoningEffort),
				Origin: wire.FamilyOpenAI,
			}
		default:
			return nil, apierr.InvalidRequest("reasoning_effort", "must be low, medium or high")
		}
	}

	return out, nil
}

func decodeOpenAIContent(raw json.RawMessage, field string) ([]wire.Part, error) {
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

	var arr []openaiContentPart
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, apierr.InvalidRequest(field, "content must be a string or an array of parts")
	}

	var parts []wire.Part
	for i, p := range arr {
		switch p.Type {
		case "text":
			parts = append(parts, wire.TextPart(p.Text))
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return nil, apierr.InvalidRequest(fmt.Sprintf("%s[%d].image_url", field, i), "image_url.url is required")
			}
			part := wire.Part{Kind: wire.PartImage}
			if mt, data, ok := parseDataURI(p.ImageURL.URL); ok {
				part.Source = wire.ImageSourceInline
				part.MediaType = mt
				part.Data = data
			} else {
				part.Source = wire.ImageSourceURL
				part.URL = p.ImageURL.URL
			}
			parts = append(parts, part)
		default:
			return nil, apierr.InvalidRequest(fmt.Sprintf("%s[%d].type", field, i), "unknown content part type "+p.Type)
		}
	}
	return parts, nil
}

func decodeOpenAIToolChoice(raw json.RawMessage) (wire.ToolChoice, error) {
	if len(raw) == 0 {
		return wire.ToolChoice{}, nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return wire.ToolChoice{Mode: wire.ToolChoiceAuto}, nil
		case "none":
			return wire.ToolChoice{Mode: wire.ToolChoiceNone}, nil
		case "required":
			return wire.ToolChoice{Mode: wire.ToolChoiceRequired}, nil
		default:
			return wire.ToolChoice{}, apierr.InvalidRequest("tool_choice", "unknown tool_choice "+mode)
		}
	}

	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Function.Name == "" {
		return wire.ToolChoice{}, apierr.InvalidRequest("tool_choice", "must be a mode string or a named function")
	}
	return wire.ToolChoice{Mode: wire.ToolChoiceNamed, Name: named.Function.Name}, nil
}

func decodeStopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func (c *OpenAICodec) EncodeRequest(req *wire.Request) ([]byte, error) {
	out := openaiRequest{Model: req.Model, Stream: req.Stream}

	if req.System != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: mustJSON(req.System)})
	}

	// Tool results without a matching call upset the upstream validator,
	// so orphans are dropped.
	knownCalls := make(map[string]bool)
	for _, turn := range req.Messages {
		for _, p := range turn.Content {
			if p.Kind == wire.PartToolCall {
				knownCalls[p.ID] = true
			}
		}
	}

	for _, turn := range req.Messages {
		if turn.Role == wire.RoleTool {
			for _, p := range turn.Content {
				if p.Kind != wire.PartToolResult || !knownCalls[p.CallID] {
					continue
				}
				out.Messages = append(out.Messages, openaiMessage{
					Role:       "tool",
					ToolCallID: p.CallID,
					Content:    mustJSON(flattenText(p.Result)),
				})
			}
			continue
		}

		msg := openaiMessage{Role: string(turn.Role)}
		var parts []openaiContentPart
		imageSeen := false
		for _, p := range turn.Content {
			switch p.Kind {
			case wire.PartText:
				parts = append(parts, openaiContentPart{Type: "text", Text: p.Text})
			case wire.PartImage:
				imageSeen = true
				url := p.URL
				if p.Source == wire.ImageSourceInline {
					url = dataURI(p.MediaType, p.Data)
				}
				parts = append(parts, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: url}})
			case wire.PartToolCall:
				args := p.Args
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
					ID:       p.ID,
					Type:     "function",
					Function: openaiFunctionCall{Name: p.Name, Arguments: args},
				})
			case wire.PartThinking:
				// No inbound wire form; dropped.
			}
		}

		switch {
		case len(parts) == 1 && !imageSeen:
			msg.Content = mustJSON(parts[0].Text)
		case len(parts) > 0:
			msg.Content = mustJSON(parts)
		case len(msg.ToolCalls) == 0:
			msg.Content = mustJSON("")
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type:     "function",
			Function: openaiFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	switch req.ToolChoice.Mode {
	case wire.ToolChoiceAuto:
		out.ToolChoice = mustJSON("auto")
	case wire.ToolChoiceNone:
		out.ToolChoice = mustJSON("none")
	case wire.ToolChoiceRequired:
		out.ToolChoice = mustJSON("required")
	case wire.ToolChoiceNamed:
		out.ToolChoice = mustJSON(map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": req.ToolChoice.Name},
		})
	}

	out.Temperature = req.Gen.Temperature
	out.TopP = req.Gen.TopP
	if len(req.Gen.Stop) > 0 {
		out.Stop = mustJSON(req.Gen.Stop)
	}
	if rf := req.Gen.ResponseFormat; rf != nil {
		switch rf.Type {
		case wire.ResponseFormatJSON:
			out.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
		case wire.ResponseFormatSchema:
			out.ResponseFormat = &openaiResponseFormat{
				Type:       "json_schema",
				JSONSchema: &openaiJSONSchema{Name: rf.Name, Schema: rf.Schema},
			}
		}
	}

	switch req.Thinking.Kind {
	case wire.ThinkingEffort:
		out.ReasoningEffort = string(req.Thinking.Effort)
	case wire.ThinkingBudget:
		out.ReasoningEffort = string(c.budget.BudgetToEffort(req.Thinking.Budget, req.Thinking.Origin))
	}

	// Reasoning models reject max_tokens; the budget rides in
	// max_completion_tokens instead.
	if out.ReasoningEffort != "" {
		if req.Gen.MaxTokens != nil {
			out.MaxCompletionTokens = req.Gen.MaxTokens
		} else {
			out.MaxCompletionTokens = intPtr(c.budget.ReasoningMaxTokens())
		}
	} else {
		out.MaxTokens = req.Gen.MaxTokens
	}

	return json.Marshal(out)
}

const thinkingOpenTag = "<thinking>"
const thinkingCloseTag = "</thinking>"

func (c *OpenAICodec) DecodeResponse(body []byte) (*wire.Response, error) {
	var in openaiResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to parse chat completion: %w", err)
	}

	resp := &wire.Response{
		ID:        in.ID,
		Model:     in.Model,
		CreatedAt: in.Created,
		Usage:     decodeOpenAIUsage(in.Usage),
	}

	if len(in.Choices) == 0 {
		resp.FinishReason = wire.FinishOther
		return resp, nil
	}
	choice := in.Choices[0]
	resp.FinishReason = openaiFinishToNeutral(choice.FinishReason)

	if msg := choice.Message; msg != nil {
		var text string
		if len(msg.Content) > 0 {
			parts, err := decodeOpenAIContent(msg.Content, "choices[0].message.content")
			if err != nil {
				return nil, err
			}
			text = flattenText(parts)
		}

		// Some reasoning-tuned upstreams prefix visible output with an
		// inline thinking section; surface it as a typed part.
		if thinking, rest, ok := splitThinkingTags(text); ok {
			resp.Content = append(resp.Content, wire.Part{Kind: wire.PartThinking, Text: thinking})
			text = rest
		}
		if text != "" {
			resp.Content = append(resp.Content, wire.TextPart(text))
		}

		for _, tc := range msg.ToolCalls {
			args := tc.Function.Arguments
			if args == "" {
				args = "{}"
			}
			resp.Content = append(resp.Content, wire.Part{
				Kind: wire.PartToolCall,
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			})
		}
	}

	return resp, nil
}

func splitThinkingTags(text string) (thinking, rest string, ok bool) {
	trimmed := strings.TrimLeft(text, " \n")
	if !strings.HasPrefix(trimmed, thinkingOpenTag) {
		return "", text, false
	}
	inner, after, found := strings.Cut(trimmed[len(thinkingOpenTag):], thinkingCloseTag)
	if !found {
		return "", text, false
	}
	return strings.TrimSpace(inner), strings.TrimLeft(after, " \n"), true
}

func (c *OpenAICodec) EncodeResponse(resp *wire.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = newID("chatcmpl-")
	}
	created := resp.CreatedAt
	if created == 0 {
		created = time.Now().Unix()
	}

	var sb strings.Builder
	var toolCalls []openaiToolCall
	for _, p := range resp.Content {
		switch p.Kind {
		case wire.PartThinking:
			if p.Text != "" {
				sb.WriteString(thinkingOpenTag + p.Text + thinkingCloseTag + "\n")
			}
		case wire.PartText:
			sb.WriteString(p.Text)
		case wire.PartToolCall:
			args := p.Args
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, openaiToolCall{
				ID:       p.ID,
				Type:     "function",
				Function: openaiFunctionCall{Name: p.Name, Arguments: args},
			})
		}
	}

	msg := &openaiMessage{Role: "assistant", ToolCalls: toolCalls}
	if sb.Len() > 0 || len(toolCalls) == 0 {
		msg.Content = mustJSON(sb.String())
	}

	finish := neutralFinishToOpenAI(resp.FinishReason)
	out := openaiResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []openaiChoice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage:   encodeOpenAIUsage(resp.Usage),
	}
	return json.Marshal(out)
}

func decodeOpenAIUsage(u *openaiUsage) *wire.Usage {
	if u == nil {
		return nil
	}
	return &wire.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func encodeOpenAIUsage(u *wire.Usage) *openaiUsage {
	if u == nil {
		return nil
	}
	return &openaiUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func openaiFinishToNeutral(reason *string) wire.FinishReason {
	if reason == nil || *reason == "" {
		return wire.FinishOther
	}
	switch *reason {
	case "stop":
		return wire.FinishStop
	case "length":
		return wire.FinishLength
	case "tool_calls", "function_call":
		return wire.FinishToolUse
	case "content_filter":
		return wire.FinishContentFilter
	default:
		return wire.FinishOther
	}
}

func neutralFinishToOpenAI(reason wire.FinishReason) string {
	switch reason {
	case wire.FinishLength:
		return "length"
	case wire.FinishToolUse:
		return "tool_calls"
	case wire.FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// -- streaming --

type openaiStreamDecoder struct {
	r       *sse.Reader
	pending []wire.StreamEvent

	started    bool
	textOpen   bool
	textIndex  int
	nextIndex  int
	toolIndex  map[int]int // upstream tool_calls index -> block index
	openTools  []int
	finishSeen bool
	done       bool
}

func (c *OpenAICodec) NewStreamDecoder(r io.Reader) StreamDecoder {
	return &openaiStreamDecoder{
		r:         sse.NewReader(r),
		toolIndex: make(map[int]int),
	}
}

func (d *openaiStreamDecoder) Next() (wire.StreamEvent, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.done {
			return wire.StreamEvent{}, io.EOF
		}

		frame, err := d.r.Next()
		if err != nil {
			return wire.StreamEvent{}, err
		}
		if frame.IsDone() {
			d.done = true
			d.closeAllBlocks()
			if !d.finishSeen && d.started {
				d.push(wire.StreamEvent{Type: wire.EventMessageDelta, FinishReason: wire.FinishOther})
			}
			if d.started {
				d.push(wire.StreamEvent{Type: wire.EventMessageStop})
			}
			continue
		}

		var chunk openaiResponse
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			// Keep-alive or vendor extension frame; skip.
			continue
		}
		d.consumeChunk(&chunk)
	}
}

func (d *openaiStreamDecoder) consumeChunk(chunk *openaiResponse) {
	if !d.started {
		d.started = true
		id := chunk.ID
		if id == "" {
			id = newID("chatcmpl-")
		}
		d.push(wire.StreamEvent{Type: wire.EventMessageStart, MessageID: id, Model: chunk.Model})
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if delta := choice.Delta; delta != nil {
		if delta.Content != nil && *delta.Content != "" {
			if !d.textOpen {
				d.textOpen = true
				d.textIndex = d.nextIndex
				d.nextIndex++
				d.push(wire.StreamEvent{Type: wire.EventBlockStart, Index: d.textIndex, BlockKind: wire.BlockText})
			}
			d.push(wire.StreamEvent{
				Type: wire.EventBlockDelta, Index: d.textIndex,
				Delta: wire.DeltaText, Text: *delta.Content,
			})
		}

		for _, tc := range delta.ToolCalls {
			upstream := intValue(tc.Index)
			block, open := d.toolIndex[upstream]
			if !open {
				block = d.nextIndex
				d.nextIndex++
				d.toolIndex[upstream] = block
				d.openTools = append(d.openTools, block)
				id := tc.ID
				if id == "" {
					id = newID("call_")
				}
				d.push(wire.StreamEvent{
					Type: wire.EventBlockStart, Index: block,
					BlockKind: wire.BlockToolCall, ToolName: tc.Function.Name, ToolID: id,
				})
			}
			if tc.Function.Arguments != "" {
				d.push(wire.StreamEvent{
					Type: wire.EventBlockDelta, Index: block,
					Delta: wire.DeltaJSON, JSON: tc.Function.Arguments,
				})
			}
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		d.closeAllBlocks()
		d.finishSeen = true
		d.push(wire.StreamEvent{
			Type:         wire.EventMessageDelta,
			FinishReason: openaiFinishToNeutral(choice.FinishReason),
			Usage:        decodeOpenAIUsage(chunk.Usage),
		})
	}
}

func (d *openaiStreamDecoder) closeAllBlocks() {
	for _, block := range d.openTools {
		d.push(wire.StreamEvent{Type: wire.EventBlockStop, Index: block})
	}
	d.openTools = nil
	d.toolIndex = make(map[int]int)
	if d.textOpen {
		d.push(wire.StreamEvent{Type: wire.EventBlockStop, Index: d.textIndex})
		d.textOpen = false
	}
}

func (d *openaiStreamDecoder) push(ev wire.StreamEvent) {
	d.pending = append(d.pending, ev)
}

type openaiStreamEncoder struct {
	w       *sse.Writer
	id      string
	model   string
	created int64

	toolSlot map[int]int // neutral block index -> tool_calls slot
	nextSlot int
}

func (c *OpenAICodec) NewStreamEncoder(w io.Writer) StreamEncoder {
	return &openaiStreamEncoder{
		w:        sse.NewWriter(w),
		toolSlot: make(map[int]int),
	}
}

func (e *openaiStreamEncoder) Write(ev wire.StreamEvent) error {
	switch ev.Type {
	case wire.EventMessageStart:
		e.id = ev.MessageID
		if e.id == "" {
			e.id = newID("chatcmpl-")
		}
		e.model = ev.Model
		e.created = time.Now().Unix()
		empty := ""
		return e.writeChunk(&openaiDelta{Role: "assistant", Content: &empty}, nil, nil)

	case wire.EventBlockStart:
		if ev.BlockKind != wire.BlockToolCall {
			return nil
		}
		slot := e.nextSlot
		e.nextSlot++
		e.toolSlot[ev.Index] = slot
		return e.writeChunk(&openaiDelta{ToolCalls: []openaiToolCall{{
			Index:    intPtr(slot),
			ID:       ev.ToolID,
			Type:     "function",
			Function: openaiFunctionCall{Name: ev.ToolName, Arguments: ""},
		}}}, nil, nil)

	case wire.EventBlockDelta:
		switch ev.Delta {
		case wire.DeltaText:
			return e.writeChunk(&openaiDelta{Content: &ev.Text}, nil, nil)
		case wire.DeltaJSON:
			slot := e.toolSlot[ev.Index]
			return e.writeChunk(&openaiDelta{ToolCalls: []openaiToolCall{{
				Index:    intPtr(slot),
				Function: openaiFunctionCall{Arguments: ev.JSON},
			}}}, nil, nil)
		default:
			// Thinking chunks have no chunked wire form; dropped.
			return nil
		}

	case wire.EventBlockStop:
		return nil

	case wire.EventMessageDelta:
		finish := neutralFinishToOpenAI(ev.FinishReason)
		return e.writeChunk(&openaiDelta{}, &finish, encodeOpenAIUsage(ev.Usage))

	case wire.EventMessageStop:
		return e.w.WriteDone()
	}
	return nil
}

func (e *openaiStreamEncoder) writeChunk(delta *openaiDelta, finish *string, usage *openaiUsage) error {
	chunk := openaiResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openaiChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return e.w.WriteData(string(data))
}

// -- model listing --

type openaiModelList struct {
	Object string            `json:"object"`
	Data   []openaiModelInfo `json:"data"`
}

type openaiModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by,omitempty"`
}

func (c *OpenAICodec) DecodeModelList(body []byte) ([]wire.Model, error) {
	var in openaiModelList
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	models := make([]wire.Model, 0, len(in.Data))
	for _, m := range in.Data {
		models = append(models, wire.Model{ID: m.ID, CreatedAt: m.Created, OwnedBy: m.OwnedBy})
	}
	return models, nil
}

func (c *OpenAICodec) EncodeModelList(models []wire.Model) ([]byte, error) {
	out := openaiModelList{Object: "list", Data: make([]openaiModelInfo, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, openaiModelInfo{
			ID: m.ID, Object: "model", Created: m.CreatedAt, OwnedBy: m.OwnedBy,
		})
	}
	return json.Marshal(out)
}

// -- dispatch capabilities --

func (c *OpenAICodec) ChatPath(model string, stream bool) string {
	return "/v1/chat/completions"
}

func (c *OpenAICodec) ModelListPath() string {
	return "/v1/models"
}

func (c *OpenAICodec) Authorize(req *http.Request, credential string) {
	req.Header.Set("Authorization", "Bearer "+credential)
}

func (c *OpenAICodec) RateLimitParser() httpclient.RateLimitHeaderParser {
	return httpclient.ParseOpenAIHeaders
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return json.RawMessage(data)
}
