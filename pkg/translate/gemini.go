package translate

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/polyrelay/polyrelay/pkg/apierr"
	"github.com/polyrelay/polyrelay/pkg/httpclient"
	"github.com/polyrelay/polyrelay/pkg/sse"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

// GeminiCodec maps the generateContent dialect to and from the neutral
// model. The model name travels in the URL on this wire, so decoded
// requests leave Model empty for the router to fill from the path.
type GeminiCodec struct {
	budget *BudgetMapper
}

func NewGeminiCodec(budget *BudgetMapper) *GeminiCodec {
	return &GeminiCodec{budget: budget}
}

func (c *GeminiCodec) Family() wire.Family {
	return wire.FamilyGemini
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  geminiGenConfig   `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	InlineData       *geminiBlob             `json:"inlineData,omitempty"`
	FileData         *geminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig *geminiFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens  *int                   `json:"maxOutputTokens,omitempty"`
	Temperature      *float64               `json:"temperature,omitempty"`
	TopP             *float64               `json:"topP,omitempty"`
	TopK             *int                   `json:"topK,omitempty"`
	StopSequences    []string               `json:"stopSequences,omitempty"`
	ResponseMimeType string                 `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]interface{} `json:"responseSchema,omitempty"`
	ThinkingConfig   *geminiThinkingConfig  `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type geminiResponse struct {
	ResponseID    string            `json:"responseId,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Index        int            `json:"index"`
}

type geminiUsage struct {
	PromptTokenCount     *int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount *int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      *int `json:"totalTokenCount,omitempty"`
}

func (c *GeminiCodec) DecodeRequest(body []byte) (*wire.Request, error) {
	var in geminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, apierr.InvalidRequest("body", err.Error())
	}
	if len(in.Contents) == 0 {
		return nil, apierr.InvalidRequest("contents", "contents must not be empty")
	}

	out := &wire.Request{}

	if si := in.SystemInstruction; si != nil {
		var texts []string
		for _, p := range si.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		out.System = strings.Join(texts, "\n\n")
	}

	// Function calls carry no id on this wire; mint stable ids so tool
	// results can be matched back up.
	callSeq := 0
	pendingCalls := make(map[string][]string)
	mintCall := func(name string) string {
		callSeq++
		id := fmt.Sprintf("tu_%04d", callSeq)
		pendingCalls[name] = append(pendingCalls[name], id)
		return id
	}
	matchCall := func(name string) string {
		if ids := pendingCalls[name]; len(ids) > 0 {
			id := ids[0]
			pendingCalls[name] = ids[1:]
			return id
		}
		callSeq++
		return fmt.Sprintf("tu_%04d", callSeq)
	}

	for i, content := range in.Contents {
		field := fmt.Sprintf("contents[%d]", i)
		role := wire.RoleUser
		switch content.Role {
		case "model":
			role = wire.RoleAssistant
		case "user", "":
			role = wire.RoleUser
		case "tool", "function":
			role = wire.RoleTool
		default:
			return nil, apierr.InvalidRequest(field+".role", "unknown role "+content.Role)
		}

		var parts []wire.Part
		for j, p := range content.Parts {
			switch {
			case p.FunctionCall != nil:
				args := "{}"
				if len(p.FunctionCall.Args) > 0 {
					args = string(p.FunctionCall.Args)
				}
				parts = append(parts, wire.Part{
					Kind: wire.PartToolCall,
					ID:   mintCall(p.FunctionCall.Name),
					Name: p.FunctionCall.Name,
					Args: args,
				})

			case p.FunctionResponse != nil:
				role = wire.RoleTool
				result := "{}"
				if len(p.FunctionResponse.Response) > 0 {
					result = string(p.FunctionResponse.Response)
				}
				parts = append(parts, wire.Part{
					Kind:   wire.PartToolResult,
					CallID: matchCall(p.FunctionResponse.Name),
					Result: []wire.Part{wire.TextPart(result)},
				})

			case p.InlineData != nil:
				parts = append(parts, wire.Part{
					Kind:      wire.PartImage,
					Source:    wire.ImageSourceInline,
					MediaType: p.InlineData.MimeType,
					Data:      p.InlineData.Data,
				})

			case p.FileData != nil:
				parts = append(parts, wire.Part{
					Kind:      wire.PartImage,
					Source:    wire.ImageSourceURL,
					MediaType: p.FileData.MimeType,
					URL:       p.FileData.FileURI,
				})

			case p.Thought:
				parts = append(parts, wire.Part{Kind: wire.PartThinking, Text: p.Text})

			case p.Text != "":
				parts = append(parts, wire.TextPart(p.Text))

			default:
				return nil, apierr.InvalidRequest(fmt.Sprintf("%s.parts[%d]", field, j), "empty content part")
			}
		}
		out.Messages = append(out.Messages, wire.Turn{Role: role, Content: parts})
	}

	for _, t := range in.Tools {
		for _, fd := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, wire.ToolDecl{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  lowercaseSchemaTypes(fd.Parameters),
			})
		}
	}

	if tc := in.ToolConfig; tc != nil && tc.FunctionCallingConfig != nil {
		fcc := tc.FunctionCallingConfig
		switch fcc.Mode {
		case "AUTO", "":
			out.ToolChoice = wire.ToolChoice{Mode: wire.ToolChoiceAuto}
		case "NONE":
			out.ToolChoice = wire.ToolChoice{Mode: wire.ToolChoiceNone}
		case "ANY":
			if len(fcc.AllowedFunctionNames) == 1 {
				out.ToolChoice = wire.ToolChoice{Mode: wire.ToolChoiceNamed, Name: fcc.AllowedFunctionNames[0]}
			} else {
				out.ToolChoice = wire.ToolChoice{Mode: wire.ToolChoiceRequired}
			}
		default:
			return nil, apierr.InvalidRequest("toolConfig.functionCallingConfig.mode", "unknown mode "+fcc.Mode)
		}
	}

	gc := in.GenerationConfig
	out.Gen.MaxTokens = gc.MaxOutputTokens
	out.Gen.Temperature = gc.Temperature
	out.Gen.TopP = gc.TopP
	out.Gen.TopK = gc.TopK
	out.Gen.Stop = gc.StopSequences
	if gc.ResponseMimeType == "application/json" {
		rf := &wire.ResponseFormat{Type: wire.ResponseFormatJSON}
		if len(gc.ResponseSchema) > 0 {
			rf.Type = wire.ResponseFormatSchema
			rf.Schema = lowercaseSchemaTypes(gc.ResponseSchema)
		}
		out.Gen.ResponseFormat = rf
	}
	if tc := gc.ThinkingConfig; tc != nil && tc.ThinkingBudget != nil && *tc.ThinkingBudget > 0 {
		out.Thinking = wire.Thinking{
			Kind:   wire.ThinkingBudget,
			Budget: *tc.ThinkingBudget,
			Origin: wire.FamilyGemini,
		}
	}

	return out, nil
}

func (c *GeminiCodec) EncodeRequest(req *wire.Request) ([]byte, error) {
	out := geminiRequest{}

	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	// Tool results need the original call name on this wire, not the id.
	callNames := make(map[string]string)
	for _, turn := range req.Messages {
		for _, p := range turn.Content {
			if p.Kind == wire.PartToolCall {
				callNames[p.ID] = p.Name
			}
		}
	}

	for _, turn := range req.Messages {
		role := "user"
		switch turn.Role {
		case wire.RoleAssistant:
			role = "model"
		case wire.RoleTool:
			role = "tool"
		}

		var parts []geminiPart
		for _, p := range turn.Content {
			switch p.Kind {
			case wire.PartText:
				parts = append(parts, geminiPart{Text: p.Text})

			case wire.PartThinking:
				if p.Text != "" {
					parts = append(parts, geminiPart{Text: p.Text, Thought: true})
				}

			case wire.PartImage:
				if p.Source == wire.ImageSourceInline {
					parts = append(parts, geminiPart{InlineData: &geminiBlob{MimeType: p.MediaType, Data: p.Data}})
				} else {
					parts = append(parts, geminiPart{FileData: &geminiFileData{MimeType: p.MediaType, FileURI: p.URL}})
				}

			case wire.PartToolCall:
				args := json.RawMessage(p.Args)
				if p.Args == "" {
					args = json.RawMessage("{}")
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: p.Name, Args: args}})

			case wire.PartToolResult:
				name := callNames[p.CallID]
				if name == "" {
					name = p.CallID
				}
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
					Name:     name,
					Response: toolResultResponse(p.Result),
				}})
			}
		}
		if len(parts) == 0 {
			parts = []geminiPart{{Text: ""}}
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: parts})
	}

	if len(req.Tools) > 0 {
		tool := geminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  sanitizeGeminiSchema(t.Parameters),
			})
		}
		out.Tools = []geminiTool{tool}
	}

	switch req.ToolChoice.Mode {
	case wire.ToolChoiceAuto:
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: &geminiFunctionCallingConfig{Mode: "AUTO"}}
	case wire.ToolChoiceNone:
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: &geminiFunctionCallingConfig{Mode: "NONE"}}
	case wire.ToolChoiceRequired:
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: &geminiFunctionCallingConfig{Mode: "ANY"}}
	case wire.ToolChoiceNamed:
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: &geminiFunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{req.ToolChoice.Name},
		}}
	}

	out.GenerationConfig.MaxOutputTokens = req.Gen.MaxTokens
	out.GenerationConfig.Temperature = req.Gen.Temperature
	out.GenerationConfig.TopP = req.Gen.TopP
	out.GenerationConfig.TopK = req.Gen.TopK
	out.GenerationConfig.StopSequences = req.Gen.Stop

	if rf := req.Gen.ResponseFormat; rf != nil {
		switch rf.Type {
		case wire.ResponseFormatJSON:
			out.GenerationConfig.ResponseMimeType = "application/json"
		case wire.ResponseFormatSchema:
			out.GenerationConfig.ResponseMimeType = "application/json"
			out.GenerationConfig.ResponseSchema = sanitizeGeminiSchema(rf.Schema)
		}
	}

	switch req.Thinking.Kind {
	case wire.ThinkingEffort:
		out.GenerationConfig.ThinkingConfig = &geminiThinkingConfig{
			ThinkingBudget: intPtr(c.budget.EffortToGeminiTokens(req.Thinking.Effort)),
		}
	case wire.ThinkingBudget:
		out.GenerationConfig.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: intPtr(req.Thinking.Budget)}
	}

	return json.Marshal(out)
}

// toolResultResponse renders neutral tool-result content as the response
// object this wire expects. A bare JSON object passes through; anything
// else wraps under a result key.
func toolResultResponse(parts []wire.Part) json.RawMessage {
	text := flattenText(parts)
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return mustJSON(map[string]string{"result": text})
}

var geminiSchemaKeys = map[string]bool{
	"type": true, "description": true, "properties": true,
	"required": true, "enum": true, "items": true,
}

// sanitizeGeminiSchema strips JSON-Schema keywords this wire rejects,
// recursing into properties and items.
func sanitizeGeminiSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{})
	for k, v := range schema {
		if !geminiSchemaKeys[k] {
			continue
		}
		switch k {
		case "properties":
			if props, ok := v.(map[string]interface{}); ok {
				cleaned := make(map[string]interface{}, len(props))
				for name, sub := range props {
					if subSchema, ok := sub.(map[string]interface{}); ok {
						cleaned[name] = sanitizeGeminiSchema(subSchema)
					}
				}
				out[k] = cleaned
			}
		case "items":
			if items, ok := v.(map[string]interface{}); ok {
				out[k] = sanitizeGeminiSchema(items)
			} else {
				out[k] = v
			}
		default:
			out[k] = v
		}
	}
	return out
}

// lowercaseSchemaTypes normalizes the UPPERCASE type enums of this wire
// into standard JSON-Schema spelling.
func lowercaseSchemaTypes(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "type":
			if s, ok := v.(string); ok {
				out[k] = strings.ToLower(s)
			} else {
				out[k] = v
			}
		case "properties":
			if props, ok := v.(map[string]interface{}); ok {
				cleaned := make(map[string]interface{}, len(props))
				for name, sub := range props {
					if subSchema, ok := sub.(map[string]interface{}); ok {
						cleaned[name] = lowercaseSchemaTypes(subSchema)
					} else {
						cleaned[name] = sub
					}
				}
				out[k] = cleaned
			} else {
				out[k] = v
			}
		case "items":
			if items, ok := v.(map[string]interface{}); ok {
				out[k] = lowercaseSchemaTypes(items)
			} else {
				out[k] = v
			}
		default:
			out[k] = v
		}
	}
	return out
}

func (c *GeminiCodec) DecodeResponse(body []byte) (*wire.Response, error) {
	var in geminiResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to parse generate content response: %w", err)
	}

	resp := &wire.Response{
		ID:    in.ResponseID,
		Model: in.ModelVersion,
		Usage: decodeGeminiUsage(in.UsageMetadata),
	}

	if len(in.Candidates) == 0 {
		resp.FinishReason = wire.FinishOther
		return resp, nil
	}
	cand := in.Candidates[0]

	callSeq := 0
	sawCall := false
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				sawCall = true
				callSeq++
				args := "{}"
				if len(p.FunctionCall.Args) > 0 {
					args = string(p.FunctionCall.Args)
				}
				resp.Content = append(resp.Content, wire.Part{
					Kind: wire.PartToolCall,
					ID:   fmt.Sprintf("tu_%04d", callSeq),
					Name: p.FunctionCall.Name,
					Args: args,
				})
			case p.Thought:
				resp.Content = append(resp.Content, wire.Part{Kind: wire.PartThinking, Text: p.Text})
			case p.InlineData != nil:
				resp.Content = append(resp.Content, wire.Part{
					Kind:      wire.PartImage,
					Source:    wire.ImageSourceInline,
					MediaType: p.InlineData.MimeType,
					Data:      p.InlineData.Data,
				})
			case p.Text != "":
				resp.Content = append(resp.Content, wire.TextPart(p.Text))
			}
		}
	}

	resp.FinishReason = geminiFinishToNeutral(cand.FinishReason)
	if sawCall && resp.FinishReason == wire.FinishStop {
		resp.FinishReason = wire.FinishToolUse
	}

	return resp, nil
}

func (c *GeminiCodec) EncodeResponse(resp *wire.Response) ([]byte, error) {
	var parts []geminiPart
	for _, p := range resp.Content {
		switch p.Kind {
		case wire.PartText:
			parts = append(parts, geminiPart{Text: p.Text})
		case wire.PartThinking:
			parts = append(parts, geminiPart{Text: p.Text, Thought: true})
		case wire.PartToolCall:
			args := json.RawMessage(p.Args)
			if p.Args == "" {
				args = json.RawMessage("{}")
			}
			parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: p.Name, Args: args}})
		}
	}
	if len(parts) == 0 {
		parts = []geminiPart{{Text: ""}}
	}

	out := geminiResponse{
		ResponseID:   resp.ID,
		ModelVersion: resp.Model,
		Candidates: []geminiCandidate{{
			Content:      &geminiContent{Role: "model", Parts: parts},
			FinishReason: neutralFinishToGemini(resp.FinishReason),
			Index:        0,
		}},
		UsageMetadata: encodeGeminiUsage(resp.Usage),
	}
	return json.Marshal(out)
}

func decodeGeminiUsage(u *geminiUsage) *wire.Usage {
	if u == nil {
		return nil
	}
	return &wire.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

func encodeGeminiUsage(u *wire.Usage) *geminiUsage {
	if u == nil {
		return nil
	}
	return &geminiUsage{
		PromptTokenCount:     u.PromptTokens,
		CandidatesTokenCount: u.CompletionTokens,
		TotalTokenCount:      u.TotalTokens,
	}
}

func geminiFinishToNeutral(reason string) wire.FinishReason {
	switch reason {
	case "STOP":
		return wire.FinishStop
	case "MAX_TOKENS":
		return wire.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return wire.FinishContentFilter
	case "":
		return wire.FinishOther
	default:
		return wire.FinishOther
	}
}

func neutralFinishToGemini(reason wire.FinishReason) string {
	switch reason {
	case wire.FinishLength:
		return "MAX_TOKENS"
	case wire.FinishContentFilter:
		return "SAFETY"
	case wire.FinishOther:
		return "OTHER"
	default:
		return "STOP"
	}
}

// -- streaming --

type geminiStreamDecoder struct {
	r       *sse.Reader
	pending []wire.StreamEvent

	started    bool
	textOpen   bool
	textIndex  int
	thinkOpen  bool
	thinkIndex int
	nextIndex  int
	callSeq    int
	sawCall    bool
	done       bool
}

func (c *GeminiCodec) NewStreamDecoder(r io.Reader) StreamDecoder {
	return &geminiStreamDecoder{r: sse.NewReader(r)}
}

func (d *geminiStreamDecoder) Next() (wire.StreamEvent, error) {
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

		var fragment geminiResponse
		if err := json.Unmarshal([]byte(frame.Data), &fragment); err != nil {
			continue
		}
		d.consumeFragment(&fragment)
	}
}

func (d *geminiStreamDecoder) consumeFragment(fragment *geminiResponse) {
	if !d.started {
		d.started = true
		id := fragment.ResponseID
		if id == "" {
			id = newID("resp_")
		}
		d.push(wire.StreamEvent{Type: wire.EventMessageStart, MessageID: id, Model: fragment.ModelVersion})
	}

	if len(fragment.Candidates) == 0 {
		return
	}
	cand := fragment.Candidates[0]

	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				// Calls arrive whole on this wire: one start, one delta
				// carrying the full argument object, one stop.
				d.sawCall = true
				d.callSeq++
				index := d.nextIndex
				d.nextIndex++
				args := "{}"
				if len(p.FunctionCall.Args) > 0 {
					args = string(p.FunctionCall.Args)
				}
				d.push(wire.StreamEvent{
					Type: wire.EventBlockStart, Index: index,
					BlockKind: wire.BlockToolCall,
					ToolName:  p.FunctionCall.Name,
					ToolID:    fmt.Sprintf("tu_%04d", d.callSeq),
				})
				d.push(wire.StreamEvent{Type: wire.EventBlockDelta, Index: index, Delta: wire.DeltaJSON, JSON: args})
				d.push(wire.StreamEvent{Type: wire.EventBlockStop, Index: index})

			case p.Thought:
				if !d.thinkOpen {
					d.thinkOpen = true
					d.thinkIndex = d.nextIndex
					d.nextIndex++
					d.push(wire.StreamEvent{Type: wire.EventBlockStart, Index: d.thinkIndex, BlockKind: wire.BlockThinking})
				}
				d.push(wire.StreamEvent{Type: wire.EventBlockDelta, Index: d.thinkIndex, Delta: wire.DeltaThinking, Text: p.Text})

			case p.Text != "":
				if !d.textOpen {
					d.textOpen = true
					d.textIndex = d.nextIndex
					d.nextIndex++
					d.push(wire.StreamEvent{Type: wire.EventBlockStart, Index: d.textIndex, BlockKind: wire.BlockText})
				}
				d.push(wire.StreamEvent{Type: wire.EventBlockDelta, Index: d.textIndex, Delta: wire.DeltaText, Text: p.Text})
			}
		}
	}

	if cand.FinishReason != "" {
		if d.thinkOpen {
			d.push(wire.StreamEvent{Type: wire.EventBlockStop, Index: d.thinkIndex})
			d.thinkOpen = false
		}
		if d.textOpen {
			d.push(wire.StreamEvent{Type: wire.EventBlockStop, Index: d.textIndex})
			d.textOpen = false
		}
		finish := geminiFinishToNeutral(cand.FinishReason)
		if d.sawCall && finish == wire.FinishStop {
			finish = wire.FinishToolUse
		}
		d.push(wire.StreamEvent{
			Type:         wire.EventMessageDelta,
			FinishReason: finish,
			Usage:        decodeGeminiUsage(fragment.UsageMetadata),
		})
		d.push(wire.StreamEvent{Type: wire.EventMessageStop})
		d.done = true
	}
}

func (d *geminiStreamDecoder) push(ev wire.StreamEvent) {
	d.pending = append(d.pending, ev)
}

type geminiToolAccumulator struct {
	name string
	args strings.Builder
}

type geminiStreamEncoder struct {
	w *sse.Writer

	tools     map[int]*geminiToolAccumulator
	toolOrder []int
	finish    wire.FinishReason
	finishSet bool
	usage     *wire.Usage
}

func (c *GeminiCodec) NewStreamEncoder(w io.Writer) StreamEncoder {
	return &geminiStreamEncoder{
		w:     sse.NewWriter(w),
		tools: make(map[int]*geminiToolAccumulator),
	}
}

func (e *geminiStreamEncoder) Write(ev wire.StreamEvent) error {
	switch ev.Type {
	case wire.EventBlockStart:
		if ev.BlockKind == wire.BlockToolCall {
			e.tools[ev.Index] = &geminiToolAccumulator{name: ev.ToolName}
			e.toolOrder = append(e.toolOrder, ev.Index)
		}
		return nil

	case wire.EventBlockDelta:
		switch ev.Delta {
		case wire.DeltaText:
			return e.writeFragment([]geminiPart{{Text: ev.Text}}, "", nil)
		case wire.DeltaThinking:
			return e.writeFragment([]geminiPart{{Text: ev.Text, Thought: true}}, "", nil)
		case wire.DeltaJSON:
			if acc := e.tools[ev.Index]; acc != nil {
				acc.args.WriteString(ev.JSON)
			}
			return nil
		}
		return nil

	case wire.EventMessageDelta:
		e.finish = ev.FinishReason
		e.finishSet = true
		if ev.Usage != nil {
			e.usage = ev.Usage
		}
		return nil

	case wire.EventMessageStop:
		// Function calls are not streamable on this wire; they flush
		// whole in the terminal fragment together with the finish reason.
		var parts []geminiPart
		for _, index := range e.toolOrder {
			acc := e.tools[index]
			args := strings.TrimSpace(acc.args.String())
			if args == "" {
				args = "{}"
			}
			parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
				Name: acc.name,
				Args: json.RawMessage(args),
			}})
		}
		finish := e.finish
		if !e.finishSet {
			finish = wire.FinishOther
		}
		return e.writeFragment(parts, neutralFinishToGemini(finish), encodeGeminiUsage(e.usage))
	}
	return nil
}

func (e *geminiStreamEncoder) writeFragment(parts []geminiPart, finishReason string, usage *geminiUsage) error {
	cand := geminiCandidate{
		Content:      &geminiContent{Role: "model", Parts: parts},
		FinishReason: finishReason,
		Index:        0,
	}
	if parts == nil {
		cand.Content.Parts = []geminiPart{}
	}
	fragment := geminiResponse{
		Candidates:    []geminiCandidate{cand},
		UsageMetadata: usage,
	}
	data, err := json.Marshal(fragment)
	if err != nil {
		return err
	}
	return e.w.WriteData(string(data))
}

// -- model listing --

type geminiModelList struct {
	Models []geminiModelInfo `json:"models"`
}

type geminiModelInfo struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName,omitempty"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods,omitempty"`
}

func (c *GeminiCodec) DecodeModelList(body []byte) ([]wire.Model, error) {
	var in geminiModelList
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	models := make([]wire.Model, 0, len(in.Models))
	for _, m := range in.Models {
		if len(m.SupportedGenerationMethods) > 0 && !slices.Contains(m.SupportedGenerationMethods, "generateContent") {
			continue
		}
		models = append(models, wire.Model{
			ID:      strings.TrimPrefix(m.Name, "models/"),
			OwnedBy: "gemini",
		})
	}
	return models, nil
}

func (c *GeminiCodec) EncodeModelList(models []wire.Model) ([]byte, error) {
	out := geminiModelList{Models: make([]geminiModelInfo, 0, len(models))}
	for _, m := range models {
		out.Models = append(out.Models, geminiModelInfo{
			Name:                       "models/" + m.ID,
			DisplayName:                m.ID,
			SupportedGenerationMethods: []string{"generateContent"},
		})
	}
	return json.Marshal(out)
}

// -- dispatch capabilities --

func (c *GeminiCodec) ChatPath(model string, stream bool) string {
	if stream {
		return "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/v1beta/models/" + model + ":generateContent"
}

func (c *GeminiCodec) ModelListPath() string {
	return "/v1beta/models"
}

func (c *GeminiCodec) Authorize(req *http.Request, credential string) {
	req.Header.Set("x-goog-api-key", credential)
}

func (c *GeminiCodec) RateLimitParser() httpclient.RateLimitHeaderParser {
	return httpclient.ParseGeminiHeaders
}
