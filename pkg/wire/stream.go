package wire

type EventType string

const (
	EventMessageStart EventType = "message_start"
	EventBlockStart   EventType = "block_start"
	EventBlockDelta   EventType = "block_delta"
	EventBlockStop    EventType = "block_stop"
	EventMessageDelta EventType = "message_delta"
	EventMessageStop  EventType = "message_stop"
)

type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockToolCall BlockKind = "tool_call"
	BlockThinking BlockKind = "thinking"
)

type DeltaKind string

const (
	DeltaText     DeltaKind = "text"
	DeltaJSON     DeltaKind = "json"
	DeltaThinking DeltaKind = "thinking"
)

// StreamEvent is the neutral streaming event. Decoders emit these in
// upstream order; encoders must preserve that order exactly. Blocks open
// and close in strict nesting per index, and every delta references an
// open block.
type StreamEvent struct {
	Type EventType

	// EventMessageStart
	MessageID string
	Model     string

	// Block events
	Index     int
	BlockKind BlockKind
	ToolName  string // tool_call blocks
	ToolID    string

	// EventBlockDelta
	Delta DeltaKind
	Text  string // text or thinking chunk
	JSON  string // partial tool-argument JSON, forwarded byte-for-byte

	// EventMessageDelta
	FinishReason FinishReason
	Usage        *Usage
}
