package translate

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/pkg/wire"
)

type sliceDecoder struct {
	events []wire.StreamEvent
	pos    int
	err    error
}

func (d *sliceDecoder) Next() (wire.StreamEvent, error) {
	if d.pos >= len(d.events) {
		if d.err != nil {
			return wire.StreamEvent{}, d.err
		}
		return wire.StreamEvent{}, io.EOF
	}
	ev := d.events[d.pos]
	d.pos++
	return ev, nil
}

type recordingEncoder struct {
	events []wire.StreamEvent
}

func (e *recordingEncoder) Write(ev wire.StreamEvent) error {
	e.events = append(e.events, ev)
	return nil
}

func eventTypes(events []wire.StreamEvent) []wire.EventType {
	types := make([]wire.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestRelayPassesCompleteStreamUnchanged(t *testing.T) {
	in := []wire.StreamEvent{
		{Type: wire.EventMessageStart, MessageID: "msg_1"},
		{Type: wire.EventBlockStart, Index: 0, BlockKind: wire.BlockText},
		{Type: wire.EventBlockDelta, Index: 0, Delta: wire.DeltaText, Text: "hi"},
		{Type: wire.EventBlockStop, Index: 0},
		{Type: wire.EventMessageDelta, FinishReason: wire.FinishStop},
		{Type: wire.EventMessageStop},
	}
	enc := &recordingEncoder{}
	require.NoError(t, Relay(&sliceDecoder{events: in}, enc))
	assert.Equal(t, in, enc.events)
}

// An upstream that dies mid-block still yields a well-formed client
// stream: open blocks closed in index order, a final delta with reason
// "other", then the terminator.
func TestRelayFinalizesAbruptEOF(t *testing.T) {
	in := []wire.StreamEvent{
		{Type: wire.EventMessageStart, MessageID: "msg_1"},
		{Type: wire.EventBlockStart, Index: 0, BlockKind: wire.BlockText},
		{Type: wire.EventBlockDelta, Index: 0, Delta: wire.DeltaText, Text: "par"},
		{Type: wire.EventBlockStart, Index: 1, BlockKind: wire.BlockToolCall, ToolName: "get_weather"},
	}
	enc := &recordingEncoder{}
	require.NoError(t, Relay(&sliceDecoder{events: in}, enc))

	assert.Equal(t, []wire.EventType{
		wire.EventMessageStart,
		wire.EventBlockStart,
		wire.EventBlockDelta,
		wire.EventBlockStart,
		wire.EventBlockStop,
		wire.EventBlockStop,
		wire.EventMessageDelta,
		wire.EventMessageStop,
	}, eventTypes(enc.events))

	// Blocks close lowest index first.
	assert.Equal(t, 0, enc.events[4].Index)
	assert.Equal(t, 1, enc.events[5].Index)
	assert.Equal(t, wire.FinishOther, enc.events[6].FinishReason)
}

// A decoder error after the message opened is swallowed into the
// finalized stream; before the message opened it surfaces to the caller.
func TestRelayDecoderError(t *testing.T) {
	upstreamErr := errors.New("connection reset")

	enc := &recordingEncoder{}
	err := Relay(&sliceDecoder{
		events: []wire.StreamEvent{{Type: wire.EventMessageStart, MessageID: "msg_1"}},
		err:    upstreamErr,
	}, enc)
	assert.Equal(t, upstreamErr, err)
	assert.Equal(t, []wire.EventType{
		wire.EventMessageStart,
		wire.EventMessageDelta,
		wire.EventMessageStop,
	}, eventTypes(enc.events))

	enc = &recordingEncoder{}
	err = Relay(&sliceDecoder{err: upstreamErr}, enc)
	assert.Equal(t, upstreamErr, err)
	assert.Empty(t, enc.events)
}

// Trailing frames after message_stop are drained, not forwarded.
func TestRelayDrainsAfterStop(t *testing.T) {
	in := []wire.StreamEvent{
		{Type: wire.EventMessageStart, MessageID: "msg_1"},
		{Type: wire.EventMessageDelta, FinishReason: wire.FinishStop},
		{Type: wire.EventMessageStop},
		{Type: wire.EventBlockDelta, Index: 0, Text: "stray"},
	}
	enc := &recordingEncoder{}
	require.NoError(t, Relay(&sliceDecoder{events: in}, enc))
	assert.Equal(t, []wire.EventType{
		wire.EventMessageStart,
		wire.EventMessageDelta,
		wire.EventMessageStop,
	}, eventTypes(enc.events))
}
