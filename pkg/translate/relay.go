package translate

import (
	"io"
	"sort"

	"github.com/polyrelay/polyrelay/pkg/wire"
)

// Relay pumps neutral events from an upstream decoder into a client
// encoder, preserving order exactly. If the upstream ends abruptly after
// the message opened, every open block is closed, a final delta with
// finish reason "other" is emitted and the message is terminated, so the
// client always sees a well-formed stream.
func Relay(dec StreamDecoder, enc StreamEncoder) error {
	open := make(map[int]bool)
	started := false
	finished := false
	stopped := false

	for {
		ev, err := dec.Next()
		if err != nil {
			if err == io.EOF && stopped {
				return nil
			}
			if !started {
				return err
			}
			if cleanupErr := finalize(enc, open, finished); cleanupErr != nil {
				return cleanupErr
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch ev.Type {
		case wire.EventMessageStart:
			started = true
		case wire.EventBlockStart:
			open[ev.Index] = true
		case wire.EventBlockStop:
			delete(open, ev.Index)
		case wire.EventMessageDelta:
			finished = true
		case wire.EventMessageStop:
			stopped = true
		}

		if err := enc.Write(ev); err != nil {
			return err
		}

		if stopped {
			// Drain the decoder so the upstream body reads to EOF and
			// the connection can be reused.
			for {
				if _, err := dec.Next(); err != nil {
					return nil
				}
			}
		}
	}
}

func finalize(enc StreamEncoder, open map[int]bool, finished bool) error {
	indexes := make([]int, 0, len(open))
	for i := range open {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		if err := enc.Write(wire.StreamEvent{Type: wire.EventBlockStop, Index: i}); err != nil {
			return err
		}
	}
	if !finished {
		if err := enc.Write(wire.StreamEvent{
			Type:         wire.EventMessageDelta,
			FinishReason: wire.FinishOther,
		}); err != nil {
			return err
		}
	}
	return enc.Write(wire.StreamEvent{Type: wire.EventMessageStop})
}
