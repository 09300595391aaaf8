// Package sse implements the line-oriented server-sent-events framing
// used by all three upstream families: "event:"/"data:" lines separated
// by blank lines, with comment lines (leading ':') ignored.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Done is the terminal sentinel emitted by OpenAI-style streams.
const Done = "[DONE]"

// Event is one decoded frame. Name is empty for bare data frames.
type Event struct {
	Name string
	Data string
}

// IsDone reports whether the frame is the OpenAI terminal sentinel.
func (e Event) IsDone() bool {
	return strings.TrimSpace(e.Data) == Done
}

// Reader decodes an SSE byte stream frame by frame.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	// Tool-argument deltas can carry large JSON fragments on one line.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
// Multi-line data fields are joined with newlines per the SSE spec.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var dataLines []string
	seen := false

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if seen {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			ev.Name = strings.TrimSpace(name)
			seen = true
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(data, " "))
			seen = true
			continue
		}
		// Unknown field names are ignored per the SSE spec.
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if seen {
		// Stream ended without a trailing blank line; flush what we have.
		ev.Data = strings.Join(dataLines, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}

// Writer emits SSE frames and flushes after each one so proxies and
// clients see events as they happen.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteEvent emits a named frame: "event: <name>\ndata: <data>\n\n".
func (w *Writer) WriteEvent(name, data string) error {
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteData emits a bare data frame: "data: <data>\n\n".
func (w *Writer) WriteData(data string) error {
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteDone emits the OpenAI terminal sentinel.
func (w *Writer) WriteDone() error {
	return w.WriteData(Done)
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// SetHeaders writes the response headers every streaming endpoint uses.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
