// Package sse decodes Server-Sent Events from an upstream provider and encodes
// them for downstream HTTP clients.
//
// See https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is a single event, delimited by a blank line in the byte stream.
type Event struct {
	// Type is the "event:" field. Empty means the default "message" type.
	Type string

	// Data holds all "data:" lines joined with "\n".
	Data string

	// ID is the "id:" field, if present.
	ID string
}

// Reader parses events from an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
	current Event
	hasData bool // any field seen since the last dispatch
	sawData bool // a data field seen since the last dispatch
}

// NewReader returns a Reader over src.
func NewReader(src io.Reader) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next blocks until a complete event is available. It returns nil, nil when
// the source is exhausted.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if r.hasData {
				return r.take(), nil
			}
			// keep-alive
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		r.parseLine(line)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}

	// Stream ended without a trailing blank line.
	if r.hasData {
		return r.take(), nil
	}
	return nil, nil
}

func (r *Reader) parseLine(line string) {
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "data":
		if r.sawData {
			r.current.Data += "\n"
		}
		r.current.Data += value
		r.sawData = true
		r.hasData = true
	case "event":
		r.current.Type = value
		r.hasData = true
	case "id":
		r.current.ID = value
		r.hasData = true
	}
}

func (r *Reader) take() *Event {
	ev := r.current
	r.current = Event{}
	r.hasData = false
	r.sawData = false
	return &ev
}

// ErrNotFlushable is returned when the response writer cannot stream.
var ErrNotFlushable = errors.New("response writer does not support flushing")

// Writer emits events on an HTTP response, flushing after each one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewWriter returns a Writer for w, or ErrNotFlushable. Nothing is written
// until the first event, so the caller can still reply with an error status.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNotFlushable
	}
	return &Writer{w: w, flusher: flusher}, nil
}

func (sw *Writer) start() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.started = true
}

// WriteEvent writes one event whose data is the JSON encoding of payload.
func (sw *Writer) WriteEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	var sb strings.Builder
	if event != "" {
		sb.WriteString("event: ")
		sb.WriteString(event)
		sb.WriteString("\n")
	}
	sb.WriteString("data: ")
	sb.Write(data)
	sb.WriteString("\n\n")

	if !sw.started {
		sw.start()
	}
	if _, err := io.WriteString(sw.w, sb.String()); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
