package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer serializes Events onto an http.ResponseWriter in Anthropic's
// `event: <type>\ndata: <json>\n\n` framing, flushing after every event so
// a slow reasoning stream still delivers incrementally.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps w. It returns an error if w does not support flushing,
// since a non-flushing writer cannot deliver incremental SSE.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &Writer{w: w, flusher: flusher}, nil
}

// Write serializes and flushes a single Event.
func (sw *Writer) Write(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteAll serializes and flushes each Event in order.
func (sw *Writer) WriteAll(events []Event) error {
	for _, ev := range events {
		if err := sw.Write(ev); err != nil {
			return err
		}
	}
	return nil
}
