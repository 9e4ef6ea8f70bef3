// Package events implements the line-framed event stream shared by backend
// installs and model pulls: frames of "event:<name>\n" "data:<json>\n" pairs
// terminated by a blank line, with progress, complete, and error events.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Event names recognized on install and pull streams.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
	EventStarted  = "started"
)

// Progress is the payload of a progress frame.
type Progress struct {
	BytesReceived int64   `json:"bytes_received"`
	TotalBytes    int64   `json:"total_bytes"`
	Percent       float64 `json:"percent"`
	DisplayName   string  `json:"display_name,omitempty"`
}

// NewProgress computes the percent field from the byte counts. A zero total
// (size withheld by the transport) leaves percent at zero.
func NewProgress(displayName string, received, total int64) Progress {
	p := Progress{BytesReceived: received, TotalBytes: total, DisplayName: displayName}
	if total > 0 {
		p.Percent = float64(received) / float64(total) * 100
	}
	return p
}

// Writer frames events onto an HTTP response, flushing after every frame so
// consumers observe progress as it happens.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for event streaming and returns the frame writer.
func NewWriter(w http.ResponseWriter) *Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Emit writes one framed event. Write errors are returned so producers can
// stop early when the consumer is gone.
func (w *Writer) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("unable to encode %s event: %w", event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "event:%s\ndata:%s\n\n", event, data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Complete emits the terminal complete frame.
func (w *Writer) Complete() error {
	return w.Emit(EventComplete, struct{}{})
}

// Error emits the terminal error frame.
func (w *Writer) Error(err error) error {
	return w.Emit(EventError, map[string]string{"error": err.Error()})
}
