package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"example.com/stixgate/internal/tctm"
)

// NDJSONWriter streams newline-delimited JSON objects to the underlying
// writer. It satisfies tctm.Sink so decoded packets reach the client as soon
// as they are parsed.
type NDJSONWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
}

// NewNDJSONWriter wraps the provided ResponseWriter. If the writer supports
// http.Flusher, Flush is invoked after every record.
func NewNDJSONWriter(w http.ResponseWriter) *NDJSONWriter {
	var flusher http.Flusher
	if f, ok := w.(http.Flusher); ok {
		flusher = f
	}
	return &NDJSONWriter{writer: w, flusher: flusher}
}

func (w *NDJSONWriter) Write(p *tctm.Packet) error {
	return w.WriteObject(p)
}

// Close writes nothing; the handler sends its own final record.
func (w *NDJSONWriter) Close(tctm.Summary) error {
	return nil
}

// WriteObject marshals v, writes it followed by a newline and flushes the
// response.
func (w *NDJSONWriter) WriteObject(v any) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
