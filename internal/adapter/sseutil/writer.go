package sseutil

import (
	"io"
	"net/http"
)

var keepAlive = []byte(": keep-alive\n\n")

// Pre-allocated header value slices for SSE responses. Direct map
// assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// WriteHeaders sets the response headers for an SSE stream.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// Writer streams events to an underlying writer, flushing after each
// one when the writer supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter returns a Writer over w. When w implements http.Flusher
// every event is flushed as soon as it is written.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Send writes one event and flushes.
func (w *Writer) Send(ev Event) error {
	if _, err := ev.WriteTo(w.w); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// KeepAlive writes an SSE comment to keep the connection alive.
func (w *Writer) KeepAlive() error {
	if _, err := w.w.Write(keepAlive); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
