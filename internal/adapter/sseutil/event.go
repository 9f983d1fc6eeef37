// Package sseutil provides shared SSE reading and writing utilities for
// dialect adapters.
package sseutil

import (
	"bytes"
	"io"
)

// DoneData is the Chat Completions stream termination sentinel payload.
var DoneData = []byte("[DONE]")

// Pre-allocated byte slices for SSE formatting. These avoid heap
// allocations on every write in the streaming hot path.
var (
	eventPrefix = []byte("event: ")
	dataPrefix  = []byte("data: ")
	newline     = []byte("\n")
	terminator  = []byte("\n\n")
)

// Event is one server-sent event: an optional event name and a data
// payload. Adapters consume Events from upstream streams and produce
// Events for the client-facing stream.
type Event struct {
	Name string
	Data []byte
}

// IsDone reports whether the event is the [DONE] sentinel.
func (e Event) IsDone() bool {
	return e.Name == "" && bytes.Equal(e.Data, DoneData)
}

// WriteTo renders the event in SSE wire form:
//
//	event: <name>\n   (when Name is set)
//	data: <data>\n\n
func (e Event) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if e.Name != "" {
		for _, b := range [][]byte{eventPrefix, []byte(e.Name), newline} {
			n, err := w.Write(b)
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
	}
	for _, b := range [][]byte{dataPrefix, e.Data, terminator} {
		n, err := w.Write(b)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
