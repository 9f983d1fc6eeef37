package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// CapturedRequest is one request a fake upstream received.
type CapturedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Upstream is a scripted fake upstream endpoint. Handle overrides the
// reply per request; when nil, every request gets a 200 with an empty
// JSON object. All requests are captured for assertions.
type Upstream struct {
	*httptest.Server
	Handle func(w http.ResponseWriter, r *http.Request)

	mu       sync.Mutex
	requests []CapturedRequest
}

// NewUpstream starts a fake upstream that shuts down with the test.
func NewUpstream(t *testing.T) *Upstream {
	t.Helper()
	u := &Upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.requests = append(u.requests, CapturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		handle := u.Handle
		u.mu.Unlock()
		if handle != nil {
			handle(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "{}")
	}))
	t.Cleanup(u.Server.Close)
	return u
}

// Requests returns a snapshot of everything the upstream received.
func (u *Upstream) Requests() []CapturedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]CapturedRequest, len(u.requests))
	copy(out, u.requests)
	return out
}

// LastRequest returns the most recent captured request.
func (u *Upstream) LastRequest(t *testing.T) CapturedRequest {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		t.Fatal("upstream received no requests")
	}
	return u.requests[len(u.requests)-1]
}

// JSONReply returns a handler serving the given status and body on
// every request.
func JSONReply(status int, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

// SSEFrame is one scripted server-sent event. Event may be empty for
// dialects that stream bare data lines.
type SSEFrame struct {
	Event string
	Data  string
}

// SSEReply returns a handler streaming the scripted frames and closing.
func SSEReply(frames ...SSEFrame) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f, _ := w.(http.Flusher)
		for _, fr := range frames {
			if fr.Event != "" {
				fmt.Fprintf(w, "event: %s\n", fr.Event)
			}
			fmt.Fprintf(w, "data: %s\n\n", fr.Data)
			if f != nil {
				f.Flush()
			}
		}
	}
}

// ReplySequence returns a handler that serves the given handlers in
// order, repeating the last one once the script runs out. Used for
// retry and failover tests where attempt N must answer differently
// from attempt N+1.
func ReplySequence(handlers ...func(w http.ResponseWriter, r *http.Request)) func(w http.ResponseWriter, r *http.Request) {
	var mu sync.Mutex
	n := 0
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		h := handlers[min(n, len(handlers)-1)]
		n++
		mu.Unlock()
		h(w, r)
	}
}
