package bridge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
)

// maxRequestBody caps an inbound passthrough payload.
const maxRequestBody = 32 << 20

// maxCapture caps how much of a passthrough reply is retained for the
// log row and usage extraction.
const maxCapture = 1 << 20

// hopByHopHeaders must not travel between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// isAuthHeader reports whether an inbound header carries a client
// credential. Those are stripped and replaced with the provider's own.
func isAuthHeader(key string) bool {
	switch strings.ToLower(key) {
	case "authorization", "x-api-key", "x-goog-api-key", "api-key":
		return true
	}
	return false
}

// Forward relays a passthrough call byte for byte: same method, same
// tail path, same query string, the body untouched except for an
// active code-switch model rewrite. The provider's credential replaces
// any inbound auth header; streaming replies are flushed as they
// arrive. One request log row is written like for any bridge call,
// with usage extracted from the raw reply when it parses.
func (s *Service) Forward(w http.ResponseWriter, r *http.Request, p *relay.Provider, tail string) {
	ctx := r.Context()
	rec := &callRecord{proxyPath: r.URL.Path, start: time.Now()}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.forwardFail(ctx, w, rec, relay.Errorf(relay.KindValidation, "read request body: %v", err))
		return
	}
	rec.reqBody = body

	if model := gjson.GetBytes(body, "model"); model.Exists() {
		rec.sourceModel = model.String()
		target := s.codeRewrite(ctx, p.ID, model.String())
		rec.targetModel = target
		if target != model.String() {
			if nb, serr := sjson.SetBytes(body, "model", target); serr == nil {
				body = nb
			}
		}
	}

	base := strings.TrimRight(p.BaseURL, "/")
	style := adapter.AuthBearer
	if a, aerr := s.adapters.Get(p.AdapterType); aerr == nil {
		info := a.Info()
		style = info.AuthStyle
		if base == "" {
			base = strings.TrimRight(info.BaseURL, "/")
		}
	}
	if base == "" {
		s.forwardFail(ctx, w, rec, relay.Errorf(relay.KindAPI, "provider %s has no endpoint", p.Name))
		return
	}

	target := base + tail
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		s.forwardFail(ctx, w, rec, relay.Errorf(relay.KindValidation, "build upstream request: %v", err))
		return
	}
	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if isAuthHeader(key) {
			continue
		}
		req.Header[key] = vals
	}

	cred, err := s.credential(ctx, p, &fetchState{exclude: make(map[string]bool)})
	if err != nil {
		s.forwardFail(ctx, w, rec, relay.AsError(err))
		return
	}
	applyAuth(req, style, cred.key)

	resp, err := s.client.Do(req)
	if err != nil {
		s.forwardFail(ctx, w, rec, relay.Errorf(relay.KindAPI, "upstream %s: %v", p.Name, err))
		return
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	rec.status = resp.StatusCode

	capture := &capBuffer{max: maxCapture}
	ct := resp.Header.Get("Content-Type")
	flusher, canFlush := w.(http.Flusher)
	streaming := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json"))

	if streaming {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				capture.Write(buf[:n])
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					rec.errMsg = "client_closed"
					break
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr != io.EOF && ctx.Err() == nil {
					rec.errMsg = readErr.Error()
				} else if ctx.Err() != nil {
					rec.errMsg = "client_closed"
				}
				break
			}
		}
	} else {
		tee := io.TeeReader(io.LimitReader(resp.Body, maxResponseBody), capture)
		if _, err := io.Copy(w, tee); err != nil {
			rec.errMsg = "client_closed"
		}
	}

	rec.respBody = capture.Bytes()
	rec.usage = usageFromBody(rec.respBody)
	s.writeLog(ctx, rec)
}

// forwardFail reports a passthrough failure before any upstream byte
// reached the client. Passthrough has no inbound dialect, so the error
// body is the plain shape.
func (s *Service) forwardFail(ctx context.Context, w http.ResponseWriter, rec *callRecord, e *relay.Error) {
	status := e.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(plainError(e))
	rec.status = status
	rec.errMsg = e.Message
	s.writeLog(ctx, rec)
}

// capBuffer keeps at most max bytes of what flows through it and
// discards the rest, so captures never grow with the stream.
type capBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *capBuffer) Bytes() []byte { return b.buf.Bytes() }
