package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/settings"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// LogAttrs with typed attrs keeps values on the stack (~2 fewer
				// allocs vs slog.Error which boxes every key+value into any).
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeError(w, relay.Errorf(relay.KindServer, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := relay.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tunnelIPHeader is set by the tunnel helper on every forwarded
// request; its presence is how tunneled traffic is told apart from
// local traffic.
const tunnelIPHeader = "Cf-Connecting-Ip"

// source tags the request local or tunnel and, for tunneled requests,
// records an access-log row with sizes and latency once the handler
// finishes.
func (s *server) source(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vals := r.Header[tunnelIPHeader]
		if len(vals) == 0 {
			next.ServeHTTP(w, r.WithContext(relay.ContextWithSource(r.Context(), relay.SourceLocal)))
			return
		}
		ip := vals[0]
		ctx := relay.ContextWithSource(r.Context(), relay.SourceTunnel)

		start := time.Now()
		cw := &countingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r.WithContext(ctx))

		if s.deps.Tunnel != nil {
			s.deps.Tunnel.Record(ctx, &relay.TunnelAccessLog{
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    cw.status,
				IP:        ip,
				LatencyMs: int(time.Since(start).Milliseconds()),
				BytesUp:   r.ContentLength,
				BytesDown: cw.written,
			})
		}
	})
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed slog.String/Int/Int64 keeps attrs as stack values,
		// saving ~5 allocs/req vs slog.Info which boxes every key+value into any.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("source", relay.SourceFromContext(r.Context())),
			slog.String("request_id", relay.RequestIDFromContext(r.Context())),
		)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		}
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// serving rejects client traffic while the proxy service is stopped.
// Admin and system routes stay reachable so it can be started again.
func (s *server) serving(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Control.Running() {
			writeJSONError(w, http.StatusServiceUnavailable, "proxy service is stopped")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate enforces bearer auth on client-facing routes when the
// unified key switch (or the tunnel policy) requires it. The matched
// key id lands in the request context for log attribution.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			writeError(w, relay.AsError(err))
			return
		}
		if key == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := relay.ContextWithKeyID(r.Context(), key.ID)
		if ctx == r.Context() {
			// Key id was stored via pointer mutation; skip Request.WithContext.
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// rateLimit applies the tunnel's per-source request budget. Local
// traffic is never limited.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if relay.SourceFromContext(r.Context()) != relay.SourceTunnel || s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		pol := s.deps.Settings.Tunnel(r.Context())
		if !pol.RateLimitEnabled {
			next.ServeHTTP(w, r)
			return
		}
		res := s.deps.Limiter.Allow(clientIP(r), pol.RequestsPerMinute)
		if !res.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("tunnel").Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfterSeconds)+1))
			writeError(w, relay.Errorf(relay.KindRateLimit, "rate limit exceeded: %d requests per minute", res.Limit))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// localOnly rejects tunnel-sourced requests. The admin surface must
// never be exposed through the public hostname.
func (s *server) localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if relay.SourceFromContext(r.Context()) == relay.SourceTunnel {
			writeError(w, relay.Errorf(relay.KindPermission, "admin API is not available through the tunnel"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// masterPasswordHeader carries the plaintext master password on
// guarded admin mutations.
const masterPasswordHeader = "X-Master-Password"

// masterGuard requires the master password on mutating admin requests
// when the feature is enabled. Reads stay open.
func (s *server) masterGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		if !s.deps.Settings.Bool(ctx, settings.KeyMasterPasswordEnabled) {
			next.ServeHTTP(w, r)
			return
		}
		hash := s.deps.Settings.String(ctx, settings.KeyMasterPasswordHash)
		if hash == "" || !verifyMaster(hash, r.Header.Get(masterPasswordHeader)) {
			writeError(w, relay.Errorf(relay.KindPermission, "master password required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if vals := r.Header[tunnelIPHeader]; len(vals) > 0 {
		return vals[0]
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// countingWriter additionally counts response bytes for tunnel
// accounting.
type countingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

func (cw *countingWriter) WriteHeader(code int) {
	if !cw.wroteHeader {
		cw.status = code
		cw.wroteHeader = true
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.wroteHeader = true
	}
	n, err := cw.ResponseWriter.Write(b)
	cw.written += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *countingWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
