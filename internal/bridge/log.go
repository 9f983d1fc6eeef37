package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
)

// callRecord accumulates what one request log row needs as a call
// moves through the pipeline.
type callRecord struct {
	proxyID     string // empty on passthrough and direct provider calls
	proxyPath   string
	sourceModel string
	targetModel string
	status      int
	usage       relay.Usage
	start       time.Time
	reqBody     []byte
	respBody    []byte
	errMsg      string
}

// writeLog inserts the request log row for one completed call,
// honoring the logging policy. Insert failures are logged and
// swallowed; a broken log store must not break serving. The row is
// written even when the caller's context is already cancelled.
func (s *Service) writeLog(ctx context.Context, rec *callRecord) {
	ctx = context.WithoutCancel(ctx)
	pol := s.settings.Logs(ctx)
	if !pol.Enabled {
		return
	}

	l := &relay.RequestLog{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ProxyID:      rec.proxyID,
		ProxyPath:    rec.proxyPath,
		SourceModel:  rec.sourceModel,
		TargetModel:  rec.targetModel,
		StatusCode:   rec.status,
		InputTokens:  rec.usage.PromptTokens,
		OutputTokens: rec.usage.CompletionTokens,
		LatencyMs:    int(time.Since(rec.start).Milliseconds()),
		Error:        rec.errMsg,
		Source:       relay.SourceFromContext(ctx),
		CreatedAt:    time.Now().UTC(),
	}
	if pol.SaveRequestBody {
		l.RequestBody = clip(rec.reqBody, pol.MaxBodySize)
	}
	if pol.SaveResponseBody {
		l.ResponseBody = clip(rec.respBody, pol.MaxBodySize)
	}
	if err := s.store.InsertRequestLog(ctx, l); err != nil {
		slog.Error("insert request log failed", "proxy_path", rec.proxyPath, "error", err)
	}

	if rec.targetModel != "" {
		if l.InputTokens > 0 {
			s.metrics.TokensProcessed.WithLabelValues(rec.targetModel, "input").Add(float64(l.InputTokens))
		}
		if l.OutputTokens > 0 {
			s.metrics.TokensProcessed.WithLabelValues(rec.targetModel, "output").Add(float64(l.OutputTokens))
		}
	}
}

// clip truncates b to at most n bytes for storage.
func clip(b []byte, n int) string {
	if n > 0 && len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// usageFromBody pulls token usage out of a raw vendor response body,
// trying the OpenAI, Anthropic, and Gemini shapes in that order.
// Passthrough calls have no parsed response, so the log extraction
// digs into the raw bytes directly.
func usageFromBody(raw []byte) relay.Usage {
	var u relay.Usage
	if r := gjson.GetBytes(raw, "usage.prompt_tokens"); r.Exists() {
		u.PromptTokens = int(r.Int())
		u.CompletionTokens = int(gjson.GetBytes(raw, "usage.completion_tokens").Int())
		u.TotalTokens = int(gjson.GetBytes(raw, "usage.total_tokens").Int())
		return u
	}
	if r := gjson.GetBytes(raw, "usage.input_tokens"); r.Exists() {
		u.PromptTokens = int(r.Int())
		u.CompletionTokens = int(gjson.GetBytes(raw, "usage.output_tokens").Int())
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		return u
	}
	if r := gjson.GetBytes(raw, "usageMetadata.promptTokenCount"); r.Exists() {
		u.PromptTokens = int(r.Int())
		u.CompletionTokens = int(gjson.GetBytes(raw, "usageMetadata.candidatesTokenCount").Int())
		u.TotalTokens = int(gjson.GetBytes(raw, "usageMetadata.totalTokenCount").Int())
		return u
	}
	return u
}
