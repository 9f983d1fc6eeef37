package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/settings"
)

// maxResponseBody caps a unary upstream reply.
const maxResponseBody = 32 << 20

// Execute serves one bridge call over HTTP. body is the already read
// request payload in the entry proxy's inbound dialect; the reply is
// written in that same dialect whatever the terminal provider speaks.
func (s *Service) Execute(w http.ResponseWriter, r *http.Request, proxy *relay.BridgeProxy, body []byte) {
	ctx := r.Context()
	rec := &callRecord{
		proxyID:   proxy.ID,
		proxyPath: proxy.ProxyPath,
		start:     time.Now(),
		reqBody:   body,
	}

	rt, err := s.Resolve(ctx, proxy)
	if err != nil {
		s.fail(ctx, w, nil, rec, relay.AsError(err))
		return
	}

	ir, err := rt.Inbound.ParseRequest(body)
	if err != nil {
		s.fail(ctx, w, rt, rec, relay.AsError(err))
		return
	}
	rec.sourceModel = ir.Model

	target, err := s.MapModel(ctx, rt, ir.Model)
	if err != nil {
		s.fail(ctx, w, rt, rec, relay.AsError(err))
		return
	}
	target = s.codeRewrite(ctx, rt.Provider.ID, target)
	ir.Model = target
	rec.targetModel = target

	if ir.Stream {
		s.stream(w, r, rt, ir, rec)
		return
	}
	s.unary(ctx, w, rt, ir, rec)
}

func (s *Service) unary(ctx context.Context, w http.ResponseWriter, rt *Route, ir *relay.Request, rec *callRecord) {
	ctx, cancel := context.WithTimeout(ctx, s.settings.Millis(ctx, settings.KeyProxyTimeout))
	defer cancel()

	payload, err := rt.Outbound.BuildRequest(ir)
	if err != nil {
		s.fail(ctx, w, rt, rec, relay.AsError(err))
		return
	}
	endpoint := endpointURL(rt.Provider, rt.Outbound.Info(), ir.Model, false)

	resp, err := s.fetch(ctx, rt, endpoint, payload, ir.Model)
	if err != nil {
		s.fail(ctx, w, rt, rec, s.upstreamToError(rt, err))
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		s.fail(ctx, w, rt, rec, relay.Errorf(relay.KindAPI, "upstream %s: read response: %v", rt.Provider.Name, err))
		return
	}

	out, err := rt.Outbound.ParseResponse(raw)
	if err != nil {
		s.fail(ctx, w, rt, rec, relay.Errorf(relay.KindAPI, "upstream %s: unreadable response: %v", rt.Provider.Name, err))
		return
	}
	s.fillUsage(ir, out)

	body, err := rt.Inbound.BuildResponse(out)
	if err != nil {
		s.fail(ctx, w, rt, rec, relay.AsError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)

	rec.status = http.StatusOK
	rec.respBody = body
	rec.usage = *out.Usage
	s.writeLog(ctx, rec)
}

// Complete sends an already-neutral request through a route and
// returns the neutral response. The chat service uses this for
// non-streaming turns; model mapping, retries, and logging behave
// exactly as on the HTTP path.
func (s *Service) Complete(ctx context.Context, rt *Route, req *relay.Request) (*relay.Response, error) {
	rec := s.recordFor(rt, req.Model)

	target, err := s.MapModel(ctx, rt, req.Model)
	if err != nil {
		return nil, err
	}
	target = s.codeRewrite(ctx, rt.Provider.ID, target)
	ir := *req
	ir.Model = target
	ir.Stream = false
	rec.targetModel = target

	ctx, cancel := context.WithTimeout(ctx, s.settings.Millis(ctx, settings.KeyProxyTimeout))
	defer cancel()

	payload, err := rt.Outbound.BuildRequest(&ir)
	if err != nil {
		return nil, relay.AsError(err)
	}
	endpoint := endpointURL(rt.Provider, rt.Outbound.Info(), target, false)

	resp, err := s.fetch(ctx, rt, endpoint, payload, target)
	if err != nil {
		e := s.upstreamToError(rt, err)
		rec.status = e.HTTPStatus()
		rec.errMsg = e.Message
		s.writeLog(ctx, rec)
		return nil, e
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		e := relay.Errorf(relay.KindAPI, "upstream %s: read response: %v", rt.Provider.Name, err)
		rec.status = e.HTTPStatus()
		rec.errMsg = e.Message
		s.writeLog(ctx, rec)
		return nil, e
	}
	out, err := rt.Outbound.ParseResponse(raw)
	if err != nil {
		e := relay.Errorf(relay.KindAPI, "upstream %s: unreadable response: %v", rt.Provider.Name, err)
		rec.status = e.HTTPStatus()
		rec.errMsg = e.Message
		s.writeLog(ctx, rec)
		return nil, e
	}
	s.fillUsage(&ir, out)

	rec.status = http.StatusOK
	rec.respBody = raw
	rec.usage = *out.Usage
	s.writeLog(ctx, rec)
	return out, nil
}

// recordFor seeds a log record for an IR-level call. Direct provider
// routes have no proxy path, so the provider name identifies the
// route in listings.
func (s *Service) recordFor(rt *Route, model string) *callRecord {
	rec := &callRecord{start: time.Now(), sourceModel: model}
	if rt.Proxy != nil {
		rec.proxyID = rt.Proxy.ID
		rec.proxyPath = rt.Proxy.ProxyPath
	} else {
		rec.proxyPath = rt.Provider.Name
	}
	return rec
}

// codeRewrite applies the code-switch binding for the terminal
// provider, if an enabled one exists. Bindings let a coding CLI keep
// its stock model ids while the daemon substitutes the configured
// targets.
func (s *Service) codeRewrite(ctx context.Context, providerID, model string) string {
	switches, err := s.store.ListCodeSwitches(ctx)
	if err != nil {
		return model
	}
	for _, cs := range switches {
		if !cs.Enabled || cs.ProviderID != providerID {
			continue
		}
		mappings, err := s.store.ActiveCodeMappings(ctx, cs.ID)
		if err != nil {
			continue
		}
		for _, m := range mappings {
			if m.SourceModel == model {
				return m.TargetModel
			}
		}
	}
	return model
}

// upstreamToError maps a fetch failure onto the neutral error IR. A
// non-2xx upstream reply is parsed by the outbound dialect first so
// the vendor's message survives translation.
func (s *Service) upstreamToError(rt *Route, err error) *relay.Error {
	var ue *relay.UpstreamError
	if errors.As(err, &ue) {
		return rt.Outbound.ParseError(ue.StatusCode, ue.Body)
	}
	return relay.AsError(err)
}

// fillUsage backfills estimated token counts when the upstream
// reported no usage at all.
func (s *Service) fillUsage(ir *relay.Request, out *relay.Response) {
	if out.Usage == nil {
		out.Usage = &relay.Usage{}
	}
	u := out.Usage
	if u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0 {
		return
	}
	u.PromptTokens = s.counter.EstimateRequest(ir)
	u.CompletionTokens = s.counter.EstimateResponse(out)
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// fail writes e in the inbound dialect when the route resolved far
// enough to know it, else in a plain OpenAI-style error shape, and
// finalizes the log row.
func (s *Service) fail(ctx context.Context, w http.ResponseWriter, rt *Route, rec *callRecord, e *relay.Error) {
	status := e.HTTPStatus()
	var body []byte
	if rt != nil {
		body = rt.Inbound.BuildError(e)
	} else {
		body = plainError(e)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)

	rec.status = status
	rec.errMsg = e.Message
	s.writeLog(ctx, rec)
}

// plainError renders e in the generic error body shape used when no
// inbound dialect is known.
func plainError(e *relay.Error) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": e.Message, "type": string(e.Kind)},
	})
	return body
}
