package bridge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter/sseutil"
	"github.com/koriley/switchboard/internal/settings"
)

// streamTally accumulates what a stream delivered, for the log row.
type streamTally struct {
	usage   relay.Usage
	textLen int
	err     *relay.Error
}

func (t *streamTally) observe(ev relay.StreamEvent) {
	switch ev.Kind {
	case relay.EventContent, relay.EventReasoning:
		t.textLen += len(ev.Delta)
	case relay.EventEnd:
		t.usage.Add(ev.Usage)
	case relay.EventError:
		t.err = ev.Err
	}
}

// stream relays a streaming call over SSE. Upstream frames are parsed
// in the outbound dialect, re-serialized in the inbound one, and
// flushed as they arrive, with keepalive comments in the gaps. Frames
// travel through a small bounded channel; nothing buffers the whole
// stream. Once the upstream has produced data the call is never
// retried.
func (s *Service) stream(w http.ResponseWriter, r *http.Request, rt *Route, ir *relay.Request, rec *callRecord) {
	ctx := r.Context()
	pol := s.settings.SSE(ctx)

	payload, err := rt.Outbound.BuildRequest(ir)
	if err != nil {
		s.fail(ctx, w, rt, rec, relay.AsError(err))
		return
	}
	endpoint := endpointURL(rt.Provider, rt.Outbound.Info(), ir.Model, true)

	upCtx, upCancel := context.WithCancel(ctx)
	defer upCancel()

	// The call timeout covers the header phase only, retries included.
	// Once the stream is open the idle limit takes over.
	headerTimer := time.AfterFunc(s.settings.Millis(ctx, settings.KeyProxyTimeout), upCancel)
	resp, err := s.fetch(upCtx, rt, endpoint, payload, ir.Model)
	headerTimer.Stop()
	if err != nil {
		s.fail(ctx, w, rt, rec, s.upstreamToError(rt, err))
		return
	}

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	events := make(chan relay.StreamEvent, 8)
	go s.readUpstream(upCtx, rt, resp, events)

	sseutil.WriteHeaders(w)
	writer := sseutil.NewWriter(w)
	builder := rt.Inbound.NewStreamBuilder()
	heartbeat := time.NewTicker(pol.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(pol.ConnectionTimeout)
	defer idle.Stop()

	tally := &streamTally{}
	rec.status = http.StatusOK
	for {
		select {
		case <-ctx.Done():
			s.finishStream(ctx, ir, rec, tally, "client_closed")
			return
		case <-idle.C:
			upCancel()
			s.finishStream(ctx, ir, rec, tally, "stream idle timeout")
			return
		case <-heartbeat.C:
			if writer.KeepAlive() != nil {
				upCancel()
				s.finishStream(ctx, ir, rec, tally, "client_closed")
				return
			}
		case ev, ok := <-events:
			if !ok {
				if evs, err := builder.Finalize(); err == nil {
					for _, e := range evs {
						if writer.Send(e) != nil {
							break
						}
					}
				}
				s.finishStream(ctx, ir, rec, tally, "")
				return
			}
			idle.Reset(pol.ConnectionTimeout)
			tally.observe(ev)
			evs, err := builder.Process(ev)
			if err != nil {
				upCancel()
				slog.LogAttrs(ctx, slog.LevelError, "stream translation failed",
					slog.String("proxy_path", rec.proxyPath),
					slog.String("error", err.Error()))
				s.finishStream(ctx, ir, rec, tally, "stream translation failed")
				return
			}
			for _, e := range evs {
				if writer.Send(e) != nil {
					upCancel()
					s.finishStream(ctx, ir, rec, tally, "client_closed")
					return
				}
			}
		}
	}
}

// finishStream fills usage, estimating from delivered text when the
// upstream reported none, and writes the log row. abort names why the
// stream ended early; an error event from the upstream wins over it.
func (s *Service) finishStream(ctx context.Context, ir *relay.Request, rec *callRecord, tally *streamTally, abort string) {
	rec.usage = tally.usage
	if rec.usage.PromptTokens == 0 && rec.usage.CompletionTokens == 0 {
		rec.usage.PromptTokens = s.counter.EstimateRequest(ir)
		rec.usage.CompletionTokens = s.counter.CountLen(tally.textLen)
		rec.usage.TotalTokens = rec.usage.PromptTokens + rec.usage.CompletionTokens
	}
	switch {
	case tally.err != nil:
		rec.errMsg = tally.err.Message
	case abort != "":
		rec.errMsg = abort
	}
	s.writeLog(ctx, rec)
}

// readUpstream is the producer half of the pump. It reads the
// upstream SSE body, parses frames in the outbound dialect, and
// delivers neutral events on ch, which it closes when the upstream
// finishes. Cancelling ctx aborts the read without a synthetic end
// event.
func (s *Service) readUpstream(ctx context.Context, rt *Route, resp *http.Response, ch chan<- relay.StreamEvent) {
	defer close(ch)
	defer resp.Body.Close()

	parser := rt.Outbound.NewStreamParser()
	reader := sseutil.NewReader(resp.Body)
	for {
		raw, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err != io.EOF {
				s.emit(ctx, ch, relay.StreamEvent{
					Kind: relay.EventError,
					Err:  relay.Errorf(relay.KindAPI, "upstream %s: read stream: %v", rt.Provider.Name, err),
				})
				return
			}
			for _, ev := range parser.Finish() {
				if !s.emit(ctx, ch, ev) {
					return
				}
			}
			return
		}
		evs, perr := parser.Parse(raw)
		if perr != nil {
			s.emit(ctx, ch, relay.StreamEvent{
				Kind: relay.EventError,
				Err:  relay.Errorf(relay.KindAPI, "upstream %s: malformed stream: %v", rt.Provider.Name, perr),
			})
			return
		}
		for _, ev := range evs {
			if !s.emit(ctx, ch, ev) {
				return
			}
		}
	}
}

// emit delivers one event unless the consumer is gone.
func (s *Service) emit(ctx context.Context, ch chan<- relay.StreamEvent, ev relay.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Events streams a neutral request through a route, delivering neutral
// events on the returned channel. The channel closes when the stream
// ends; terminal failures arrive as an EventError first. Cancelling
// ctx aborts the upstream transfer. The request log row is written
// when the stream finishes, exactly as on the HTTP path.
func (s *Service) Events(ctx context.Context, rt *Route, req *relay.Request) (<-chan relay.StreamEvent, error) {
	rec := s.recordFor(rt, req.Model)
	pol := s.settings.SSE(ctx)

	target, err := s.MapModel(ctx, rt, req.Model)
	if err != nil {
		return nil, err
	}
	target = s.codeRewrite(ctx, rt.Provider.ID, target)
	ir := *req
	ir.Model = target
	ir.Stream = true
	rec.targetModel = target

	payload, err := rt.Outbound.BuildRequest(&ir)
	if err != nil {
		return nil, relay.AsError(err)
	}
	endpoint := endpointURL(rt.Provider, rt.Outbound.Info(), target, true)

	upCtx, upCancel := context.WithCancel(ctx)
	headerTimer := time.AfterFunc(s.settings.Millis(ctx, settings.KeyProxyTimeout), upCancel)
	resp, err := s.fetch(upCtx, rt, endpoint, payload, target)
	headerTimer.Stop()
	if err != nil {
		upCancel()
		e := s.upstreamToError(rt, err)
		rec.status = e.HTTPStatus()
		rec.errMsg = e.Message
		s.writeLog(ctx, rec)
		return nil, e
	}
	rec.status = http.StatusOK

	s.metrics.ActiveStreams.Inc()

	inner := make(chan relay.StreamEvent, 8)
	go s.readUpstream(upCtx, rt, resp, inner)

	out := make(chan relay.StreamEvent, 8)
	go func() {
		defer close(out)
		defer upCancel()
		defer s.metrics.ActiveStreams.Dec()

		idle := time.NewTimer(pol.ConnectionTimeout)
		defer idle.Stop()

		tally := &streamTally{}
		for {
			select {
			case <-ctx.Done():
				s.finishStream(ctx, &ir, rec, tally, "client_closed")
				return
			case <-idle.C:
				upCancel()
				s.finishStream(ctx, &ir, rec, tally, "stream idle timeout")
				return
			case ev, ok := <-inner:
				if !ok {
					s.finishStream(ctx, &ir, rec, tally, "")
					return
				}
				idle.Reset(pol.ConnectionTimeout)
				tally.observe(ev)
				select {
				case out <- ev:
				case <-ctx.Done():
					s.finishStream(ctx, &ir, rec, tally, "client_closed")
					return
				}
			}
		}
	}()
	return out, nil
}
