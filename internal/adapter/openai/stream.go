package openai

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter/sseutil"
)

// streamParser consumes Chat Completions chunk events and emits neutral
// stream events. Vendors differ on whether finish_reason arrives on the
// last content chunk or on its own, so the terminal event waits for the
// [DONE] sentinel (or end of input).
type streamParser struct {
	id      string
	model   string
	started bool
	ended   bool
	finish  string
	usage   *relay.Usage
	sawTool bool
}

func (p *streamParser) Parse(ev sseutil.Event) ([]relay.StreamEvent, error) {
	if p.ended {
		return nil, nil
	}
	if ev.IsDone() {
		p.ended = true
		return []relay.StreamEvent{p.endEvent()}, nil
	}

	root := gjson.ParseBytes(ev.Data)
	if e := root.Get("error"); e.Exists() && e.IsObject() {
		p.ended = true
		code := e.Get("code").String()
		if code == "" {
			code = e.Get("type").String()
		}
		return []relay.StreamEvent{{
			Kind: relay.EventError,
			Err: &relay.Error{
				Kind:    relay.KindAPI,
				Message: e.Get("message").String(),
				Code:    code,
				Raw:     json.RawMessage(append([]byte(nil), ev.Data...)),
			},
		}}, nil
	}

	if id := root.Get("id").String(); id != "" {
		p.id = id
	}
	if model := root.Get("model").String(); model != "" {
		p.model = model
	}

	var events []relay.StreamEvent
	if !p.started {
		p.started = true
		events = append(events, relay.StreamEvent{Kind: relay.EventStart, ID: p.id, Model: p.model})
	}

	delta := root.Get("choices.0.delta")
	if r := delta.Get("reasoning_content"); r.Exists() && r.String() != "" {
		events = append(events, relay.StreamEvent{Kind: relay.EventReasoning, Delta: r.String()})
	}
	if c := delta.Get("content"); c.Exists() && c.String() != "" {
		events = append(events, relay.StreamEvent{Kind: relay.EventContent, Delta: c.String()})
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		p.sawTool = true
		events = append(events, relay.StreamEvent{
			Kind: relay.EventToolCall,
			ToolCall: &relay.ToolCallDelta{
				Index:     int(tc.Get("index").Int()),
				ID:        tc.Get("id").String(),
				Name:      tc.Get("function.name").String(),
				Arguments: tc.Get("function.arguments").String(),
			},
		})
		return true
	})

	if fr := root.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		p.finish = mapFinishReason(fr.String())
	}
	if u := root.Get("usage"); u.IsObject() {
		p.usage = parseStreamUsage(u)
	}
	return events, nil
}

// Finish closes a stream that ended without the [DONE] sentinel.
func (p *streamParser) Finish() []relay.StreamEvent {
	if !p.started || p.ended {
		return nil
	}
	p.ended = true
	return []relay.StreamEvent{p.endEvent()}
}

func (p *streamParser) endEvent() relay.StreamEvent {
	finish := p.finish
	if finish == "" {
		finish = relay.FinishStop
		if p.sawTool {
			finish = relay.FinishToolCalls
		}
	}
	return relay.StreamEvent{
		Kind:         relay.EventEnd,
		ID:           p.id,
		Model:        p.model,
		FinishReason: finish,
		Usage:        p.usage,
	}
}

func parseStreamUsage(u gjson.Result) *relay.Usage {
	return &relay.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
		Details: relay.UsageDetails{
			ReasoningTokens: int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
			CachedTokens:    int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		},
	}
}

// streamBuilder renders neutral stream events as Chat Completions
// chunks. After an error event the stream is poisoned and Finalize
// stays silent; otherwise Finalize emits the [DONE] sentinel exactly
// once.
type streamBuilder struct {
	id      string
	model   string
	created int64
	failed  bool
	done    bool
}

func (b *streamBuilder) Process(ev relay.StreamEvent) ([]sseutil.Event, error) {
	if b.failed || b.done {
		return nil, nil
	}
	switch ev.Kind {
	case relay.EventStart:
		b.id = ev.ID
		b.model = ev.Model
		return []sseutil.Event{b.delta(map[string]any{"role": relay.RoleAssistant, "content": ""})}, nil
	case relay.EventContent:
		return []sseutil.Event{b.delta(map[string]any{"content": ev.Delta})}, nil
	case relay.EventReasoning:
		return []sseutil.Event{b.delta(map[string]any{"reasoning_content": ev.Delta})}, nil
	case relay.EventToolCall:
		if ev.ToolCall == nil {
			return nil, nil
		}
		return []sseutil.Event{b.toolCallDelta(ev.ToolCall)}, nil
	case relay.EventEnd:
		b.done = true
		events := []sseutil.Event{b.finishChunk(ev.FinishReason)}
		if ev.Usage != nil {
			events = append(events, b.usageChunk(ev.Usage))
		}
		return events, nil
	case relay.EventError:
		b.failed = true
		err := ev.Err
		if err == nil {
			err = &relay.Error{Kind: relay.KindServer, Message: "upstream stream failed"}
		}
		return []sseutil.Event{{Data: errorBody(err)}}, nil
	}
	return nil, nil
}

func (b *streamBuilder) Finalize() ([]sseutil.Event, error) {
	if b.failed {
		return nil, nil
	}
	return []sseutil.Event{{Data: sseutil.DoneData}}, nil
}

// --- Chunk builders ---

func (b *streamBuilder) chunk(choices any, usage map[string]any) sseutil.Event {
	if b.id == "" {
		b.id = "chatcmpl-" + uuid.Must(uuid.NewV7()).String()
	}
	if b.created == 0 {
		b.created = time.Now().Unix()
	}
	payload := map[string]any{
		"id":      b.id,
		"object":  "chat.completion.chunk",
		"created": b.created,
		"model":   b.model,
		"choices": choices,
	}
	if usage != nil {
		payload["usage"] = usage
	}
	data, _ := json.Marshal(payload)
	return sseutil.Event{Data: data}
}

func (b *streamBuilder) delta(delta map[string]any) sseutil.Event {
	return b.chunk([]any{map[string]any{
		"index":         0,
		"delta":         delta,
		"finish_reason": nil,
	}}, nil)
}

func (b *streamBuilder) toolCallDelta(tc *relay.ToolCallDelta) sseutil.Event {
	fn := map[string]any{"arguments": tc.Arguments}
	if tc.Name != "" {
		fn["name"] = tc.Name
	}
	call := map[string]any{
		"index":    tc.Index,
		"function": fn,
	}
	if tc.ID != "" {
		call["id"] = tc.ID
		call["type"] = "function"
	}
	return b.delta(map[string]any{"tool_calls": []any{call}})
}

func (b *streamBuilder) finishChunk(reason string) sseutil.Event {
	if reason == "" {
		reason = relay.FinishStop
	}
	return b.chunk([]any{map[string]any{
		"index":         0,
		"delta":         map[string]any{},
		"finish_reason": reason,
	}}, nil)
}

func (b *streamBuilder) usageChunk(u *relay.Usage) sseutil.Event {
	usage := map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
	if u.Details.CachedTokens > 0 {
		usage["prompt_tokens_details"] = map[string]any{"cached_tokens": u.Details.CachedTokens}
	}
	if u.Details.ReasoningTokens > 0 {
		usage["completion_tokens_details"] = map[string]any{"reasoning_tokens": u.Details.ReasoningTokens}
	}
	return b.chunk([]any{}, usage)
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
