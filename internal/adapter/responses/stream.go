package responses

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter/sseutil"
)

// streamParser consumes Responses stream events and emits neutral
// events. Item and part bookkeeping events carry nothing the neutral
// form needs, so only created, deltas, function_call item opens and the
// terminal events translate.
type streamParser struct {
	id       string
	model    string
	started  bool
	ended    bool
	sawTool  bool
	toolIdx  map[int]int
	nextTool int
}

func (p *streamParser) Parse(ev sseutil.Event) ([]relay.StreamEvent, error) {
	if p.ended {
		return nil, nil
	}
	root := gjson.ParseBytes(ev.Data)
	kind := root.Get("type").String()
	if kind == "" {
		kind = ev.Name
	}

	var events []relay.StreamEvent
	start := func() {
		if !p.started {
			p.started = true
			events = append(events, relay.StreamEvent{Kind: relay.EventStart, ID: p.id, Model: p.model})
		}
	}

	switch kind {
	case "response.created":
		if id := root.Get("response.id").String(); id != "" {
			p.id = id
		}
		if model := root.Get("response.model").String(); model != "" {
			p.model = model
		}
		start()
	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		start()
		p.sawTool = true
		outIdx := int(root.Get("output_index").Int())
		irIdx, ok := p.toolIdx[outIdx]
		if !ok {
			irIdx = p.nextTool
			p.toolIdx[outIdx] = irIdx
			p.nextTool++
		}
		events = append(events, relay.StreamEvent{
			Kind: relay.EventToolCall,
			ToolCall: &relay.ToolCallDelta{
				Index:     irIdx,
				ID:        item.Get("call_id").String(),
				Name:      item.Get("name").String(),
				Arguments: item.Get("arguments").String(),
			},
		})
	case "response.output_text.delta":
		start()
		events = append(events, relay.StreamEvent{Kind: relay.EventContent, Delta: root.Get("delta").String()})
	case "response.reasoning_summary_text.delta":
		start()
		events = append(events, relay.StreamEvent{Kind: relay.EventReasoning, Delta: root.Get("delta").String()})
	case "response.function_call_arguments.delta":
		start()
		outIdx := int(root.Get("output_index").Int())
		irIdx, ok := p.toolIdx[outIdx]
		if !ok {
			irIdx = p.nextTool
			p.toolIdx[outIdx] = irIdx
			p.nextTool++
		}
		events = append(events, relay.StreamEvent{
			Kind:     relay.EventToolCall,
			ToolCall: &relay.ToolCallDelta{Index: irIdx, Arguments: root.Get("delta").String()},
		})
	case "response.completed", "response.incomplete":
		start()
		p.ended = true
		events = append(events, p.endEvent(root.Get("response")))
	case "response.failed":
		p.ended = true
		e := &relay.Error{Kind: relay.KindAPI, Message: "response failed"}
		if errObj := root.Get("response.error"); errObj.Exists() {
			e.Message = errObj.Get("message").String()
			e.Code = errObj.Get("code").String()
		}
		e.Raw = json.RawMessage(append([]byte(nil), ev.Data...))
		events = append(events, relay.StreamEvent{Kind: relay.EventError, Err: e})
	case "error":
		p.ended = true
		events = append(events, relay.StreamEvent{
			Kind: relay.EventError,
			Err: &relay.Error{
				Kind:    relay.KindAPI,
				Message: root.Get("message").String(),
				Code:    root.Get("code").String(),
				Raw:     json.RawMessage(append([]byte(nil), ev.Data...)),
			},
		})
	}
	return events, nil
}

func (p *streamParser) Finish() []relay.StreamEvent {
	if !p.started || p.ended {
		return nil
	}
	p.ended = true
	return []relay.StreamEvent{p.endEvent(gjson.Result{})}
}

func (p *streamParser) endEvent(resp gjson.Result) relay.StreamEvent {
	finish := mapStatus(resp.Get("status").String())
	if finish == relay.FinishStop && p.sawTool {
		finish = relay.FinishToolCalls
	}
	ev := relay.StreamEvent{
		Kind:         relay.EventEnd,
		ID:           p.id,
		Model:        p.model,
		FinishReason: finish,
	}
	if u := resp.Get("usage"); u.IsObject() {
		ev.Usage = &relay.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
			Details: relay.UsageDetails{
				ReasoningTokens: int(u.Get("output_tokens_details.reasoning_tokens").Int()),
				CachedTokens:    int(u.Get("input_tokens_details.cached_tokens").Int()),
			},
		}
	}
	return ev
}

// --- Stream builder ---

// streamBuilder renders neutral events as the Responses item/part event
// grammar. Items are synthesized on first delta: one reasoning item if
// reasoning arrives, one message item on first content, one
// function_call item per tool call. Open items close in open order
// before the terminal response.completed, which carries the assembled
// output array. sequence_number counts every emitted event from zero.
type streamBuilder struct {
	seq     int
	id      string
	model   string
	created int64
	started bool
	ended   bool
	failed  bool

	reasoning     strings.Builder
	reasoningID   string
	reasoningIdx  int
	reasoningOpen bool
	reasoningSeen bool

	content    strings.Builder
	messageID  string
	messageIdx int
	msgOpen    bool
	msgSeen    bool

	tools     []*toolState
	toolByIdx map[int]*toolState

	nextIndex int
}

type toolState struct {
	itemID   string
	callID   string
	name     string
	args     strings.Builder
	outIndex int
}

func (b *streamBuilder) Process(ev relay.StreamEvent) ([]sseutil.Event, error) {
	if b.ended || b.failed {
		return nil, nil
	}
	switch ev.Kind {
	case relay.EventStart:
		return b.handleStart(ev), nil
	case relay.EventReasoning:
		return b.handleReasoning(ev.Delta), nil
	case relay.EventContent:
		return b.handleContent(ev.Delta), nil
	case relay.EventToolCall:
		if ev.ToolCall == nil {
			return nil, nil
		}
		return b.handleToolCall(ev.ToolCall), nil
	case relay.EventEnd:
		return b.handleEnd(ev.FinishReason, ev.Usage), nil
	case relay.EventError:
		return b.handleError(ev.Err), nil
	}
	return nil, nil
}

// Finalize closes a stream whose source ended without a terminal event.
// The Responses dialect has no [DONE] sentinel.
func (b *streamBuilder) Finalize() ([]sseutil.Event, error) {
	if b.failed || b.ended || !b.started {
		return nil, nil
	}
	return b.handleEnd(relay.FinishStop, nil), nil
}

func (b *streamBuilder) handleStart(ev relay.StreamEvent) []sseutil.Event {
	if b.started {
		return nil
	}
	b.started = true
	b.id = ev.ID
	if b.id == "" {
		b.id = "resp_" + uuid.Must(uuid.NewV7()).String()
	}
	b.model = ev.Model
	b.created = time.Now().Unix()
	b.toolByIdx = make(map[int]*toolState)
	return []sseutil.Event{b.event("response.created", map[string]any{
		"response": b.snapshot("in_progress", nil, nil),
	})}
}

func (b *streamBuilder) handleReasoning(delta string) []sseutil.Event {
	var out []sseutil.Event
	if !b.reasoningSeen {
		if b.msgSeen {
			// Reasoning after content has no slot left at index 0;
			// upstream dialects do not interleave, so drop it.
			return nil
		}
		b.reasoningSeen = true
		b.reasoningOpen = true
		b.reasoningID = "rs_" + b.id
		b.reasoningIdx = b.nextIndex
		b.nextIndex++
		out = append(out, b.event("response.output_item.added", map[string]any{
			"output_index": b.reasoningIdx,
			"item": map[string]any{
				"id":      b.reasoningID,
				"type":    "reasoning",
				"summary": []any{},
			},
		}))
		out = append(out, b.event("response.reasoning_summary_part.added", map[string]any{
			"item_id":       b.reasoningID,
			"output_index":  b.reasoningIdx,
			"summary_index": 0,
			"part":          map[string]any{"type": "summary_text", "text": ""},
		}))
	}
	if !b.reasoningOpen {
		return nil
	}
	b.reasoning.WriteString(delta)
	out = append(out, b.event("response.reasoning_summary_text.delta", map[string]any{
		"item_id":       b.reasoningID,
		"output_index":  b.reasoningIdx,
		"summary_index": 0,
		"delta":         delta,
	}))
	return out
}

func (b *streamBuilder) handleContent(delta string) []sseutil.Event {
	var out []sseutil.Event
	if !b.msgSeen {
		out = append(out, b.closeReasoning()...)
		b.msgSeen = true
		b.msgOpen = true
		b.messageID = "msg_" + b.id
		b.messageIdx = b.nextIndex
		b.nextIndex++
		out = append(out, b.event("response.output_item.added", map[string]any{
			"output_index": b.messageIdx,
			"item": map[string]any{
				"id":      b.messageID,
				"type":    "message",
				"status":  "in_progress",
				"role":    relay.RoleAssistant,
				"content": []any{},
			},
		}))
		out = append(out, b.event("response.content_part.added", map[string]any{
			"item_id":       b.messageID,
			"output_index":  b.messageIdx,
			"content_index": 0,
			"part":          map[string]any{"type": "output_text", "text": "", "annotations": []any{}},
		}))
	}
	b.content.WriteString(delta)
	out = append(out, b.event("response.output_text.delta", map[string]any{
		"item_id":       b.messageID,
		"output_index":  b.messageIdx,
		"content_index": 0,
		"delta":         delta,
	}))
	return out
}

func (b *streamBuilder) handleToolCall(tc *relay.ToolCallDelta) []sseutil.Event {
	if b.toolByIdx == nil {
		b.toolByIdx = make(map[int]*toolState)
	}
	var out []sseutil.Event
	t, ok := b.toolByIdx[tc.Index]
	if !ok {
		out = append(out, b.closeReasoning()...)
		callID := tc.ID
		if callID == "" {
			callID = "call_" + uuid.Must(uuid.NewV7()).String()
		}
		t = &toolState{
			itemID:   "fc_" + callID,
			callID:   callID,
			name:     tc.Name,
			outIndex: b.nextIndex,
		}
		b.nextIndex++
		b.toolByIdx[tc.Index] = t
		b.tools = append(b.tools, t)
		out = append(out, b.event("response.output_item.added", map[string]any{
			"output_index": t.outIndex,
			"item": map[string]any{
				"id":        t.itemID,
				"type":      "function_call",
				"status":    "in_progress",
				"call_id":   t.callID,
				"name":      t.name,
				"arguments": "",
			},
		}))
	}
	if tc.Name != "" && t.name == "" {
		t.name = tc.Name
	}
	if tc.Arguments != "" {
		t.args.WriteString(tc.Arguments)
		out = append(out, b.event("response.function_call_arguments.delta", map[string]any{
			"item_id":      t.itemID,
			"output_index": t.outIndex,
			"delta":        tc.Arguments,
		}))
	}
	return out
}

func (b *streamBuilder) handleEnd(finish string, usage *relay.Usage) []sseutil.Event {
	b.ended = true
	out := b.closeReasoning()
	out = append(out, b.closeMessage()...)
	out = append(out, b.closeTools()...)

	name := "response.completed"
	status := "completed"
	if finish == relay.FinishLength {
		name = "response.incomplete"
		status = "incomplete"
	}
	payload := map[string]any{"response": b.snapshot(status, b.output(), usage)}
	out = append(out, b.event(name, payload))
	return out
}

func (b *streamBuilder) handleError(e *relay.Error) []sseutil.Event {
	b.failed = true
	if e == nil {
		e = &relay.Error{Kind: relay.KindServer, Message: "upstream stream failed"}
	}
	snap := b.snapshot("failed", b.output(), nil)
	snap["error"] = map[string]any{"code": nilOrString(e.Code), "message": e.Message}
	return []sseutil.Event{b.event("response.failed", map[string]any{"response": snap})}
}

func (b *streamBuilder) closeReasoning() []sseutil.Event {
	if !b.reasoningOpen {
		return nil
	}
	b.reasoningOpen = false
	text := b.reasoning.String()
	return []sseutil.Event{
		b.event("response.reasoning_summary_text.done", map[string]any{
			"item_id":       b.reasoningID,
			"output_index":  b.reasoningIdx,
			"summary_index": 0,
			"text":          text,
		}),
		b.event("response.reasoning_summary_part.done", map[string]any{
			"item_id":       b.reasoningID,
			"output_index":  b.reasoningIdx,
			"summary_index": 0,
			"part":          map[string]any{"type": "summary_text", "text": text},
		}),
		b.event("response.output_item.done", map[string]any{
			"output_index": b.reasoningIdx,
			"item":         b.reasoningItem(),
		}),
	}
}

func (b *streamBuilder) closeMessage() []sseutil.Event {
	if !b.msgOpen {
		return nil
	}
	b.msgOpen = false
	text := b.content.String()
	return []sseutil.Event{
		b.event("response.output_text.done", map[string]any{
			"item_id":       b.messageID,
			"output_index":  b.messageIdx,
			"content_index": 0,
			"text":          text,
		}),
		b.event("response.content_part.done", map[string]any{
			"item_id":       b.messageID,
			"output_index":  b.messageIdx,
			"content_index": 0,
			"part":          map[string]any{"type": "output_text", "text": text, "annotations": []any{}},
		}),
		b.event("response.output_item.done", map[string]any{
			"output_index": b.messageIdx,
			"item":         b.messageItem(),
		}),
	}
}

func (b *streamBuilder) closeTools() []sseutil.Event {
	var out []sseutil.Event
	for _, t := range b.tools {
		out = append(out, b.event("response.function_call_arguments.done", map[string]any{
			"item_id":      t.itemID,
			"output_index": t.outIndex,
			"arguments":    t.args.String(),
		}))
		out = append(out, b.event("response.output_item.done", map[string]any{
			"output_index": t.outIndex,
			"item":         b.toolItem(t),
		}))
	}
	return out
}

func (b *streamBuilder) reasoningItem() map[string]any {
	return map[string]any{
		"id":   b.reasoningID,
		"type": "reasoning",
		"summary": []any{
			map[string]any{"type": "summary_text", "text": b.reasoning.String()},
		},
	}
}

func (b *streamBuilder) messageItem() map[string]any {
	return map[string]any{
		"id":     b.messageID,
		"type":   "message",
		"status": "completed",
		"role":   relay.RoleAssistant,
		"content": []any{
			map[string]any{"type": "output_text", "text": b.content.String(), "annotations": []any{}},
		},
	}
}

func (b *streamBuilder) toolItem(t *toolState) map[string]any {
	return map[string]any{
		"id":        t.itemID,
		"type":      "function_call",
		"status":    "completed",
		"call_id":   t.callID,
		"name":      t.name,
		"arguments": t.args.String(),
	}
}

// output assembles the final output array in item-open order.
func (b *streamBuilder) output() []any {
	type entry struct {
		idx  int
		item map[string]any
	}
	var entries []entry
	if b.reasoningSeen {
		entries = append(entries, entry{b.reasoningIdx, b.reasoningItem()})
	}
	if b.msgSeen {
		entries = append(entries, entry{b.messageIdx, b.messageItem()})
	}
	for _, t := range b.tools {
		entries = append(entries, entry{t.outIndex, b.toolItem(t)})
	}
	out := make([]any, b.nextIndex)
	for _, e := range entries {
		if e.idx < len(out) {
			out[e.idx] = e.item
		}
	}
	return out
}

func (b *streamBuilder) snapshot(status string, output []any, usage *relay.Usage) map[string]any {
	if output == nil {
		output = []any{}
	}
	snap := map[string]any{
		"id":         b.id,
		"object":     "response",
		"created_at": b.created,
		"status":     status,
		"model":      b.model,
		"output":     output,
	}
	if status == "completed" || status == "incomplete" {
		snap["output_text"] = b.content.String()
	}
	if status == "incomplete" {
		snap["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	if usage != nil {
		u := map[string]any{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
			"total_tokens":  usage.TotalTokens,
		}
		if usage.Details.CachedTokens > 0 {
			u["input_tokens_details"] = map[string]any{"cached_tokens": usage.Details.CachedTokens}
		}
		if usage.Details.ReasoningTokens > 0 {
			u["output_tokens_details"] = map[string]any{"reasoning_tokens": usage.Details.ReasoningTokens}
		}
		snap["usage"] = u
	}
	return snap
}

func (b *streamBuilder) event(name string, payload map[string]any) sseutil.Event {
	payload["type"] = name
	payload["sequence_number"] = b.seq
	b.seq++
	data, _ := json.Marshal(payload)
	return sseutil.Event{Name: name, Data: data}
}
