package anthropic

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter/sseutil"
)

// streamParser consumes Messages stream events and emits neutral
// events. Block indexes are dialect bookkeeping; tool calls get
// sequential neutral indexes of their own.
type streamParser struct {
	id      string
	model   string
	started bool
	ended   bool
	finish  string
	usage   relay.Usage
	hasUse  bool
	sawTool bool

	toolIdx  map[int]int
	nextTool int
	blocks   map[int]string
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
	if p.blocks == nil {
		p.blocks = make(map[int]string)
	}

	switch kind {
	case "message_start":
		msg := root.Get("message")
		p.id = msg.Get("id").String()
		p.model = msg.Get("model").String()
		if u := msg.Get("usage"); u.IsObject() {
			p.hasUse = true
			p.usage.PromptTokens = int(u.Get("input_tokens").Int())
			p.usage.Details.CachedTokens = int(u.Get("cache_read_input_tokens").Int())
		}
		p.started = true
		return []relay.StreamEvent{{Kind: relay.EventStart, ID: p.id, Model: p.model}}, nil

	case "content_block_start":
		idx := int(root.Get("index").Int())
		block := root.Get("content_block")
		blockType := block.Get("type").String()
		p.blocks[idx] = blockType
		if blockType != "tool_use" {
			return nil, nil
		}
		p.sawTool = true
		irIdx := p.nextTool
		p.toolIdx[idx] = irIdx
		p.nextTool++
		return []relay.StreamEvent{{
			Kind: relay.EventToolCall,
			ToolCall: &relay.ToolCallDelta{
				Index: irIdx,
				ID:    block.Get("id").String(),
				Name:  block.Get("name").String(),
			},
		}}, nil

	case "content_block_delta":
		idx := int(root.Get("index").Int())
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []relay.StreamEvent{{Kind: relay.EventContent, Delta: delta.Get("text").String()}}, nil
		case "thinking_delta":
			return []relay.StreamEvent{{Kind: relay.EventReasoning, Delta: delta.Get("thinking").String()}}, nil
		case "input_json_delta":
			irIdx, ok := p.toolIdx[idx]
			if !ok {
				return nil, nil
			}
			return []relay.StreamEvent{{
				Kind:     relay.EventToolCall,
				ToolCall: &relay.ToolCallDelta{Index: irIdx, Arguments: delta.Get("partial_json").String()},
			}}, nil
		}
		return nil, nil

	case "message_delta":
		if sr := root.Get("delta.stop_reason"); sr.Exists() && sr.String() != "" {
			p.finish = mapStopReason(sr.String())
		}
		if u := root.Get("usage"); u.IsObject() {
			p.hasUse = true
			p.usage.CompletionTokens = int(u.Get("output_tokens").Int())
			if in := u.Get("input_tokens"); in.Exists() {
				p.usage.PromptTokens = int(in.Int())
			}
		}
		return nil, nil

	case "message_stop":
		p.ended = true
		return []relay.StreamEvent{p.endEvent()}, nil

	case "error":
		p.ended = true
		e := root.Get("error")
		return []relay.StreamEvent{{
			Kind: relay.EventError,
			Err: &relay.Error{
				Kind:    kindOrAPI(e.Get("type").String()),
				Message: e.Get("message").String(),
				Code:    e.Get("type").String(),
				Raw:     json.RawMessage(append([]byte(nil), ev.Data...)),
			},
		}}, nil
	}
	return nil, nil
}

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
	ev := relay.StreamEvent{
		Kind:         relay.EventEnd,
		ID:           p.id,
		Model:        p.model,
		FinishReason: finish,
	}
	if p.hasUse {
		u := p.usage
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		ev.Usage = &u
	}
	return ev
}

func kindOrAPI(t string) relay.ErrorKind {
	if kind := kindFromType(t); kind != relay.KindUnknown {
		return kind
	}
	return relay.KindAPI
}

// --- Stream builder ---

const (
	blockNone = iota
	blockText
	blockThinking
	blockTool
)

// streamBuilder renders neutral events as Messages stream events. The
// dialect allows one open content block at a time, so a kind switch
// closes the current block and opens the next at a fresh index.
type streamBuilder struct {
	id      string
	model   string
	started bool
	ended   bool
	failed  bool

	open      int
	blockIdx  int
	openedAny bool

	toolBlocks map[int]int
	openTool   int
}

func (b *streamBuilder) Process(ev relay.StreamEvent) ([]sseutil.Event, error) {
	if b.ended || b.failed {
		return nil, nil
	}
	switch ev.Kind {
	case relay.EventStart:
		return b.handleStart(ev), nil
	case relay.EventReasoning:
		return b.handleDelta(blockThinking, ev.Delta), nil
	case relay.EventContent:
		return b.handleDelta(blockText, ev.Delta), nil
	case relay.EventToolCall:
		if ev.ToolCall == nil {
			return nil, nil
		}
		return b.handleToolCall(ev.ToolCall), nil
	case relay.EventEnd:
		return b.handleEnd(ev.FinishReason, ev.Usage), nil
	case relay.EventError:
		b.failed = true
		err := ev.Err
		if err == nil {
			err = &relay.Error{Kind: relay.KindServer, Message: "upstream stream failed"}
		}
		return []sseutil.Event{{Name: "error", Data: errorBody(err)}}, nil
	}
	return nil, nil
}

// Finalize closes a stream whose source never sent a terminal event.
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
		b.id = "msg_" + uuid.Must(uuid.NewV7()).String()
	}
	b.model = ev.Model
	b.toolBlocks = make(map[int]int)
	return []sseutil.Event{b.event("message_start", map[string]any{
		"message": map[string]any{
			"id":            b.id,
			"type":          "message",
			"role":          relay.RoleAssistant,
			"model":         b.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})}
}

func (b *streamBuilder) handleDelta(kind int, delta string) []sseutil.Event {
	var out []sseutil.Event
	if b.open != kind {
		out = append(out, b.closeBlock()...)
		block := map[string]any{"type": "text", "text": ""}
		if kind == blockThinking {
			block = map[string]any{"type": "thinking", "thinking": ""}
		}
		out = append(out, b.openBlock(kind, block))
	}
	payload := map[string]any{"type": "text_delta", "text": delta}
	if kind == blockThinking {
		payload = map[string]any{"type": "thinking_delta", "thinking": delta}
	}
	out = append(out, b.event("content_block_delta", map[string]any{
		"index": b.blockIdx,
		"delta": payload,
	}))
	return out
}

func (b *streamBuilder) handleToolCall(tc *relay.ToolCallDelta) []sseutil.Event {
	if b.toolBlocks == nil {
		b.toolBlocks = make(map[int]int)
	}
	var out []sseutil.Event
	if _, seen := b.toolBlocks[tc.Index]; !seen {
		out = append(out, b.closeBlock()...)
		callID := tc.ID
		if callID == "" {
			callID = "toolu_" + uuid.Must(uuid.NewV7()).String()
		}
		out = append(out, b.openBlock(blockTool, map[string]any{
			"type":  "tool_use",
			"id":    callID,
			"name":  tc.Name,
			"input": map[string]any{},
		}))
		b.toolBlocks[tc.Index] = b.blockIdx
		b.openTool = tc.Index
	} else if b.open != blockTool || b.openTool != tc.Index {
		// A closed block cannot reopen; drop the stray fragment.
		return nil
	}
	if tc.Arguments != "" {
		out = append(out, b.event("content_block_delta", map[string]any{
			"index": b.blockIdx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Arguments},
		}))
	}
	return out
}

func (b *streamBuilder) handleEnd(finish string, usage *relay.Usage) []sseutil.Event {
	b.ended = true
	out := b.closeBlock()

	deltaUsage := map[string]any{"output_tokens": 0}
	if usage != nil {
		deltaUsage = map[string]any{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
		}
	}
	out = append(out, b.event("message_delta", map[string]any{
		"delta": map[string]any{
			"stop_reason":   buildStopReason(finish),
			"stop_sequence": nil,
		},
		"usage": deltaUsage,
	}))
	out = append(out, b.event("message_stop", map[string]any{}))
	return out
}

func (b *streamBuilder) openBlock(kind int, block map[string]any) sseutil.Event {
	if b.openedAny {
		b.blockIdx++
	}
	b.openedAny = true
	b.open = kind
	return b.event("content_block_start", map[string]any{
		"index":         b.blockIdx,
		"content_block": block,
	})
}

func (b *streamBuilder) closeBlock() []sseutil.Event {
	if b.open == blockNone {
		return nil
	}
	b.open = blockNone
	return []sseutil.Event{b.event("content_block_stop", map[string]any{
		"index": b.blockIdx,
	})}
}

func (b *streamBuilder) event(name string, payload map[string]any) sseutil.Event {
	payload["type"] = name
	data, _ := json.Marshal(payload)
	return sseutil.Event{Name: name, Data: data}
}
