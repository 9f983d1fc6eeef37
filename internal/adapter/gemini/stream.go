package gemini

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter/sseutil"
)

// streamParser consumes streamGenerateContent chunks and emits neutral
// events. The dialect has no terminal sentinel, so the end event waits
// for Finish. Function calls carry no ids either; neutral indexes key
// off the function name.
type streamParser struct {
	id      string
	model   string
	started bool
	ended   bool
	finish  string
	usage   *relay.Usage
	sawTool bool

	toolIdx  map[string]int
	nextTool int
}

func (p *streamParser) Parse(ev sseutil.Event) ([]relay.StreamEvent, error) {
	if p.ended {
		return nil, nil
	}
	if e := gjson.GetBytes(ev.Data, "error"); e.Exists() && e.IsObject() {
		p.ended = true
		kind := kindFromStatusString(e.Get("status").String())
		if kind == relay.KindUnknown {
			kind = relay.KindAPI
		}
		return []relay.StreamEvent{{
			Kind: relay.EventError,
			Err: &relay.Error{
				Kind:    kind,
				Message: e.Get("message").String(),
				Code:    e.Get("status").String(),
				Raw:     json.RawMessage(append([]byte(nil), ev.Data...)),
			},
		}}, nil
	}

	var chunk generateResponse
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, relay.Errorf(relay.KindAPI, "parse generate content chunk: %v", err)
	}
	if chunk.ResponseID != "" {
		p.id = chunk.ResponseID
	}
	if chunk.ModelVersion != "" {
		p.model = chunk.ModelVersion
	}

	var events []relay.StreamEvent
	if !p.started {
		p.started = true
		events = append(events, relay.StreamEvent{Kind: relay.EventStart, ID: p.id, Model: p.model})
	}

	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		if cand.Content != nil {
			for _, pt := range cand.Content.Parts {
				switch {
				case pt.FunctionCall != nil:
					events = append(events, p.toolEvent(pt.FunctionCall))
				case pt.Thought:
					if pt.Text != "" {
						events = append(events, relay.StreamEvent{Kind: relay.EventReasoning, Delta: pt.Text})
					}
				case pt.Text != "":
					events = append(events, relay.StreamEvent{Kind: relay.EventContent, Delta: pt.Text})
				}
			}
		}
		if cand.FinishReason != "" {
			p.finish = mapFinishReason(cand.FinishReason)
		}
	}

	// Chunks repeat running totals, so the last observation wins.
	if chunk.UsageMetadata != nil {
		p.usage = usageToIR(chunk.UsageMetadata)
	}
	return events, nil
}

func (p *streamParser) toolEvent(fc *functionCall) relay.StreamEvent {
	idx, ok := p.toolIdx[fc.Name]
	if !ok {
		idx = p.nextTool
		p.toolIdx[fc.Name] = idx
		p.nextTool++
	}
	p.sawTool = true
	return relay.StreamEvent{
		Kind: relay.EventToolCall,
		ToolCall: &relay.ToolCallDelta{
			Index:     idx,
			ID:        fc.Name,
			Name:      fc.Name,
			Arguments: argsToString(fc.Args),
		},
	}
}

// Finish emits the end event; the dialect signals completion by
// closing the connection.
func (p *streamParser) Finish() []relay.StreamEvent {
	if !p.started || p.ended {
		return nil
	}
	p.ended = true
	finish := p.finish
	if finish == "" {
		finish = relay.FinishStop
	}
	if finish == relay.FinishStop && p.sawTool {
		finish = relay.FinishToolCalls
	}
	return []relay.StreamEvent{{
		Kind:         relay.EventEnd,
		ID:           p.id,
		Model:        p.model,
		FinishReason: finish,
		Usage:        p.usage,
	}}
}

// streamBuilder renders neutral events as streamGenerateContent
// chunks. Function call arguments arrive as string fragments but the
// dialect wants whole objects, so a call buffers until the next call
// or the end of the stream. No sentinel follows the last chunk.
type streamBuilder struct {
	id      string
	model   string
	started bool
	failed  bool
	done    bool

	open *toolAcc
}

type toolAcc struct {
	index int
	name  string
	args  strings.Builder
}

func (b *streamBuilder) Process(ev relay.StreamEvent) ([]sseutil.Event, error) {
	if b.failed || b.done {
		return nil, nil
	}
	switch ev.Kind {
	case relay.EventStart:
		b.started = true
		b.id = ev.ID
		b.model = ev.Model
		return nil, nil
	case relay.EventReasoning:
		out := b.flushTool()
		return append(out, b.chunk([]part{{Text: ev.Delta, Thought: true}}, "", nil)), nil
	case relay.EventContent:
		out := b.flushTool()
		return append(out, b.chunk([]part{{Text: ev.Delta}}, "", nil)), nil
	case relay.EventToolCall:
		if ev.ToolCall == nil {
			return nil, nil
		}
		return b.handleToolCall(ev.ToolCall), nil
	case relay.EventEnd:
		b.done = true
		out := b.flushTool()
		return append(out, b.chunk(nil, buildFinishReason(ev.FinishReason), ev.Usage)), nil
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

// Finalize closes a stream whose source never sent a terminal event.
func (b *streamBuilder) Finalize() ([]sseutil.Event, error) {
	if b.failed || b.done || !b.started {
		return nil, nil
	}
	b.done = true
	out := b.flushTool()
	return append(out, b.chunk(nil, "STOP", nil)), nil
}

func (b *streamBuilder) handleToolCall(tc *relay.ToolCallDelta) []sseutil.Event {
	var out []sseutil.Event
	if b.open != nil && b.open.index != tc.Index {
		out = b.flushTool()
	}
	if b.open == nil {
		b.open = &toolAcc{index: tc.Index, name: tc.Name}
	}
	if b.open.name == "" {
		b.open.name = tc.Name
	}
	b.open.args.WriteString(tc.Arguments)
	return out
}

func (b *streamBuilder) flushTool() []sseutil.Event {
	if b.open == nil {
		return nil
	}
	acc := b.open
	b.open = nil
	return []sseutil.Event{b.chunk([]part{{FunctionCall: &functionCall{
		Name: acc.name,
		Args: toolArgs(acc.args.String()),
	}}}, "", nil)}
}

func (b *streamBuilder) chunk(parts []part, finish string, usage *relay.Usage) sseutil.Event {
	if b.id == "" {
		b.id = uuid.Must(uuid.NewV7()).String()
	}
	cand := candidate{FinishReason: finish}
	if len(parts) > 0 {
		cand.Content = &content{Role: "model", Parts: parts}
	}
	wire := generateResponse{
		ResponseID:    b.id,
		ModelVersion:  b.model,
		Candidates:    []candidate{cand},
		UsageMetadata: usageToWire(usage),
	}
	data, _ := json.Marshal(&wire)
	return sseutil.Event{Data: data}
}
