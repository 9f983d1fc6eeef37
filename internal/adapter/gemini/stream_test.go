package gemini

import (
	"testing"

	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter/sseutil"
)

func dataEvent(s string) sseutil.Event {
	return sseutil.Event{Data: []byte(s)}
}

func parseAll(t *testing.T, p *streamParser, frames ...string) []relay.StreamEvent {
	t.Helper()
	var events []relay.StreamEvent
	for _, f := range frames {
		evs, err := p.Parse(dataEvent(f))
		if err != nil {
			t.Fatalf("Parse(%s) error = %v", f, err)
		}
		events = append(events, evs...)
	}
	return events
}

func newParser() *streamParser {
	return &streamParser{toolIdx: make(map[string]int)}
}

func TestStreamParserContent(t *testing.T) {
	t.Parallel()

	p := newParser()
	events := parseAll(t, p,
		`{"responseId":"resp-1","modelVersion":"gemini-2.0-flash","candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`{"responseId":"resp-1","candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]}}]}`,
		`{"responseId":"resp-1","candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":2,"totalTokenCount":11}}`,
	)

	kinds := []relay.EventKind{relay.EventStart, relay.EventContent, relay.EventContent}
	if len(events) != len(kinds) {
		t.Fatalf("len(events) = %d, want %d: %+v", len(events), len(kinds), events)
	}
	for i, k := range kinds {
		if events[i].Kind != k {
			t.Errorf("events[%d].Kind = %q, want %q", i, events[i].Kind, k)
		}
	}
	if events[0].ID != "resp-1" || events[0].Model != "gemini-2.0-flash" {
		t.Errorf("start = %+v, want id and model", events[0])
	}
	if events[1].Delta+events[2].Delta != "Hello" {
		t.Errorf("content = %q, want Hello", events[1].Delta+events[2].Delta)
	}

	final := p.Finish()
	if len(final) != 1 || final[0].Kind != relay.EventEnd {
		t.Fatalf("Finish() = %+v, want one end event", final)
	}
	if final[0].FinishReason != relay.FinishStop {
		t.Errorf("FinishReason = %q, want stop", final[0].FinishReason)
	}
	if final[0].Usage == nil || final[0].Usage.TotalTokens != 11 {
		t.Errorf("Usage = %+v, want total 11", final[0].Usage)
	}
	if again := p.Finish(); len(again) != 0 {
		t.Errorf("second Finish() = %+v, want none", again)
	}
}

func TestStreamParserThoughtParts(t *testing.T) {
	t.Parallel()

	p := newParser()
	events := parseAll(t, p,
		`{"responseId":"r","candidates":[{"content":{"parts":[{"text":"let me think","thought":true},{"text":"answer"}]}}]}`,
	)
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want start+reasoning+content: %+v", len(events), events)
	}
	if events[1].Kind != relay.EventReasoning || events[1].Delta != "let me think" {
		t.Errorf("events[1] = %+v, want reasoning delta", events[1])
	}
	if events[2].Kind != relay.EventContent || events[2].Delta != "answer" {
		t.Errorf("events[2] = %+v, want content delta", events[2])
	}
}

func TestStreamParserFunctionCalls(t *testing.T) {
	t.Parallel()

	p := newParser()
	events := parseAll(t, p,
		`{"responseId":"r","candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"SF"}}}]}}]}`,
		`{"responseId":"r","candidates":[{"content":{"parts":[{"functionCall":{"name":"get_time","args":{}}}]},"finishReason":"STOP"}]}`,
	)

	var calls []relay.ToolCallDelta
	for _, ev := range events {
		if ev.Kind == relay.EventToolCall {
			calls = append(calls, *ev.ToolCall)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	if calls[0].Index != 0 || calls[0].Name != "get_weather" || calls[0].ID != "get_weather" {
		t.Errorf("calls[0] = %+v, want name used as id", calls[0])
	}
	if calls[1].Index != 1 {
		t.Errorf("calls[1].Index = %d, want 1", calls[1].Index)
	}
	if got := gjson.Get(calls[0].Arguments, "city").String(); got != "SF" {
		t.Errorf("Arguments = %q, want args object rendered as string", calls[0].Arguments)
	}

	final := p.Finish()
	if len(final) != 1 || final[0].FinishReason != relay.FinishToolCalls {
		t.Fatalf("Finish() = %+v, want end with tool_calls inferred from STOP", final)
	}
}

func TestStreamParserRepeatedFunctionSharesIndex(t *testing.T) {
	t.Parallel()

	p := newParser()
	events := parseAll(t, p,
		`{"responseId":"r","candidates":[{"content":{"parts":[{"functionCall":{"name":"f","args":{"a":1}}}]}}]}`,
		`{"responseId":"r","candidates":[{"content":{"parts":[{"functionCall":{"name":"f","args":{"a":2}}}]}}]}`,
	)
	var idx []int
	for _, ev := range events {
		if ev.Kind == relay.EventToolCall {
			idx = append(idx, ev.ToolCall.Index)
		}
	}
	if len(idx) != 2 || idx[0] != idx[1] {
		t.Errorf("indexes = %v, want the same index for the same name", idx)
	}
}

func TestStreamParserError(t *testing.T) {
	t.Parallel()

	p := newParser()
	events := parseAll(t, p,
		`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`,
	)
	if len(events) != 1 || events[0].Kind != relay.EventError {
		t.Fatalf("events = %+v, want one error event", events)
	}
	if events[0].Err.Kind != relay.KindRateLimit || events[0].Err.Message != "quota" {
		t.Errorf("Err = %+v, want rate_limit quota", events[0].Err)
	}
	if extra := parseAll(t, p, `{"responseId":"r","candidates":[{"content":{"parts":[{"text":"x"}]}}]}`); len(extra) != 0 {
		t.Errorf("events after error = %+v, want none", extra)
	}
	if final := p.Finish(); len(final) != 0 {
		t.Errorf("Finish() after error = %+v, want none", final)
	}
}

func TestStreamParserFinishBeforeStart(t *testing.T) {
	t.Parallel()

	p := newParser()
	if events := p.Finish(); len(events) != 0 {
		t.Errorf("Finish() on empty stream = %+v, want none", events)
	}
}

func TestStreamBuilderRoundTrip(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	var frames []sseutil.Event
	push := func(ev relay.StreamEvent) {
		t.Helper()
		out, err := b.Process(ev)
		if err != nil {
			t.Fatalf("Process(%+v) error = %v", ev, err)
		}
		frames = append(frames, out...)
	}

	push(relay.StreamEvent{Kind: relay.EventStart, ID: "resp-9", Model: "gemini-2.0-flash"})
	push(relay.StreamEvent{Kind: relay.EventReasoning, Delta: "thinking"})
	push(relay.StreamEvent{Kind: relay.EventContent, Delta: "Hi"})
	push(relay.StreamEvent{Kind: relay.EventToolCall, ToolCall: &relay.ToolCallDelta{Index: 0, Name: "get_weather", Arguments: `{"city":`}})
	push(relay.StreamEvent{Kind: relay.EventToolCall, ToolCall: &relay.ToolCallDelta{Index: 0, Arguments: `"SF"}`}})
	push(relay.StreamEvent{
		Kind:         relay.EventEnd,
		FinishReason: relay.FinishToolCalls,
		Usage:        &relay.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	})
	final, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(final) != 0 {
		t.Errorf("Finalize() after end = %+v, want no sentinel", final)
	}

	if len(frames) != 4 {
		t.Fatalf("frames = %d, want reasoning+content+functionCall+final", len(frames))
	}
	if !gjson.GetBytes(frames[0].Data, "candidates.0.content.parts.0.thought").Bool() {
		t.Errorf("frames[0] = %s, want thought part", frames[0].Data)
	}
	if got := gjson.GetBytes(frames[1].Data, "candidates.0.content.parts.0.text").String(); got != "Hi" {
		t.Errorf("frames[1] text = %q, want Hi", got)
	}
	fc := gjson.GetBytes(frames[2].Data, "candidates.0.content.parts.0.functionCall")
	if fc.Get("name").String() != "get_weather" || fc.Get("args.city").String() != "SF" {
		t.Errorf("functionCall = %s, want buffered whole-object args", fc.Raw)
	}
	last := frames[3].Data
	if got := gjson.GetBytes(last, "candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason = %q, want STOP", got)
	}
	if got := gjson.GetBytes(last, "usageMetadata.totalTokenCount").Int(); got != 8 {
		t.Errorf("totalTokenCount = %d, want 8", got)
	}
	for _, f := range frames {
		if got := gjson.GetBytes(f.Data, "responseId").String(); got != "resp-9" {
			t.Errorf("responseId = %q, want stable resp-9", got)
		}
	}
}

func TestStreamBuilderFlushesToolOnIndexSwitch(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	if _, err := b.Process(relay.StreamEvent{Kind: relay.EventStart, ID: "r", Model: "m"}); err != nil {
		t.Fatalf("Process(start) error = %v", err)
	}
	out1, _ := b.Process(relay.StreamEvent{Kind: relay.EventToolCall, ToolCall: &relay.ToolCallDelta{Index: 0, Name: "a", Arguments: `{}`}})
	if len(out1) != 0 {
		t.Fatalf("first fragment emitted %d frames, want buffered", len(out1))
	}
	out2, _ := b.Process(relay.StreamEvent{Kind: relay.EventToolCall, ToolCall: &relay.ToolCallDelta{Index: 1, Name: "b", Arguments: `{}`}})
	if len(out2) != 1 {
		t.Fatalf("index switch emitted %d frames, want flush of the first call", len(out2))
	}
	if got := gjson.GetBytes(out2[0].Data, "candidates.0.content.parts.0.functionCall.name").String(); got != "a" {
		t.Errorf("flushed call = %q, want a", got)
	}
}

func TestStreamBuilderErrorStopsOutput(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	if _, err := b.Process(relay.StreamEvent{Kind: relay.EventStart, ID: "r", Model: "m"}); err != nil {
		t.Fatalf("Process(start) error = %v", err)
	}
	out, err := b.Process(relay.StreamEvent{
		Kind: relay.EventError,
		Err:  &relay.Error{Kind: relay.KindRateLimit, Message: "slow down"},
	})
	if err != nil {
		t.Fatalf("Process(error) error = %v", err)
	}
	if got := gjson.GetBytes(out[0].Data, "error.status").String(); got != "RESOURCE_EXHAUSTED" {
		t.Errorf("error.status = %q, want RESOURCE_EXHAUSTED", got)
	}
	if more, _ := b.Process(relay.StreamEvent{Kind: relay.EventContent, Delta: "x"}); len(more) != 0 {
		t.Errorf("frames after error = %+v, want none", more)
	}
	if final, _ := b.Finalize(); len(final) != 0 {
		t.Errorf("Finalize() after error = %+v, want nothing", final)
	}
}

func TestStreamBuilderFinalizeSynthesizesStop(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	if _, err := b.Process(relay.StreamEvent{Kind: relay.EventStart, ID: "r", Model: "m"}); err != nil {
		t.Fatalf("Process(start) error = %v", err)
	}
	if _, err := b.Process(relay.StreamEvent{Kind: relay.EventContent, Delta: "partial"}); err != nil {
		t.Fatalf("Process(content) error = %v", err)
	}
	final, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(final) != 1 {
		t.Fatalf("Finalize() = %d frames, want one closing chunk", len(final))
	}
	if got := gjson.GetBytes(final[0].Data, "candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason = %q, want STOP", got)
	}
}

func TestStreamRoundTripThroughParser(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	inputs := []relay.StreamEvent{
		{Kind: relay.EventStart, ID: "resp-r", Model: "gemini-2.0-flash"},
		{Kind: relay.EventContent, Delta: "round "},
		{Kind: relay.EventContent, Delta: "trip"},
		{Kind: relay.EventEnd, FinishReason: relay.FinishStop, Usage: &relay.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}},
	}
	var frames []sseutil.Event
	for _, ev := range inputs {
		out, err := b.Process(ev)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		frames = append(frames, out...)
	}

	p := newParser()
	var got []relay.StreamEvent
	for _, f := range frames {
		evs, err := p.Parse(f)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		got = append(got, evs...)
	}
	got = append(got, p.Finish()...)

	var text string
	for _, ev := range got {
		if ev.Kind == relay.EventContent {
			text += ev.Delta
		}
	}
	if text != "round trip" {
		t.Errorf("content = %q, want %q", text, "round trip")
	}
	end := got[len(got)-1]
	if end.Kind != relay.EventEnd || end.Usage == nil || end.Usage.TotalTokens != 3 {
		t.Errorf("terminal = %+v, want end with usage", end)
	}
}
