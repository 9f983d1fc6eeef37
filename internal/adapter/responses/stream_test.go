package responses

import (
	"testing"

	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter/sseutil"
)

func processAll(t *testing.T, b *streamBuilder, events ...relay.StreamEvent) []sseutil.Event {
	t.Helper()
	var frames []sseutil.Event
	for _, ev := range events {
		out, err := b.Process(ev)
		if err != nil {
			t.Fatalf("Process(%+v) error = %v", ev, err)
		}
		frames = append(frames, out...)
	}
	final, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	return append(frames, final...)
}

func TestStreamBuilderReasoningThenContent(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	frames := processAll(t, b,
		relay.StreamEvent{Kind: relay.EventStart, ID: "resp_1", Model: "o3-mini"},
		relay.StreamEvent{Kind: relay.EventReasoning, Delta: "think…"},
		relay.StreamEvent{Kind: relay.EventContent, Delta: "4"},
		relay.StreamEvent{Kind: relay.EventEnd, FinishReason: relay.FinishStop},
	)

	wantOrder := []string{
		"response.created",
		"response.output_item.added",
		"response.reasoning_summary_part.added",
		"response.reasoning_summary_text.delta",
		"response.reasoning_summary_text.done",
		"response.reasoning_summary_part.done",
		"response.output_item.done",
		"response.output_item.added",
		"response.content_part.added",
		"response.output_text.delta",
		"response.output_text.done",
		"response.content_part.done",
		"response.output_item.done",
		"response.completed",
	}
	if len(frames) != len(wantOrder) {
		t.Fatalf("len(frames) = %d, want %d", len(frames), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got := gjson.GetBytes(frames[i].Data, "type").String(); got != want {
			t.Errorf("frames[%d].type = %q, want %q", i, got, want)
		}
		if got := gjson.GetBytes(frames[i].Data, "sequence_number").Int(); got != int64(i) {
			t.Errorf("frames[%d].sequence_number = %d, want %d", i, got, i)
		}
		if frames[i].Name != want {
			t.Errorf("frames[%d].Name = %q, want %q", i, frames[i].Name, want)
		}
	}

	if got := gjson.GetBytes(frames[1].Data, "output_index").Int(); got != 0 {
		t.Errorf("reasoning output_index = %d, want 0", got)
	}
	if got := gjson.GetBytes(frames[7].Data, "output_index").Int(); got != 1 {
		t.Errorf("message output_index = %d, want 1", got)
	}
	if got := gjson.GetBytes(frames[4].Data, "text").String(); got != "think…" {
		t.Errorf("reasoning done text = %q, want full accumulated text", got)
	}

	completed := frames[len(frames)-1].Data
	if got := gjson.GetBytes(completed, "response.status").String(); got != "completed" {
		t.Errorf("status = %q, want completed", got)
	}
	output := gjson.GetBytes(completed, "response.output").Array()
	if len(output) != 2 {
		t.Fatalf("output items = %d, want 2", len(output))
	}
	if output[0].Get("type").String() != "reasoning" || output[1].Get("type").String() != "message" {
		t.Errorf("output types = %q/%q, want reasoning/message", output[0].Get("type"), output[1].Get("type"))
	}
	if got := gjson.GetBytes(completed, "response.output_text").String(); got != "4" {
		t.Errorf("output_text = %q, want 4", got)
	}
}

func TestStreamBuilderContentOnlyStartsAtZero(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	frames := processAll(t, b,
		relay.StreamEvent{Kind: relay.EventStart, ID: "resp_2", Model: "gpt-4o"},
		relay.StreamEvent{Kind: relay.EventContent, Delta: "hello"},
		relay.StreamEvent{Kind: relay.EventEnd, FinishReason: relay.FinishStop, Usage: &relay.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3}},
	)

	if got := gjson.GetBytes(frames[1].Data, "output_index").Int(); got != 0 {
		t.Errorf("message output_index = %d, want 0 without reasoning", got)
	}
	completed := frames[len(frames)-1].Data
	if got := gjson.GetBytes(completed, "response.usage.input_tokens").Int(); got != 2 {
		t.Errorf("usage.input_tokens = %d, want 2", got)
	}
}

func TestStreamBuilderToolCalls(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	frames := processAll(t, b,
		relay.StreamEvent{Kind: relay.EventStart, ID: "resp_3", Model: "gpt-4o"},
		relay.StreamEvent{Kind: relay.EventToolCall, ToolCall: &relay.ToolCallDelta{Index: 0, ID: "call_a", Name: "get_weather", Arguments: `{"ci`}},
		relay.StreamEvent{Kind: relay.EventToolCall, ToolCall: &relay.ToolCallDelta{Index: 0, Arguments: `ty":"SF"}`}},
		relay.StreamEvent{Kind: relay.EventToolCall, ToolCall: &relay.ToolCallDelta{Index: 1, ID: "call_b", Name: "get_time", Arguments: `{}`}},
		relay.StreamEvent{Kind: relay.EventEnd, FinishReason: relay.FinishToolCalls},
	)

	var added []gjson.Result
	for _, f := range frames {
		if gjson.GetBytes(f.Data, "type").String() == "response.output_item.added" {
			added = append(added, gjson.ParseBytes(f.Data))
		}
	}
	if len(added) != 2 {
		t.Fatalf("output_item.added frames = %d, want 2", len(added))
	}
	if added[0].Get("output_index").Int() != 0 || added[1].Get("output_index").Int() != 1 {
		t.Errorf("tool output indexes = %d/%d, want 0/1",
			added[0].Get("output_index").Int(), added[1].Get("output_index").Int())
	}
	if got := added[0].Get("item.call_id").String(); got != "call_a" {
		t.Errorf("call_id = %q, want call_a preserved", got)
	}

	completed := frames[len(frames)-1].Data
	output := gjson.GetBytes(completed, "response.output").Array()
	if len(output) != 2 {
		t.Fatalf("output items = %d, want 2", len(output))
	}
	if got := output[0].Get("arguments").String(); got != `{"city":"SF"}` {
		t.Errorf("arguments = %q, want assembled JSON", got)
	}
}

func TestStreamBuilderLengthFinish(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	frames := processAll(t, b,
		relay.StreamEvent{Kind: relay.EventStart, ID: "resp_4", Model: "gpt-4o"},
		relay.StreamEvent{Kind: relay.EventContent, Delta: "truncat"},
		relay.StreamEvent{Kind: relay.EventEnd, FinishReason: relay.FinishLength},
	)
	last := frames[len(frames)-1]
	if got := gjson.GetBytes(last.Data, "type").String(); got != "response.incomplete" {
		t.Errorf("terminal type = %q, want response.incomplete", got)
	}
	if got := gjson.GetBytes(last.Data, "response.incomplete_details.reason").String(); got != "max_output_tokens" {
		t.Errorf("reason = %q, want max_output_tokens", got)
	}
}

func TestStreamBuilderErrorEndsStream(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	if _, err := b.Process(relay.StreamEvent{Kind: relay.EventStart, ID: "resp_5", Model: "m"}); err != nil {
		t.Fatalf("Process(start) error = %v", err)
	}
	out, err := b.Process(relay.StreamEvent{
		Kind: relay.EventError,
		Err:  &relay.Error{Kind: relay.KindRateLimit, Message: "slow down", Code: "rate_limit_exceeded"},
	})
	if err != nil {
		t.Fatalf("Process(error) error = %v", err)
	}
	if got := gjson.GetBytes(out[0].Data, "type").String(); got != "response.failed" {
		t.Errorf("type = %q, want response.failed", got)
	}
	if got := gjson.GetBytes(out[0].Data, "response.error.message").String(); got != "slow down" {
		t.Errorf("error.message = %q, want slow down", got)
	}
	final, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(final) != 0 {
		t.Errorf("Finalize() after failure = %v, want nothing", final)
	}
}

func TestStreamBuilderFinalizeSynthesizesCompletion(t *testing.T) {
	t.Parallel()

	b := &streamBuilder{}
	var frames []sseutil.Event
	for _, ev := range []relay.StreamEvent{
		{Kind: relay.EventStart, ID: "resp_6", Model: "m"},
		{Kind: relay.EventContent, Delta: "cut off"},
	} {
		out, err := b.Process(ev)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		frames = append(frames, out...)
	}
	final, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(final) == 0 {
		t.Fatal("Finalize() = no frames, want synthesized close")
	}
	last := final[len(final)-1]
	if got := gjson.GetBytes(last.Data, "type").String(); got != "response.completed" {
		t.Errorf("terminal type = %q, want response.completed", got)
	}
}

func TestStreamParserEvents(t *testing.T) {
	t.Parallel()

	p := &streamParser{toolIdx: make(map[int]int)}
	frames := []string{
		`{"type":"response.created","response":{"id":"resp_9","model":"o3-mini","status":"in_progress"}}`,
		`{"type":"response.output_item.added","output_index":0,"item":{"id":"rs_1","type":"reasoning"}}`,
		`{"type":"response.reasoning_summary_text.delta","item_id":"rs_1","delta":"hmm"}`,
		`{"type":"response.output_item.added","output_index":1,"item":{"id":"msg_1","type":"message"}}`,
		`{"type":"response.output_text.delta","item_id":"msg_1","delta":"answer"}`,
		`{"type":"response.output_item.added","output_index":2,"item":{"id":"fc_1","type":"function_call","call_id":"call_z","name":"f","arguments":""}}`,
		`{"type":"response.function_call_arguments.delta","output_index":2,"delta":"{}"}`,
		`{"type":"response.completed","response":{"id":"resp_9","status":"completed","usage":{"input_tokens":7,"output_tokens":3,"total_tokens":10,"output_tokens_details":{"reasoning_tokens":2}}}}`,
	}
	var events []relay.StreamEvent
	for _, f := range frames {
		evs, err := p.Parse(sseutil.Event{Data: []byte(f)})
		if err != nil {
			t.Fatalf("Parse(%s) error = %v", f, err)
		}
		events = append(events, evs...)
	}

	kinds := []relay.EventKind{
		relay.EventStart,
		relay.EventReasoning,
		relay.EventContent,
		relay.EventToolCall,
		relay.EventToolCall,
		relay.EventEnd,
	}
	if len(events) != len(kinds) {
		t.Fatalf("len(events) = %d, want %d: %+v", len(events), len(kinds), events)
	}
	for i, k := range kinds {
		if events[i].Kind != k {
			t.Errorf("events[%d].Kind = %q, want %q", i, events[i].Kind, k)
		}
	}
	if events[3].ToolCall.ID != "call_z" || events[3].ToolCall.Name != "f" {
		t.Errorf("tool open = %+v, want call_z/f", events[3].ToolCall)
	}
	if events[3].ToolCall.Index != events[4].ToolCall.Index {
		t.Errorf("tool indexes = %d/%d, want matched fragments", events[3].ToolCall.Index, events[4].ToolCall.Index)
	}
	end := events[5]
	if end.FinishReason != relay.FinishToolCalls {
		t.Errorf("FinishReason = %q, want tool_calls with calls present", end.FinishReason)
	}
	if end.Usage == nil || end.Usage.Details.ReasoningTokens != 2 {
		t.Errorf("Usage = %+v, want reasoning tokens 2", end.Usage)
	}
}

func TestStreamParserFailed(t *testing.T) {
	t.Parallel()

	p := &streamParser{toolIdx: make(map[int]int)}
	evs, err := p.Parse(sseutil.Event{Data: []byte(`{"type":"response.failed","response":{"error":{"code":"server_error","message":"boom"}}}`)})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != relay.EventError {
		t.Fatalf("events = %+v, want one error", evs)
	}
	if evs[0].Err.Message != "boom" || evs[0].Err.Code != "server_error" {
		t.Errorf("Err = %+v, want boom/server_error", evs[0].Err)
	}
}

func TestStreamParserIncomplete(t *testing.T) {
	t.Parallel()

	p := &streamParser{toolIdx: make(map[int]int)}
	parse := func(s string) []relay.StreamEvent {
		evs, err := p.Parse(sseutil.Event{Data: []byte(s)})
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		return evs
	}
	parse(`{"type":"response.created","response":{"id":"r","model":"m"}}`)
	evs := parse(`{"type":"response.incomplete","response":{"id":"r","status":"incomplete"}}`)
	if len(evs) != 1 || evs[0].FinishReason != relay.FinishLength {
		t.Errorf("events = %+v, want end with length", evs)
	}
}

func TestStreamParserFinishWithoutTerminal(t *testing.T) {
	t.Parallel()

	p := &streamParser{toolIdx: make(map[int]int)}
	if _, err := p.Parse(sseutil.Event{Data: []byte(`{"type":"response.created","response":{"id":"r","model":"m"}}`)}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	evs := p.Finish()
	if len(evs) != 1 || evs[0].Kind != relay.EventEnd || evs[0].FinishReason != relay.FinishStop {
		t.Errorf("Finish() = %+v, want end with stop", evs)
	}
}
