package openai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
)

func TestParseRequestFoldsLeadingSystem(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "system", "content": "be kind"},
			{"role": "user", "content": "hi"},
			{"role": "system", "content": "late instruction"}
		]
	}`)
	req, err := New().ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.System != "be brief\nbe kind" {
		t.Errorf("System = %q, want %q", req.System, "be brief\nbe kind")
	}
	if len(req.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(req.Messages))
	}
	if req.Messages[1].Role != relay.RoleSystem {
		t.Errorf("Messages[1].Role = %q, want system kept in place", req.Messages[1].Role)
	}
}

func TestParseRequestRequiresModel(t *testing.T) {
	t.Parallel()

	_, err := New().ParseRequest([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err == nil {
		t.Fatal("ParseRequest() error = nil, want validation error")
	}
	if e := relay.AsError(err); e.Kind != relay.KindValidation {
		t.Errorf("Kind = %q, want %q", e.Kind, relay.KindValidation)
	}
}

func TestParseRequestContentParts(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,aGVsbG8="}},
			{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}},
			{"type": "file", "file": {"file_id": "file-123"}}
		]}]
	}`)
	req, err := New().ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	parts := req.Messages[0].Parts
	if len(parts) != 4 {
		t.Fatalf("len(Parts) = %d, want 4", len(parts))
	}
	if parts[0].Type != relay.PartText || parts[0].Text != "what is this" {
		t.Errorf("parts[0] = %+v, want text part", parts[0])
	}
	if parts[1].MediaType != "image/png" || parts[1].Data != "aGVsbG8=" {
		t.Errorf("parts[1] = %+v, want decoded data URL", parts[1])
	}
	if parts[2].URL != "https://example.com/cat.png" {
		t.Errorf("parts[2].URL = %q, want remote URL kept", parts[2].URL)
	}
	if parts[3].FileID != "file-123" {
		t.Errorf("parts[3].FileID = %q, want %q", parts[3].FileID, "file-123")
	}
}

func TestParseRequestGenerationKnobs(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"temperature": 0.2,
		"max_tokens": 100,
		"max_completion_tokens": 250,
		"stop": ["a", "b"],
		"seed": 7,
		"tools": [
			{"type": "function", "function": {"name": "get_weather", "description": "look up weather", "parameters": {"type": "object"}}},
			{"type": "web_search", "web_search": {}}
		],
		"tool_choice": {"type": "function", "function": {"name": "get_weather"}}
	}`)
	req, err := New().ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.Gen.MaxTokens == nil || *req.Gen.MaxTokens != 250 {
		t.Errorf("MaxTokens = %v, want max_completion_tokens to win", req.Gen.MaxTokens)
	}
	if req.Gen.Temperature == nil || *req.Gen.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", req.Gen.Temperature)
	}
	if len(req.Gen.Stop) != 2 || req.Gen.Stop[1] != "b" {
		t.Errorf("Stop = %v, want [a b]", req.Gen.Stop)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Errorf("Tools = %+v, want only the function tool", req.Tools)
	}
	if req.ToolChoice == nil || req.ToolChoice.Mode != relay.ToolChoiceFunction || req.ToolChoice.Name != "get_weather" {
		t.Errorf("ToolChoice = %+v, want function get_weather", req.ToolChoice)
	}
}

func TestParseStop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"string", `"END"`, []string{"END"}},
		{"array", `["a","b"]`, []string{"a", "b"}},
		{"empty", ``, nil},
		{"invalid", `42`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := parseStop(json.RawMessage(tt.raw))
			if len(got) != len(tt.want) {
				t.Fatalf("parseStop(%s) = %v, want %v", tt.raw, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseStop(%s)[%d] = %q, want %q", tt.raw, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseToolChoice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want *relay.ToolChoice
	}{
		{"auto", `"auto"`, &relay.ToolChoice{Mode: relay.ToolChoiceAuto}},
		{"none", `"none"`, &relay.ToolChoice{Mode: relay.ToolChoiceNone}},
		{"required", `"required"`, &relay.ToolChoice{Mode: relay.ToolChoiceRequired}},
		{"function", `{"type":"function","function":{"name":"f"}}`, &relay.ToolChoice{Mode: relay.ToolChoiceFunction, Name: "f"}},
		{"absent", ``, nil},
		{"junk", `"banana"`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := parseToolChoice(json.RawMessage(tt.raw))
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("parseToolChoice(%s) = %+v, want %+v", tt.raw, got, tt.want)
			}
			if got != nil && (got.Mode != tt.want.Mode || got.Name != tt.want.Name) {
				t.Errorf("parseToolChoice(%s) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestBuildRequestStreamingForcesUsage(t *testing.T) {
	t.Parallel()

	body, err := New().BuildRequest(&relay.Request{
		Model:    "gpt-4o",
		Stream:   true,
		Messages: []relay.Message{{Role: relay.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if !gjson.GetBytes(body, "stream_options.include_usage").Bool() {
		t.Errorf("body = %s, want stream_options.include_usage true", body)
	}
}

func TestBuildRequestSystemAndToolCalls(t *testing.T) {
	t.Parallel()

	req := &relay.Request{
		Model:  "gpt-4o",
		System: "be brief",
		Messages: []relay.Message{
			{Role: relay.RoleUser, Content: "weather in SF?"},
			{
				Role:      relay.RoleAssistant,
				Reasoning: "the user wants weather",
				ToolCalls: []relay.ToolCall{{ID: "call_1", Name: "get_weather", Arguments: `{"city":"SF"}`}},
			},
			{Role: relay.RoleTool, Content: `{"temp":18}`, ToolCallID: "call_1"},
		},
	}
	body, err := New().BuildRequest(req)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if got := gjson.GetBytes(body, "messages.0.role").String(); got != "system" {
		t.Errorf("messages.0.role = %q, want system", got)
	}
	if gjson.GetBytes(body, "messages.2.content").Exists() {
		t.Errorf("body = %s, want tool-call-only assistant content omitted", body)
	}
	if gjson.GetBytes(body, "messages.2.reasoning_content").Exists() {
		t.Errorf("body = %s, want reasoning dropped from request", body)
	}
	if got := gjson.GetBytes(body, "messages.2.tool_calls.0.function.name").String(); got != "get_weather" {
		t.Errorf("tool call name = %q, want get_weather", got)
	}
	if got := gjson.GetBytes(body, "messages.3.tool_call_id").String(); got != "call_1" {
		t.Errorf("tool_call_id = %q, want call_1", got)
	}
}

func TestExtensionsRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"reasoning_effort": "high",
		"logit_bias": {"50256": -100},
		"unrelated": true
	}`)
	a := New()
	req, err := a.ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	body, err := a.BuildRequest(req)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if got := gjson.GetBytes(body, "reasoning_effort").String(); got != "high" {
		t.Errorf("reasoning_effort = %q, want carried through", got)
	}
	if got := gjson.GetBytes(body, "logit_bias.50256").Int(); got != -100 {
		t.Errorf("logit_bias.50256 = %d, want -100", got)
	}
	if gjson.GetBytes(body, "unrelated").Exists() {
		t.Errorf("body = %s, want unknown fields dropped", body)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "hello",
				"reasoning_content": "greeting back",
				"tool_calls": [{"id": "call_9", "type": "function", "function": {"name": "f", "arguments": "{}"}}]
			},
			"finish_reason": "function_call"
		}],
		"usage": {
			"prompt_tokens": 10,
			"completion_tokens": 5,
			"total_tokens": 15,
			"prompt_tokens_details": {"cached_tokens": 4},
			"completion_tokens_details": {"reasoning_tokens": 2}
		}
	}`)
	resp, err := New().ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if resp.ID != "chatcmpl-1" || resp.Created != 1700000000 {
		t.Errorf("ID/Created = %q/%d, want chatcmpl-1/1700000000", resp.ID, resp.Created)
	}
	c := resp.Choices[0]
	if c.Message.Content != "hello" || c.Message.Reasoning != "greeting back" {
		t.Errorf("message = %+v, want content and reasoning", c.Message)
	}
	if c.FinishReason != relay.FinishToolCalls {
		t.Errorf("FinishReason = %q, want legacy function_call mapped to %q", c.FinishReason, relay.FinishToolCalls)
	}
	if resp.Usage.Details.CachedTokens != 4 || resp.Usage.Details.ReasoningTokens != 2 {
		t.Errorf("usage details = %+v, want cached 4 reasoning 2", resp.Usage.Details)
	}
}

func TestBuildResponse(t *testing.T) {
	t.Parallel()

	resp := &relay.Response{
		ID:    "chatcmpl-2",
		Model: "gpt-4o",
		Choices: []relay.Choice{{
			Message:      relay.Message{Role: relay.RoleAssistant, Content: "hi", Reasoning: "short greeting"},
			FinishReason: relay.FinishStop,
		}},
		Usage: &relay.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
	}
	body, err := New().BuildResponse(resp)
	if err != nil {
		t.Fatalf("BuildResponse() error = %v", err)
	}
	if got := gjson.GetBytes(body, "object").String(); got != "chat.completion" {
		t.Errorf("object = %q, want chat.completion", got)
	}
	if got := gjson.GetBytes(body, "created").Int(); got == 0 {
		t.Error("created = 0, want synthesized timestamp")
	}
	if got := gjson.GetBytes(body, "choices.0.message.reasoning_content").String(); got != "short greeting" {
		t.Errorf("reasoning_content = %q, want kept on responses", got)
	}
	if got := gjson.GetBytes(body, "usage.total_tokens").Int(); got != 4 {
		t.Errorf("usage.total_tokens = %d, want 4", got)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	a := New()
	orig := &relay.Response{
		ID:      "chatcmpl-3",
		Model:   "gpt-4o",
		Created: 1700000001,
		Choices: []relay.Choice{{
			Message: relay.Message{
				Role:      relay.RoleAssistant,
				ToolCalls: []relay.ToolCall{{ID: "call_7", Name: "f", Arguments: `{"a":1}`}},
			},
			FinishReason: relay.FinishToolCalls,
		}},
	}
	body, err := a.BuildResponse(orig)
	if err != nil {
		t.Fatalf("BuildResponse() error = %v", err)
	}
	back, err := a.ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if back.ID != orig.ID || back.Created != orig.Created {
		t.Errorf("round trip ID/Created = %q/%d, want %q/%d", back.ID, back.Created, orig.ID, orig.Created)
	}
	tc := back.Choices[0].Message.ToolCalls
	if len(tc) != 1 || tc[0].ID != "call_7" || tc[0].Arguments != `{"a":1}` {
		t.Errorf("tool calls = %+v, want original preserved", tc)
	}
	if back.Choices[0].FinishReason != relay.FinishToolCalls {
		t.Errorf("FinishReason = %q, want %q", back.Choices[0].FinishReason, relay.FinishToolCalls)
	}
}

func TestParseError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		raw      string
		wantKind relay.ErrorKind
		wantMsg  string
		wantCode string
	}{
		{
			name:     "structured",
			status:   429,
			raw:      `{"error":{"message":"rate limited","type":"rate_limit_error","code":"rate_limit_exceeded"}}`,
			wantKind: relay.KindRateLimit,
			wantMsg:  "rate limited",
			wantCode: "rate_limit_exceeded",
		},
		{
			name:     "type fallback",
			status:   401,
			raw:      `{"error":{"message":"bad key","type":"invalid_api_key"}}`,
			wantKind: relay.KindAuthentication,
			wantMsg:  "bad key",
			wantCode: "invalid_api_key",
		},
		{
			name:     "garbage body",
			status:   502,
			raw:      `<html>bad gateway</html>`,
			wantKind: relay.KindAPI,
			wantMsg:  "Bad Gateway",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := New().ParseError(tt.status, []byte(tt.raw))
			if e.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", e.Kind, tt.wantKind)
			}
			if e.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", e.Message, tt.wantMsg)
			}
			if e.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", e.Code, tt.wantCode)
			}
		})
	}
}

func TestBuildError(t *testing.T) {
	t.Parallel()

	body := New().BuildError(&relay.Error{Kind: relay.KindValidation, Message: "model is required"})
	if got := gjson.GetBytes(body, "error.type").String(); got != "invalid_request_error" {
		t.Errorf("error.type = %q, want invalid_request_error", got)
	}
	if got := gjson.GetBytes(body, "error.message").String(); got != "model is required" {
		t.Errorf("error.message = %q, want model is required", got)
	}
	if gjson.GetBytes(body, "error.code").Type != gjson.Null {
		t.Errorf("error.code = %s, want null when absent", gjson.GetBytes(body, "error.code").Raw)
	}
}

func TestCompatAdapters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		adapter *Adapter
		name    string
		baseURL string
	}{
		{NewDeepSeek(), "deepseek", "https://api.deepseek.com"},
		{NewMoonshot(), "moonshot", "https://api.moonshot.cn/v1"},
		{NewQwen(), "qwen", "https://dashscope.aliyuncs.com/compatible-mode/v1"},
		{NewZhipu(), "zhipu", "https://open.bigmodel.cn/api/paas/v4"},
	}
	for _, tt := range tests {
		if got := tt.adapter.Name(); got != tt.name {
			t.Errorf("Name() = %q, want %q", got, tt.name)
		}
		if got := tt.adapter.Info().BaseURL; !strings.HasPrefix(got, "https://") || got != tt.baseURL {
			t.Errorf("%s BaseURL = %q, want %q", tt.name, got, tt.baseURL)
		}
		if !tt.adapter.Capabilities().Has(adapter.CapStreaming) {
			t.Errorf("%s missing streaming capability", tt.name)
		}
	}
}
