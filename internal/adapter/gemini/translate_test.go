package gemini

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
)

func TestParseRequestBasics(t *testing.T) {
	t.Parallel()

	req, err := New().ParseRequest([]byte(`{
		"systemInstruction": {"parts": [{"text": "be helpful"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "hello"}]},
			{"role": "model", "parts": [{"text": "hi there"}]}
		],
		"generationConfig": {
			"temperature": 0.5,
			"maxOutputTokens": 256,
			"stopSequences": ["END"],
			"responseMimeType": "application/json"
		}
	}`))
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.Model != "" {
		t.Errorf("Model = %q, want empty (the id rides in the URL)", req.Model)
	}
	if req.System != "be helpful" {
		t.Errorf("System = %q, want be helpful", req.System)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(req.Messages))
	}
	if req.Messages[1].Role != relay.RoleAssistant || req.Messages[1].Content != "hi there" {
		t.Errorf("Messages[1] = %+v, want assistant turn", req.Messages[1])
	}
	if req.Gen.Temperature == nil || *req.Gen.Temperature != 0.5 {
		t.Errorf("Temperature = %v, want 0.5", req.Gen.Temperature)
	}
	if req.Gen.MaxTokens == nil || *req.Gen.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", req.Gen.MaxTokens)
	}
	if got := gjson.GetBytes(req.Gen.ResponseFormat, "type").String(); got != "json_object" {
		t.Errorf("ResponseFormat type = %q, want json_object", got)
	}
}

func TestParseRequestFunctionTraffic(t *testing.T) {
	t.Parallel()

	req, err := New().ParseRequest([]byte(`{
		"contents": [
			{"role": "user", "parts": [{"text": "weather?"}]},
			{"role": "model", "parts": [
				{"text": "checking"},
				{"functionCall": {"name": "get_weather", "args": {"city": "SF"}}}
			]},
			{"role": "user", "parts": [
				{"functionResponse": {"name": "get_weather", "response": {"result": "18C"}}}
			]}
		],
		"tools": [{"functionDeclarations": [
			{"name": "get_weather", "description": "look up weather", "parameters": {"type": "object"}}
		]}],
		"toolConfig": {"functionCallingConfig": {"mode": "ANY", "allowedFunctionNames": ["get_weather"]}}
	}`))
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3: %+v", len(req.Messages), req.Messages)
	}
	asst := req.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Name != "get_weather" {
		t.Fatalf("ToolCalls = %+v, want one get_weather call", asst.ToolCalls)
	}
	if got := gjson.Get(asst.ToolCalls[0].Arguments, "city").String(); got != "SF" {
		t.Errorf("Arguments = %q, want city SF", asst.ToolCalls[0].Arguments)
	}
	tool := req.Messages[2]
	if tool.Role != relay.RoleTool || tool.ToolCallID != "get_weather" || tool.Content != "18C" {
		t.Errorf("tool message = %+v, want unwrapped result", tool)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Errorf("Tools = %+v, want declaration", req.Tools)
	}
	if req.ToolChoice == nil || req.ToolChoice.Mode != relay.ToolChoiceFunction || req.ToolChoice.Name != "get_weather" {
		t.Errorf("ToolChoice = %+v, want forced function", req.ToolChoice)
	}
}

func TestParseRequestInlineMedia(t *testing.T) {
	t.Parallel()

	req, err := New().ParseRequest([]byte(`{
		"contents": [{"role": "user", "parts": [
			{"text": "what is this?"},
			{"inlineData": {"mimeType": "image/png", "data": "aGk="}}
		]}]
	}`))
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	parts := req.Messages[0].Parts
	if len(parts) != 2 {
		t.Fatalf("len(Parts) = %d, want 2", len(parts))
	}
	if parts[1].Type != relay.PartImage || parts[1].MediaType != "image/png" || parts[1].Data != "aGk=" {
		t.Errorf("Parts[1] = %+v, want inline image", parts[1])
	}
}

func TestBuildRequestShape(t *testing.T) {
	t.Parallel()

	temp := 0.2
	maxTok := 512
	body, err := New().BuildRequest(&relay.Request{
		Model:  "gemini-2.0-flash",
		System: "be terse",
		Messages: []relay.Message{
			{Role: relay.RoleUser, Content: "weather?"},
			{Role: relay.RoleAssistant, Content: "checking", ToolCalls: []relay.ToolCall{
				{ID: "get_weather", Name: "get_weather", Arguments: `{"city":"SF"}`},
			}},
			{Role: relay.RoleTool, ToolCallID: "get_weather", Content: "18C"},
			{Role: relay.RoleUser, Content: "thanks"},
		},
		Tools: []relay.Tool{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
		Gen:   relay.GenerationConfig{Temperature: &temp, MaxTokens: &maxTok},
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if gjson.GetBytes(body, "model").Exists() {
		t.Errorf("body = %s, want no model field", body)
	}
	if got := gjson.GetBytes(body, "systemInstruction.parts.0.text").String(); got != "be terse" {
		t.Errorf("systemInstruction = %q, want be terse", got)
	}
	contents := gjson.GetBytes(body, "contents").Array()
	if len(contents) != 3 {
		t.Fatalf("contents = %d turns, want 3 (tool result merges into the next user turn)", len(contents))
	}
	if got := contents[1].Get("role").String(); got != "model" {
		t.Errorf("contents[1].role = %q, want model", got)
	}
	if got := contents[1].Get("parts.1.functionCall.args.city").String(); got != "SF" {
		t.Errorf("functionCall args = %s, want object form", contents[1].Get("parts.1").Raw)
	}
	fr := contents[2].Get("parts.0.functionResponse")
	if fr.Get("name").String() != "get_weather" || fr.Get("response.result").String() != "18C" {
		t.Errorf("functionResponse = %s, want wrapped result", fr.Raw)
	}
	if got := gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int(); got != 512 {
		t.Errorf("maxOutputTokens = %d, want 512", got)
	}
	if got := gjson.GetBytes(body, "tools.0.functionDeclarations.0.name").String(); got != "get_weather" {
		t.Errorf("functionDeclarations = %q, want get_weather", got)
	}
}

func TestRequestRoundTripPreservesSafetySettings(t *testing.T) {
	t.Parallel()

	a := New()
	req, err := a.ParseRequest([]byte(`{
		"contents": [{"role": "user", "parts": [{"text": "hi"}]}],
		"safetySettings": [{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "BLOCK_NONE"}]
	}`))
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	body, err := a.BuildRequest(req)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if got := gjson.GetBytes(body, "safetySettings.0.threshold").String(); got != "BLOCK_NONE" {
		t.Errorf("safetySettings = %s, want passthrough", gjson.GetBytes(body, "safetySettings").Raw)
	}
}

func TestParseResponseFunctionCall(t *testing.T) {
	t.Parallel()

	resp, err := New().ParseResponse([]byte(`{
		"responseId": "resp-1",
		"modelVersion": "gemini-2.0-flash",
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "plan", "thought": true},
				{"text": "checking now"},
				{"functionCall": {"name": "get_weather", "args": {"city": "SF"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 5, "totalTokenCount": 12, "thoughtsTokenCount": 2}
	}`))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if resp.ID != "resp-1" || resp.Model != "gemini-2.0-flash" {
		t.Errorf("resp = %+v, want id and model", resp)
	}
	choice := resp.Choices[0]
	if choice.Message.Reasoning != "plan" || choice.Message.Content != "checking now" {
		t.Errorf("Message = %+v, want thought split from text", choice.Message)
	}
	if choice.FinishReason != relay.FinishToolCalls {
		t.Errorf("FinishReason = %q, want tool_calls inferred from STOP", choice.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 || resp.Usage.Details.ReasoningTokens != 2 {
		t.Errorf("Usage = %+v, want totals", resp.Usage)
	}
}

func TestBuildResponseShape(t *testing.T) {
	t.Parallel()

	body, err := New().BuildResponse(&relay.Response{
		ID:    "resp-9",
		Model: "gemini-2.0-flash",
		Choices: []relay.Choice{{
			Message: relay.Message{
				Role:      relay.RoleAssistant,
				Reasoning: "plan",
				Content:   "done",
				ToolCalls: []relay.ToolCall{{Name: "get_weather", Arguments: `{"city":"SF"}`}},
			},
			FinishReason: relay.FinishToolCalls,
		}},
		Usage: &relay.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	})
	if err != nil {
		t.Fatalf("BuildResponse() error = %v", err)
	}
	parts := gjson.GetBytes(body, "candidates.0.content.parts").Array()
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want thought+text+functionCall", len(parts))
	}
	if !parts[0].Get("thought").Bool() || parts[0].Get("text").String() != "plan" {
		t.Errorf("parts[0] = %s, want thought part", parts[0].Raw)
	}
	if got := parts[2].Get("functionCall.args.city").String(); got != "SF" {
		t.Errorf("functionCall = %s, want args object", parts[2].Raw)
	}
	if got := gjson.GetBytes(body, "candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason = %q, want STOP", got)
	}
	if got := gjson.GetBytes(body, "usageMetadata.totalTokenCount").Int(); got != 7 {
		t.Errorf("totalTokenCount = %d, want 7", got)
	}
}

func TestParseErrorStatusString(t *testing.T) {
	t.Parallel()

	e := New().ParseError(400, []byte(`{"error": {"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"}}`))
	if e.Kind != relay.KindRateLimit {
		t.Errorf("Kind = %q, want rate_limit (status string wins)", e.Kind)
	}
	if e.Message != "quota" || e.Code != "RESOURCE_EXHAUSTED" {
		t.Errorf("error = %+v, want message and status", e)
	}
}

func TestBuildErrorShape(t *testing.T) {
	t.Parallel()

	body := New().BuildError(&relay.Error{Kind: relay.KindAuthentication, Message: "bad key"})
	if got := gjson.GetBytes(body, "error.status").String(); got != "UNAUTHENTICATED" {
		t.Errorf("error.status = %q, want UNAUTHENTICATED", got)
	}
	if got := gjson.GetBytes(body, "error.code").Int(); got != 401 {
		t.Errorf("error.code = %d, want 401", got)
	}
}
