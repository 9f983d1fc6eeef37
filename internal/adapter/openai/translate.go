package openai

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
)

// passthroughKeys are request fields with no neutral equivalent. They
// ride through Extensions and are re-applied when building back into
// this dialect.
var passthroughKeys = []string{
	"logit_bias",
	"parallel_tool_calls",
	"reasoning_effort",
	"web_search_options",
	"modalities",
	"audio",
	"prediction",
	"store",
	"service_tier",
}

// ParseRequest converts a Chat Completions request body into the
// neutral form. Leading system messages fold into the top-level system
// prompt, joined with newlines.
func (a *Adapter) ParseRequest(raw []byte) (*relay.Request, error) {
	var wire chatRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, relay.Errorf(relay.KindValidation, "parse chat completions request: %v", err)
	}
	if wire.Model == "" {
		return nil, relay.Errorf(relay.KindValidation, "model is required")
	}

	req := &relay.Request{
		Model:  wire.Model,
		Stream: wire.Stream,
		User:   wire.User,
		Gen: relay.GenerationConfig{
			Temperature:      wire.Temperature,
			TopP:             wire.TopP,
			MaxTokens:        wire.MaxTokens,
			Stop:             parseStop(wire.Stop),
			PresencePenalty:  wire.PresencePenalty,
			FrequencyPenalty: wire.FrequencyPenalty,
			N:                wire.N,
			Seed:             wire.Seed,
			ResponseFormat:   wire.ResponseFormat,
			Logprobs:         wire.Logprobs,
			TopLogprobs:      wire.TopLogprobs,
		},
		Metadata: wire.Metadata,
	}
	if wire.MaxCompletionTokens != nil {
		req.Gen.MaxTokens = wire.MaxCompletionTokens
	}

	leading := true
	for _, m := range wire.Messages {
		if m.Role == relay.RoleSystem && leading {
			text, _, err := contentToIR(m.Content)
			if err != nil {
				return nil, err
			}
			if req.System != "" {
				req.System += "\n"
			}
			req.System += text
			continue
		}
		leading = false

		msg := relay.Message{
			Role:       m.Role,
			Reasoning:  m.ReasoningContent,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		content, parts, err := contentToIR(m.Content)
		if err != nil {
			return nil, err
		}
		msg.Content, msg.Parts = content, parts
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, relay.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wire.Tools {
		if t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, relay.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	req.ToolChoice = parseToolChoice(wire.ToolChoice)

	if ext := collectExtensions(raw); ext != nil {
		req.Extensions = map[string]json.RawMessage{extKey: ext}
	}
	return req, nil
}

// BuildRequest converts the neutral form into a Chat Completions
// request body. Streaming requests always ask for usage so token
// accounting survives the bridge.
func (a *Adapter) BuildRequest(req *relay.Request) ([]byte, error) {
	wire := chatRequest{
		Model:            req.Model,
		Stream:           req.Stream,
		User:             req.User,
		Temperature:      req.Gen.Temperature,
		TopP:             req.Gen.TopP,
		MaxTokens:        req.Gen.MaxTokens,
		PresencePenalty:  req.Gen.PresencePenalty,
		FrequencyPenalty: req.Gen.FrequencyPenalty,
		N:                req.Gen.N,
		Seed:             req.Gen.Seed,
		ResponseFormat:   req.Gen.ResponseFormat,
		Logprobs:         req.Gen.Logprobs,
		TopLogprobs:      req.Gen.TopLogprobs,
		Metadata:         req.Metadata,
	}
	if len(req.Gen.Stop) > 0 {
		stop, err := json.Marshal(req.Gen.Stop)
		if err != nil {
			return nil, err
		}
		wire.Stop = stop
	}
	if req.Stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if req.System != "" {
		sys, _ := json.Marshal(req.System)
		wire.Messages = append(wire.Messages, chatMessage{Role: relay.RoleSystem, Content: sys})
	}
	for i := range req.Messages {
		m, err := messageToWire(&req.Messages[i])
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, m)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if tc := buildToolChoice(req.ToolChoice); tc != nil {
		wire.ToolChoice = tc
	}

	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, err
	}
	return applyExtensions(body, req.Extensions[extKey])
}

// ParseResponse converts a Chat Completions response body into the
// neutral form.
func (a *Adapter) ParseResponse(raw []byte) (*relay.Response, error) {
	var wire chatResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, relay.Errorf(relay.KindAPI, "parse chat completions response: %v", err)
	}

	resp := &relay.Response{
		ID:                wire.ID,
		Model:             wire.Model,
		Created:           wire.Created,
		SystemFingerprint: wire.SystemFingerprint,
		Usage:             usageToIR(wire.Usage),
	}
	for _, c := range wire.Choices {
		choice := relay.Choice{Index: c.Index, Logprobs: c.Logprobs}
		if c.FinishReason != nil {
			choice.FinishReason = mapFinishReason(*c.FinishReason)
		}
		if c.Message != nil {
			msg := relay.Message{
				Role:      relay.RoleAssistant,
				Reasoning: c.Message.ReasoningContent,
			}
			content, parts, err := contentToIR(c.Message.Content)
			if err != nil {
				return nil, err
			}
			msg.Content, msg.Parts = content, parts
			for _, tc := range c.Message.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, relay.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			choice.Message = msg
		}
		resp.Choices = append(resp.Choices, choice)
	}
	return resp, nil
}

// BuildResponse converts the neutral form into a Chat Completions
// response body.
func (a *Adapter) BuildResponse(resp *relay.Response) ([]byte, error) {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	wire := chatResponse{
		ID:                resp.ID,
		Object:            "chat.completion",
		Created:           created,
		Model:             resp.Model,
		SystemFingerprint: resp.SystemFingerprint,
		Usage:             usageToWire(resp.Usage),
	}
	for i := range resp.Choices {
		c := &resp.Choices[i]
		m, err := messageToWire(&c.Message)
		if err != nil {
			return nil, err
		}
		m.Role = relay.RoleAssistant
		m.ReasoningContent = c.Message.Reasoning
		finish := c.FinishReason
		if finish == "" {
			finish = relay.FinishStop
		}
		wire.Choices = append(wire.Choices, chatChoice{
			Index:        c.Index,
			Message:      &m,
			FinishReason: &finish,
			Logprobs:     c.Logprobs,
		})
	}
	return json.Marshal(&wire)
}

// --- Conversion helpers ---

// contentToIR resolves the string-or-array content union.
func contentToIR(raw json.RawMessage) (string, []relay.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, relay.Errorf(relay.KindValidation, "unsupported message content shape")
	}
	out := make([]relay.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, relay.ContentPart{Type: relay.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mediaType, data, ok := adapter.ParseDataURL(p.ImageURL.URL); ok {
				out = append(out, relay.ContentPart{Type: relay.PartImage, MediaType: mediaType, Data: data})
			} else {
				out = append(out, relay.ContentPart{Type: relay.PartImage, URL: p.ImageURL.URL})
			}
		case "file":
			if p.File != nil {
				out = append(out, relay.ContentPart{Type: relay.PartFile, FileID: p.File.FileID})
			}
		}
	}
	return "", out, nil
}

// irContent is the inverse of contentToIR. Messages with neither text
// nor parts (tool-call-only assistant turns) get null content.
func irContent(m *relay.Message) (json.RawMessage, error) {
	if len(m.Parts) == 0 {
		if m.Content == "" && len(m.ToolCalls) > 0 {
			return nil, nil
		}
		return json.Marshal(m.Content)
	}
	parts := make([]contentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case relay.PartText:
			parts = append(parts, contentPart{Type: "text", Text: p.Text})
		case relay.PartImage:
			url := p.URL
			if url == "" {
				url = adapter.FormatDataURL(p.MediaType, p.Data)
			}
			cp := contentPart{Type: "image_url"}
			cp.ImageURL = &struct {
				URL    string `json:"url"`
				Detail string `json:"detail,omitempty"`
			}{URL: url}
			parts = append(parts, cp)
		case relay.PartFile:
			cp := contentPart{Type: "file"}
			cp.File = &struct {
				FileID string `json:"file_id"`
			}{FileID: p.FileID}
			parts = append(parts, cp)
		default:
			return nil, fmt.Errorf("unknown content part type %q", p.Type)
		}
	}
	return json.Marshal(parts)
}

func messageToWire(m *relay.Message) (chatMessage, error) {
	wire := chatMessage{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	content, err := irContent(m)
	if err != nil {
		return wire, err
	}
	wire.Content = content
	for _, tc := range m.ToolCalls {
		wire.ToolCalls = append(wire.ToolCalls, chatToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: chatFunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return wire, nil
}

func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

func parseToolChoice(raw json.RawMessage) *relay.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		switch r.String() {
		case relay.ToolChoiceAuto, relay.ToolChoiceNone, relay.ToolChoiceRequired:
			return &relay.ToolChoice{Mode: r.String()}
		}
		return nil
	}
	if name := r.Get("function.name"); name.Exists() {
		return &relay.ToolChoice{Mode: relay.ToolChoiceFunction, Name: name.String()}
	}
	return nil
}

func buildToolChoice(tc *relay.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	if tc.Mode == relay.ToolChoiceFunction {
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		})
		return b
	}
	b, _ := json.Marshal(tc.Mode)
	return b
}

// mapFinishReason converts a vendor finish reason to the neutral set.
// The legacy function_call value folds into tool_calls.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return relay.FinishStop
	case "length":
		return relay.FinishLength
	case "tool_calls", "function_call":
		return relay.FinishToolCalls
	case "content_filter":
		return relay.FinishContentFilter
	default:
		return relay.FinishStop
	}
}

func usageToIR(u *chatUsage) *relay.Usage {
	if u == nil {
		return nil
	}
	out := &relay.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.Details.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.Details.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

func usageToWire(u *relay.Usage) *chatUsage {
	if u == nil {
		return nil
	}
	out := &chatUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.Details.CachedTokens > 0 {
		out.PromptTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens,omitempty"`
		}{CachedTokens: u.Details.CachedTokens}
	}
	if u.Details.ReasoningTokens > 0 {
		out.CompletionTokensDetails = &struct {
			ReasoningTokens int `json:"reasoning_tokens,omitempty"`
		}{ReasoningTokens: u.Details.ReasoningTokens}
	}
	return out
}

// collectExtensions copies passthrough fields out of the raw request.
func collectExtensions(raw []byte) json.RawMessage {
	var ext []byte
	for _, key := range passthroughKeys {
		v := gjson.GetBytes(raw, key)
		if !v.Exists() {
			continue
		}
		if ext == nil {
			ext = []byte("{}")
		}
		ext, _ = sjson.SetRawBytes(ext, key, []byte(v.Raw))
	}
	return ext
}

// applyExtensions merges saved passthrough fields back into a built body.
func applyExtensions(body []byte, ext json.RawMessage) ([]byte, error) {
	if len(ext) == 0 {
		return body, nil
	}
	var err error
	gjson.ParseBytes(ext).ForEach(func(key, value gjson.Result) bool {
		body, err = sjson.SetRawBytes(body, key.Str, []byte(value.Raw))
		return err == nil
	})
	return body, err
}
