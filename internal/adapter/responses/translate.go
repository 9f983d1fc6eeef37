package responses

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
)

var passthroughKeys = []string{
	"truncation",
	"store",
	"reasoning",
	"previous_response_id",
	"parallel_tool_calls",
	"include",
	"service_tier",
	"background",
}

// ParseRequest converts a Responses request body into the neutral form.
// Instructions map to the system prompt; input items become messages.
func (a *Adapter) ParseRequest(raw []byte) (*relay.Request, error) {
	var wire responsesRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, relay.Errorf(relay.KindValidation, "parse responses request: %v", err)
	}
	if wire.Model == "" {
		return nil, relay.Errorf(relay.KindValidation, "model is required")
	}

	req := &relay.Request{
		Model:  wire.Model,
		System: wire.Instructions,
		Stream: wire.Stream,
		User:   wire.User,
		Gen: relay.GenerationConfig{
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
			MaxTokens:   wire.MaxOutputTokens,
		},
		Metadata: wire.Metadata,
	}
	if format := gjson.GetBytes(wire.Text, "format"); format.Exists() {
		req.Gen.ResponseFormat = json.RawMessage(format.Raw)
	}

	messages, err := inputToIR(wire.Input)
	if err != nil {
		return nil, err
	}
	req.Messages = messages

	var builtin []json.RawMessage
	for _, rawTool := range wire.Tools {
		if gjson.GetBytes(rawTool, "type").String() != "function" {
			builtin = append(builtin, rawTool)
			continue
		}
		var ft functionTool
		if err := json.Unmarshal(rawTool, &ft); err != nil {
			return nil, relay.Errorf(relay.KindValidation, "parse tool declaration: %v", err)
		}
		req.Tools = append(req.Tools, relay.Tool{
			Name:        ft.Name,
			Description: ft.Description,
			Parameters:  ft.Parameters,
		})
	}
	req.ToolChoice = parseToolChoice(wire.ToolChoice)

	ext := collectExtensions(raw)
	if len(builtin) > 0 {
		packed, _ := json.Marshal(builtin)
		if ext == nil {
			ext = []byte("{}")
		}
		ext, _ = sjson.SetRawBytes(ext, builtinToolsKey, packed)
	}
	if ext != nil {
		req.Extensions = map[string]json.RawMessage{extKey: ext}
	}
	return req, nil
}

// inputToIR resolves the string-or-array input union. A bare string is
// a single user message. Reasoning items buffer until the assistant
// turn they belong to materializes.
func inputToIR(raw json.RawMessage) ([]relay.Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []relay.Message{{Role: relay.RoleUser, Content: text}}, nil
	}
	var items []inputItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, relay.Errorf(relay.KindValidation, "unsupported input shape")
	}

	var messages []relay.Message
	var pendingReasoning string
	for _, it := range items {
		switch {
		case it.Type == "function_call":
			msg := relay.Message{
				Role:      relay.RoleAssistant,
				Reasoning: pendingReasoning,
				ToolCalls: []relay.ToolCall{{ID: it.CallID, Name: it.Name, Arguments: it.Arguments}},
			}
			pendingReasoning = ""
			messages = append(messages, msg)
		case it.Type == "function_call_output":
			messages = append(messages, relay.Message{
				Role:       relay.RoleTool,
				Content:    it.Output,
				ToolCallID: it.CallID,
			})
		case it.Type == "reasoning":
			var parts []string
			for _, s := range it.Summary {
				if s.Text != "" {
					parts = append(parts, s.Text)
				}
			}
			pendingReasoning = strings.Join(parts, "\n")
		case it.Type == "message" || it.Type == "":
			msg := relay.Message{Role: it.Role}
			if msg.Role == relay.RoleAssistant {
				msg.Reasoning = pendingReasoning
				pendingReasoning = ""
			}
			content, parts, err := contentToIR(it.Content)
			if err != nil {
				return nil, err
			}
			msg.Content, msg.Parts = content, parts
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

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
		case "input_text", "output_text", "text":
			out = append(out, relay.ContentPart{Type: relay.PartText, Text: p.Text})
		case "input_image":
			if mediaType, data, ok := adapter.ParseDataURL(p.ImageURL); ok {
				out = append(out, relay.ContentPart{Type: relay.PartImage, MediaType: mediaType, Data: data})
			} else {
				out = append(out, relay.ContentPart{Type: relay.PartImage, URL: p.ImageURL})
			}
		case "input_file":
			out = append(out, relay.ContentPart{Type: relay.PartFile, FileID: p.FileID})
		}
	}
	return "", out, nil
}

// BuildRequest converts the neutral form into a Responses request body.
// Assistant turns split into a message item plus one function_call item
// per tool call; the opaque reasoning text has no replayable slot, so
// it is dropped.
func (a *Adapter) BuildRequest(req *relay.Request) ([]byte, error) {
	wire := responsesRequest{
		Model:           req.Model,
		Instructions:    req.System,
		Stream:          req.Stream,
		Temperature:     req.Gen.Temperature,
		TopP:            req.Gen.TopP,
		MaxOutputTokens: req.Gen.MaxTokens,
		Metadata:        req.Metadata,
		User:            req.User,
	}
	if len(req.Gen.ResponseFormat) > 0 {
		text, _ := sjson.SetRawBytes([]byte("{}"), "format", req.Gen.ResponseFormat)
		wire.Text = text
	}

	var items []inputItem
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case relay.RoleTool:
			items = append(items, inputItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Text(),
			})
		case relay.RoleAssistant:
			if m.Content != "" || len(m.Parts) > 0 {
				content, err := irContent(m, "output_text")
				if err != nil {
					return nil, err
				}
				items = append(items, inputItem{Type: "message", Role: relay.RoleAssistant, Content: content})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, inputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				})
			}
		default:
			content, err := irContent(m, "input_text")
			if err != nil {
				return nil, err
			}
			items = append(items, inputItem{Type: "message", Role: m.Role, Content: content})
		}
	}
	if items != nil {
		input, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		wire.Input = input
	}

	for _, t := range req.Tools {
		raw, err := json.Marshal(functionTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
		if err != nil {
			return nil, err
		}
		wire.Tools = append(wire.Tools, raw)
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

// irContent renders message content as Responses content parts, using
// the given text part type (input_text for user turns, output_text for
// assistant turns).
func irContent(m *relay.Message, textType string) (json.RawMessage, error) {
	if len(m.Parts) == 0 {
		return json.Marshal([]contentPart{{Type: textType, Text: m.Content}})
	}
	parts := make([]contentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case relay.PartText:
			parts = append(parts, contentPart{Type: textType, Text: p.Text})
		case relay.PartImage:
			url := p.URL
			if url == "" {
				url = adapter.FormatDataURL(p.MediaType, p.Data)
			}
			parts = append(parts, contentPart{Type: "input_image", ImageURL: url})
		case relay.PartFile:
			parts = append(parts, contentPart{Type: "input_file", FileID: p.FileID})
		}
	}
	return json.Marshal(parts)
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
	if r.Get("type").String() == "function" {
		return &relay.ToolChoice{Mode: relay.ToolChoiceFunction, Name: r.Get("name").String()}
	}
	return nil
}

func buildToolChoice(tc *relay.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	if tc.Mode == relay.ToolChoiceFunction {
		b, _ := json.Marshal(map[string]any{"type": "function", "name": tc.Name})
		return b
	}
	b, _ := json.Marshal(tc.Mode)
	return b
}

// ParseResponse converts a unary Responses body into the neutral form.
// A failed status surfaces as the carried error rather than a response.
func (a *Adapter) ParseResponse(raw []byte) (*relay.Response, error) {
	var wire responsesResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, relay.Errorf(relay.KindAPI, "parse responses body: %v", err)
	}
	if wire.Status == "failed" {
		e := &relay.Error{Kind: relay.KindAPI, Message: "response failed"}
		if wire.Error != nil {
			e.Message = wire.Error.Message
			e.Code = wire.Error.Code
		}
		return nil, e
	}

	msg := relay.Message{Role: relay.RoleAssistant}
	for _, item := range wire.Output {
		switch item.Type {
		case "reasoning":
			var parts []string
			for _, s := range item.Summary {
				if s.Text != "" {
					parts = append(parts, s.Text)
				}
			}
			msg.Reasoning = strings.Join(parts, "\n")
		case "message":
			for _, p := range item.Content {
				if p.Type == "output_text" {
					msg.Content += p.Text
				}
			}
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, relay.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		}
	}

	finish := relay.FinishStop
	switch {
	case wire.Status == "incomplete":
		finish = relay.FinishLength
	case len(msg.ToolCalls) > 0:
		finish = relay.FinishToolCalls
	}
	return &relay.Response{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.CreatedAt,
		Choices: []relay.Choice{{Message: msg, FinishReason: finish}},
		Usage:   usageToIR(wire.Usage),
	}, nil
}

// BuildResponse converts the neutral form into a unary Responses body.
// Reasoning output precedes the message item.
func (a *Adapter) BuildResponse(resp *relay.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "resp_" + uuid.Must(uuid.NewV7()).String()
	}
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	wire := responsesResponse{
		ID:        id,
		Object:    "response",
		CreatedAt: created,
		Status:    "completed",
		Model:     resp.Model,
		Output:    []outputItem{},
		Usage:     usageToWire(resp.Usage),
	}

	if len(resp.Choices) > 0 {
		c := &resp.Choices[0]
		if c.FinishReason == relay.FinishLength {
			wire.Status = "incomplete"
			wire.IncompleteDetails = json.RawMessage(`{"reason":"max_output_tokens"}`)
		}
		if c.Message.Reasoning != "" {
			wire.Output = append(wire.Output, outputItem{
				ID:      "rs_" + id,
				Type:    "reasoning",
				Summary: []summaryPart{{Type: "summary_text", Text: c.Message.Reasoning}},
			})
		}
		if text := c.Message.Text(); text != "" {
			wire.Output = append(wire.Output, outputItem{
				ID:     "msg_" + id,
				Type:   "message",
				Status: "completed",
				Role:   relay.RoleAssistant,
				Content: []contentPart{{
					Type:        "output_text",
					Text:        text,
					Annotations: []annotation{},
				}},
			})
			wire.OutputText = text
		}
		for _, tc := range c.Message.ToolCalls {
			wire.Output = append(wire.Output, outputItem{
				ID:        "fc_" + tc.ID,
				Type:      "function_call",
				Status:    "completed",
				CallID:    tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
	}
	return json.Marshal(&wire)
}

func mapStatus(status string) string {
	switch status {
	case "incomplete":
		return relay.FinishLength
	default:
		return relay.FinishStop
	}
}

func usageToIR(u *responsesUsage) *relay.Usage {
	if u == nil {
		return nil
	}
	out := &relay.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.InputTokensDetails != nil {
		out.Details.CachedTokens = u.InputTokensDetails.CachedTokens
	}
	if u.OutputTokensDetails != nil {
		out.Details.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
	}
	return out
}

func usageToWire(u *relay.Usage) *responsesUsage {
	if u == nil {
		return nil
	}
	out := &responsesUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.Details.CachedTokens > 0 {
		out.InputTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens,omitempty"`
		}{CachedTokens: u.Details.CachedTokens}
	}
	if u.Details.ReasoningTokens > 0 {
		out.OutputTokensDetails = &struct {
			ReasoningTokens int `json:"reasoning_tokens,omitempty"`
		}{ReasoningTokens: u.Details.ReasoningTokens}
	}
	return out
}

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

// applyExtensions merges saved passthrough fields back into a built
// body. Stashed built-in tools append to the tools array.
func applyExtensions(body []byte, ext json.RawMessage) ([]byte, error) {
	if len(ext) == 0 {
		return body, nil
	}
	var err error
	gjson.ParseBytes(ext).ForEach(func(key, value gjson.Result) bool {
		if key.Str == builtinToolsKey {
			for _, tool := range value.Array() {
				body, err = sjson.SetRawBytes(body, "tools.-1", []byte(tool.Raw))
				if err != nil {
					return false
				}
			}
			return true
		}
		body, err = sjson.SetRawBytes(body, key.Str, []byte(value.Raw))
		return err == nil
	})
	return body, err
}
