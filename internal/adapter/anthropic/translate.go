package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/koriley/switchboard/internal"
)

var passthroughKeys = []string{
	"top_k",
	"thinking",
}

// ParseRequest converts a Messages request body into the neutral form.
// tool_result blocks decompose into standalone tool messages so the
// neutral form stays dialect-free.
func (a *Adapter) ParseRequest(raw []byte) (*relay.Request, error) {
	var wire messagesRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, relay.Errorf(relay.KindValidation, "parse messages request: %v", err)
	}
	if wire.Model == "" {
		return nil, relay.Errorf(relay.KindValidation, "model is required")
	}

	maxTokens := wire.MaxTokens
	req := &relay.Request{
		Model:  wire.Model,
		System: systemToIR(wire.System),
		Stream: wire.Stream,
		Gen: relay.GenerationConfig{
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
			Stop:        wire.StopSequences,
		},
	}
	if maxTokens > 0 {
		req.Gen.MaxTokens = &maxTokens
	}
	if wire.Metadata != nil {
		req.User = wire.Metadata.UserID
	}

	for _, m := range wire.Messages {
		msgs, err := messageToIR(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, relay.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	req.ToolChoice = parseToolChoice(wire.ToolChoice)

	if ext := collectExtensions(raw); ext != nil {
		req.Extensions = map[string]json.RawMessage{extKey: ext}
	}
	return req, nil
}

func systemToIR(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// messageToIR splits one wire message into neutral messages: one tool
// message per tool_result block, then the remaining content if any.
func messageToIR(m wireMessage) ([]relay.Message, error) {
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []relay.Message{{Role: m.Role, Content: text}}, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, relay.Errorf(relay.KindValidation, "unsupported message content shape")
	}

	var out []relay.Message
	main := relay.Message{Role: m.Role}
	var texts []string
	var parts []relay.ContentPart
	hasMedia := false

	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
			parts = append(parts, relay.ContentPart{Type: relay.PartText, Text: b.Text})
		case "image":
			hasMedia = true
			if b.Source == nil {
				continue
			}
			if b.Source.Type == "url" {
				parts = append(parts, relay.ContentPart{Type: relay.PartImage, URL: b.Source.URL})
			} else {
				parts = append(parts, relay.ContentPart{
					Type:      relay.PartImage,
					MediaType: b.Source.MediaType,
					Data:      b.Source.Data,
				})
			}
		case "tool_use":
			main.ToolCalls = append(main.ToolCalls, relay.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: argsFromInput(b.Input),
			})
		case "tool_result":
			out = append(out, relay.Message{
				Role:       relay.RoleTool,
				Content:    resultText(b.Content),
				ToolCallID: b.ToolUseID,
			})
		case "thinking":
			main.Reasoning = b.Thinking
		}
	}

	if hasMedia {
		main.Parts = parts
	} else {
		main.Content = strings.Join(texts, "\n")
	}
	if main.Content != "" || len(main.Parts) > 0 || len(main.ToolCalls) > 0 || main.Reasoning != "" {
		out = append(out, main)
	}
	return out, nil
}

func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// BuildRequest converts the neutral form into a Messages request body.
// Tool messages become tool_result blocks on a user turn and adjacent
// same-role turns merge, since the dialect requires alternating roles.
func (a *Adapter) BuildRequest(req *relay.Request) ([]byte, error) {
	maxTokens := defaultMaxTokens
	if req.Gen.MaxTokens != nil && *req.Gen.MaxTokens > 0 {
		maxTokens = *req.Gen.MaxTokens
	}
	wire := messagesRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		Stream:        req.Stream,
		Temperature:   req.Gen.Temperature,
		TopP:          req.Gen.TopP,
		StopSequences: req.Gen.Stop,
	}
	if req.System != "" {
		sys, _ := json.Marshal(req.System)
		wire.System = sys
	}
	if req.User != "" {
		wire.Metadata = &wireMetadata{UserID: req.User}
	}

	type turn struct {
		role   string
		blocks []contentBlock
	}
	var turns []turn
	push := func(role string, blocks []contentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			return
		}
		turns = append(turns, turn{role: role, blocks: blocks})
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case relay.RoleTool:
			content, _ := json.Marshal(m.Text())
			push(relay.RoleUser, []contentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   content,
			}})
		case relay.RoleAssistant:
			var blocks []contentBlock
			if text := m.Text(); text != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: toolInput(tc.Arguments),
				})
			}
			push(relay.RoleAssistant, blocks)
		default:
			blocks, err := userBlocks(m)
			if err != nil {
				return nil, err
			}
			push(relay.RoleUser, blocks)
		}
	}
	for _, t := range turns {
		content, err := json.Marshal(t.blocks)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, wireMessage{Role: t.role, Content: content})
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
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

func userBlocks(m *relay.Message) ([]contentBlock, error) {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		return []contentBlock{{Type: "text", Text: m.Content}}, nil
	}
	blocks := make([]contentBlock, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case relay.PartText:
			blocks = append(blocks, contentBlock{Type: "text", Text: p.Text})
		case relay.PartImage:
			src := &blockSource{Type: "base64", MediaType: p.MediaType, Data: p.Data}
			if p.URL != "" {
				src = &blockSource{Type: "url", URL: p.URL}
			}
			blocks = append(blocks, contentBlock{Type: "image", Source: src})
		case relay.PartFile:
			// No file slot in this dialect; reference it textually.
			blocks = append(blocks, contentBlock{Type: "text", Text: "[file: " + p.FileID + "]"})
		}
	}
	return blocks, nil
}

func parseToolChoice(raw json.RawMessage) *relay.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	switch gjson.GetBytes(raw, "type").String() {
	case "auto":
		return &relay.ToolChoice{Mode: relay.ToolChoiceAuto}
	case "any":
		return &relay.ToolChoice{Mode: relay.ToolChoiceRequired}
	case "none":
		return &relay.ToolChoice{Mode: relay.ToolChoiceNone}
	case "tool":
		return &relay.ToolChoice{Mode: relay.ToolChoiceFunction, Name: gjson.GetBytes(raw, "name").String()}
	}
	return nil
}

func buildToolChoice(tc *relay.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case relay.ToolChoiceAuto:
		return json.RawMessage(`{"type":"auto"}`)
	case relay.ToolChoiceRequired:
		return json.RawMessage(`{"type":"any"}`)
	case relay.ToolChoiceNone:
		return json.RawMessage(`{"type":"none"}`)
	case relay.ToolChoiceFunction:
		b, _ := json.Marshal(map[string]any{"type": "tool", "name": tc.Name})
		return b
	}
	return nil
}

// ParseResponse converts a unary Messages body into the neutral form.
func (a *Adapter) ParseResponse(raw []byte) (*relay.Response, error) {
	var wire messagesResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, relay.Errorf(relay.KindAPI, "parse messages response: %v", err)
	}

	msg := relay.Message{Role: relay.RoleAssistant}
	var texts []string
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "thinking":
			msg.Reasoning = b.Thinking
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, relay.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: argsFromInput(b.Input),
			})
		}
	}
	msg.Content = strings.Join(texts, "\n")

	return &relay.Response{
		ID:    wire.ID,
		Model: wire.Model,
		Choices: []relay.Choice{{
			Message:      msg,
			FinishReason: mapStopReason(wire.StopReason),
		}},
		Usage: usageToIR(wire.Usage),
	}, nil
}

// BuildResponse converts the neutral form into a unary Messages body.
// Thinking precedes text, which precedes tool_use blocks.
func (a *Adapter) BuildResponse(resp *relay.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.Must(uuid.NewV7()).String()
	}
	wire := messagesResponse{
		ID:      id,
		Type:    "message",
		Role:    relay.RoleAssistant,
		Model:   resp.Model,
		Content: []contentBlock{},
		Usage:   usageToWire(resp.Usage),
	}
	if len(resp.Choices) > 0 {
		c := &resp.Choices[0]
		if c.Message.Reasoning != "" {
			wire.Content = append(wire.Content, contentBlock{Type: "thinking", Thinking: c.Message.Reasoning})
		}
		if text := c.Message.Text(); text != "" {
			wire.Content = append(wire.Content, contentBlock{Type: "text", Text: text})
		}
		for _, tc := range c.Message.ToolCalls {
			wire.Content = append(wire.Content, contentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: toolInput(tc.Arguments),
			})
		}
		wire.StopReason = buildStopReason(c.FinishReason)
	}
	return json.Marshal(&wire)
}

// --- Conversion helpers ---

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return relay.FinishStop
	case "max_tokens":
		return relay.FinishLength
	case "tool_use":
		return relay.FinishToolCalls
	case "refusal":
		return relay.FinishContentFilter
	default:
		return relay.FinishStop
	}
}

func buildStopReason(finish string) string {
	switch finish {
	case relay.FinishLength:
		return "max_tokens"
	case relay.FinishToolCalls:
		return "tool_use"
	case relay.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

// toolInput renders tool call arguments as the object the dialect
// requires. Arguments that are not valid JSON wrap in a raw field
// instead of corrupting the body.
func toolInput(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) && strings.HasPrefix(strings.TrimSpace(args), "{") {
		return json.RawMessage(args)
	}
	b, _ := json.Marshal(map[string]string{"raw": args})
	return b
}

func argsFromInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func usageToIR(u *wireUsage) *relay.Usage {
	if u == nil {
		return nil
	}
	return &relay.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
		Details:          relay.UsageDetails{CachedTokens: u.CacheReadInputTokens},
	}
}

func usageToWire(u *relay.Usage) *wireUsage {
	if u == nil {
		return nil
	}
	return &wireUsage{
		InputTokens:          u.PromptTokens,
		OutputTokens:         u.CompletionTokens,
		CacheReadInputTokens: u.Details.CachedTokens,
	}
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
