package gemini

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/koriley/switchboard/internal"
)

var passthroughKeys = []string{
	"safetySettings",
	"cachedContent",
	"generationConfig.thinkingConfig",
}

// ParseRequest converts a generateContent body into the neutral form.
// The body carries no model id; the caller injects it from the URL
// path, so an empty model is not an error here.
func (a *Adapter) ParseRequest(raw []byte) (*relay.Request, error) {
	var wire generateRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, relay.Errorf(relay.KindValidation, "parse generate content request: %v", err)
	}

	req := &relay.Request{}
	if wire.SystemInstruction != nil {
		var texts []string
		for _, p := range wire.SystemInstruction.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		req.System = strings.Join(texts, "\n")
	}
	if gc := wire.GenerationConfig; gc != nil {
		req.Gen = relay.GenerationConfig{
			Temperature:      gc.Temperature,
			TopP:             gc.TopP,
			MaxTokens:        gc.MaxOutputTokens,
			Stop:             gc.StopSequences,
			N:                gc.CandidateCount,
			Seed:             gc.Seed,
			PresencePenalty:  gc.PresencePenalty,
			FrequencyPenalty: gc.FrequencyPenalty,
		}
		if gc.ResponseMimeType == "application/json" {
			req.Gen.ResponseFormat = json.RawMessage(`{"type":"json_object"}`)
		}
	}

	for _, c := range wire.Contents {
		req.Messages = append(req.Messages, contentToIR(c)...)
	}

	for _, t := range wire.Tools {
		for _, fd := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, relay.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}
	req.ToolChoice = parseToolConfig(wire.ToolConfig)

	if ext := collectExtensions(raw); ext != nil {
		req.Extensions = map[string]json.RawMessage{extKey: ext}
	}
	return req, nil
}

// contentToIR splits one content into neutral messages: one tool
// message per functionResponse part, then the remaining turn.
func contentToIR(c content) []relay.Message {
	role := relay.RoleUser
	if c.Role == "model" {
		role = relay.RoleAssistant
	}

	var out []relay.Message
	main := relay.Message{Role: role}
	var texts, thoughts []string
	var parts []relay.ContentPart
	hasMedia := false

	for _, p := range c.Parts {
		switch {
		case p.FunctionResponse != nil:
			out = append(out, relay.Message{
				Role:       relay.RoleTool,
				Content:    responseText(p.FunctionResponse.Response),
				ToolCallID: p.FunctionResponse.Name,
			})
		case p.FunctionCall != nil:
			main.ToolCalls = append(main.ToolCalls, relay.ToolCall{
				ID:        p.FunctionCall.Name,
				Name:      p.FunctionCall.Name,
				Arguments: argsToString(p.FunctionCall.Args),
			})
		case p.InlineData != nil:
			hasMedia = true
			parts = append(parts, relay.ContentPart{
				Type:      relay.PartImage,
				MediaType: p.InlineData.MimeType,
				Data:      p.InlineData.Data,
			})
		case p.FileData != nil:
			hasMedia = true
			if strings.HasPrefix(p.FileData.MimeType, "image/") {
				parts = append(parts, relay.ContentPart{Type: relay.PartImage, URL: p.FileData.FileURI})
			} else {
				parts = append(parts, relay.ContentPart{Type: relay.PartFile, FileID: p.FileData.FileURI})
			}
		case p.Thought:
			thoughts = append(thoughts, p.Text)
		case p.Text != "":
			texts = append(texts, p.Text)
			parts = append(parts, relay.ContentPart{Type: relay.PartText, Text: p.Text})
		}
	}

	main.Reasoning = strings.Join(thoughts, "")
	if hasMedia {
		main.Parts = parts
	} else {
		main.Content = strings.Join(texts, "")
	}
	if main.Content != "" || len(main.Parts) > 0 || len(main.ToolCalls) > 0 || main.Reasoning != "" {
		out = append(out, main)
	}
	return out
}

func responseText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if r := gjson.GetBytes(raw, "result"); r.Exists() && r.Type == gjson.String {
		return r.String()
	}
	return string(raw)
}

// BuildRequest converts the neutral form into a generateContent body.
// The model id stays out of the body; it substitutes into the URL.
func (a *Adapter) BuildRequest(req *relay.Request) ([]byte, error) {
	wire := generateRequest{}
	if req.System != "" {
		wire.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}

	var turns []content
	push := func(role string, parts []part) {
		if len(parts) == 0 {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Parts = append(turns[n-1].Parts, parts...)
			return
		}
		turns = append(turns, content{Role: role, Parts: parts})
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case relay.RoleTool:
			push("user", []part{{FunctionResponse: &functionResponse{
				Name:     m.ToolCallID,
				Response: wrapResult(m.Text()),
			}}})
		case relay.RoleAssistant:
			var parts []part
			if text := m.Text(); text != "" {
				parts = append(parts, part{Text: text})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, part{FunctionCall: &functionCall{
					Name: tc.Name,
					Args: toolArgs(tc.Arguments),
				}})
			}
			push("model", parts)
		default:
			push("user", messageParts(m))
		}
	}
	wire.Contents = turns

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		wire.Tools = []wireTool{{FunctionDeclarations: decls}}
	}
	wire.ToolConfig = buildToolConfig(req.ToolChoice)

	gc := generationConfig{
		Temperature:      req.Gen.Temperature,
		TopP:             req.Gen.TopP,
		MaxOutputTokens:  req.Gen.MaxTokens,
		StopSequences:    req.Gen.Stop,
		CandidateCount:   req.Gen.N,
		Seed:             req.Gen.Seed,
		PresencePenalty:  req.Gen.PresencePenalty,
		FrequencyPenalty: req.Gen.FrequencyPenalty,
	}
	if gjson.GetBytes(req.Gen.ResponseFormat, "type").String() == "json_object" {
		gc.ResponseMimeType = "application/json"
	}
	if !reflect.DeepEqual(gc, generationConfig{StopSequences: gc.StopSequences}) || len(gc.StopSequences) > 0 {
		wire.GenerationConfig = &gc
	}

	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, err
	}
	return applyExtensions(body, req.Extensions[extKey])
}

func messageParts(m *relay.Message) []part {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []part{{Text: m.Content}}
	}
	parts := make([]part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case relay.PartText:
			parts = append(parts, part{Text: p.Text})
		case relay.PartImage:
			if p.URL != "" {
				mime := p.MediaType
				if mime == "" {
					mime = "image/jpeg"
				}
				parts = append(parts, part{FileData: &fileData{MimeType: mime, FileURI: p.URL}})
			} else {
				parts = append(parts, part{InlineData: &inlineData{MimeType: p.MediaType, Data: p.Data}})
			}
		case relay.PartFile:
			parts = append(parts, part{FileData: &fileData{FileURI: p.FileID}})
		}
	}
	return parts
}

func parseToolConfig(tc *toolConfig) *relay.ToolChoice {
	if tc == nil || tc.FunctionCallingConfig == nil {
		return nil
	}
	fcc := tc.FunctionCallingConfig
	switch fcc.Mode {
	case "AUTO":
		return &relay.ToolChoice{Mode: relay.ToolChoiceAuto}
	case "NONE":
		return &relay.ToolChoice{Mode: relay.ToolChoiceNone}
	case "ANY":
		if len(fcc.AllowedFunctionNames) == 1 {
			return &relay.ToolChoice{Mode: relay.ToolChoiceFunction, Name: fcc.AllowedFunctionNames[0]}
		}
		return &relay.ToolChoice{Mode: relay.ToolChoiceRequired}
	}
	return nil
}

func buildToolConfig(tc *relay.ToolChoice) *toolConfig {
	if tc == nil {
		return nil
	}
	fcc := &functionCallingConfig{}
	switch tc.Mode {
	case relay.ToolChoiceAuto:
		fcc.Mode = "AUTO"
	case relay.ToolChoiceNone:
		fcc.Mode = "NONE"
	case relay.ToolChoiceRequired:
		fcc.Mode = "ANY"
	case relay.ToolChoiceFunction:
		fcc.Mode = "ANY"
		fcc.AllowedFunctionNames = []string{tc.Name}
	default:
		return nil
	}
	return &toolConfig{FunctionCallingConfig: fcc}
}

// ParseResponse converts a unary generateContent body into the neutral
// form.
func (a *Adapter) ParseResponse(raw []byte) (*relay.Response, error) {
	var wire generateResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, relay.Errorf(relay.KindAPI, "parse generate content response: %v", err)
	}

	resp := &relay.Response{
		ID:    wire.ResponseID,
		Model: wire.ModelVersion,
		Usage: usageToIR(wire.UsageMetadata),
	}
	for _, cand := range wire.Candidates {
		msg := relay.Message{Role: relay.RoleAssistant}
		if cand.Content != nil {
			var texts, thoughts []string
			for _, p := range cand.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					msg.ToolCalls = append(msg.ToolCalls, relay.ToolCall{
						ID:        p.FunctionCall.Name,
						Name:      p.FunctionCall.Name,
						Arguments: argsToString(p.FunctionCall.Args),
					})
				case p.Thought:
					thoughts = append(thoughts, p.Text)
				case p.Text != "":
					texts = append(texts, p.Text)
				}
			}
			msg.Content = strings.Join(texts, "")
			msg.Reasoning = strings.Join(thoughts, "")
		}
		finish := mapFinishReason(cand.FinishReason)
		if finish == relay.FinishStop && len(msg.ToolCalls) > 0 {
			finish = relay.FinishToolCalls
		}
		resp.Choices = append(resp.Choices, relay.Choice{
			Index:        cand.Index,
			Message:      msg,
			FinishReason: finish,
		})
	}
	return resp, nil
}

// BuildResponse converts the neutral form into a unary generateContent
// body.
func (a *Adapter) BuildResponse(resp *relay.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	wire := generateResponse{
		ResponseID:    id,
		ModelVersion:  resp.Model,
		UsageMetadata: usageToWire(resp.Usage),
	}
	for i := range resp.Choices {
		c := &resp.Choices[i]
		var parts []part
		if c.Message.Reasoning != "" {
			parts = append(parts, part{Text: c.Message.Reasoning, Thought: true})
		}
		if text := c.Message.Text(); text != "" {
			parts = append(parts, part{Text: text})
		}
		for _, tc := range c.Message.ToolCalls {
			parts = append(parts, part{FunctionCall: &functionCall{
				Name: tc.Name,
				Args: toolArgs(tc.Arguments),
			}})
		}
		wire.Candidates = append(wire.Candidates, candidate{
			Content:      &content{Role: "model", Parts: parts},
			FinishReason: buildFinishReason(c.FinishReason),
			Index:        c.Index,
		})
	}
	return json.Marshal(&wire)
}

// --- Conversion helpers ---

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return relay.FinishStop
	case "MAX_TOKENS":
		return relay.FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return relay.FinishContentFilter
	default:
		return relay.FinishStop
	}
}

func buildFinishReason(finish string) string {
	switch finish {
	case relay.FinishLength:
		return "MAX_TOKENS"
	case relay.FinishContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}

// toolArgs renders tool call arguments as the object form the dialect
// requires.
func toolArgs(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) && strings.HasPrefix(strings.TrimSpace(args), "{") {
		return json.RawMessage(args)
	}
	b, _ := json.Marshal(map[string]string{"raw": args})
	return b
}

func argsToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// wrapResult renders a tool result as the object functionResponse
// requires.
func wrapResult(text string) json.RawMessage {
	if json.Valid([]byte(text)) && strings.HasPrefix(strings.TrimSpace(text), "{") {
		return json.RawMessage(text)
	}
	b, _ := json.Marshal(map[string]string{"result": text})
	return b
}

func usageToIR(u *usageMetadata) *relay.Usage {
	if u == nil {
		return nil
	}
	return &relay.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
		Details: relay.UsageDetails{
			ReasoningTokens: u.ThoughtsTokenCount,
			CachedTokens:    u.CachedContentTokenCount,
		},
	}
}

func usageToWire(u *relay.Usage) *usageMetadata {
	if u == nil {
		return nil
	}
	return &usageMetadata{
		PromptTokenCount:        u.PromptTokens,
		CandidatesTokenCount:    u.CompletionTokens,
		TotalTokenCount:         u.TotalTokens,
		ThoughtsTokenCount:      u.Details.ReasoningTokens,
		CachedContentTokenCount: u.Details.CachedTokens,
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
	for _, key := range passthroughKeys {
		v := gjson.GetBytes(ext, key)
		if !v.Exists() {
			continue
		}
		body, err = sjson.SetRawBytes(body, key, []byte(v.Raw))
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}
