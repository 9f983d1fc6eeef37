// Package openai implements the adapter for the OpenAI Chat Completions
// dialect. The OpenAI-compatible vendors (DeepSeek, Moonshot, Qwen,
// Zhipu) reuse it under their own names and defaults.
package openai

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
)

// extKey is the Extensions map key shared by the whole Chat Completions
// family; compat vendors keep the same wire dialect.
const extKey = "openai"

const version = "1.0"

// baseCaps are the capabilities of the Chat Completions dialect itself.
const baseCaps = adapter.CapStreaming | adapter.CapTools | adapter.CapVision |
	adapter.CapMultimodal | adapter.CapSystemPrompt | adapter.CapToolChoice |
	adapter.CapJSONMode | adapter.CapLogprobs | adapter.CapSeed

// Adapter translates between the Chat Completions wire format and the
// neutral form.
type Adapter struct {
	name string
	info adapter.Info
	caps adapter.Capability
}

// New returns the adapter with OpenAI's own defaults.
func New() *Adapter {
	return &Adapter{
		name: "openai",
		info: adapter.Info{
			BaseURL:    "https://api.openai.com/v1",
			ChatPath:   "/chat/completions",
			ModelsPath: "/models",
			AuthStyle:  adapter.AuthBearer,
		},
		caps: baseCaps,
	}
}

// NewCompat returns the Chat Completions adapter under a vendor's own
// name, defaults and capabilities.
func NewCompat(name string, info adapter.Info, caps adapter.Capability) *Adapter {
	return &Adapter{name: name, info: info, caps: caps}
}

func (a *Adapter) Name() string                       { return a.name }
func (a *Adapter) Version() string                    { return version }
func (a *Adapter) Capabilities() adapter.Capability   { return a.caps }
func (a *Adapter) Info() adapter.Info                 { return a.info }
func (a *Adapter) NewStreamParser() adapter.StreamParser {
	return &streamParser{}
}
func (a *Adapter) NewStreamBuilder() adapter.StreamBuilder {
	return &streamBuilder{}
}

// ParseError converts a Chat Completions error payload into the neutral
// error, classifying by HTTP status when the payload is unhelpful.
func (a *Adapter) ParseError(status int, raw []byte) *relay.Error {
	e := &relay.Error{
		Kind: relay.KindFromStatus(status),
		Raw:  json.RawMessage(append([]byte(nil), raw...)),
	}
	if r := gjson.GetBytes(raw, "error"); r.Exists() {
		e.Message = r.Get("message").String()
		e.Code = r.Get("code").String()
		if e.Code == "" {
			e.Code = r.Get("type").String()
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// BuildError renders the neutral error in the Chat Completions error
// body shape.
func (a *Adapter) BuildError(e *relay.Error) []byte {
	return errorBody(e)
}

// errorBody is shared between unary error replies and stream error
// events; both carry the same envelope.
func errorBody(e *relay.Error) []byte {
	wrapped := map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    errorType(e.Kind),
			"code":    nilOrString(e.Code),
		},
	}
	b, _ := json.Marshal(wrapped)
	return b
}

func errorType(kind relay.ErrorKind) string {
	switch kind {
	case relay.KindValidation:
		return "invalid_request_error"
	case relay.KindAuthentication:
		return "authentication_error"
	case relay.KindPermission:
		return "permission_error"
	case relay.KindNotFound:
		return "not_found_error"
	case relay.KindRateLimit:
		return "rate_limit_error"
	case relay.KindServer:
		return "server_error"
	default:
		return "api_error"
	}
}
