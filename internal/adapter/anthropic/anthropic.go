// Package anthropic implements the adapter for the Messages dialect:
// content blocks, alternating roles, named stream events and required
// max_tokens.
package anthropic

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
)

const extKey = "anthropic"

const version = "1.0"

// defaultMaxTokens fills the required max_tokens field when the caller
// never set one.
const defaultMaxTokens = 4096

const caps = adapter.CapStreaming | adapter.CapTools | adapter.CapVision |
	adapter.CapMultimodal | adapter.CapSystemPrompt | adapter.CapToolChoice |
	adapter.CapReasoning

// Adapter translates between the Messages wire format and the neutral
// form.
type Adapter struct {
	info adapter.Info
}

func New() *Adapter {
	return &Adapter{
		info: adapter.Info{
			BaseURL:    "https://api.anthropic.com",
			ChatPath:   "/v1/messages",
			ModelsPath: "/v1/models",
			AuthStyle:  adapter.AuthHeader,
		},
	}
}

func (a *Adapter) Name() string                     { return "anthropic" }
func (a *Adapter) Version() string                  { return version }
func (a *Adapter) Capabilities() adapter.Capability { return caps }
func (a *Adapter) Info() adapter.Info               { return a.info }

func (a *Adapter) NewStreamParser() adapter.StreamParser {
	return &streamParser{toolIdx: make(map[int]int)}
}

func (a *Adapter) NewStreamBuilder() adapter.StreamBuilder {
	return &streamBuilder{}
}

// ParseError converts a Messages error payload into the neutral error.
// The payload's own type string wins over the HTTP status when both
// disagree; overloaded_error counts as rate limiting.
func (a *Adapter) ParseError(status int, raw []byte) *relay.Error {
	e := &relay.Error{
		Kind: relay.KindFromStatus(status),
		Raw:  json.RawMessage(append([]byte(nil), raw...)),
	}
	if r := gjson.GetBytes(raw, "error"); r.Exists() {
		e.Message = r.Get("message").String()
		e.Code = r.Get("type").String()
		if kind := kindFromType(e.Code); kind != relay.KindUnknown {
			e.Kind = kind
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func (a *Adapter) BuildError(e *relay.Error) []byte {
	return errorBody(e)
}

func errorBody(e *relay.Error) []byte {
	wrapped := map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errorType(e.Kind),
			"message": e.Message,
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
		return "api_error"
	default:
		return "api_error"
	}
}

func kindFromType(t string) relay.ErrorKind {
	switch t {
	case "invalid_request_error":
		return relay.KindValidation
	case "authentication_error":
		return relay.KindAuthentication
	case "permission_error":
		return relay.KindPermission
	case "not_found_error":
		return relay.KindNotFound
	case "rate_limit_error", "overloaded_error":
		return relay.KindRateLimit
	case "api_error":
		return relay.KindServer
	default:
		return relay.KindUnknown
	}
}
