// Package responses implements the adapter for the OpenAI Responses
// dialect: item-oriented input, instructions as the system channel, and
// the item/part stream event grammar.
package responses

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
)

const extKey = "openai-responses"

const version = "1.0"

// builtinToolsKey stashes non-function tool declarations (web_search,
// file_search, code_interpreter) inside the extensions bag so they
// survive a round trip even though the neutral form has no slot for
// them.
const builtinToolsKey = "builtin_tools"

const caps = adapter.CapStreaming | adapter.CapTools | adapter.CapVision |
	adapter.CapMultimodal | adapter.CapSystemPrompt | adapter.CapToolChoice |
	adapter.CapReasoning | adapter.CapWebSearch | adapter.CapJSONMode

// Adapter translates between the Responses wire format and the neutral
// form.
type Adapter struct {
	info adapter.Info
}

func New() *Adapter {
	return &Adapter{
		info: adapter.Info{
			BaseURL:    "https://api.openai.com/v1",
			ChatPath:   "/responses",
			ModelsPath: "/models",
			AuthStyle:  adapter.AuthBearer,
		},
	}
}

func (a *Adapter) Name() string                     { return "openai-responses" }
func (a *Adapter) Version() string                  { return version }
func (a *Adapter) Capabilities() adapter.Capability { return caps }
func (a *Adapter) Info() adapter.Info               { return a.info }

func (a *Adapter) NewStreamParser() adapter.StreamParser {
	return &streamParser{toolIdx: make(map[int]int)}
}

func (a *Adapter) NewStreamBuilder() adapter.StreamBuilder {
	return &streamBuilder{}
}

// ParseError shares the error envelope with the Chat Completions
// dialect.
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

func (a *Adapter) BuildError(e *relay.Error) []byte {
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

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
