// Package gemini implements the adapter for the generateContent
// dialect. The model id rides in the URL path, streaming switches the
// method to streamGenerateContent with alt=sse, and auth is a query
// key.
package gemini

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
)

const extKey = "gemini"

const version = "1.0"

const caps = adapter.CapStreaming | adapter.CapTools | adapter.CapVision |
	adapter.CapMultimodal | adapter.CapSystemPrompt | adapter.CapToolChoice |
	adapter.CapReasoning | adapter.CapJSONMode | adapter.CapSeed

// Adapter translates between the generateContent wire format and the
// neutral form.
type Adapter struct {
	info adapter.Info
}

func New() *Adapter {
	return &Adapter{
		info: adapter.Info{
			BaseURL:        "https://generativelanguage.googleapis.com",
			ChatPath:       "/v1beta/models/{model}:generateContent",
			StreamChatPath: "/v1beta/models/{model}:streamGenerateContent?alt=sse",
			ModelsPath:     "/v1beta/models",
			AuthStyle:      adapter.AuthQuery,
		},
	}
}

func (a *Adapter) Name() string                     { return "gemini" }
func (a *Adapter) Version() string                  { return version }
func (a *Adapter) Capabilities() adapter.Capability { return caps }
func (a *Adapter) Info() adapter.Info               { return a.info }

func (a *Adapter) NewStreamParser() adapter.StreamParser {
	return &streamParser{toolIdx: make(map[string]int)}
}

func (a *Adapter) NewStreamBuilder() adapter.StreamBuilder {
	return &streamBuilder{}
}

// ParseError converts a generateContent error payload into the neutral
// error. The status string is more reliable than the outer HTTP status
// on some proxies, so it wins when recognized.
func (a *Adapter) ParseError(status int, raw []byte) *relay.Error {
	e := &relay.Error{
		Kind: relay.KindFromStatus(status),
		Raw:  json.RawMessage(append([]byte(nil), raw...)),
	}
	if r := gjson.GetBytes(raw, "error"); r.Exists() {
		e.Message = r.Get("message").String()
		e.Code = r.Get("status").String()
		if kind := kindFromStatusString(e.Code); kind != relay.KindUnknown {
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
		"error": map[string]any{
			"code":    e.HTTPStatus(),
			"message": e.Message,
			"status":  statusString(e.Kind),
		},
	}
	b, _ := json.Marshal(wrapped)
	return b
}

func statusString(kind relay.ErrorKind) string {
	switch kind {
	case relay.KindValidation:
		return "INVALID_ARGUMENT"
	case relay.KindAuthentication:
		return "UNAUTHENTICATED"
	case relay.KindPermission:
		return "PERMISSION_DENIED"
	case relay.KindNotFound:
		return "NOT_FOUND"
	case relay.KindRateLimit:
		return "RESOURCE_EXHAUSTED"
	case relay.KindServer:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

func kindFromStatusString(status string) relay.ErrorKind {
	switch status {
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE":
		return relay.KindValidation
	case "UNAUTHENTICATED":
		return relay.KindAuthentication
	case "PERMISSION_DENIED":
		return relay.KindPermission
	case "NOT_FOUND":
		return relay.KindNotFound
	case "RESOURCE_EXHAUSTED":
		return relay.KindRateLimit
	case "INTERNAL", "UNAVAILABLE", "DEADLINE_EXCEEDED":
		return relay.KindServer
	default:
		return relay.KindUnknown
	}
}
