// Package adapter defines the dialect adapter contract: parsers and
// builders that translate between one vendor wire format and the
// neutral relay types, and the registry that dispatches them by name.
package adapter

import (
	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter/sseutil"
)

// Capability is a bitset of dialect features an adapter understands.
type Capability uint32

const (
	CapStreaming Capability = 1 << iota
	CapTools
	CapVision
	CapMultimodal
	CapSystemPrompt
	CapToolChoice
	CapReasoning
	CapWebSearch
	CapJSONMode
	CapLogprobs
	CapSeed
)

// Has reports whether all bits of c are present in s.
func (s Capability) Has(c Capability) bool { return s&c == c }

// Auth styles: how the upstream expects credentials.
const (
	AuthBearer = "bearer"    // Authorization: Bearer <key>
	AuthHeader = "x-api-key" // x-api-key + anthropic-version headers
	AuthQuery  = "query"     // ?key=<key>
)

// Info carries an adapter's upstream defaults. ChatPath may contain a
// {model} placeholder; StreamChatPath, when set, replaces ChatPath for
// streaming requests (Gemini switches methods between the two).
type Info struct {
	BaseURL        string `json:"base_url"`
	ChatPath       string `json:"chat_path"`
	StreamChatPath string `json:"stream_chat_path,omitempty"`
	ModelsPath     string `json:"models_path"`
	AuthStyle      string `json:"auth_style"`
}

// Adapter translates between one vendor dialect and the neutral form.
// The same adapter serves both directions: the bridge uses the inbound
// side (ParseRequest, BuildResponse, NewStreamBuilder) for the dialect a
// client speaks, and the outbound side (BuildRequest, ParseResponse,
// ParseError, NewStreamParser) for the dialect an upstream speaks.
type Adapter interface {
	Name() string
	Version() string
	Capabilities() Capability
	Info() Info

	ParseRequest(raw []byte) (*relay.Request, error)
	ParseResponse(raw []byte) (*relay.Response, error)
	// ParseError converts a vendor error payload into the neutral error,
	// classifying by the HTTP status when the payload is unhelpful.
	ParseError(status int, raw []byte) *relay.Error

	BuildRequest(req *relay.Request) ([]byte, error)
	BuildResponse(resp *relay.Response) ([]byte, error)
	// BuildError renders the neutral error in this dialect's error body
	// shape, for clients that chose this dialect.
	BuildError(e *relay.Error) []byte

	// NewStreamParser returns a stateful parser turning this dialect's
	// SSE events into neutral stream events.
	NewStreamParser() StreamParser
	// NewStreamBuilder returns a stateful builder serializing neutral
	// stream events into this dialect's SSE events.
	NewStreamBuilder() StreamBuilder
}

// StreamParser consumes one vendor SSE event at a time. Parse returns
// zero or more neutral events. Finish flushes whatever the dialect
// leaves pending at end of stream; dialects without an explicit
// terminator (Gemini) emit their end event here.
type StreamParser interface {
	Parse(ev sseutil.Event) ([]relay.StreamEvent, error)
	Finish() []relay.StreamEvent
}

// StreamBuilder is the inverse of StreamParser: stateful per response,
// it renders neutral stream events in the dialect's SSE wire shape.
// Finalize emits the dialect's terminator ([DONE] for Chat Completions,
// nothing for dialects that close on their terminal event). After an
// error event has been processed, Finalize emits nothing: failure
// terminators are never mixed with success frames.
type StreamBuilder interface {
	Process(ev relay.StreamEvent) ([]sseutil.Event, error)
	Finalize() ([]sseutil.Event, error)
}
