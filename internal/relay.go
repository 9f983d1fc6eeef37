// Package relay defines domain types for the Switchboard routing proxy.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"encoding/json"
)

// --- Message roles ---

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// --- Request IR ---

// Request is the dialect-neutral form of a chat completion request.
// Adapters parse vendor wire formats into this shape and build vendor
// wire formats back out of it; nothing vendor-specific survives here
// except the opaque Extensions payloads.
type Request struct {
	Model    string
	System   string // top-level system prompt, already joined
	Messages []Message
	Tools    []Tool
	// ToolChoice is nil when the client did not constrain tool use.
	ToolChoice *ToolChoice
	Stream     bool
	Gen        GenerationConfig
	// User is the end-user identifier some vendors accept for abuse tracking.
	User     string
	Metadata map[string]string
	// Extensions carries vendor options with no neutral equivalent,
	// keyed by adapter name. Payloads pass through untouched.
	Extensions map[string]json.RawMessage
}

// GenerationConfig bundles the sampling and output knobs shared across
// dialects. Pointer fields distinguish "unset" from zero values.
type GenerationConfig struct {
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	Stop             []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
	N                int
	Seed             *int
	ResponseFormat   json.RawMessage
	Logprobs         *bool
	TopLogprobs      *int
}

// Message is one conversation turn.
type Message struct {
	Role string
	// Content holds plain text. Parts is set instead when the message is
	// multimodal; the two are mutually exclusive.
	Content string
	Parts   []ContentPart
	// Reasoning is the assistant's thinking track when the vendor reports one.
	Reasoning string
	ToolCalls []ToolCall
	// ToolCallID names the call being answered when Role is "tool".
	ToolCallID string
	Name       string
}

// Text returns the textual content of the message, flattening text parts.
func (m *Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var s string
	for _, p := range m.Parts {
		if p.Type == PartText {
			s += p.Text
		}
	}
	return s
}

// Content part types.
const (
	PartText  = "text"
	PartImage = "image"
	PartFile  = "file"
)

// ContentPart is one element of a multimodal message. Images carry
// either a URL or a base64 payload with its media type, never both.
type ContentPart struct {
	Type      string
	Text      string
	URL       string
	MediaType string
	Data      string // base64, no data: prefix
	FileID    string
}

// Tool declares a function the model may call. Parameters is the JSON
// Schema of the arguments, passed through verbatim.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Tool choice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceFunction = "function"
)

// ToolChoice directs how the model may use tools. Name is set only
// when Mode is "function".
type ToolChoice struct {
	Mode string
	Name string
}

// ToolCall is a single function invocation requested by the model.
// Arguments is preserved verbatim: it is a serialized JSON fragment
// that may have arrived split across stream chunks.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// --- Response IR ---

// Finish reasons.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Response is the dialect-neutral form of a completed chat response.
type Response struct {
	ID                string
	Model             string
	Created           int64 // unix seconds
	Choices           []Choice
	Usage             *Usage
	SystemFingerprint string
}

// Choice is one completion alternative.
type Choice struct {
	Index        int
	Message      Message
	FinishReason string
	Logprobs     json.RawMessage
}

// Usage is normalized token accounting. Vendors that report
// input/output pairs are mapped onto prompt/completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Details          UsageDetails
}

// UsageDetails carries the vendor-reported token breakdown.
type UsageDetails struct {
	ReasoningTokens int
	CachedTokens    int
}

// Add folds other into u, keeping the larger cumulative counters.
// Gemini-style streams report usage cumulatively per chunk, so the
// final values win over per-delta sums.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	if other.PromptTokens > u.PromptTokens {
		u.PromptTokens = other.PromptTokens
	}
	if other.CompletionTokens > u.CompletionTokens {
		u.CompletionTokens = other.CompletionTokens
	}
	if other.TotalTokens > u.TotalTokens {
		u.TotalTokens = other.TotalTokens
	}
	if other.Details.ReasoningTokens > u.Details.ReasoningTokens {
		u.Details.ReasoningTokens = other.Details.ReasoningTokens
	}
	if other.Details.CachedTokens > u.Details.CachedTokens {
		u.Details.CachedTokens = other.Details.CachedTokens
	}
}

// --- Stream events ---

// EventKind identifies a stream event variant.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventContent   EventKind = "content"
	EventReasoning EventKind = "reasoning"
	EventToolCall  EventKind = "tool_call"
	EventEnd       EventKind = "end"
	EventError     EventKind = "error"
)

// StreamEvent is one dialect-neutral streaming increment. ID and Model
// identify the response the event belongs to; the remaining fields are
// populated per Kind.
type StreamEvent struct {
	Kind  EventKind
	ID    string
	Model string

	// Delta carries the text increment for EventContent and EventReasoning.
	Delta string
	// ToolCall carries the partial call for EventToolCall.
	ToolCall *ToolCallDelta
	// FinishReason and Usage are set on EventEnd.
	FinishReason string
	Usage        *Usage
	// Err is set on EventError.
	Err *Error
}

// ToolCallDelta is a partial tool call within a stream. The first
// fragment of a call carries ID and Name; later fragments extend
// Arguments at the same Index.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// --- Context keys ---

// Request sources.
const (
	SourceLocal  = "local"
	SourceTunnel = "tunnel"
)

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Source and KeyID are set later by middleware via mutation of the same
// pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Source    string
	KeyID     string
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithSource stores the request source ("local" or "tunnel") in
// the existing requestMeta if present, falling back to new metadata.
func ContextWithSource(ctx context.Context, source string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Source = source
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Source: source})
}

// SourceFromContext extracts the request source, defaulting to local.
func SourceFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil && m.Source != "" {
		return m.Source
	}
	return SourceLocal
}

// ContextWithKeyID stores the authenticated API key id in the existing
// requestMeta if present, falling back to new metadata.
func ContextWithKeyID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.KeyID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{KeyID: id})
}

// KeyIDFromContext extracts the authenticated API key id from context.
func KeyIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.KeyID
	}
	return ""
}

// --- Shared constants ---

// APIKeyPrefix is the prefix for all locally issued API keys.
const APIKeyPrefix = "sk-"

// APIKeyLength is the total length of a generated key string: the
// prefix plus 32 url-safe base64 characters.
const APIKeyLength = len(APIKeyPrefix) + 32
