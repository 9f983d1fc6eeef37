// Package tokencount estimates token counts for usage accounting when
// an upstream omits them. Uses a character-based heuristic (~4 chars
// per token for English), which is sufficient for log statistics. Can
// be replaced with tiktoken for exact counts if needed.
package tokencount

import (
	relay "github.com/koriley/switchboard/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the prompt token count for a request.
// Accounts for per-message overhead (role, formatting) the way
// GPT-family tokenizers bill it.
func (c *Counter) EstimateRequest(req *relay.Request) int {
	total := estimateTokens(req.System)
	for i := range req.Messages {
		m := &req.Messages[i]
		total += messageOverhead
		total += estimateTokens(m.Role)
		total += estimateTokens(m.Text())
		if m.Name != "" {
			total += estimateTokens(m.Name) + 1 // name costs 1 extra token
		}
		for _, tc := range m.ToolCalls {
			total += estimateTokens(tc.Name) + estimateTokens(tc.Arguments)
		}
		if m.ToolCallID != "" {
			total += estimateTokens(m.ToolCallID)
		}
	}
	for _, t := range req.Tools {
		total += estimateTokens(t.Name) + estimateTokens(t.Description)
		total += estimateTokens(string(t.Parameters))
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// EstimateResponse estimates the completion token count of a response,
// summing content, reasoning, and tool-call arguments across choices.
func (c *Counter) EstimateResponse(resp *relay.Response) int {
	total := 0
	for i := range resp.Choices {
		m := &resp.Choices[i].Message
		total += estimateTokens(m.Text())
		total += estimateTokens(m.Reasoning)
		for _, tc := range m.ToolCalls {
			total += estimateTokens(tc.Name) + estimateTokens(tc.Arguments)
		}
	}
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// CountLen estimates tokens for text of the given byte length, for
// callers that accumulate length without retaining the text. Zero
// length means zero tokens, unlike CountText.
func (c *Counter) CountLen(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// estimateTokens uses the ~4 characters per token heuristic, a
// reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// messageOverhead is the per-message token overhead. GPT-4o and newer
// bill 4 tokens per message.
const messageOverhead = 4
