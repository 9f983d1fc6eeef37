package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestContextWithRequestID_RequestIDFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
	}{
		{name: "non-empty", id: "req-abc-123"},
		{name: "empty string", id: ""},
		{name: "uuid-like", id: "018f1b2c-3d4e-7a5b-8c9d-0e1f2a3b4c5d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := ContextWithRequestID(context.Background(), tt.id)
			if got := RequestIDFromContext(ctx); got != tt.id {
				t.Errorf("RequestIDFromContext = %q, want %q", got, tt.id)
			}
		})
	}

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		if got := RequestIDFromContext(context.Background()); got != "" {
			t.Errorf("RequestIDFromContext on bare ctx = %q, want empty", got)
		}
	})
}

func TestContextWithSource_MutatesExistingMeta(t *testing.T) {
	t.Parallel()

	// Simulate middleware: requestID set first, source added later.
	ctx := ContextWithRequestID(context.Background(), "req-xyz")
	ctx2 := ContextWithSource(ctx, SourceTunnel)
	// Same context pointer (no new WithValue).
	if ctx2 != ctx {
		t.Error("ContextWithSource should return same ctx when meta already present")
	}
	if got := SourceFromContext(ctx2); got != SourceTunnel {
		t.Errorf("SourceFromContext = %q, want %q", got, SourceTunnel)
	}
	// Request ID must still be intact.
	if got := RequestIDFromContext(ctx2); got != "req-xyz" {
		t.Errorf("RequestIDFromContext after ContextWithSource = %q, want req-xyz", got)
	}
}

func TestSourceFromContext_DefaultsToLocal(t *testing.T) {
	t.Parallel()

	if got := SourceFromContext(context.Background()); got != SourceLocal {
		t.Errorf("SourceFromContext on bare ctx = %q, want %q", got, SourceLocal)
	}
	ctx := ContextWithRequestID(context.Background(), "r1")
	if got := SourceFromContext(ctx); got != SourceLocal {
		t.Errorf("SourceFromContext with unset source = %q, want %q", got, SourceLocal)
	}
}

func TestContextWithKeyID_KeyIDFromContext(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestID(context.Background(), "r1")
	ctx = ContextWithKeyID(ctx, "key-1")
	if got := KeyIDFromContext(ctx); got != "key-1" {
		t.Errorf("KeyIDFromContext = %q, want key-1", got)
	}

	bare := ContextWithKeyID(context.Background(), "key-2")
	if got := KeyIDFromContext(bare); got != "key-2" {
		t.Errorf("KeyIDFromContext on fresh meta = %q, want key-2", got)
	}
	if got := KeyIDFromContext(context.Background()); got != "" {
		t.Errorf("KeyIDFromContext on bare ctx = %q, want empty", got)
	}
}

func TestMessage_Text(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{name: "plain content", msg: Message{Content: "hello"}, want: "hello"},
		{name: "empty", msg: Message{}, want: ""},
		{
			name: "text parts joined",
			msg: Message{Parts: []ContentPart{
				{Type: PartText, Text: "a"},
				{Type: PartImage, URL: "https://example.com/x.png"},
				{Type: PartText, Text: "b"},
			}},
			want: "ab",
		},
		{
			name: "content wins over parts",
			msg:  Message{Content: "c", Parts: []ContentPart{{Type: PartText, Text: "ignored"}}},
			want: "c",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUsage_Add(t *testing.T) {
	t.Parallel()

	t.Run("cumulative counters keep the max", func(t *testing.T) {
		t.Parallel()
		u := Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}
		u.Add(&Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
		if u.CompletionTokens != 5 || u.TotalTokens != 15 || u.PromptTokens != 10 {
			t.Errorf("after Add: %+v", u)
		}
		u.Add(&Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4})
		if u.CompletionTokens != 5 || u.TotalTokens != 15 {
			t.Errorf("Add regressed counters: %+v", u)
		}
	})

	t.Run("nil other is a no-op", func(t *testing.T) {
		t.Parallel()
		u := Usage{PromptTokens: 1}
		u.Add(nil)
		if u.PromptTokens != 1 {
			t.Errorf("Add(nil) changed usage: %+v", u)
		}
	})

	t.Run("details folded", func(t *testing.T) {
		t.Parallel()
		var u Usage
		u.Add(&Usage{Details: UsageDetails{ReasoningTokens: 7, CachedTokens: 3}})
		if u.Details.ReasoningTokens != 7 || u.Details.CachedTokens != 3 {
			t.Errorf("details not folded: %+v", u.Details)
		}
	})
}

func TestErrorKind_HTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind ErrorKind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuthentication, http.StatusUnauthorized},
		{KindPermission, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindRateLimit, http.StatusTooManyRequests},
		{KindAPI, http.StatusBadGateway},
		{KindServer, http.StatusInternalServerError},
		{KindUnknown, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			if got := tt.kind.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestKindFromStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   ErrorKind
	}{
		{400, KindValidation},
		{401, KindAuthentication},
		{403, KindPermission},
		{404, KindNotFound},
		{429, KindRateLimit},
		{402, KindAPI},
		{500, KindAPI},
		{503, KindAPI},
		{200, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			t.Parallel()
			if got := KindFromStatus(tt.status); got != tt.want {
				t.Errorf("KindFromStatus(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestAsError(t *testing.T) {
	t.Parallel()

	t.Run("passes through *Error", func(t *testing.T) {
		t.Parallel()
		orig := Errorf(KindRateLimit, "slow down")
		wrapped := fmt.Errorf("request failed: %w", orig)
		if got := AsError(wrapped); got != orig {
			t.Errorf("AsError did not unwrap to original: %v", got)
		}
	})

	t.Run("maps sentinels", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			err  error
			want ErrorKind
		}{
			{ErrNotFound, KindNotFound},
			{ErrUnauthorized, KindAuthentication},
			{ErrForbidden, KindPermission},
			{ErrRateLimited, KindRateLimit},
			{ErrValidation, KindValidation},
			{fmt.Errorf("update proxy: %w", ErrCircular), KindValidation},
			{ErrCircuitOpen, KindAPI},
			{ErrNoAccount, KindAPI},
			{errors.New("boom"), KindServer},
		}
		for _, tt := range tests {
			if got := AsError(tt.err); got.Kind != tt.want {
				t.Errorf("AsError(%v).Kind = %s, want %s", tt.err, got.Kind, tt.want)
			}
		}
	})
}

func TestError_Error(t *testing.T) {
	t.Parallel()

	e := &Error{Kind: KindAPI, Message: "bad gateway", Code: "upstream_error"}
	if got := e.Error(); got != "api: bad gateway (code upstream_error)" {
		t.Errorf("Error() = %q", got)
	}
	e2 := &Error{Kind: KindServer, Message: "boom"}
	if got := e2.Error(); got != "server: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestUpstreamError_Temporary(t *testing.T) {
	t.Parallel()

	for _, status := range []int{429, 500, 502, 503, 504} {
		e := &UpstreamError{Provider: "openai", StatusCode: status}
		if !e.Temporary() {
			t.Errorf("Temporary() = false for status %d, want true", status)
		}
	}
	for _, status := range []int{400, 401, 403, 404, 501} {
		e := &UpstreamError{Provider: "openai", StatusCode: status}
		if e.Temporary() {
			t.Errorf("Temporary() = true for status %d, want false", status)
		}
	}
}

func TestAPIKey_MaskedKey(t *testing.T) {
	t.Parallel()

	k := &APIKey{Key: "sk-AbCdEfGhIjKlMnOpQrStUvWxYz012345"}
	got := k.MaskedKey()
	if got != "sk-AbCd...2345" {
		t.Errorf("MaskedKey() = %q", got)
	}

	short := &APIKey{Key: "sk-ab"}
	if got := short.MaskedKey(); got != "sk-ab" {
		t.Errorf("MaskedKey() on short key = %q, want unchanged", got)
	}
}

func TestOAuthAccount_Eligible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		acct OAuthAccount
		want bool
	}{
		{"active pooled", OAuthAccount{IsActive: true, PoolEnabled: true, HealthStatus: HealthActive}, true},
		{"inactive", OAuthAccount{IsActive: false, PoolEnabled: true, HealthStatus: HealthActive}, false},
		{"pool disabled", OAuthAccount{IsActive: true, PoolEnabled: false, HealthStatus: HealthActive}, false},
		{"rate limited", OAuthAccount{IsActive: true, PoolEnabled: true, HealthStatus: HealthRateLimited}, false},
		{"expired", OAuthAccount{IsActive: true, PoolEnabled: true, HealthStatus: HealthExpired}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.acct.Eligible(); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}
