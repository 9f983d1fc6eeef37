package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
	"github.com/koriley/switchboard/internal/circuitbreaker"
)

const anthropicVersion = "2023-06-01"

// maxErrorBody caps how much of an upstream error payload is kept.
const maxErrorBody = 1 << 20

// fetchState carries per-call state across attempts: which pool
// accounts already failed auth, and whether the single credential
// re-selection has been spent.
type fetchState struct {
	exclude     map[string]bool
	authRetried bool
	attempts    int
}

// fetch performs the upstream call with retry, circuit breaking, and
// pool failover. A returned response always has a 2xx status and an
// open body the caller owns; every other outcome is an error. Retries
// happen only before any response byte has been handed on, so callers
// never see a mid-stream restart.
func (s *Service) fetch(ctx context.Context, rt *Route, endpoint string, payload []byte, model string) (*http.Response, error) {
	pol := s.settings.Retry(ctx)
	delay := pol.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	var retries uint64
	if pol.Enabled && pol.MaxRetries > 0 {
		retries = uint64(pol.MaxRetries)
	}

	st := &fetchState{exclude: make(map[string]bool)}
	var resp *http.Response
	err := retry.Do(ctx, retry.WithMaxRetries(retries, retry.NewExponential(delay)), func(ctx context.Context) error {
		st.attempts++
		if st.attempts > 1 {
			s.metrics.UpstreamRetries.WithLabelValues(rt.Provider.Name).Inc()
			slog.Debug("retrying upstream call",
				"provider", rt.Provider.Name, "attempt", st.attempts)
		}
		r, err := s.once(ctx, rt, endpoint, payload, model, st)
		if err != nil {
			var ue *relay.UpstreamError
			if errors.As(err, &ue) && pol.Retryable(ue.StatusCode) {
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// once is a single upstream attempt: breaker gate, credential pick,
// request, outcome classification. A 401 or 403 served to a pool
// account marks the account and immediately re-tries with the next
// eligible one, at most once per call.
func (s *Service) once(ctx context.Context, rt *Route, endpoint string, payload []byte, model string, st *fetchState) (*http.Response, error) {
	br := s.breaker(ctx, rt.Provider.ID)
	if br != nil && !br.Allow() {
		return nil, fmt.Errorf("provider %s: %w", rt.Provider.Name, relay.ErrCircuitOpen)
	}

	cred, err := s.credential(ctx, rt.Provider, st)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, relay.Errorf(relay.KindServer, "build upstream request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	applyAuth(req, rt.Outbound.Info().AuthStyle, cred.key)

	start := time.Now()
	resp, err := s.client.Do(req)
	s.metrics.UpstreamDuration.WithLabelValues(rt.Provider.Name, model).Observe(time.Since(start).Seconds())
	if err != nil {
		if br != nil && circuitbreaker.CountsAsFailure(err) {
			s.recordFailure(br, rt.Provider)
		}
		s.metrics.UpstreamErrors.WithLabelValues(rt.Provider.Name, "0").Inc()
		return nil, relay.Errorf(relay.KindAPI, "upstream %s: %v", rt.Provider.Name, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if br != nil {
			br.RecordSuccess()
		}
		if cred.account != nil {
			s.pool.MarkSuccess(ctx, cred.account)
		}
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	ue := &relay.UpstreamError{Provider: rt.Provider.Name, StatusCode: resp.StatusCode, Body: body}
	if br != nil && circuitbreaker.CountsAsFailure(ue) {
		s.recordFailure(br, rt.Provider)
	}
	s.metrics.UpstreamErrors.WithLabelValues(rt.Provider.Name, strconv.Itoa(resp.StatusCode)).Inc()

	if cred.account != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		if err := s.pool.MarkFailure(ctx, cred.account, resp.StatusCode, string(body)); err != nil {
			slog.Error("mark oauth account failed", "account", cred.account.ID, "error", err)
		}
		if !st.authRetried {
			st.authRetried = true
			st.exclude[cred.account.ID] = true
			slog.Info("pool account rejected, switching",
				"provider", rt.Provider.Name, "account", cred.account.Email, "status", resp.StatusCode)
			r, rerr := s.once(ctx, rt, endpoint, payload, model, st)
			if rerr != nil && errors.Is(rerr, relay.ErrNoAccount) {
				// No replacement available; the upstream verdict is the
				// more useful error.
				return nil, ue
			}
			return r, rerr
		}
	}
	return nil, ue
}

// breaker returns the provider's breaker configured from current
// settings, or nil when circuit breaking is disabled.
func (s *Service) breaker(ctx context.Context, providerID string) *circuitbreaker.Breaker {
	pol := s.settings.Breaker(ctx)
	if !pol.Enabled {
		return nil
	}
	br := s.breakers.GetOrCreate(providerID)
	br.Configure(circuitbreaker.Config{Threshold: pol.Threshold, ResetTimeout: pol.ResetTimeout})
	return br
}

func (s *Service) recordFailure(br *circuitbreaker.Breaker, p *relay.Provider) {
	before := br.State()
	br.RecordFailure()
	if before != circuitbreaker.StateOpen && br.State() == circuitbreaker.StateOpen {
		s.metrics.BreakerTrips.WithLabelValues(p.Name).Inc()
		slog.Warn("circuit breaker opened", "provider", p.Name)
	}
}

// credential is the secret picked for one attempt. account is set only
// for pool providers.
type credential struct {
	key     string
	account *relay.OAuthAccount
}

// credential picks the secret for one attempt. Pool providers draw
// from the OAuth account pool (or their bound account); everything
// else opens the provider's stored key. A pool token that cannot be
// decrypted poisons its account the same way an upstream 403 would.
func (s *Service) credential(ctx context.Context, p *relay.Provider, st *fetchState) (credential, error) {
	if !p.IsPool {
		if p.APIKeyEnc == "" {
			return credential{}, nil
		}
		key, err := s.vault.Decrypt(p.APIKeyEnc)
		if err != nil {
			return credential{}, relay.Errorf(relay.KindServer, "provider %s: credential cannot be opened", p.Name)
		}
		return credential{key: key}, nil
	}

	account, err := s.selectAccount(ctx, p, st.exclude)
	if err != nil {
		return credential{}, err
	}
	token, err := s.vault.Decrypt(account.AccessTokenEnc)
	if err != nil {
		if mErr := s.pool.MarkFailure(ctx, account, http.StatusForbidden, "access token cannot be decrypted"); mErr != nil {
			slog.Error("mark oauth account failed", "account", account.ID, "error", mErr)
		}
		if !st.authRetried {
			st.authRetried = true
			st.exclude[account.ID] = true
			return s.credential(ctx, p, st)
		}
		return credential{}, fmt.Errorf("oauth account %s: token cannot be opened: %w", account.Email, relay.ErrNoAccount)
	}
	return credential{key: token, account: account}, nil
}

func (s *Service) selectAccount(ctx context.Context, p *relay.Provider, exclude map[string]bool) (*relay.OAuthAccount, error) {
	if p.OAuthAccountID != "" {
		a, err := s.store.GetOAuthAccount(ctx, p.OAuthAccountID)
		if err != nil {
			return nil, err
		}
		if !a.Eligible() || exclude[a.ID] {
			return nil, fmt.Errorf("oauth account %s: %w", a.Email, relay.ErrNoAccount)
		}
		return a, nil
	}
	return s.pool.Select(ctx, p.OAuthProviderType, exclude)
}

// endpointURL joins the provider's endpoint override (or the adapter's
// default) with the chat path, substituting the {model} placeholder.
// Streaming uses the adapter's dedicated stream path when it has one
// and the provider does not override the path.
func endpointURL(p *relay.Provider, info adapter.Info, model string, stream bool) string {
	base := p.BaseURL
	if base == "" {
		base = info.BaseURL
	}
	base = strings.TrimRight(base, "/")

	path := p.ChatPath
	if path == "" {
		path = info.ChatPath
		if stream && info.StreamChatPath != "" {
			path = info.StreamChatPath
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.ReplaceAll(path, "{model}", url.PathEscape(model))
	return base + path
}

// applyAuth injects the credential the way the outbound dialect
// expects. An empty key leaves the request unauthenticated, which is
// what keyless local upstreams want.
func applyAuth(req *http.Request, style, key string) {
	switch style {
	case adapter.AuthHeader:
		if key != "" {
			req.Header.Set("x-api-key", key)
		}
		req.Header.Set("anthropic-version", anthropicVersion)
	case adapter.AuthQuery:
		if key != "" {
			q := req.URL.Query()
			q.Set("key", key)
			req.URL.RawQuery = q.Encode()
		}
	default:
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
}
