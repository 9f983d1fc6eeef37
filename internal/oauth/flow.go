package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/vault"
)

// Flow runs one interactive authorization for a provider: loopback
// listener up, browser out, code exchanged, tokens sealed and stored.
type Flow struct {
	Provider Provider
	Store    storage.OAuthStore
	Vault    *vault.Vault

	// OpenBrowser launches the authorization URL. Nil uses the system
	// browser.
	OpenBrowser func(url string) error

	// Listener overrides the loopback listener. Nil binds the
	// provider's registered callback address.
	Listener net.Listener

	// Timeout bounds the wait for the callback. Zero means 10 minutes.
	Timeout time.Duration
}

// Authorize performs the full dance and returns the stored account.
// Re-authorizing an email that already has an account replaces its
// tokens instead of creating a duplicate.
func (f *Flow) Authorize(ctx context.Context) (*relay.OAuthAccount, error) {
	state, err := NewState()
	if err != nil {
		return nil, err
	}
	var pkce *PKCE
	if f.Provider.UsesPKCE() {
		pkce = NewPKCE()
	}

	ln := f.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", f.Provider.CallbackAddr())
		if err != nil {
			return nil, fmt.Errorf("oauth: bind callback listener: %w", err)
		}
	}
	cs := newCallbackServer(ln, state, f.Provider.CallbackPaths())
	defer cs.close()

	open := f.OpenBrowser
	if open == nil {
		open = openBrowser
	}
	if err := open(f.Provider.AuthorizeURL(state, pkce)); err != nil {
		return nil, fmt.Errorf("oauth: open browser: %w", err)
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = callbackWait
	}
	code, err := cs.wait(ctx, timeout)
	if err != nil {
		return nil, err
	}

	tok, ident, err := f.Provider.Exchange(ctx, code, pkce)
	if err != nil {
		return nil, err
	}
	return f.saveAccount(ctx, tok, ident)
}

// saveAccount seals the tokens and upserts the account by email.
func (f *Flow) saveAccount(ctx context.Context, tok *Token, ident *Identity) (*relay.OAuthAccount, error) {
	accessEnc, err := f.Vault.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("oauth: seal access token: %w", err)
	}
	refreshEnc := ""
	if tok.RefreshToken != "" {
		if refreshEnc, err = f.Vault.Encrypt(tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("oauth: seal refresh token: %w", err)
		}
	}
	var metadata json.RawMessage
	if len(ident.Metadata) > 0 {
		if metadata, err = json.Marshal(ident.Metadata); err != nil {
			return nil, fmt.Errorf("oauth: encode metadata: %w", err)
		}
	}

	existing, err := f.Store.ListOAuthAccountsByProvider(ctx, f.Provider.Type())
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.Email != ident.Email {
			continue
		}
		a.AccessTokenEnc = accessEnc
		if refreshEnc != "" {
			a.RefreshTokenEnc = refreshEnc
		}
		a.ExpiresAt = tok.ExpiresAt
		a.TokenType = tok.TokenType
		a.IsActive = true
		a.HealthStatus = relay.HealthActive
		a.FailureCount = 0
		a.LastError = ""
		if metadata != nil {
			a.Metadata = metadata
		}
		if err := f.Store.UpdateOAuthAccount(ctx, a); err != nil {
			return nil, err
		}
		return a, nil
	}

	now := time.Now().UTC()
	account := &relay.OAuthAccount{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ProviderType:    f.Provider.Type(),
		Email:           ident.Email,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       tok.ExpiresAt,
		TokenType:       tok.TokenType,
		IsActive:        true,
		HealthStatus:    relay.HealthActive,
		PoolEnabled:     true,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.Store.CreateOAuthAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// openBrowser launches the platform browser for url.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
