package app

import (
	"context"
	"crypto/rand"
	"testing"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
	"github.com/koriley/switchboard/internal/adapter/anthropic"
	"github.com/koriley/switchboard/internal/adapter/gemini"
	"github.com/koriley/switchboard/internal/adapter/openai"
	"github.com/koriley/switchboard/internal/adapter/responses"
	"github.com/koriley/switchboard/internal/testutil"
	"github.com/koriley/switchboard/internal/vault"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	return v
}

func newRegistry() *adapter.Registry {
	reg := adapter.NewRegistry()
	reg.Register(openai.New())
	reg.Register(responses.New())
	reg.Register(anthropic.New())
	reg.Register(gemini.New())
	return reg
}

func encrypt(t *testing.T, v *vault.Vault, plain string) string {
	t.Helper()
	enc, err := v.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return enc
}

func seedProvider(t *testing.T, store *testutil.FakeStore, p *relay.Provider) *relay.Provider {
	t.Helper()
	if err := store.CreateProvider(context.Background(), p); err != nil {
		t.Fatalf("CreateProvider(%s) error = %v", p.ID, err)
	}
	return p
}

func seedProxy(t *testing.T, store *testutil.FakeStore, p *relay.BridgeProxy) *relay.BridgeProxy {
	t.Helper()
	if err := store.CreateProxy(context.Background(), p); err != nil {
		t.Fatalf("CreateProxy(%s) error = %v", p.ID, err)
	}
	return p
}
