// Package app implements the admin-facing application services: CRUD
// and lifecycle logic for providers, proxies, keys, logs, chat
// conversations, code-switch bindings, and config transfer. Handlers in
// the server package stay thin; the rules live here.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
)

// KeyInvalidator evicts a cached credential after an admin mutation.
type KeyInvalidator interface {
	InvalidateKey(id string)
}

// KeyService manages the unified API key lifecycle.
type KeyService struct {
	store storage.APIKeyStore
	cache KeyInvalidator // nil when no auth cache is wired
}

// NewKeyService returns a KeyService backed by store.
func NewKeyService(store storage.APIKeyStore, cache KeyInvalidator) *KeyService {
	return &KeyService{store: store, cache: cache}
}

// Create generates a fresh sk- key and stores it. The full secret is
// returned exactly once, on the created record.
func (s *KeyService) Create(ctx context.Context, label string) (*relay.APIKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	key := &relay.APIKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Key:       relay.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw),
		Label:     label,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// List returns every key, newest first.
func (s *KeyService) List(ctx context.Context) ([]*relay.APIKey, error) {
	return s.store.ListKeys(ctx)
}

// Toggle enables or disables a key.
func (s *KeyService) Toggle(ctx context.Context, id string, enabled bool) (*relay.APIKey, error) {
	key, err := s.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	key.Enabled = enabled
	if err := s.store.UpdateKey(ctx, key); err != nil {
		return nil, err
	}
	s.evict(id)
	return key, nil
}

// Rename changes a key's label.
func (s *KeyService) Rename(ctx context.Context, id, label string) (*relay.APIKey, error) {
	if label == "" {
		return nil, fmt.Errorf("label is required: %w", relay.ErrValidation)
	}
	key, err := s.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	key.Label = label
	if err := s.store.UpdateKey(ctx, key); err != nil {
		return nil, err
	}
	s.evict(id)
	return key, nil
}

// Delete removes a key permanently.
func (s *KeyService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	s.evict(id)
	return nil
}

func (s *KeyService) evict(id string) {
	if s.cache != nil {
		s.cache.InvalidateKey(id)
	}
}
