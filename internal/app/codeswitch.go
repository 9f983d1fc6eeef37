package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
)

var knownCLIs = map[string]bool{
	relay.CLIClaudeCode: true,
	relay.CLICodex:      true,
}

var knownMappingTypes = map[string]bool{
	relay.MappingPrimary:   true,
	relay.MappingFast:      true,
	relay.MappingReasoning: true,
	relay.MappingDefault:   true,
}

// CodeSwitchService manages coding-CLI bindings: which provider a CLI's
// traffic lands on and how its model ids are rewritten.
type CodeSwitchService struct {
	store storage.Store
}

// NewCodeSwitchService returns a CodeSwitchService.
func NewCodeSwitchService(store storage.Store) *CodeSwitchService {
	return &CodeSwitchService{store: store}
}

// Create validates and stores a binding. Each CLI can bind at most one
// provider; the storage layer enforces the uniqueness.
func (s *CodeSwitchService) Create(ctx context.Context, c *relay.CodeSwitchConfig) (*relay.CodeSwitchConfig, error) {
	if err := s.validate(ctx, c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.store.CreateCodeSwitch(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Update rebinds or renames an existing switch.
func (s *CodeSwitchService) Update(ctx context.Context, c *relay.CodeSwitchConfig) (*relay.CodeSwitchConfig, error) {
	existing, err := s.store.GetCodeSwitch(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, c); err != nil {
		return nil, err
	}
	c.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateCodeSwitch(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Toggle flips a binding on or off.
func (s *CodeSwitchService) Toggle(ctx context.Context, id string, enabled bool) (*relay.CodeSwitchConfig, error) {
	c, err := s.store.GetCodeSwitch(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Enabled = enabled
	if err := s.store.UpdateCodeSwitch(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns one binding.
func (s *CodeSwitchService) Get(ctx context.Context, id string) (*relay.CodeSwitchConfig, error) {
	return s.store.GetCodeSwitch(ctx, id)
}

// List returns all bindings.
func (s *CodeSwitchService) List(ctx context.Context) ([]*relay.CodeSwitchConfig, error) {
	return s.store.ListCodeSwitches(ctx)
}

// Delete removes a binding and its mapping history.
func (s *CodeSwitchService) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetCodeSwitch(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteCodeSwitch(ctx, id)
}

// SetMappings replaces the active mapping set for a switch. Prior rows
// are deactivated, not deleted, so history survives.
func (s *CodeSwitchService) SetMappings(ctx context.Context, switchID string, mappings []*relay.CodeModelMapping) ([]*relay.CodeModelMapping, error) {
	sw, err := s.store.GetCodeSwitch(ctx, switchID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(mappings))
	now := time.Now().UTC()
	for _, m := range mappings {
		if m.SourceModel == "" || m.TargetModel == "" {
			return nil, fmt.Errorf("mapping needs source and target models: %w", relay.ErrValidation)
		}
		if m.MappingType == "" {
			m.MappingType = relay.MappingPrimary
		}
		if !knownMappingTypes[m.MappingType] {
			return nil, fmt.Errorf("mapping type %q: %w", m.MappingType, relay.ErrValidation)
		}
		key := m.SourceModel + "\x00" + m.MappingType
		if seen[key] {
			return nil, fmt.Errorf("duplicate mapping for %s (%s): %w", m.SourceModel, m.MappingType, relay.ErrValidation)
		}
		seen[key] = true
		if m.ID == "" {
			m.ID = uuid.Must(uuid.NewV7()).String()
		}
		m.CodeSwitchID = sw.ID
		m.ProviderID = sw.ProviderID
		m.Active = true
		m.CreatedAt = now
	}
	if err := s.store.SetCodeMappings(ctx, sw.ID, mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

// ActiveMappings returns the switch's current mapping set.
func (s *CodeSwitchService) ActiveMappings(ctx context.Context, switchID string) ([]*relay.CodeModelMapping, error) {
	if _, err := s.store.GetCodeSwitch(ctx, switchID); err != nil {
		return nil, err
	}
	return s.store.ActiveCodeMappings(ctx, switchID)
}

func (s *CodeSwitchService) validate(ctx context.Context, c *relay.CodeSwitchConfig) error {
	if !knownCLIs[c.CLI] {
		return fmt.Errorf("unknown cli %q: %w", c.CLI, relay.ErrValidation)
	}
	if c.ProviderID == "" {
		return fmt.Errorf("provider is required: %w", relay.ErrValidation)
	}
	if _, err := s.store.GetProvider(ctx, c.ProviderID); err != nil {
		return err
	}
	return nil
}
