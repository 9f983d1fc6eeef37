package sqlite

import (
	"context"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

// CreateCodeSwitch inserts a CLI binding. The cli column is unique, so
// a second binding for the same CLI fails.
func (s *Store) CreateCodeSwitch(ctx context.Context, c *relay.CodeSwitchConfig) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO code_switch_configs (id, cli, provider_id, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.CLI, c.ProviderID, boolToInt(c.Enabled),
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	return err
}

// GetCodeSwitch returns one binding by id.
func (s *Store) GetCodeSwitch(ctx context.Context, id string) (*relay.CodeSwitchConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, cli, provider_id, enabled, created_at, updated_at
		 FROM code_switch_configs WHERE id = ?`, id)
	c, err := scanCodeSwitch(row)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return c, nil
}

// GetCodeSwitchByCLI returns the binding for one CLI name.
func (s *Store) GetCodeSwitchByCLI(ctx context.Context, cli string) (*relay.CodeSwitchConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, cli, provider_id, enabled, created_at, updated_at
		 FROM code_switch_configs WHERE cli = ?`, cli)
	c, err := scanCodeSwitch(row)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return c, nil
}

// ListCodeSwitches returns all CLI bindings.
func (s *Store) ListCodeSwitches(ctx context.Context) ([]*relay.CodeSwitchConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, cli, provider_id, enabled, created_at, updated_at
		 FROM code_switch_configs ORDER BY cli ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.CodeSwitchConfig
	for rows.Next() {
		c, err := scanCodeSwitch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCodeSwitch persists provider and enabled changes.
func (s *Store) UpdateCodeSwitch(ctx context.Context, c *relay.CodeSwitchConfig) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.write.ExecContext(ctx,
		`UPDATE code_switch_configs SET provider_id = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		c.ProviderID, boolToInt(c.Enabled), fmtTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "code switch")
}

// DeleteCodeSwitch removes a binding; its mappings cascade.
func (s *Store) DeleteCodeSwitch(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM code_switch_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "code switch")
}

// SetCodeMappings replaces the active mapping set of one binding. Prior
// rows are deactivated, not deleted; a re-specified key is updated in
// place and reactivated.
func (s *Store) SetCodeMappings(ctx context.Context, switchID string, mappings []*relay.CodeModelMapping) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE code_model_mappings SET active = 0 WHERE code_switch_id = ?`, switchID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, m := range mappings {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.CodeSwitchID = switchID
		m.Active = true
		_, err = tx.ExecContext(ctx,
			`INSERT INTO code_model_mappings
			 (id, code_switch_id, provider_id, source_model, target_model, mapping_type, active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 1, ?)
			 ON CONFLICT(code_switch_id, provider_id, source_model, mapping_type) DO UPDATE SET
			 target_model = excluded.target_model, active = 1`,
			m.ID, m.CodeSwitchID, m.ProviderID, m.SourceModel, m.TargetModel,
			m.MappingType, fmtTime(m.CreatedAt),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ActiveCodeMappings returns the live mapping set of one binding.
func (s *Store) ActiveCodeMappings(ctx context.Context, switchID string) ([]*relay.CodeModelMapping, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, code_switch_id, provider_id, source_model, target_model, mapping_type, active, created_at
		 FROM code_model_mappings WHERE code_switch_id = ? AND active = 1
		 ORDER BY created_at ASC, id ASC`, switchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.CodeModelMapping
	for rows.Next() {
		var m relay.CodeModelMapping
		var active int
		var createdAt string
		err := rows.Scan(&m.ID, &m.CodeSwitchID, &m.ProviderID, &m.SourceModel,
			&m.TargetModel, &m.MappingType, &active, &createdAt)
		if err != nil {
			return nil, err
		}
		m.Active = active != 0
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanCodeSwitch(row scanner) (*relay.CodeSwitchConfig, error) {
	var c relay.CodeSwitchConfig
	var enabled int
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.CLI, &c.ProviderID, &enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
