package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

const providerCols = `id, name, adapter_type, api_key, base_url, chat_path, models_path,
 models, enabled, sort_order, logo, color, passthrough, passthrough_slug,
 is_pool, pool_strategy, oauth_account_id, oauth_provider_type, created_at, updated_at`

// CreateProvider inserts a new provider configuration.
func (s *Store) CreateProvider(ctx context.Context, p *relay.Provider) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (`+providerCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.AdapterType, nullStr(p.APIKeyEnc), p.BaseURL,
		nullStr(p.ChatPath), nullStr(p.ModelsPath), models,
		boolToInt(p.Enabled), p.SortOrder, nullStr(p.Logo), nullStr(p.Color),
		boolToInt(p.Passthrough), nullStr(p.PassthroughSlug),
		boolToInt(p.IsPool), nullStr(p.PoolStrategy),
		nullStr(p.OAuthAccountID), nullStr(p.OAuthProviderType),
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
	)
	return err
}

// GetProvider retrieves a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*relay.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id=?`, id,
	)
	return scanProvider(row)
}

// GetProviderBySlug retrieves a passthrough provider by its slug.
func (s *Store) GetProviderBySlug(ctx context.Context, slug string) (*relay.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE passthrough_slug=?`, slug,
	)
	return scanProvider(row)
}

// ListProviders returns all provider configurations in display order.
func (s *Store) ListProviders(ctx context.Context) ([]*relay.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerCols+` FROM providers ORDER BY sort_order ASC, created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*relay.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a provider configuration.
func (s *Store) UpdateProvider(ctx context.Context, p *relay.Provider) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, adapter_type=?, api_key=?, base_url=?, chat_path=?,
		 models_path=?, models=?, enabled=?, sort_order=?, logo=?, color=?,
		 passthrough=?, passthrough_slug=?, is_pool=?, pool_strategy=?,
		 oauth_account_id=?, oauth_provider_type=?, updated_at=? WHERE id=?`,
		p.Name, p.AdapterType, nullStr(p.APIKeyEnc), p.BaseURL,
		nullStr(p.ChatPath), nullStr(p.ModelsPath), models,
		boolToInt(p.Enabled), p.SortOrder, nullStr(p.Logo), nullStr(p.Color),
		boolToInt(p.Passthrough), nullStr(p.PassthroughSlug),
		boolToInt(p.IsPool), nullStr(p.PoolStrategy),
		nullStr(p.OAuthAccountID), nullStr(p.OAuthProviderType),
		fmtTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider removes a provider configuration.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(s scanner) (*relay.Provider, error) {
	var p relay.Provider
	var apiKey, chatPath, modelsPath, modelsJSON sql.NullString
	var logo, color, slug, poolStrategy, oauthAccount, oauthType sql.NullString
	var enabled, passthrough, isPool int
	var createdAt, updatedAt string

	err := s.Scan(
		&p.ID, &p.Name, &p.AdapterType, &apiKey, &p.BaseURL, &chatPath, &modelsPath,
		&modelsJSON, &enabled, &p.SortOrder, &logo, &color, &passthrough, &slug,
		&isPool, &poolStrategy, &oauthAccount, &oauthType, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.APIKeyEnc = apiKey.String
	p.ChatPath = chatPath.String
	p.ModelsPath = modelsPath.String
	p.Enabled = enabled != 0
	p.Logo = logo.String
	p.Color = color.String
	p.Passthrough = passthrough != 0
	p.PassthroughSlug = slug.String
	p.IsPool = isPool != 0
	p.PoolStrategy = poolStrategy.String
	p.OAuthAccountID = oauthAccount.String
	p.OAuthProviderType = oauthType.String

	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	p.Models = models
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
