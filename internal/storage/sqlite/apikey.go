package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *relay.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key, label, enabled, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.Key, nullStr(key.Label), boolToInt(key.Enabled),
		timeToStr(key.LastUsedAt), fmtTime(key.CreatedAt),
	)
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*relay.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key, label, enabled, last_used_at, created_at
		 FROM api_keys WHERE id=?`, id,
	)
	return scanKey(row)
}

// GetKeyBySecret retrieves an API key by the full sk- string.
func (s *Store) GetKeyBySecret(ctx context.Context, secret string) (*relay.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key, label, enabled, last_used_at, created_at
		 FROM api_keys WHERE key=?`, secret,
	)
	return scanKey(row)
}

// ListKeys returns all API keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*relay.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, key, label, enabled, last_used_at, created_at
		 FROM api_keys ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*relay.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates the mutable fields of an API key. The key string
// itself never changes.
func (s *Store) UpdateKey(ctx context.Context, key *relay.APIKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET label=?, enabled=? WHERE id=?`,
		nullStr(key.Label), boolToInt(key.Enabled), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		fmtTime(time.Now()), id,
	)
	return err
}

func scanKey(s scanner) (*relay.APIKey, error) {
	var k relay.APIKey
	var label, lastUsedAt sql.NullString
	var enabled int
	var createdAt string

	err := s.Scan(&k.ID, &k.Key, &label, &enabled, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Label = label.String
	k.Enabled = enabled != 0
	k.LastUsedAt = timeFromStr(lastUsedAt)
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}
