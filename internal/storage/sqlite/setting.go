package sqlite

import (
	"context"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

// GetSetting retrieves one setting by key.
func (s *Store) GetSetting(ctx context.Context, key string) (*relay.Setting, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE key=?`, key,
	)
	return scanSetting(row)
}

// ListSettings returns every stored setting.
func (s *Store) ListSettings(ctx context.Context) ([]*relay.Setting, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT key, value, updated_at FROM settings ORDER BY key`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []*relay.Setting
	for rows.Next() {
		st, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

// PutSetting upserts one setting.
func (s *Store) PutSetting(ctx context.Context, st *relay.Setting) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		st.Key, string(st.Value), fmtTime(st.UpdatedAt),
	)
	return err
}

// PutSettings upserts a batch of settings in one transaction.
func (s *Store) PutSettings(ctx context.Context, ss []*relay.Setting) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, st := range ss {
		st.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			st.Key, string(st.Value), fmtTime(now),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanSetting(s scanner) (*relay.Setting, error) {
	var st relay.Setting
	var value, updatedAt string

	err := s.Scan(&st.Key, &value, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	st.Value = []byte(value)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}
