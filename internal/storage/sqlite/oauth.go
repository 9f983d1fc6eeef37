package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

const oauthCols = `id, provider_type, email, access_token, refresh_token, expires_at, token_type,
	is_active, health_status, failure_count, last_error, pool_enabled, pool_weight,
	last_used_at, last_refresh_at, metadata, quota, stats, created_at, updated_at`

// CreateOAuthAccount inserts a freshly authorized account.
func (s *Store) CreateOAuthAccount(ctx context.Context, a *relay.OAuthAccount) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	applyHealthRules(a)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO oauth_accounts (`+oauthCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProviderType, a.Email, a.AccessTokenEnc, a.RefreshTokenEnc,
		fmtTime(a.ExpiresAt), a.TokenType,
		boolToInt(a.IsActive), a.HealthStatus, a.FailureCount, nullStr(a.LastError),
		boolToInt(a.PoolEnabled), a.PoolWeight,
		timeToStr(a.LastUsedAt), timeToStr(a.LastRefreshAt),
		nullRaw(a.Metadata), nullRaw(a.Quota), nullRaw(a.Stats),
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
	)
	return err
}

// GetOAuthAccount returns one account by id.
func (s *Store) GetOAuthAccount(ctx context.Context, id string) (*relay.OAuthAccount, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+oauthCols+` FROM oauth_accounts WHERE id = ?`, id)
	a, err := scanOAuthAccount(row)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return a, nil
}

// ListOAuthAccounts returns every account, newest first.
func (s *Store) ListOAuthAccounts(ctx context.Context) ([]*relay.OAuthAccount, error) {
	return s.listOAuth(ctx,
		`SELECT `+oauthCols+` FROM oauth_accounts ORDER BY created_at DESC`)
}

// ListOAuthAccountsByProvider returns accounts of one provider type
// ordered for pool selection: heavier weight first, least recently used
// first within a weight.
func (s *Store) ListOAuthAccountsByProvider(ctx context.Context, providerType string) ([]*relay.OAuthAccount, error) {
	// NULL last_used_at sorts first under ASC, so never-used accounts
	// get picked before recently used ones.
	return s.listOAuth(ctx,
		`SELECT `+oauthCols+` FROM oauth_accounts WHERE provider_type = ?
		 ORDER BY pool_weight DESC, last_used_at ASC, created_at ASC`,
		providerType)
}

func (s *Store) listOAuth(ctx context.Context, query string, args ...any) ([]*relay.OAuthAccount, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.OAuthAccount
	for rows.Next() {
		a, err := scanOAuthAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateOAuthAccount persists the account after normalizing its health
// fields, so callers cannot store a contradictory health state.
func (s *Store) UpdateOAuthAccount(ctx context.Context, a *relay.OAuthAccount) error {
	a.UpdatedAt = time.Now().UTC()
	applyHealthRules(a)
	res, err := s.write.ExecContext(ctx,
		`UPDATE oauth_accounts SET
			email = ?, access_token = ?, refresh_token = ?, expires_at = ?, token_type = ?,
			is_active = ?, health_status = ?, failure_count = ?, last_error = ?,
			pool_enabled = ?, pool_weight = ?, last_used_at = ?, last_refresh_at = ?,
			metadata = ?, quota = ?, stats = ?, updated_at = ?
		 WHERE id = ?`,
		a.Email, a.AccessTokenEnc, a.RefreshTokenEnc, fmtTime(a.ExpiresAt), a.TokenType,
		boolToInt(a.IsActive), a.HealthStatus, a.FailureCount, nullStr(a.LastError),
		boolToInt(a.PoolEnabled), a.PoolWeight,
		timeToStr(a.LastUsedAt), timeToStr(a.LastRefreshAt),
		nullRaw(a.Metadata), nullRaw(a.Quota), nullRaw(a.Stats),
		fmtTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "oauth account")
}

// DeleteOAuthAccount removes an account permanently.
func (s *Store) DeleteOAuthAccount(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM oauth_accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "oauth account")
}

// TouchOAuthAccountUsed stamps last_used_at after the account served a
// request.
func (s *Store) TouchOAuthAccountUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE oauth_accounts SET last_used_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), id)
	return err
}

// applyHealthRules normalizes health fields before every write. The
// failure count never goes negative, three failures or a terminal
// health status deactivate the account, and an active account carries
// no residue from past failures.
func applyHealthRules(a *relay.OAuthAccount) {
	if a.FailureCount < 0 {
		a.FailureCount = 0
	}
	if a.HealthStatus == "" {
		a.HealthStatus = relay.HealthActive
	}
	if a.HealthStatus == relay.HealthExpired || a.HealthStatus == relay.HealthForbidden {
		a.IsActive = false
	}
	if a.FailureCount >= 3 {
		a.IsActive = false
		if a.HealthStatus == relay.HealthActive {
			a.HealthStatus = relay.HealthError
		}
	}
	if a.IsActive && a.HealthStatus == relay.HealthActive {
		a.FailureCount = 0
		a.LastError = ""
	}
}

func scanOAuthAccount(row scanner) (*relay.OAuthAccount, error) {
	var a relay.OAuthAccount
	var isActive, poolEnabled int
	var lastError, lastUsed, lastRefresh, metadata, quota, stats sql.NullString
	var expiresAt, createdAt, updatedAt string
	err := row.Scan(
		&a.ID, &a.ProviderType, &a.Email, &a.AccessTokenEnc, &a.RefreshTokenEnc,
		&expiresAt, &a.TokenType,
		&isActive, &a.HealthStatus, &a.FailureCount, &lastError,
		&poolEnabled, &a.PoolWeight,
		&lastUsed, &lastRefresh, &metadata, &quota, &stats,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.IsActive = isActive != 0
	a.PoolEnabled = poolEnabled != 0
	a.LastError = lastError.String
	a.ExpiresAt = parseTime(expiresAt)
	if lastUsed.Valid {
		t := parseTime(lastUsed.String)
		a.LastUsedAt = &t
	}
	if lastRefresh.Valid {
		t := parseTime(lastRefresh.String)
		a.LastRefreshAt = &t
	}
	a.Metadata = rawJSON(metadata)
	a.Quota = rawJSON(quota)
	a.Stats = rawJSON(stats)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
