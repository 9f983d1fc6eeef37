package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

// GetTunnelConfig returns the single tunnel identity row.
func (s *Store) GetTunnelConfig(ctx context.Context) (*relay.TunnelConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, device_id, tunnel_id, subdomain, domain, credentials, created_at, updated_at
		 FROM tunnel_config LIMIT 1`)

	var c relay.TunnelConfig
	var tunnelID, subdomain, domain, creds sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.DeviceID, &tunnelID, &subdomain, &domain, &creds, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	c.TunnelID = tunnelID.String
	c.Subdomain = subdomain.String
	c.Domain = domain.String
	c.CredentialsEnc = creds.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// PutTunnelConfig upserts the tunnel identity. device_id is unique, so
// repeated saves of the same device update in place.
func (s *Store) PutTunnelConfig(ctx context.Context, c *relay.TunnelConfig) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tunnel_config (id, device_id, tunnel_id, subdomain, domain, credentials, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		 tunnel_id = excluded.tunnel_id, subdomain = excluded.subdomain,
		 domain = excluded.domain, credentials = excluded.credentials,
		 updated_at = excluded.updated_at`,
		c.ID, c.DeviceID, nullStr(c.TunnelID), nullStr(c.Subdomain), nullStr(c.Domain),
		nullStr(c.CredentialsEnc), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	return err
}

// FoldTunnelStats merges one batch of counters into a day's row. The
// latency average stays request-weighted across folds.
func (s *Store) FoldTunnelStats(ctx context.Context, date string, batch relay.TunnelStats) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tunnel_stats (date, requests, bytes_up, bytes_down, errors, avg_latency_ms, unique_ips)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET
		 avg_latency_ms = CASE WHEN requests + excluded.requests > 0
			THEN (avg_latency_ms * requests + excluded.avg_latency_ms * excluded.requests)
				/ (requests + excluded.requests)
			ELSE 0 END,
		 requests = requests + excluded.requests,
		 bytes_up = bytes_up + excluded.bytes_up,
		 bytes_down = bytes_down + excluded.bytes_down,
		 errors = errors + excluded.errors,
		 unique_ips = MAX(unique_ips, excluded.unique_ips)`,
		date, batch.Requests, batch.BytesUp, batch.BytesDown, batch.Errors,
		batch.AvgLatencyMs, batch.UniqueIPs,
	)
	return err
}

// ListTunnelStats returns up to days recent daily rows, newest first.
func (s *Store) ListTunnelStats(ctx context.Context, days int) ([]*relay.TunnelStats, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT date, requests, bytes_up, bytes_down, errors, avg_latency_ms, unique_ips
		 FROM tunnel_stats ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.TunnelStats
	for rows.Next() {
		var st relay.TunnelStats
		err := rows.Scan(&st.Date, &st.Requests, &st.BytesUp, &st.BytesDown,
			&st.Errors, &st.AvgLatencyMs, &st.UniqueIPs)
		if err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// InsertTunnelAccessLog records one tunneled request.
func (s *Store) InsertTunnelAccessLog(ctx context.Context, l *relay.TunnelAccessLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tunnel_access_logs (id, method, path, status, ip, latency_ms, bytes_up, bytes_down, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Method, l.Path, l.Status, nullStr(l.IP), l.LatencyMs,
		l.BytesUp, l.BytesDown, fmtTime(l.CreatedAt),
	)
	return err
}

// ListTunnelAccessLogs returns the most recent access entries.
func (s *Store) ListTunnelAccessLogs(ctx context.Context, limit int) ([]*relay.TunnelAccessLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, method, path, status, ip, latency_ms, bytes_up, bytes_down, created_at
		 FROM tunnel_access_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.TunnelAccessLog
	for rows.Next() {
		var l relay.TunnelAccessLog
		var ip sql.NullString
		var createdAt string
		err := rows.Scan(&l.ID, &l.Method, &l.Path, &l.Status, &ip,
			&l.LatencyMs, &l.BytesUp, &l.BytesDown, &createdAt)
		if err != nil {
			return nil, err
		}
		l.IP = ip.String
		l.CreatedAt = parseTime(createdAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// InsertTunnelSystemLog records one supervisor diagnostic.
func (s *Store) InsertTunnelSystemLog(ctx context.Context, l *relay.TunnelSystemLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tunnel_system_logs (id, level, message, created_at)
		 VALUES (?, ?, ?, ?)`,
		l.ID, l.Level, l.Message, fmtTime(l.CreatedAt),
	)
	return err
}

// ListTunnelSystemLogs returns the most recent supervisor diagnostics.
func (s *Store) ListTunnelSystemLogs(ctx context.Context, limit int) ([]*relay.TunnelSystemLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, level, message, created_at
		 FROM tunnel_system_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.TunnelSystemLog
	for rows.Next() {
		var l relay.TunnelSystemLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.Level, &l.Message, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = parseTime(createdAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}
