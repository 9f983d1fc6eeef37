package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

const proxyCols = `id, name, inbound_adapter, outbound_kind, outbound_id, proxy_path,
 enabled, sort_order, created_at, updated_at`

// CreateProxy inserts a new bridge proxy after checking its outbound
// chain for cycles.
func (s *Store) CreateProxy(ctx context.Context, p *relay.BridgeProxy) error {
	if err := s.CheckCircular(ctx, p.ID, p.OutboundKind, p.OutboundID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO proxies (`+proxyCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.InboundAdapter, p.OutboundKind, p.OutboundID, p.ProxyPath,
		boolToInt(p.Enabled), p.SortOrder, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
	)
	return err
}

// GetProxy retrieves a bridge proxy by ID.
func (s *Store) GetProxy(ctx context.Context, id string) (*relay.BridgeProxy, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+proxyCols+` FROM proxies WHERE id=?`, id,
	)
	return scanProxy(row)
}

// GetProxyByPath retrieves a bridge proxy by its unique path segment.
func (s *Store) GetProxyByPath(ctx context.Context, path string) (*relay.BridgeProxy, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+proxyCols+` FROM proxies WHERE proxy_path=?`, path,
	)
	return scanProxy(row)
}

// ListProxies returns all bridge proxies in display order.
func (s *Store) ListProxies(ctx context.Context) ([]*relay.BridgeProxy, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+proxyCols+` FROM proxies ORDER BY sort_order ASC, created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []*relay.BridgeProxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

// UpdateProxy updates a bridge proxy after re-checking its outbound
// chain for cycles. A rejected update persists nothing.
func (s *Store) UpdateProxy(ctx context.Context, p *relay.BridgeProxy) error {
	if err := s.CheckCircular(ctx, p.ID, p.OutboundKind, p.OutboundID); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE proxies SET name=?, inbound_adapter=?, outbound_kind=?, outbound_id=?,
		 proxy_path=?, enabled=?, sort_order=?, updated_at=? WHERE id=?`,
		p.Name, p.InboundAdapter, p.OutboundKind, p.OutboundID,
		p.ProxyPath, boolToInt(p.Enabled), p.SortOrder, fmtTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy")
}

// DeleteProxy removes a bridge proxy; model mappings cascade.
func (s *Store) DeleteProxy(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM proxies WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy")
}

// CheckCircular walks the outbound chain breadth-first and rejects any
// walk that revisits proxyID. The walk terminates on a provider
// outbound or a missing id; chains of any acyclic depth pass.
func (s *Store) CheckCircular(ctx context.Context, proxyID, outboundKind, outboundID string) error {
	if outboundKind != relay.OutboundProxy {
		return nil
	}
	visited := make(map[string]bool)
	queue := []string{outboundID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == proxyID {
			return fmt.Errorf("proxy %s: %w", proxyID, relay.ErrCircular)
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		next, err := s.GetProxy(ctx, id)
		if errors.Is(err, relay.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if next.OutboundKind == relay.OutboundProxy {
			queue = append(queue, next.OutboundID)
		}
	}
	return nil
}

func scanProxy(s scanner) (*relay.BridgeProxy, error) {
	var p relay.BridgeProxy
	var enabled int
	var createdAt, updatedAt string

	err := s.Scan(
		&p.ID, &p.Name, &p.InboundAdapter, &p.OutboundKind, &p.OutboundID,
		&p.ProxyPath, &enabled, &p.SortOrder, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Enabled = enabled != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// --- Model mappings ---

// GetMappings returns the model mappings for one proxy, default row
// last.
func (s *Store) GetMappings(ctx context.Context, proxyID string) ([]*relay.ModelMapping, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, proxy_id, source_model, target_model, is_default, created_at
		 FROM model_mappings WHERE proxy_id=? ORDER BY is_default ASC, created_at ASC`,
		proxyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*relay.ModelMapping
	for rows.Next() {
		var m relay.ModelMapping
		var source sql.NullString
		var isDefault int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ProxyID, &source, &m.TargetModel, &isDefault, &createdAt); err != nil {
			return nil, err
		}
		m.SourceModel = source.String
		m.IsDefault = isDefault != 0
		m.CreatedAt = parseTime(createdAt)
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// SetMappings replaces the mapping set for one proxy in a single
// transaction. At most one default row is accepted.
func (s *Store) SetMappings(ctx context.Context, proxyID string, mappings []*relay.ModelMapping) error {
	defaults := 0
	for _, m := range mappings {
		if m.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("proxy %s has %d default mappings: %w", proxyID, defaults, relay.ErrValidation)
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM model_mappings WHERE proxy_id=?`, proxyID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, m := range mappings {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_mappings (id, proxy_id, source_model, target_model, is_default, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, proxyID, nullStr(m.SourceModel), m.TargetModel, boolToInt(m.IsDefault), fmtTime(m.CreatedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
