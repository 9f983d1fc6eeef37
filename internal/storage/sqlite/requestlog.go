package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
)

const requestLogCols = `id, proxy_id, proxy_path, source_model, target_model, status_code,
	input_tokens, output_tokens, latency_ms, request_body, response_body, error, source, created_at`

// InsertRequestLog appends one completed request record.
func (s *Store) InsertRequestLog(ctx context.Context, l *relay.RequestLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_logs (`+requestLogCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, nullStr(l.ProxyID), l.ProxyPath, nullStr(l.SourceModel), nullStr(l.TargetModel),
		l.StatusCode, l.InputTokens, l.OutputTokens, l.LatencyMs,
		nullStr(l.RequestBody), nullStr(l.ResponseBody), nullStr(l.Error),
		l.Source, fmtTime(l.CreatedAt),
	)
	return err
}

// GetRequestLog returns one log entry by id.
func (s *Store) GetRequestLog(ctx context.Context, id string) (*relay.RequestLog, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+requestLogCols+` FROM request_logs WHERE id = ?`, id)
	l, err := scanRequestLog(row)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return l, nil
}

// QueryRequestLogs returns one page of log entries plus the total count
// matching the same filter.
func (s *Store) QueryRequestLogs(ctx context.Context, q storage.LogQuery) ([]*relay.RequestLog, int64, error) {
	where, args := logWhere(q)

	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs`+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	pageArgs := append(args, limit, q.Offset)
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+requestLogCols+` FROM request_logs`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*relay.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

func logWhere(q storage.LogQuery) (string, []any) {
	var clauses []string
	var args []any
	if q.ProxyID != "" {
		clauses = append(clauses, "proxy_id = ?")
		args = append(args, q.ProxyID)
	}
	if q.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, q.Source)
	}
	switch q.Status {
	case "success":
		clauses = append(clauses, "status_code BETWEEN 200 AND 299")
	case "error":
		clauses = append(clauses, "(status_code < 200 OR status_code > 299)")
	}
	if q.Model != "" {
		clauses = append(clauses, "(source_model = ? OR target_model = ?)")
		args = append(args, q.Model, q.Model)
	}
	if q.Search != "" {
		like := "%" + q.Search + "%"
		clauses = append(clauses, "(proxy_path LIKE ? OR source_model LIKE ? OR target_model LIKE ? OR error LIKE ?)")
		args = append(args, like, like, like, like)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, fmtTime(q.Since))
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, fmtTime(q.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// RequestLogStats aggregates counts, tokens and latency since the given time.
func (s *Store) RequestLogStats(ctx context.Context, since time.Time) (*storage.LogStats, error) {
	var st storage.LogStats
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status_code BETWEEN 200 AND 299 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status_code < 200 OR status_code > 299 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM request_logs WHERE created_at >= ?`, fmtTime(since),
	).Scan(&st.TotalRequests, &st.SuccessCount, &st.ErrorCount,
		&st.TotalInputTokens, &st.TotalOutputTokens, &st.AvgLatencyMs)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// RequestLogTimeSeries buckets request counts per hour or per day since
// the given time, oldest bucket first.
func (s *Store) RequestLogTimeSeries(ctx context.Context, since time.Time, byHour bool) ([]storage.TimeSeriesPoint, error) {
	bucket := `strftime('%Y-%m-%d', created_at)`
	if byHour {
		bucket = `strftime('%Y-%m-%d %H:00', created_at)`
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+bucket+` AS bucket,
		        COUNT(*),
		        COALESCE(SUM(CASE WHEN status_code < 200 OR status_code > 299 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM request_logs WHERE created_at >= ?
		 GROUP BY bucket ORDER BY bucket ASC`, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TimeSeriesPoint
	for rows.Next() {
		var p storage.TimeSeriesPoint
		if err := rows.Scan(&p.Bucket, &p.Requests, &p.Errors,
			&p.InputTokens, &p.OutputTokens, &p.AvgLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearRequestLogs deletes all log entries and reports how many went.
func (s *Store) ClearRequestLogs(ctx context.Context) (int64, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM request_logs`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneRequestLogs enforces the retention policy: entries older than
// olderThan go first, then the oldest entries beyond maxEntries. Either
// bound may be disabled with a zero value.
func (s *Store) PruneRequestLogs(ctx context.Context, olderThan time.Time, maxEntries int) (int64, error) {
	var pruned int64
	if !olderThan.IsZero() {
		res, err := s.write.ExecContext(ctx,
			`DELETE FROM request_logs WHERE created_at < ?`, fmtTime(olderThan))
		if err != nil {
			return pruned, err
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	if maxEntries > 0 {
		res, err := s.write.ExecContext(ctx,
			`DELETE FROM request_logs WHERE id IN (
			   SELECT id FROM request_logs ORDER BY created_at DESC LIMIT -1 OFFSET ?)`, maxEntries)
		if err != nil {
			return pruned, err
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	return pruned, nil
}

func scanRequestLog(row scanner) (*relay.RequestLog, error) {
	var l relay.RequestLog
	var proxyID, sourceModel, targetModel, reqBody, respBody, errMsg sql.NullString
	var createdAt string
	err := row.Scan(
		&l.ID, &proxyID, &l.ProxyPath, &sourceModel, &targetModel, &l.StatusCode,
		&l.InputTokens, &l.OutputTokens, &l.LatencyMs,
		&reqBody, &respBody, &errMsg, &l.Source, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	l.ProxyID = proxyID.String
	l.SourceModel = sourceModel.String
	l.TargetModel = targetModel.String
	l.RequestBody = reqBody.String
	l.ResponseBody = respBody.String
	l.Error = errMsg.String
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}
