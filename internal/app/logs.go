package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
)

// LogService exposes request-log queries, aggregates, export, and
// retention enforcement.
type LogService struct {
	store storage.RequestLogStore
}

// NewLogService returns a LogService backed by store.
func NewLogService(store storage.RequestLogStore) *LogService {
	return &LogService{store: store}
}

// Query pages the log listing, newest first.
func (s *LogService) Query(ctx context.Context, q storage.LogQuery) ([]*relay.RequestLog, int64, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.store.QueryRequestLogs(ctx, q)
}

// Get returns one log row with its stored bodies.
func (s *LogService) Get(ctx context.Context, id string) (*relay.RequestLog, error) {
	return s.store.GetRequestLog(ctx, id)
}

// Stats aggregates the window starting at since.
func (s *LogService) Stats(ctx context.Context, since time.Time) (*storage.LogStats, error) {
	return s.store.RequestLogStats(ctx, since)
}

// TimeSeries buckets the window by hour (windows up to 48h) or by day.
func (s *LogService) TimeSeries(ctx context.Context, since time.Time) ([]storage.TimeSeriesPoint, error) {
	byHour := time.Since(since) <= 48*time.Hour
	return s.store.RequestLogTimeSeries(ctx, since, byHour)
}

// Export formats: "json" or "csv".
const (
	ExportJSON = "json"
	ExportCSV  = "csv"
)

// Export serializes every row matching q. The second return value is
// the content type to serve.
func (s *LogService) Export(ctx context.Context, q storage.LogQuery, format string) ([]byte, string, error) {
	q.Offset = 0
	q.Limit = 10_000
	rows, _, err := s.store.QueryRequestLogs(ctx, q)
	if err != nil {
		return nil, "", err
	}
	switch format {
	case ExportJSON, "":
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	case ExportCSV:
		return exportCSV(rows)
	default:
		return nil, "", fmt.Errorf("unknown export format %q: %w", format, relay.ErrValidation)
	}
}

func exportCSV(rows []*relay.RequestLog) ([]byte, string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{
		"id", "created_at", "proxy_path", "source_model", "target_model",
		"status_code", "input_tokens", "output_tokens", "latency_ms", "source", "error",
	}
	if err := w.Write(header); err != nil {
		return nil, "", err
	}
	for _, l := range rows {
		rec := []string{
			l.ID,
			l.CreatedAt.UTC().Format(time.RFC3339),
			l.ProxyPath,
			l.SourceModel,
			l.TargetModel,
			strconv.Itoa(l.StatusCode),
			strconv.Itoa(l.InputTokens),
			strconv.Itoa(l.OutputTokens),
			strconv.Itoa(l.LatencyMs),
			l.Source,
			l.Error,
		}
		if err := w.Write(rec); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "text/csv", nil
}

// Clear drops every log row and returns the count removed.
func (s *LogService) Clear(ctx context.Context) (int64, error) {
	return s.store.ClearRequestLogs(ctx)
}

// Cleanup applies the retention policy: rows older than retentionDays
// go first, then the oldest rows beyond maxEntries. Zero values skip
// the respective bound.
func (s *LogService) Cleanup(ctx context.Context, retentionDays, maxEntries int) (int64, error) {
	var cutoff time.Time
	if retentionDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -retentionDays)
	}
	return s.store.PruneRequestLogs(ctx, cutoff, maxEntries)
}
