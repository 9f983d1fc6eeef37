package tunnel

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/koriley/switchboard/internal"
)

// Record persists one tunneled request and folds it into today's
// daily counters. Called by the HTTP layer for requests tagged with
// the tunnel source; failures are logged and dropped so accounting
// never affects the request itself.
func (s *Supervisor) Record(ctx context.Context, l *relay.TunnelAccessLog) {
	if l.ID == "" {
		l.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.store.InsertTunnelAccessLog(ctx, l); err != nil {
		slog.Warn("tunnel access log write failed", "error", err)
		return
	}

	date := time.Now().UTC().Format("2006-01-02")
	batch := relay.TunnelStats{
		Date:         date,
		Requests:     1,
		BytesUp:      l.BytesUp,
		BytesDown:    l.BytesDown,
		AvgLatencyMs: float64(l.LatencyMs),
		UniqueIPs:    s.countIP(date, l.IP),
	}
	if l.Status >= 400 {
		batch.Errors = 1
	}
	if err := s.store.FoldTunnelStats(ctx, date, batch); err != nil {
		slog.Warn("tunnel stats fold failed", "error", err)
	}
}

// countIP tracks distinct source addresses for the given day and
// returns the running count. The set resets when the day rolls over;
// uniqueness is per process lifetime within a day, which matches the
// daily row the fold maintains.
func (s *Supervisor) countIP(date, ip string) int64 {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipDate != date {
		s.ipDate = date
		s.ipSeen = make(map[string]struct{})
	}
	if ip != "" {
		s.ipSeen[ip] = struct{}{}
	}
	return int64(len(s.ipSeen))
}
