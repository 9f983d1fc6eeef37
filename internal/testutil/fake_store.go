// Package testutil provides configurable test fakes for storage and
// upstream endpoints.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store. It mirrors
// the repository semantics service code depends on: list orderings,
// not-found sentinels, OAuth health normalization, and the proxy cycle
// check.
type FakeStore struct {
	mu sync.RWMutex

	providers map[string]*relay.Provider
	proxies   map[string]*relay.BridgeProxy
	mappings  map[string][]*relay.ModelMapping // keyed by proxy id
	keys      map[string]*relay.APIKey
	settings  map[string]*relay.Setting
	logs      []*relay.RequestLog
	convos    map[string]*relay.Conversation
	messages  map[string]*relay.ChatMessage
	oauth     map[string]*relay.OAuthAccount
	switches  map[string]*relay.CodeSwitchConfig
	codeMaps  map[string][]*relay.CodeModelMapping // keyed by switch id
	tunnelCfg *relay.TunnelConfig
	tunnelSt  map[string]*relay.TunnelStats // keyed by date
	tunnelAcc []*relay.TunnelAccessLog
	tunnelSys []*relay.TunnelSystemLog

	seq  int
	seqs map[string]int // record id -> insertion order, list tie-break
}

var _ storage.Store = (*FakeStore)(nil)

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		providers: make(map[string]*relay.Provider),
		proxies:   make(map[string]*relay.BridgeProxy),
		mappings:  make(map[string][]*relay.ModelMapping),
		keys:      make(map[string]*relay.APIKey),
		settings:  make(map[string]*relay.Setting),
		convos:    make(map[string]*relay.Conversation),
		messages:  make(map[string]*relay.ChatMessage),
		oauth:     make(map[string]*relay.OAuthAccount),
		switches:  make(map[string]*relay.CodeSwitchConfig),
		codeMaps:  make(map[string][]*relay.CodeModelMapping),
		tunnelSt:  make(map[string]*relay.TunnelStats),
		seqs:      make(map[string]int),
	}
}

func (s *FakeStore) nextSeq(id string) {
	s.seq++
	s.seqs[id] = s.seq
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, relay.ErrNotFound)
}

// --- ProviderStore ---

// CreateProvider stores a provider.
func (s *FakeStore) CreateProvider(_ context.Context, p *relay.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	s.providers[p.ID] = &cp
	s.nextSeq(p.ID)
	return nil
}

// GetProvider looks up a provider by id.
func (s *FakeStore) GetProvider(_ context.Context, id string) (*relay.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, notFound("provider", id)
	}
	cp := *p
	return &cp, nil
}

// GetProviderBySlug looks up a provider by its passthrough slug.
func (s *FakeStore) GetProviderBySlug(_ context.Context, slug string) (*relay.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if p.Passthrough && p.PassthroughSlug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, notFound("provider slug", slug)
}

// ListProviders returns all providers in display order.
func (s *FakeStore) ListProviders(context.Context) ([]*relay.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return s.seqs[out[i].ID] < s.seqs[out[j].ID]
	})
	return out, nil
}

// UpdateProvider replaces a stored provider.
func (s *FakeStore) UpdateProvider(_ context.Context, p *relay.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return notFound("provider", p.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	s.providers[p.ID] = &cp
	return nil
}

// DeleteProvider removes a provider by id.
func (s *FakeStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return notFound("provider", id)
	}
	delete(s.providers, id)
	return nil
}

// --- ProxyStore ---

// CreateProxy stores a bridge proxy after the cycle check.
func (s *FakeStore) CreateProxy(ctx context.Context, p *relay.BridgeProxy) error {
	if err := s.CheckCircular(ctx, p.ID, p.OutboundKind, p.OutboundID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	s.proxies[p.ID] = &cp
	s.nextSeq(p.ID)
	return nil
}

// GetProxy looks up a proxy by id.
func (s *FakeStore) GetProxy(_ context.Context, id string) (*relay.BridgeProxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proxies[id]
	if !ok {
		return nil, notFound("proxy", id)
	}
	cp := *p
	return &cp, nil
}

// GetProxyByPath looks up a proxy by its unique path segment.
func (s *FakeStore) GetProxyByPath(_ context.Context, path string) (*relay.BridgeProxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.proxies {
		if p.ProxyPath == path {
			cp := *p
			return &cp, nil
		}
	}
	return nil, notFound("proxy path", path)
}

// ListProxies returns all proxies in display order.
func (s *FakeStore) ListProxies(context.Context) ([]*relay.BridgeProxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.BridgeProxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return s.seqs[out[i].ID] < s.seqs[out[j].ID]
	})
	return out, nil
}

// UpdateProxy replaces a stored proxy after re-running the cycle check.
func (s *FakeStore) UpdateProxy(ctx context.Context, p *relay.BridgeProxy) error {
	if err := s.CheckCircular(ctx, p.ID, p.OutboundKind, p.OutboundID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[p.ID]; !ok {
		return notFound("proxy", p.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	s.proxies[p.ID] = &cp
	return nil
}

// DeleteProxy removes a proxy and its mappings.
func (s *FakeStore) DeleteProxy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[id]; !ok {
		return notFound("proxy", id)
	}
	delete(s.proxies, id)
	delete(s.mappings, id)
	return nil
}

// CheckCircular walks the outbound chain breadth-first and rejects any
// walk that revisits proxyID.
func (s *FakeStore) CheckCircular(_ context.Context, proxyID, outboundKind, outboundID string) error {
	if outboundKind != relay.OutboundProxy {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
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
		next, ok := s.proxies[id]
		if !ok {
			continue
		}
		if next.OutboundKind == relay.OutboundProxy {
			queue = append(queue, next.OutboundID)
		}
	}
	return nil
}

// GetMappings returns one proxy's model mappings, default row last.
func (s *FakeStore) GetMappings(_ context.Context, proxyID string) ([]*relay.ModelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.mappings[proxyID]
	out := make([]*relay.ModelMapping, 0, len(rows))
	for _, m := range rows {
		cm := *m
		out = append(out, &cm)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return !out[i].IsDefault && out[j].IsDefault
	})
	return out, nil
}

// SetMappings replaces one proxy's mapping set. At most one default row
// is accepted.
func (s *FakeStore) SetMappings(_ context.Context, proxyID string, mappings []*relay.ModelMapping) error {
	defaults := 0
	for _, m := range mappings {
		if m.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("proxy %s has %d default mappings: %w", proxyID, defaults, relay.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rows := make([]*relay.ModelMapping, 0, len(mappings))
	for _, m := range mappings {
		cm := *m
		cm.ProxyID = proxyID
		if cm.CreatedAt.IsZero() {
			cm.CreatedAt = now
		}
		rows = append(rows, &cm)
	}
	s.mappings[proxyID] = rows
	return nil
}

// --- APIKeyStore ---

// CreateKey stores an API key.
func (s *FakeStore) CreateKey(_ context.Context, key *relay.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	ck := *key
	s.keys[key.ID] = &ck
	s.nextSeq(key.ID)
	return nil
}

// GetKey looks up a key by id.
func (s *FakeStore) GetKey(_ context.Context, id string) (*relay.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, notFound("api key", id)
	}
	ck := *k
	return &ck, nil
}

// GetKeyBySecret looks up a key by its full sk- string.
func (s *FakeStore) GetKeyBySecret(_ context.Context, secret string) (*relay.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Key == secret {
			ck := *k
			return &ck, nil
		}
	}
	return nil, notFound("api key", "secret")
}

// ListKeys returns all keys, newest first.
func (s *FakeStore) ListKeys(context.Context) ([]*relay.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		ck := *k
		out = append(out, &ck)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.seqs[out[i].ID] > s.seqs[out[j].ID]
	})
	return out, nil
}

// UpdateKey replaces a stored key.
func (s *FakeStore) UpdateKey(_ context.Context, key *relay.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return notFound("api key", key.ID)
	}
	ck := *key
	s.keys[key.ID] = &ck
	return nil
}

// DeleteKey removes a key by id.
func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return notFound("api key", id)
	}
	delete(s.keys, id)
	return nil
}

// TouchKeyUsed stamps a key's last-used time.
func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return notFound("api key", id)
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

// --- SettingStore ---

// GetSetting returns one setting row by key.
func (s *FakeStore) GetSetting(_ context.Context, key string) (*relay.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return nil, notFound("setting", key)
	}
	cv := *v
	return &cv, nil
}

// ListSettings returns all stored settings.
func (s *FakeStore) ListSettings(context.Context) ([]*relay.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.Setting, 0, len(s.settings))
	for _, v := range s.settings {
		cv := *v
		out = append(out, &cv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PutSetting upserts one setting.
func (s *FakeStore) PutSetting(_ context.Context, st *relay.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	cv := *st
	s.settings[st.Key] = &cv
	return nil
}

// PutSettings upserts a batch of settings.
func (s *FakeStore) PutSettings(ctx context.Context, ss []*relay.Setting) error {
	for _, st := range ss {
		if err := s.PutSetting(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// --- RequestLogStore ---

// InsertRequestLog appends one log record.
func (s *FakeStore) InsertRequestLog(_ context.Context, l *relay.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	cl := *l
	s.logs = append(s.logs, &cl)
	return nil
}

// GetRequestLog returns one log entry by id.
func (s *FakeStore) GetRequestLog(_ context.Context, id string) (*relay.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.logs {
		if l.ID == id {
			cl := *l
			return &cl, nil
		}
	}
	return nil, notFound("request log", id)
}

func matchesLogQuery(l *relay.RequestLog, q storage.LogQuery) bool {
	if q.ProxyID != "" && l.ProxyID != q.ProxyID {
		return false
	}
	if q.Source != "" && l.Source != q.Source {
		return false
	}
	switch q.Status {
	case "success":
		if l.StatusCode < 200 || l.StatusCode > 299 {
			return false
		}
	case "error":
		if l.StatusCode >= 200 && l.StatusCode <= 299 {
			return false
		}
	}
	if q.Model != "" && l.SourceModel != q.Model && l.TargetModel != q.Model {
		return false
	}
	if q.Search != "" {
		hit := strings.Contains(l.ProxyPath, q.Search) ||
			strings.Contains(l.SourceModel, q.Search) ||
			strings.Contains(l.TargetModel, q.Search) ||
			strings.Contains(l.Error, q.Search)
		if !hit {
			return false
		}
	}
	if !q.Since.IsZero() && l.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !l.CreatedAt.Before(q.Until) {
		return false
	}
	return true
}

// QueryRequestLogs returns one page of matching entries plus the total
// match count, newest first.
func (s *FakeStore) QueryRequestLogs(_ context.Context, q storage.LogQuery) ([]*relay.RequestLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*relay.RequestLog
	for _, l := range s.logs {
		if matchesLogQuery(l, q) {
			cl := *l
			matched = append(matched, &cl)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	start := q.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

// RequestLogStats aggregates counts, tokens and latency since the given
// time.
func (s *FakeStore) RequestLogStats(_ context.Context, since time.Time) (*storage.LogStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st storage.LogStats
	var latencySum int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(since) {
			continue
		}
		st.TotalRequests++
		if l.StatusCode >= 200 && l.StatusCode <= 299 {
			st.SuccessCount++
		} else {
			st.ErrorCount++
		}
		st.TotalInputTokens += int64(l.InputTokens)
		st.TotalOutputTokens += int64(l.OutputTokens)
		latencySum += int64(l.LatencyMs)
	}
	if st.TotalRequests > 0 {
		st.AvgLatencyMs = float64(latencySum) / float64(st.TotalRequests)
	}
	return &st, nil
}

// RequestLogTimeSeries buckets request counts per hour or day, oldest
// bucket first.
func (s *FakeStore) RequestLogTimeSeries(_ context.Context, since time.Time, byHour bool) ([]storage.TimeSeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type agg struct {
		point      storage.TimeSeriesPoint
		latencySum int64
	}
	buckets := make(map[string]*agg)
	for _, l := range s.logs {
		if l.CreatedAt.Before(since) {
			continue
		}
		key := l.CreatedAt.Format("2006-01-02")
		if byHour {
			key = l.CreatedAt.Format("2006-01-02 15:00")
		}
		a := buckets[key]
		if a == nil {
			a = &agg{point: storage.TimeSeriesPoint{Bucket: key}}
			buckets[key] = a
		}
		a.point.Requests++
		if l.StatusCode < 200 || l.StatusCode > 299 {
			a.point.Errors++
		}
		a.point.InputTokens += int64(l.InputTokens)
		a.point.OutputTokens += int64(l.OutputTokens)
		a.latencySum += int64(l.LatencyMs)
	}
	out := make([]storage.TimeSeriesPoint, 0, len(buckets))
	for _, a := range buckets {
		if a.point.Requests > 0 {
			a.point.AvgLatencyMs = float64(a.latencySum) / float64(a.point.Requests)
		}
		out = append(out, a.point)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out, nil
}

// ClearRequestLogs deletes all log entries.
func (s *FakeStore) ClearRequestLogs(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.logs))
	s.logs = nil
	return n, nil
}

// PruneRequestLogs drops entries older than olderThan, then the oldest
// entries beyond maxEntries. Either bound may be disabled with a zero
// value.
func (s *FakeStore) PruneRequestLogs(_ context.Context, olderThan time.Time, maxEntries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	if !olderThan.IsZero() {
		kept := s.logs[:0]
		for _, l := range s.logs {
			if l.CreatedAt.Before(olderThan) {
				pruned++
				continue
			}
			kept = append(kept, l)
		}
		s.logs = kept
	}
	if maxEntries > 0 && len(s.logs) > maxEntries {
		sort.SliceStable(s.logs, func(i, j int) bool {
			return s.logs[i].CreatedAt.After(s.logs[j].CreatedAt)
		})
		pruned += int64(len(s.logs) - maxEntries)
		s.logs = s.logs[:maxEntries]
	}
	return pruned, nil
}

// --- ChatStore ---

// CreateConversation stores a conversation.
func (s *FakeStore) CreateConversation(_ context.Context, c *relay.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cc := *c
	s.convos[c.ID] = &cc
	s.nextSeq(c.ID)
	return nil
}

// GetConversation looks up a conversation by id.
func (s *FakeStore) GetConversation(_ context.Context, id string) (*relay.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convos[id]
	if !ok {
		return nil, notFound("conversation", id)
	}
	cc := *c
	return &cc, nil
}

// ListConversations returns all conversations, most recently updated
// first.
func (s *FakeStore) ListConversations(context.Context) ([]*relay.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.Conversation, 0, len(s.convos))
	for _, c := range s.convos {
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return s.seqs[out[i].ID] > s.seqs[out[j].ID]
	})
	return out, nil
}

// UpdateConversation replaces a stored conversation.
func (s *FakeStore) UpdateConversation(_ context.Context, c *relay.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convos[c.ID]; !ok {
		return notFound("conversation", c.ID)
	}
	c.UpdatedAt = time.Now().UTC()
	cc := *c
	s.convos[c.ID] = &cc
	return nil
}

// DeleteConversation removes a conversation; its messages cascade.
func (s *FakeStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convos[id]; !ok {
		return notFound("conversation", id)
	}
	delete(s.convos, id)
	for mid, m := range s.messages {
		if m.ConversationID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

// CreateMessage stores a chat message.
func (s *FakeStore) CreateMessage(_ context.Context, m *relay.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cm := *m
	s.messages[m.ID] = &cm
	s.nextSeq(m.ID)
	return nil
}

// UpdateMessage replaces a stored message.
func (s *FakeStore) UpdateMessage(_ context.Context, m *relay.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return notFound("message", m.ID)
	}
	cm := *m
	s.messages[m.ID] = &cm
	return nil
}

// ListMessages returns one conversation's messages, oldest first.
func (s *FakeStore) ListMessages(_ context.Context, conversationID string) ([]*relay.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*relay.ChatMessage
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			cm := *m
			out = append(out, &cm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.seqs[out[i].ID] < s.seqs[out[j].ID]
	})
	return out, nil
}

// GetMessage looks up a message by id.
func (s *FakeStore) GetMessage(_ context.Context, id string) (*relay.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	cm := *m
	return &cm, nil
}

// DeleteMessages removes the given messages.
func (s *FakeStore) DeleteMessages(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.messages, id)
	}
	return nil
}

// --- OAuthStore ---

// normalizeHealth applies the repository health invariants before every
// OAuth write.
func normalizeHealth(a *relay.OAuthAccount) {
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

// CreateOAuthAccount stores an account after health normalization.
func (s *FakeStore) CreateOAuthAccount(_ context.Context, a *relay.OAuthAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	normalizeHealth(a)
	ca := *a
	s.oauth[a.ID] = &ca
	s.nextSeq(a.ID)
	return nil
}

// GetOAuthAccount looks up an account by id.
func (s *FakeStore) GetOAuthAccount(_ context.Context, id string) (*relay.OAuthAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.oauth[id]
	if !ok {
		return nil, notFound("oauth account", id)
	}
	ca := *a
	return &ca, nil
}

// ListOAuthAccounts returns every account, newest first.
func (s *FakeStore) ListOAuthAccounts(context.Context) ([]*relay.OAuthAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.OAuthAccount, 0, len(s.oauth))
	for _, a := range s.oauth {
		ca := *a
		out = append(out, &ca)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.seqs[out[i].ID] > s.seqs[out[j].ID]
	})
	return out, nil
}

// ListOAuthAccountsByProvider returns one provider's accounts in pool
// selection order: heavier weight first, least recently used first
// within a weight, never-used before used.
func (s *FakeStore) ListOAuthAccountsByProvider(_ context.Context, providerType string) ([]*relay.OAuthAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*relay.OAuthAccount
	for _, a := range s.oauth {
		if a.ProviderType == providerType {
			ca := *a
			out = append(out, &ca)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i], out[j]
		if ai.PoolWeight != aj.PoolWeight {
			return ai.PoolWeight > aj.PoolWeight
		}
		switch {
		case ai.LastUsedAt == nil && aj.LastUsedAt != nil:
			return true
		case ai.LastUsedAt != nil && aj.LastUsedAt == nil:
			return false
		case ai.LastUsedAt != nil && aj.LastUsedAt != nil && !ai.LastUsedAt.Equal(*aj.LastUsedAt):
			return ai.LastUsedAt.Before(*aj.LastUsedAt)
		}
		return s.seqs[ai.ID] < s.seqs[aj.ID]
	})
	return out, nil
}

// UpdateOAuthAccount replaces a stored account after health
// normalization.
func (s *FakeStore) UpdateOAuthAccount(_ context.Context, a *relay.OAuthAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.oauth[a.ID]; !ok {
		return notFound("oauth account", a.ID)
	}
	a.UpdatedAt = time.Now().UTC()
	normalizeHealth(a)
	ca := *a
	s.oauth[a.ID] = &ca
	return nil
}

// DeleteOAuthAccount removes an account by id.
func (s *FakeStore) DeleteOAuthAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.oauth[id]; !ok {
		return notFound("oauth account", id)
	}
	delete(s.oauth, id)
	return nil
}

// TouchOAuthAccountUsed stamps an account's last-used time.
func (s *FakeStore) TouchOAuthAccountUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.oauth[id]
	if !ok {
		return notFound("oauth account", id)
	}
	now := time.Now().UTC()
	a.LastUsedAt = &now
	return nil
}

// --- CodeSwitchStore ---

// CreateCodeSwitch stores a code switch config.
func (s *FakeStore) CreateCodeSwitch(_ context.Context, c *relay.CodeSwitchConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cc := *c
	s.switches[c.ID] = &cc
	s.nextSeq(c.ID)
	return nil
}

// GetCodeSwitch looks up a code switch by id.
func (s *FakeStore) GetCodeSwitch(_ context.Context, id string) (*relay.CodeSwitchConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.switches[id]
	if !ok {
		return nil, notFound("code switch", id)
	}
	cc := *c
	return &cc, nil
}

// GetCodeSwitchByCLI looks up a code switch by its CLI name.
func (s *FakeStore) GetCodeSwitchByCLI(_ context.Context, cli string) (*relay.CodeSwitchConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.switches {
		if c.CLI == cli {
			cc := *c
			return &cc, nil
		}
	}
	return nil, notFound("code switch", cli)
}

// ListCodeSwitches returns all code switches ordered by CLI name.
func (s *FakeStore) ListCodeSwitches(context.Context) ([]*relay.CodeSwitchConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.CodeSwitchConfig, 0, len(s.switches))
	for _, c := range s.switches {
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CLI < out[j].CLI })
	return out, nil
}

// UpdateCodeSwitch replaces a stored code switch.
func (s *FakeStore) UpdateCodeSwitch(_ context.Context, c *relay.CodeSwitchConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.switches[c.ID]; !ok {
		return notFound("code switch", c.ID)
	}
	c.UpdatedAt = time.Now().UTC()
	cc := *c
	s.switches[c.ID] = &cc
	return nil
}

// DeleteCodeSwitch removes a code switch and its mappings.
func (s *FakeStore) DeleteCodeSwitch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.switches[id]; !ok {
		return notFound("code switch", id)
	}
	delete(s.switches, id)
	delete(s.codeMaps, id)
	return nil
}

// SetCodeMappings replaces one switch's active mapping set; prior rows
// are deactivated, never deleted.
func (s *FakeStore) SetCodeMappings(_ context.Context, switchID string, mappings []*relay.CodeModelMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rows := s.codeMaps[switchID]
	for _, m := range rows {
		m.Active = false
	}
	for _, m := range mappings {
		cm := *m
		cm.CodeSwitchID = switchID
		cm.Active = true
		if cm.CreatedAt.IsZero() {
			cm.CreatedAt = now
		}
		rows = append(rows, &cm)
	}
	s.codeMaps[switchID] = rows
	return nil
}

// ActiveCodeMappings returns one switch's active mappings, oldest first.
func (s *FakeStore) ActiveCodeMappings(_ context.Context, switchID string) ([]*relay.CodeModelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*relay.CodeModelMapping
	for _, m := range s.codeMaps[switchID] {
		if m.Active {
			cm := *m
			out = append(out, &cm)
		}
	}
	return out, nil
}

// --- TunnelStore ---

// GetTunnelConfig returns the single tunnel identity row.
func (s *FakeStore) GetTunnelConfig(context.Context) (*relay.TunnelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tunnelCfg == nil {
		return nil, notFound("tunnel config", "singleton")
	}
	cc := *s.tunnelCfg
	return &cc, nil
}

// PutTunnelConfig upserts the tunnel identity row.
func (s *FakeStore) PutTunnelConfig(_ context.Context, c *relay.TunnelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cc := *c
	s.tunnelCfg = &cc
	return nil
}

// FoldTunnelStats merges one batch into the daily row, keeping a
// request-weighted latency average.
func (s *FakeStore) FoldTunnelStats(_ context.Context, date string, batch relay.TunnelStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tunnelSt[date]
	if !ok {
		cb := batch
		cb.Date = date
		s.tunnelSt[date] = &cb
		return nil
	}
	if cur.Requests+batch.Requests > 0 {
		cur.AvgLatencyMs = (cur.AvgLatencyMs*float64(cur.Requests) +
			batch.AvgLatencyMs*float64(batch.Requests)) / float64(cur.Requests+batch.Requests)
	} else {
		cur.AvgLatencyMs = 0
	}
	cur.Requests += batch.Requests
	cur.BytesUp += batch.BytesUp
	cur.BytesDown += batch.BytesDown
	cur.Errors += batch.Errors
	if batch.UniqueIPs > cur.UniqueIPs {
		cur.UniqueIPs = batch.UniqueIPs
	}
	return nil
}

// ListTunnelStats returns up to days recent daily rows, newest first.
func (s *FakeStore) ListTunnelStats(_ context.Context, days int) ([]*relay.TunnelStats, error) {
	if days <= 0 {
		days = 7
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.TunnelStats, 0, len(s.tunnelSt))
	for _, st := range s.tunnelSt {
		cs := *st
		out = append(out, &cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if len(out) > days {
		out = out[:days]
	}
	return out, nil
}

// InsertTunnelAccessLog appends one tunneled request record.
func (s *FakeStore) InsertTunnelAccessLog(_ context.Context, l *relay.TunnelAccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	cl := *l
	s.tunnelAcc = append(s.tunnelAcc, &cl)
	return nil
}

// ListTunnelAccessLogs returns recent access logs, newest first.
func (s *FakeStore) ListTunnelAccessLogs(_ context.Context, limit int) ([]*relay.TunnelAccessLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.TunnelAccessLog, 0, len(s.tunnelAcc))
	for i := len(s.tunnelAcc) - 1; i >= 0; i-- {
		cl := *s.tunnelAcc[i]
		out = append(out, &cl)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// InsertTunnelSystemLog appends one supervisor diagnostic entry.
func (s *FakeStore) InsertTunnelSystemLog(_ context.Context, l *relay.TunnelSystemLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	cl := *l
	s.tunnelSys = append(s.tunnelSys, &cl)
	return nil
}

// ListTunnelSystemLogs returns recent system logs, newest first.
func (s *FakeStore) ListTunnelSystemLogs(_ context.Context, limit int) ([]*relay.TunnelSystemLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.TunnelSystemLog, 0, len(s.tunnelSys))
	for i := len(s.tunnelSys) - 1; i >= 0; i-- {
		cl := *s.tunnelSys[i]
		out = append(out, &cl)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Store ---

// Ping reports the store as reachable.
func (s *FakeStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
