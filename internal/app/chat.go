package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/bridge"
	"github.com/koriley/switchboard/internal/storage"
)

// ChatService runs the built-in chat: conversation persistence plus
// streaming sends through the bridge pipeline. Messages survive client
// disconnects up to whatever the upstream delivered.
type ChatService struct {
	store  storage.Store
	bridge *bridge.Service

	mu     sync.Mutex
	active map[string]context.CancelFunc // conversation id -> stop
}

// NewChatService returns a ChatService.
func NewChatService(store storage.Store, b *bridge.Service) *ChatService {
	return &ChatService{store: store, bridge: b, active: make(map[string]context.CancelFunc)}
}

// CreateConversation validates the target and stores a new thread.
func (s *ChatService) CreateConversation(ctx context.Context, c *relay.Conversation) (*relay.Conversation, error) {
	if err := s.validateTarget(ctx, c.TargetKind, c.TargetID); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.Title == "" {
		c.Title = "New chat"
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns all threads, most recently updated first.
func (s *ChatService) ListConversations(ctx context.Context) ([]*relay.Conversation, error) {
	return s.store.ListConversations(ctx)
}

// GetConversation returns one thread.
func (s *ChatService) GetConversation(ctx context.Context, id string) (*relay.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// UpdateConversation renames or retargets a thread.
func (s *ChatService) UpdateConversation(ctx context.Context, c *relay.Conversation) (*relay.Conversation, error) {
	existing, err := s.store.GetConversation(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if err := s.validateTarget(ctx, c.TargetKind, c.TargetID); err != nil {
		return nil, err
	}
	c.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteConversation removes a thread and its messages.
func (s *ChatService) DeleteConversation(ctx context.Context, id string) error {
	s.Stop(id)
	return s.store.DeleteConversation(ctx, id)
}

// Messages returns the thread's turns in order.
func (s *ChatService) Messages(ctx context.Context, conversationID string) ([]*relay.ChatMessage, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID)
}

// Send stores the user turn and streams the assistant's reply. The
// returned channel closes when the reply is complete; the assistant
// message is persisted before the close.
func (s *ChatService) Send(ctx context.Context, conversationID, content string) (<-chan relay.StreamEvent, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content is required: %w", relay.ErrValidation)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	userMsg := &relay.ChatMessage{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Role:           relay.RoleUser,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	return s.run(ctx, conv)
}

// Regenerate discards the last assistant turn and streams a fresh
// reply to the remaining history.
func (s *ChatService) Regenerate(ctx context.Context, conversationID string) (<-chan relay.StreamEvent, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == relay.RoleAssistant {
			if err := s.store.DeleteMessages(ctx, []string{msgs[i].ID}); err != nil {
				return nil, err
			}
			break
		}
	}
	return s.run(ctx, conv)
}

// Stop cancels an in-flight send for the conversation. It reports
// whether one was running.
func (s *ChatService) Stop(conversationID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[conversationID]
	delete(s.active, conversationID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// DeleteMessage removes a single turn.
func (s *ChatService) DeleteMessage(ctx context.Context, id string) error {
	if _, err := s.store.GetMessage(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteMessages(ctx, []string{id})
}

// DeleteMessagePair removes a turn together with its counterpart: the
// assistant reply following a user turn, or the user turn preceding an
// assistant reply.
func (s *ChatService) DeleteMessagePair(ctx context.Context, id string) error {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	msgs, err := s.store.ListMessages(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	ids := []string{msg.ID}
	for i, m := range msgs {
		if m.ID != msg.ID {
			continue
		}
		if msg.Role == relay.RoleUser && i+1 < len(msgs) && msgs[i+1].Role == relay.RoleAssistant {
			ids = append(ids, msgs[i+1].ID)
		}
		if msg.Role == relay.RoleAssistant && i > 0 && msgs[i-1].Role == relay.RoleUser {
			ids = append(ids, msgs[i-1].ID)
		}
		break
	}
	return s.store.DeleteMessages(ctx, ids)
}

func (s *ChatService) validateTarget(ctx context.Context, kind, id string) error {
	switch kind {
	case relay.OutboundProvider:
		_, err := s.store.GetProvider(ctx, id)
		return err
	case relay.OutboundProxy:
		_, err := s.store.GetProxy(ctx, id)
		return err
	default:
		return fmt.Errorf("target kind %q: %w", kind, relay.ErrValidation)
	}
}

// run resolves the conversation's route, starts the upstream stream,
// and tees events to the caller while accumulating the assistant turn.
func (s *ChatService) run(ctx context.Context, conv *relay.Conversation) (<-chan relay.StreamEvent, error) {
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	req := requestFromHistory(conv, msgs)

	var rt *bridge.Route
	switch conv.TargetKind {
	case relay.OutboundProxy:
		px, err := s.store.GetProxy(ctx, conv.TargetID)
		if err != nil {
			return nil, err
		}
		rt, err = s.bridge.Resolve(ctx, px)
		if err != nil {
			return nil, err
		}
	default:
		p, err := s.store.GetProvider(ctx, conv.TargetID)
		if err != nil {
			return nil, err
		}
		rt, err = s.bridge.ResolveProvider(ctx, p)
		if err != nil {
			return nil, err
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	events, err := s.bridge.Events(sctx, rt, req)
	if err != nil {
		cancel()
		return nil, err
	}

	s.mu.Lock()
	if prior, ok := s.active[conv.ID]; ok {
		prior()
	}
	s.active[conv.ID] = cancel
	s.mu.Unlock()

	out := make(chan relay.StreamEvent, 8)
	go s.consume(sctx, conv, events, out, cancel)
	return out, nil
}

func (s *ChatService) consume(ctx context.Context, conv *relay.Conversation, events <-chan relay.StreamEvent, out chan<- relay.StreamEvent, cancel context.CancelFunc) {
	defer close(out)
	defer func() {
		s.mu.Lock()
		delete(s.active, conv.ID)
		s.mu.Unlock()
		cancel()
	}()

	var content, reasoning strings.Builder
	for ev := range events {
		switch ev.Kind {
		case relay.EventContent:
			content.WriteString(ev.Delta)
		case relay.EventReasoning:
			reasoning.WriteString(ev.Delta)
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			// Receiver is gone; keep draining so the turn still persists.
		}
	}
	s.persistAssistant(conv, content.String(), reasoning.String())
}

// persistAssistant stores whatever the stream produced and touches the
// conversation. Empty turns (immediate upstream failure) store nothing.
func (s *ChatService) persistAssistant(conv *relay.Conversation, content, reasoning string) {
	if content == "" && reasoning == "" {
		return
	}
	ctx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWrite()

	msg := &relay.ChatMessage{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Role:           relay.RoleAssistant,
		Content:        content,
		Reasoning:      reasoning,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return
	}
	if conv.Title == "New chat" || conv.Title == "" {
		if msgs, err := s.store.ListMessages(ctx, conv.ID); err == nil {
			for _, m := range msgs {
				if m.Role == relay.RoleUser {
					conv.Title = titleFrom(m.Content)
					break
				}
			}
		}
	}
	s.store.UpdateConversation(ctx, conv) //nolint:errcheck
}

func requestFromHistory(conv *relay.Conversation, msgs []*relay.ChatMessage) *relay.Request {
	req := &relay.Request{Model: conv.Model, Stream: true}
	for _, m := range msgs {
		if m.Role == relay.RoleSystem {
			if req.System != "" {
				req.System += "\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, relay.Message{Role: m.Role, Content: m.Content})
	}
	return req
}

// titleFrom derives a conversation title from the first user turn.
func titleFrom(content string) string {
	t := strings.TrimSpace(content)
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[:i]
	}
	runes := []rune(t)
	if len(runes) > 60 {
		t = string(runes[:60])
	}
	if t == "" {
		return "New chat"
	}
	return t
}
