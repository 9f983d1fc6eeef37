package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter/sseutil"
)

// mountChat wires the built-in chat UI endpoints under the admin API.
func (s *server) mountChat(r chi.Router) {
	r.Route("/chat/conversations", func(r chi.Router) {
		r.Get("/", s.chatListConversations)
		r.Post("/", s.chatCreateConversation)
		r.Get("/{id}", s.chatGetConversation)
		r.Put("/{id}", s.chatUpdateConversation)
		r.Delete("/{id}", s.chatDeleteConversation)
		r.Get("/{id}/messages", s.chatMessages)
		r.Post("/{id}/messages", s.chatSend)
		r.Post("/{id}/regenerate", s.chatRegenerate)
		r.Post("/{id}/stop", s.chatStop)
	})
	r.Route("/chat/messages", func(r chi.Router) {
		r.Delete("/{id}", s.chatDeleteMessage)
		r.Delete("/{id}/pair", s.chatDeleteMessagePair)
	})
}

func (s *server) chatListConversations(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Chat.ListConversations(r.Context())
	respond(w, v, err)
}

func (s *server) chatGetConversation(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Chat.GetConversation(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

func (s *server) chatCreateConversation(w http.ResponseWriter, r *http.Request) {
	var c relay.Conversation
	if e := decodeBody(r, &c); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Chat.CreateConversation(r.Context(), &c)
	respond(w, v, err)
}

func (s *server) chatUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var c relay.Conversation
	if e := decodeBody(r, &c); e != nil {
		writeError(w, e)
		return
	}
	c.ID = chi.URLParam(r, "id")
	v, err := s.deps.Chat.UpdateConversation(r.Context(), &c)
	respond(w, v, err)
}

func (s *server) chatDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Chat.DeleteConversation(r.Context(), chi.URLParam(r, "id"))
	respond(w, map[string]bool{"deleted": err == nil}, err)
}

func (s *server) chatMessages(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Chat.Messages(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

// chatSend accepts the user turn and streams the assistant reply as
// named SSE events (chat:stream-start, chat:content, chat:reasoning,
// chat:end, chat:error).
func (s *server) chatSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	events, err := s.deps.Chat.Send(r.Context(), chi.URLParam(r, "id"), body.Content)
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}
	s.streamChat(w, r, events)
}

func (s *server) chatRegenerate(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Chat.Regenerate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}
	s.streamChat(w, r, events)
}

func (s *server) chatStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.deps.Chat.Stop(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *server) chatDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Chat.DeleteMessage(r.Context(), chi.URLParam(r, "id"))
	respond(w, map[string]bool{"deleted": err == nil}, err)
}

func (s *server) chatDeleteMessagePair(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Chat.DeleteMessagePair(r.Context(), chi.URLParam(r, "id"))
	respond(w, map[string]bool{"deleted": err == nil}, err)
}

// streamChat relays the neutral event channel as the chat UI's SSE
// protocol, with heartbeats from the SSE policy while the model thinks.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, events <-chan relay.StreamEvent) {
	ctx := r.Context()
	sseutil.WriteHeaders(w)
	out := sseutil.NewWriter(w)

	pol := s.deps.Settings.SSE(ctx)
	heartbeat := time.NewTicker(pol.HeartbeatInterval)
	defer heartbeat.Stop()

	send := func(name string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		return out.Send(sseutil.Event{Name: name, Data: data}) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if out.KeepAlive() != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			var sent bool
			switch ev.Kind {
			case relay.EventStart:
				sent = send("chat:stream-start", map[string]string{"id": ev.ID, "model": ev.Model})
			case relay.EventContent:
				sent = send("chat:content", map[string]string{"delta": ev.Delta})
			case relay.EventReasoning:
				sent = send("chat:reasoning", map[string]string{"delta": ev.Delta})
			case relay.EventEnd:
				sent = send("chat:end", map[string]any{
					"finish_reason": ev.FinishReason,
					"usage":         ev.Usage,
				})
			case relay.EventError:
				msg := "stream failed"
				if ev.Err != nil {
					msg = ev.Err.Message
				}
				send("chat:error", map[string]string{"message": msg})
				return
			default:
				sent = true // tool-call deltas are not surfaced in the chat UI
			}
			if !sent {
				return
			}
		}
	}
}
