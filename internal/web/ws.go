package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"convobot/internal/convo"
	"convobot/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware on the REST
	// surface; the socket accepts any origin and relies on chat IDs being
	// unguessable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socketInbound is one client message on the stream socket.
type socketInbound struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// handleSocket upgrades the connection and serves streamed conversations
// over it until the client goes away. Each inbound message runs one
// conversation; chunks fan out to every socket attached to the chat.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.Attach(chatID, conn)
	defer func() {
		s.hub.Detach(chatID, conn)
		_ = conn.Close()
	}()

	for {
		var inbound socketInbound
		if err := conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("chat_id", chatID).Msg("websocket closed")
			}
			return
		}
		if inbound.Message == "" {
			continue
		}

		requester, err := parseRequester(inbound.UserID)
		if err != nil {
			s.sendSocketError(r.Context(), chatID, "user_id is not a valid uuid")
			continue
		}

		// The conversation outlives a dropped socket on purpose: other
		// listeners of the chat still get the chunks.
		_, err = s.orchestrator.Converse(context.WithoutCancel(r.Context()), convo.Request{
			Requester: requester,
			Text:      inbound.Message,
			ChatID:    chatID,
			Controls:  convo.DefaultControls(),
			Streamed:  true,
			ReplyTo:   inbound.ReplyTo,
			Consumer:  storage.ConsumerFastChat,
		}, s.hub)
		if err != nil {
			if convo.WantsLogDetail(err) {
				s.logger.Error().Err(err).Str("chat_id", chatID).Msg("streamed conversation failed")
			}
			s.sendSocketError(r.Context(), chatID, convo.UserMessage(err))
		}
	}
}

// sendSocketError delivers a failure as a terminal non-stream chunk so
// clients can render it in the transcript.
func (s *Server) sendSocketError(ctx context.Context, chatID, text string) {
	_ = s.hub.SendChunk(ctx, chatID, convo.Chunk{
		Message:  text,
		Username: "GPT",
		IsEnd:    true,
	})
}
