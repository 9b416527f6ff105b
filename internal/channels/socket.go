package channels

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"convobot/internal/convo"
)

const socketWriteTimeout = 10 * time.Second

// socketClient serializes writes; gorilla connections allow only one
// concurrent writer.
type socketClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *socketClient) writeJSON(deadline time.Time, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(v)
}

// SocketHub fans stream chunks out to every websocket attached to a chat.
type SocketHub struct {
	mu     sync.RWMutex
	chats  map[string]map[*websocket.Conn]*socketClient
	logger zerolog.Logger
}

func NewSocketHub(logger zerolog.Logger) *SocketHub {
	return &SocketHub{
		chats:  make(map[string]map[*websocket.Conn]*socketClient),
		logger: logger,
	}
}

var _ convo.StreamChannel = (*SocketHub)(nil)

func (h *SocketHub) Name() string { return "websocket" }

// Attach registers a connection under a chat. The caller owns the read
// side; Detach must be called when the connection dies.
func (h *SocketHub) Attach(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.chats[chatID]
	if !ok {
		clients = make(map[*websocket.Conn]*socketClient)
		h.chats[chatID] = clients
	}
	clients[conn] = &socketClient{conn: conn}
}

func (h *SocketHub) Detach(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.chats[chatID]
	if !ok {
		return
	}
	delete(clients, conn)
	if len(clients) == 0 {
		delete(h.chats, chatID)
	}
}

// Listeners reports how many connections a chat has.
func (h *SocketHub) Listeners(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chats[chatID])
}

// SendChunk delivers a chunk to every listener of the chat. A failed write
// only drops that listener; the stream continues for the rest.
func (h *SocketHub) SendChunk(ctx context.Context, chatID string, chunk convo.Chunk) error {
	h.mu.RLock()
	clients := make([]*socketClient, 0, len(h.chats[chatID]))
	for _, c := range h.chats[chatID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(socketWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for _, c := range clients {
		if err := c.writeJSON(deadline, chunk); err != nil {
			h.logger.Debug().Err(err).Str("chat_id", chatID).Msg("dropping dead websocket")
			h.Detach(chatID, c.conn)
			_ = c.conn.Close()
		}
	}
	return nil
}
