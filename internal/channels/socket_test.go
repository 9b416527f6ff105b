package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"convobot/internal/convo"
)

func dialTestSocket(t *testing.T, hub *SocketHub, chatID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.Attach(chatID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSocketHubDeliversChunks(t *testing.T) {
	hub := NewSocketHub(zerolog.Nop())
	conn := dialTestSocket(t, hub, "chat-1")

	want := convo.Chunk{Message: "partial answer", Username: "GPT", IsStream: true, IsStart: true}
	if err := hub.SendChunk(context.Background(), "chat-1", want); err != nil {
		t.Fatalf("send chunk: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got convo.Chunk
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if got != want {
		t.Errorf("chunk = %+v, want %+v", got, want)
	}
}

func TestSocketHubIsolatesChats(t *testing.T) {
	hub := NewSocketHub(zerolog.Nop())
	other := dialTestSocket(t, hub, "chat-2")

	if err := hub.SendChunk(context.Background(), "chat-1", convo.Chunk{Message: "x"}); err != nil {
		t.Fatalf("send chunk: %v", err)
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var got convo.Chunk
	if err := other.ReadJSON(&got); err == nil {
		t.Errorf("chat-2 received chunk for chat-1: %+v", got)
	}
}

func TestSocketHubDetach(t *testing.T) {
	hub := NewSocketHub(zerolog.Nop())
	conn := dialTestSocket(t, hub, "chat-1")
	if n := hub.Listeners("chat-1"); n != 1 {
		t.Fatalf("listeners = %d, want 1", n)
	}
	// Detach takes the server-side connection, so collect those first.
	_ = conn.Close()
	hub.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(hub.chats["chat-1"]))
	for c := range hub.chats["chat-1"] {
		conns = append(conns, c)
	}
	hub.mu.Unlock()
	for _, c := range conns {
		hub.Detach("chat-1", c)
	}
	if n := hub.Listeners("chat-1"); n != 0 {
		t.Fatalf("listeners = %d, want 0", n)
	}
}

func TestSplitMessage(t *testing.T) {
	parts := splitMessage(strings.Repeat("я", 9001), 4000)
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	if len([]rune(parts[0])) != 4000 || len([]rune(parts[1])) != 4000 || len([]rune(parts[2])) != 1001 {
		t.Errorf("part lengths = %d, %d, %d",
			len([]rune(parts[0])), len([]rune(parts[1])), len([]rune(parts[2])))
	}
	if got := splitMessage("short", 4000); len(got) != 1 || got[0] != "short" {
		t.Errorf("short split = %v", got)
	}
}
