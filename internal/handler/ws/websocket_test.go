package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/dyno-tavern/backend/internal/service/chat/chattest"
)

func dial(t *testing.T) (*chattest.Env, *websocket.Conn) {
	t.Helper()
	env := chattest.New(t)
	r := chi.NewRouter()
	New(env.Service).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	session, err := env.Service.CreateSession(context.Background(), "mario", 0)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + session.ID()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return env, conn
}

func readUntil(t *testing.T, conn *websocket.Conn, types ...string) []outgoingMessage {
	t.Helper()
	var got []outgoingMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg outgoingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (got %+v)", err, got)
		}
		got = append(got, msg)
		for _, typ := range types {
			if msg.Type == typ {
				return got
			}
		}
	}
}

func TestWebSocketStreamsReply(t *testing.T) {
	_, conn := dial(t)

	hello := readUntil(t, conn, "connected")
	if hello[0].PersonaID != "mario" || hello[0].State != "idle" {
		t.Fatalf("unexpected greeting %+v", hello[0])
	}

	if err := conn.WriteJSON(inboundMessage{Type: "message", Content: "fix my sink"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msgs := readUntil(t, conn, "end", "error")

	var text string
	for _, m := range msgs {
		if m.Type == "delta" {
			text += m.Content
		}
	}
	end := msgs[len(msgs)-1]
	if end.Type != "end" || text != "Hi there!" || end.Content != "Hi there!" {
		t.Fatalf("unexpected reply frames %+v", msgs)
	}
	if end.Seq != 2 {
		t.Fatalf("expected assistant seq 2, got %d", end.Seq)
	}
}

func TestWebSocketCancel(t *testing.T) {
	env, conn := dial(t)
	env.Model.Set(func(m *chattest.ScriptedModel) {
		m.Chunks = []string{"Let's-a"}
		m.Hang = true
	})
	readUntil(t, conn, "connected")

	if err := conn.WriteJSON(inboundMessage{Type: "message", Content: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, "delta")

	if err := conn.WriteJSON(inboundMessage{Type: "cancel"}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}
	msgs := readUntil(t, conn, "end", "error")
	last := msgs[len(msgs)-1]
	if last.Type != "error" || last.Kind != "canceled" || last.State != "idle" {
		t.Fatalf("unexpected terminal frame %+v", last)
	}

	count, _ := env.Store.Count(context.Background(), "mario")
	if count != 1 {
		t.Fatalf("expected the partial reply to be dropped, got %d turns", count)
	}
}

func TestWebSocketCancelWhileStreamOpens(t *testing.T) {
	env, conn := dial(t)
	opened := make(chan struct{}, 1)
	env.Model.Set(func(m *chattest.ScriptedModel) {
		m.Opened = opened
		m.Gate = make(chan struct{})
	})
	readUntil(t, conn, "connected")

	if err := conn.WriteJSON(inboundMessage{Type: "message", Content: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("model was never asked to open a stream")
	}

	// The read loop must still be free while the stream is opening.
	if err := conn.WriteJSON(inboundMessage{Type: "cancel"}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}
	msgs := readUntil(t, conn, "end", "error")
	last := msgs[len(msgs)-1]
	if last.Type != "error" || last.Kind != "canceled" || last.State != "idle" {
		t.Fatalf("unexpected terminal frame %+v", last)
	}

	count, _ := env.Store.Count(context.Background(), "mario")
	if count != 0 {
		t.Fatalf("expected nothing stored for a canceled open, got %d turns", count)
	}
}

func TestWebSocketUnknownType(t *testing.T) {
	_, conn := dial(t)
	readUntil(t, conn, "connected")

	conn.WriteJSON(inboundMessage{Type: "shout"})
	msgs := readUntil(t, conn, "error")
	if msgs[len(msgs)-1].Kind != "bad_request" {
		t.Fatalf("unexpected frame %+v", msgs[len(msgs)-1])
	}
}
