package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	chatHandler "github.com/zhouzirui/dyno-tavern/backend/internal/handler/chat"
	chatService "github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Handler WebSocket聊天处理器
type Handler struct {
	chatSvc  *chatService.Service
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	PersonaID string `json:"personaId,omitempty"`
	Content   string `json:"content,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	State     string `json:"state,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// connection serialises writes; gorilla allows one concurrent writer only.
type connection struct {
	conn    *websocket.Conn
	session *chatService.Coordinator
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	active *chatService.Reply
	wg     sync.WaitGroup
}

func (c *connection) send(msg outgoingMessage) {
	msg.SessionID = c.session.ID()
	msg.Timestamp = time.Now().Unix()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug().Err(err).Str("type", msg.Type).Msg("[websocket] write failed")
	}
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *connection) sendState() {
	c.send(outgoingMessage{Type: "state", State: string(c.session.State())})
}

func (c *connection) sendError(err error) {
	c.send(outgoingMessage{
		Type:  "error",
		Kind:  chatHandler.ErrorKind(err),
		State: string(c.session.State()),
		Error: err.Error(),
	})
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), chatHandler.StatusFor(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[websocket] upgrade failed")
		return
	}
	defer conn.Close()

	c := &connection{
		conn:    conn,
		session: session,
		logger:  log.With().Str("session", sessionID).Logger(),
	}
	c.logger.Info().Msg("[websocket] new connection")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.cancelActive()
		c.wg.Wait()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.pingLoop(ctx, c)

	p := session.Persona()
	c.send(outgoingMessage{Type: "connected", PersonaID: p.ID, Content: p.OpeningLine, State: string(session.State())})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("[websocket] read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "message":
			h.startReply(ctx, c, msg.Content)
		case "cancel":
			session.Cancel()
		default:
			c.send(outgoingMessage{Type: "error", Kind: "bad_request", Error: "unknown message type " + msg.Type})
		}
	}
}

// startReply submits the message and streams the reply from its own goroutine
// so the read loop stays free to receive a cancel, even while the model is
// still opening the stream.
func (h *Handler) startReply(ctx context.Context, c *connection, content string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		reply, err := c.session.Submit(ctx, content)
		if err != nil {
			c.sendError(err)
			return
		}

		c.mu.Lock()
		c.active = reply
		c.mu.Unlock()
		c.sendState()

		defer func() {
			c.mu.Lock()
			if c.active == reply {
				c.active = nil
			}
			c.mu.Unlock()
		}()
		h.relay(c, reply)
	}()
}

func (h *Handler) relay(c *connection, reply *chatService.Reply) {
	defer reply.Cancel()

	for {
		fragment, err := reply.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.sendError(err)
			return
		}
		c.send(outgoingMessage{Type: "delta", Content: fragment})
	}

	result := reply.Result()
	for _, warning := range result.Warnings {
		c.send(outgoingMessage{Type: "warning", Content: warning})
	}
	end := outgoingMessage{Type: "end", Content: result.Reply, State: string(c.session.State())}
	if result.AssistantTurn != nil {
		end.Seq = result.AssistantTurn.Seq
	}
	c.send(end)
}

func (c *connection) cancelActive() {
	c.mu.Lock()
	reply := c.active
	c.mu.Unlock()
	if reply != nil {
		reply.Cancel()
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
