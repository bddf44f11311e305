package stream

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visionagent/backend/internal/handler/apierr"
	"github.com/visionagent/backend/internal/service/conversation"
	"github.com/visionagent/backend/pkg/logger"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// WebSocketHandler runs a submit loop over a single connection.
type WebSocketHandler struct {
	orch     *conversation.Orchestrator
	log      *logger.Logger
	upgrader websocket.Upgrader
}

func newWebSocketHandler(orch *conversation.Orchestrator, log *logger.Logger, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		orch: orch,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Inbound message types.
const (
	TypeSubmit = "submit"
	TypeGreet  = "greet"
)

// Outbound message types.
const (
	TypeConnected = "connected"
	TypeChunk     = "chunk"
	TypeReply     = "reply"
	TypeError     = "error"
)

type inboundMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	UserKey string `json:"userKey"`
	Emotion string `json:"emotion"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	Exchange  any    `json:"exchange,omitempty"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg outgoingMessage) error {
	msg.Timestamp = time.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.LogError(err, "websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	c := &wsConn{conn: conn}
	go h.pingLoop(ctx, c)

	h.log.Info("websocket connected", "remote", r.RemoteAddr)
	if err := c.send(outgoingMessage{Type: TypeConnected, SessionID: h.orch.ActiveSession()}); err != nil {
		return
	}

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.LogError(err, "websocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if err := h.handleMessage(ctx, c, msg); err != nil {
			h.log.LogError(err, "websocket write failed")
			return
		}
	}
}

// handleMessage 处理单条入站消息，只有写失败才返回错误
func (h *WebSocketHandler) handleMessage(ctx context.Context, c *wsConn, msg inboundMessage) error {
	var (
		ex  *conversation.Exchange
		err error
	)

	switch msg.Type {
	case TypeSubmit, "":
		userKey, emotionTag := msg.UserKey, msg.Emotion
		if userKey == "" && emotionTag == "" {
			current := h.orch.Current()
			userKey, emotionTag = current.UserKey, current.Emotion
		}
		ex, err = h.orch.SubmitStream(ctx, msg.Message, userKey, emotionTag, func(text string) error {
			return c.send(outgoingMessage{Type: TypeChunk, Text: text})
		})
	case TypeGreet:
		ex, err = h.orch.Greet(ctx)
	default:
		return c.send(outgoingMessage{Type: TypeError, Status: http.StatusBadRequest, Error: "unknown message type: " + msg.Type})
	}

	if err != nil {
		status := apierr.Status(err)
		text := err.Error()
		if status == http.StatusInternalServerError {
			h.log.LogError(err, "websocket submit failed")
			text = http.StatusText(status)
		}
		return c.send(outgoingMessage{Type: TypeError, Status: status, Error: text})
	}
	return c.send(outgoingMessage{Type: TypeReply, SessionID: ex.SessionID, Exchange: ex})
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(pingInterval)
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
