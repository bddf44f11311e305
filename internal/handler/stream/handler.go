package stream

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/visionagent/backend/internal/handler/apierr"
	"github.com/visionagent/backend/internal/service/conversation"
	"github.com/visionagent/backend/pkg/logger"
	"github.com/visionagent/backend/pkg/utils"
)

// SSE event names.
const (
	EventChunk = "chunk"
	EventDone  = "done"
	EventError = "error"
)

// Handler manages streaming replies over Server-Sent Events and WebSocket.
type Handler struct {
	orch *conversation.Orchestrator
	log  *logger.Logger
	ws   *WebSocketHandler
}

// New creates a new stream handler. allowedOrigins restricts WebSocket
// upgrades; empty or "*" accepts any origin.
func New(orch *conversation.Orchestrator, log *logger.Logger, allowedOrigins []string) *Handler {
	log = logger.OrDiscard(log).Component("stream_handler")
	return &Handler{
		orch: orch,
		log:  log,
		ws:   newWebSocketHandler(orch, log, allowedOrigins),
	}
}

// RegisterRoutes 注册流式路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.handleStream)
	r.Get("/ws", h.ws.handleWebSocket)
}

// ChunkEvent carries one text fragment.
type ChunkEvent struct {
	Text string `json:"text"`
}

// ErrorEvent reports a failure after the stream was opened.
type ErrorEvent struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// handleStream 以SSE推送回复片段，最后发送完整的 Exchange
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	message := strings.TrimSpace(query.Get("message"))
	userKey, emotionTag := query.Get("user"), query.Get("emotion")

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// 在写入SSE头之前拒绝明显无效的请求，让客户端拿到正确的状态码
	switch {
	case message == "":
		apierr.Respond(w, h.log, conversation.ErrEmptyMessage)
		return
	case h.orch.ActiveSession() == "":
		apierr.Respond(w, h.log, conversation.ErrNoActiveSession)
		return
	case h.orch.Busy():
		apierr.Respond(w, h.log, conversation.ErrBusy)
		return
	}

	if userKey == "" && emotionTag == "" {
		current := h.orch.Current()
		userKey, emotionTag = current.UserKey, current.Emotion
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ex, err := h.orch.SubmitStream(r.Context(), message, userKey, emotionTag, func(text string) error {
		return utils.SendSSEEvent(w, flusher, EventChunk, ChunkEvent{Text: text})
	})
	if err != nil {
		if r.Context().Err() != nil {
			h.log.Info("stream closed by client", "error", err)
			return
		}
		status := apierr.Status(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			h.log.LogError(err, "stream submit failed")
			msg = http.StatusText(status)
		}
		_ = utils.SendSSEEvent(w, flusher, EventError, ErrorEvent{Status: status, Error: msg})
		return
	}

	_ = utils.SendSSEEvent(w, flusher, EventDone, ex)
}
