package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/visionagent/backend/internal/handler/apierr"
	"github.com/visionagent/backend/internal/service/conversation"
	"github.com/visionagent/backend/pkg/logger"
	"github.com/visionagent/backend/pkg/utils"
)

// MaxImageBytes caps uploaded images.
const MaxImageBytes = 10 << 20

// Handler 聊天服务的HTTP处理器
type Handler struct {
	orch *conversation.Orchestrator
	log  *logger.Logger
}

// New 创建聊天处理器
func New(orch *conversation.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{
		orch: orch,
		log:  logger.OrDiscard(log).Component("chat_handler"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleLoadSession)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
	r.Get("/sessions/{sessionID}/export", h.handleExport)

	r.Post("/chat", h.handleSubmit)
	r.Post("/chat/image", h.handleSubmitImage)
	r.Get("/messages/{messageID}/image", h.handleImage)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.orch.ListSessions(r.Context())
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

// handleCreateSession 创建会话并设为当前会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	// 请求体可以为空，此时使用默认名称
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.orch.NewSession(r.Context(), payload.Name)
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	loaded, err := h.orch.Load(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, loaded)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	text, err := h.orch.Export(r.Context(), sessionID)
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondText(w, http.StatusOK, "chat_"+sessionID+".txt", text)
}

type submitRequest struct {
	Message string `json:"message"`
	UserKey string `json:"userKey"`
	Emotion string `json:"emotion"`
}

// handleSubmit 提交一条用户消息。未指定用户和情绪时使用当前检测结果。
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload submitRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.UserKey == "" && payload.Emotion == "" {
		current := h.orch.Current()
		payload.UserKey, payload.Emotion = current.UserKey, current.Emotion
	}

	ex, err := h.orch.Submit(r.Context(), payload.Message, payload.UserKey, payload.Emotion)
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, ex)
}

// handleSubmitImage 接收 multipart 图片，可选 label 字段跳过分类器
func (h *Handler) handleSubmitImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxImageBytes+1<<20)
	if err := r.ParseMultipartForm(MaxImageBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "image field is required")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, MaxImageBytes+1))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read image")
		return
	}
	if len(image) > MaxImageBytes {
		utils.RespondError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(image)
	}

	ex, err := h.orch.SubmitImage(r.Context(), image, contentType, strings.TrimSpace(r.FormValue("label")))
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, ex)
}

func (h *Handler) handleImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	payload, err := h.orch.ImagePayload(r.Context(), uint(id))
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(payload))
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		h.log.LogError(err, "failed to write image", "message_id", id)
	}
}
