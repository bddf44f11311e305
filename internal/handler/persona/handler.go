package persona

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/handler/apierr"
	"github.com/visionagent/backend/internal/model/persona"
	"github.com/visionagent/backend/internal/service/conversation"
	"github.com/visionagent/backend/pkg/logger"
	"github.com/visionagent/backend/pkg/utils"
)

// Handler 身份、情绪与当前上下文的HTTP处理器
type Handler struct {
	identities persona.Store
	emotions   *emotion.Table
	orch       *conversation.Orchestrator
	log        *logger.Logger
}

// New 创建persona处理器
func New(identities persona.Store, emotions *emotion.Table, orch *conversation.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{
		identities: identities,
		emotions:   emotions,
		orch:       orch,
		log:        logger.OrDiscard(log).Component("persona_handler"),
	}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/identities", h.handleListIdentities)
	r.Get("/emotions", h.handleListEmotions)
	r.Get("/context", h.handleGetContext)
	r.Put("/context", h.handleSetContext)
	r.Post("/context/greet", h.handleGreet)
}

func (h *Handler) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.identities.List())
}

type emotionView struct {
	Tag         string `json:"tag"`
	Instruction string `json:"instruction"`
}

func (h *Handler) handleListEmotions(w http.ResponseWriter, r *http.Request) {
	labels := h.emotions.Labels()
	out := make([]emotionView, 0, len(labels))
	for _, label := range labels {
		out = append(out, emotionView{Tag: string(label), Instruction: h.emotions.Instruction(string(label))})
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

type contextView struct {
	SessionID string            `json:"sessionId,omitempty"`
	Busy      bool              `json:"busy"`
	Current   conversation.Pair `json:"current"`
}

func (h *Handler) handleGetContext(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, contextView{
		SessionID: h.orch.ActiveSession(),
		Busy:      h.orch.Busy(),
		Current:   h.orch.Current(),
	})
}

// handleSetContext 手动选择用户与情绪，相当于一次人工检测
func (h *Handler) handleSetContext(w http.ResponseWriter, r *http.Request) {
	var payload conversation.Pair
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.orch.SetCurrent(payload.UserKey, payload.Emotion); err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	h.handleGetContext(w, r)
}

func (h *Handler) handleGreet(w http.ResponseWriter, r *http.Request) {
	ex, err := h.orch.Greet(r.Context())
	if err != nil {
		apierr.Respond(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, ex)
}
