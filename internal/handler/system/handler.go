package system

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/visionagent/backend/pkg/logger"
	"github.com/visionagent/backend/pkg/utils"
)

// Models is the model catalogue surface of the LLM client.
type Models interface {
	Model() string
	ListModels(ctx context.Context) []string
	SetModel(ctx context.Context, name string) bool
	TestConnection(ctx context.Context) bool
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler exposes model management and health checks.
type Handler struct {
	models Models
	store  Pinger
	cache  Pinger
	log    *logger.Logger
}

// New creates a system handler. cache may be nil.
func New(models Models, store Pinger, cache Pinger, log *logger.Logger) *Handler {
	return &Handler{
		models: models,
		store:  store,
		cache:  cache,
		log:    logger.OrDiscard(log).Component("system_handler"),
	}
}

// RegisterRoutes 注册系统路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/models", h.handleListModels)
	r.Put("/models/current", h.handleSetModel)
	r.Get("/health", h.handleHealth)
}

type modelsView struct {
	Current string   `json:"current"`
	Models  []string `json:"models"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, modelsView{
		Current: h.models.Model(),
		Models:  h.models.ListModels(r.Context()),
	})
}

func (h *Handler) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(payload.Model)
	if name == "" {
		utils.RespondError(w, http.StatusBadRequest, "model is required")
		return
	}

	if !h.models.SetModel(r.Context(), name) {
		utils.RespondError(w, http.StatusBadRequest, "model not available: "+name)
		return
	}
	h.log.Info("model switched", "model", name)
	h.handleListModels(w, r)
}

type healthView struct {
	Status   string `json:"status"`
	LLM      bool   `json:"llm"`
	Database bool   `json:"database"`
	Cache    *bool  `json:"cache,omitempty"`
	Model    string `json:"model"`
}

// handleHealth 数据库不可用时返回503；LLM 不可用只算降级，因为有兜底回复
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	view := healthView{
		Status: "ok",
		LLM:    h.models.TestConnection(ctx),
		Model:  h.models.Model(),
	}

	if err := h.store.Ping(ctx); err != nil {
		h.log.LogError(err, "database ping failed")
	} else {
		view.Database = true
	}

	if h.cache != nil {
		ok := h.cache.Ping(ctx) == nil
		view.Cache = &ok
	}

	status := http.StatusOK
	switch {
	case !view.Database:
		view.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case !view.LLM || (view.Cache != nil && !*view.Cache):
		view.Status = "degraded"
	}
	utils.RespondJSON(w, status, view)
}
