package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/handler/chat"
	"github.com/visionagent/backend/internal/handler/persona"
	"github.com/visionagent/backend/internal/handler/stream"
	"github.com/visionagent/backend/internal/handler/system"
	"github.com/visionagent/backend/internal/metrics"
	personaModel "github.com/visionagent/backend/internal/model/persona"
	"github.com/visionagent/backend/internal/service/conversation"
	"github.com/visionagent/backend/pkg/logger"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Orchestrator   *conversation.Orchestrator
	Identities     personaModel.Store
	Emotions       *emotion.Table
	Models         system.Models
	Store          system.Pinger
	Cache          system.Pinger
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *logger.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(deps.AllowedOrigins)))

	chatHandler := chat.New(deps.Orchestrator, deps.Logger)
	personaHandler := persona.New(deps.Identities, deps.Emotions, deps.Orchestrator, deps.Logger)
	streamHandler := stream.New(deps.Orchestrator, deps.Logger, deps.AllowedOrigins)
	systemHandler := system.New(deps.Models, deps.Store, deps.Cache, deps.Logger)

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		systemHandler.RegisterRoutes(api)
	})

	r.Handle("/metrics", deps.Metrics.Handler())

	return r
}

func corsOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}
