package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/config"
	"github.com/visionagent/backend/internal/events"
	"github.com/visionagent/backend/internal/handler"
	"github.com/visionagent/backend/internal/handler/system"
	"github.com/visionagent/backend/internal/metrics"
	"github.com/visionagent/backend/internal/model/persona"
	"github.com/visionagent/backend/internal/service/ai"
	"github.com/visionagent/backend/internal/service/chat"
	"github.com/visionagent/backend/internal/service/conversation"
	"github.com/visionagent/backend/internal/service/fallback"
	"github.com/visionagent/backend/internal/service/vision"
	"github.com/visionagent/backend/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env 是可选的
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.DefaultConfig()).LogError(err, "failed to load configuration")
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON, Output: os.Stderr})
	logger.SetGlobal(log)
	if envErr != nil {
		log.Debug("no .env file, using process environment only", "error", envErr)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.LogError(err, "server stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ids, err := config.LoadIdentities(cfg.Conversation.IdentitiesFile)
	if err != nil {
		return err
	}
	identities := persona.NewMemoryStore(ids.Users)
	emotions := emotion.NewTable(ids.Emotions)
	log.Info("identities loaded", "users", len(ids.Users), "emotions", len(ids.Emotions))

	store, closeStore, err := chat.Open(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()

	clientOpts := []ai.Option{
		ai.WithLogger(log),
		ai.WithBreaker(ai.NewBreaker(cfg.LLM.BreakerThreshold, cfg.LLM.BreakerCooldown, log)),
	}
	// 避免把 nil 指针装进接口
	var cachePinger system.Pinger
	if cfg.Redis.Enabled() {
		cache, err := ai.NewRedisModelCache(ctx, cfg.Redis.URL, cfg.LLM.BaseURL, cfg.Redis.ModelTTL)
		if err != nil {
			log.Warn("model cache disabled", "error", err)
		} else {
			defer cache.Close()
			clientOpts = append(clientOpts, ai.WithModelCache(cache))
			cachePinger = cache
		}
	}

	builder := ai.NewBuilder(identities, emotions,
		ai.WithHistoryWindow(cfg.Conversation.HistoryWindow),
		ai.WithBuilderLogger(log),
	)
	client := ai.NewClient(cfg.LLM, builder, clientOpts...)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.LLM.ConnectTimeout)
	if client.TestConnection(connectCtx) {
		log.Info("llm service reachable", "base_url", cfg.LLM.BaseURL, "model", client.Model())
	} else {
		log.Warn("llm service unreachable, replies will use fallbacks until it recovers", "base_url", cfg.LLM.BaseURL)
	}
	cancel()

	var selectorOpts []fallback.Option
	if seed := cfg.Conversation.FallbackSeed; seed != nil {
		selectorOpts = append(selectorOpts, fallback.WithSeed(*seed))
	}

	var classifier vision.Classifier
	if c := vision.NewHTTPClassifier(cfg.Classifier.URL, cfg.Classifier.Timeout); c != nil {
		classifier = c
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.Enabled() {
		p, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			log.Warn("exchange events disabled", "error", err)
		} else {
			publisher = p
		}
	}
	defer publisher.Close()

	orch, err := conversation.New(conversation.Deps{
		Store:      store,
		LLM:        client,
		Fallback:   fallback.NewSelector(identities, emotions, selectorOpts...),
		Identities: identities,
		Emotions:   emotions,
		Resolver:   vision.NewResolver(identities, emotions),
		Classifier: classifier,
		Publisher:  publisher,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	// 启动时总有一个可用的会话
	if _, err := orch.NewSession(ctx, ""); err != nil {
		return err
	}

	router := handler.NewRouter(handler.Deps{
		Orchestrator:   orch,
		Identities:     identities,
		Emotions:       emotions,
		Models:         client,
		Store:          store,
		Cache:          cachePinger,
		Metrics:        m,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log,
	})

	return startServer(ctx, cfg.Server, router, log)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("vision agent backend listening", "addr", serverCfg.Addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
