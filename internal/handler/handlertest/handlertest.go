// Package handlertest builds orchestrators backed by a fake Ollama server
// for handler tests.
package handlertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/config"
	"github.com/visionagent/backend/internal/model/persona"
	"github.com/visionagent/backend/internal/service/ai"
	chatsvc "github.com/visionagent/backend/internal/service/chat"
	"github.com/visionagent/backend/internal/service/conversation"
	"github.com/visionagent/backend/internal/service/fallback"
	"github.com/visionagent/backend/internal/service/vision"
)

// Models is the catalog served by the fake /api/tags endpoint.
var Models = []string{"llama3:latest", "mistral:7b"}

// Env is a wired orchestrator plus the pieces handlers need.
type Env struct {
	Orchestrator *conversation.Orchestrator
	Client       *ai.Client
	Store        *chatsvc.MemoryStore
	Identities   persona.Store
	Emotions     *emotion.Table
	Ollama       *httptest.Server
}

// Option customises the environment.
type Option func(*conversation.Deps)

// WithClassifier sets the image classifier.
func WithClassifier(c vision.Classifier) Option {
	return func(d *conversation.Deps) { d.Classifier = c }
}

// NewOllama serves /api/generate with reply (split into word chunks when
// streaming) and /api/tags with Models. An empty reply answers 500.
func NewOllama(t *testing.T, reply string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if reply == "" {
			http.Error(w, "model crashed", http.StatusInternalServerError)
			return
		}
		enc := json.NewEncoder(w)
		if !req.Stream {
			_ = enc.Encode(map[string]any{"response": reply, "done": true})
			return
		}
		for _, word := range strings.SplitAfter(reply, " ") {
			_ = enc.Encode(map[string]any{"response": word, "done": false})
		}
		_ = enc.Encode(map[string]any{"response": "", "done": true})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		type model struct {
			Name string `json:"name"`
		}
		var out struct {
			Models []model `json:"models"`
		}
		for _, name := range Models {
			out.Models = append(out.Models, model{Name: name})
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// New wires an orchestrator over an in-memory store with an active session.
func New(t *testing.T, reply string, opts ...Option) *Env {
	t.Helper()

	ids := config.DefaultIdentities()
	identities := persona.NewMemoryStore(ids.Users)
	emotions := emotion.NewTable(ids.Emotions)
	srv := NewOllama(t, reply)

	client := ai.NewClient(config.LLMConfig{
		BaseURL:        srv.URL,
		Model:          Models[0],
		Timeout:        2 * time.Second,
		ConnectTimeout: time.Second,
		Options:        config.DefaultSamplingOptions(),
	}, ai.NewBuilder(identities, emotions))

	store := chatsvc.NewMemoryStore()
	deps := conversation.Deps{
		Store:      store,
		LLM:        client,
		Fallback:   fallback.NewSelector(identities, emotions, fallback.WithSeed(7)),
		Identities: identities,
		Emotions:   emotions,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	orch, err := conversation.New(deps)
	if err != nil {
		t.Fatalf("conversation.New: %v", err)
	}

	return &Env{
		Orchestrator: orch,
		Client:       client,
		Store:        store,
		Identities:   identities,
		Emotions:     emotions,
		Ollama:       srv,
	}
}
