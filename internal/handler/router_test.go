package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/visionagent/backend/internal/handler/handlertest"
	"github.com/visionagent/backend/internal/metrics"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	env := handlertest.New(t, "hola")
	return NewRouter(Deps{
		Orchestrator:   env.Orchestrator,
		Identities:     env.Identities,
		Emotions:       env.Emotions,
		Models:         env.Client,
		Store:          env.Store,
		Metrics:        metrics.New(),
		AllowedOrigins: []string{"http://localhost:5173"},
	})
}

func TestRouterMountsAPI(t *testing.T) {
	r := newTestRouter(t)

	for _, path := range []string{"/api/identities", "/api/emotions", "/api/sessions", "/api/models", "/api/health", "/api/context"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestRouterExposesMetrics(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "go_goroutines") {
		t.Fatal("expected runtime collectors in metrics output")
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}
