package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ModelCache stores the model catalogue between ListModels calls.
type ModelCache interface {
	Get(ctx context.Context) ([]string, bool)
	Set(ctx context.Context, models []string)
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the names the service advertises, or an empty slice on
// any failure.
func (c *Client) ListModels(ctx context.Context) []string {
	if c.cache != nil {
		if models, ok := c.cache.Get(ctx); ok {
			return models
		}
	}

	models, err := c.fetchModels(ctx)
	if err != nil {
		c.log.Warn("list models failed", "error", err)
		return []string{}
	}

	if c.cache != nil {
		c.cache.Set(ctx, models)
	}
	return models
}

// TestConnection reports whether the model listing endpoint answers with 200
// within the connect timeout.
func (c *Client) TestConnection(ctx context.Context) bool {
	resp, err := c.getTags(ctx)
	if err != nil {
		c.log.Warn("llm service unreachable", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode == http.StatusOK
}

// SetModel switches to name only if the service currently lists it.
func (c *Client) SetModel(ctx context.Context, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}

	models, err := c.fetchModels(ctx)
	if err != nil {
		c.log.Warn("cannot verify model", "model", name, "error", err)
		return false
	}
	if c.cache != nil {
		c.cache.Set(ctx, models)
	}
	if !slices.Contains(models, name) {
		c.log.Warn("model not available", "model", name)
		return false
	}

	c.mu.Lock()
	c.model = name
	c.mu.Unlock()

	c.log.Info("model changed", "model", name)
	return true
}

func (c *Client) getTags(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	return c.probe.Do(req)
}

func (c *Client) fetchModels(ctx context.Context) ([]string, error) {
	resp, err := c.getTags(ctx)
	if err != nil {
		return nil, transportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Reason: "unexpected status", StatusCode: resp.StatusCode}
	}

	var out tagsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, &TransportError{Reason: "malformed response body", StatusCode: resp.StatusCode, Err: err}
	}

	models := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		if m.Name != "" {
			models = append(models, m.Name)
		}
	}
	return models, nil
}

// RedisModelCache keeps the catalogue in Redis so several processes share it.
type RedisModelCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisModelCache connects to redisURL and verifies the connection.
func NewRedisModelCache(ctx context.Context, redisURL, baseURL string, ttl time.Duration) (*RedisModelCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisModelCache{
		client: client,
		key:    "llm:models:" + strings.TrimRight(baseURL, "/"),
		ttl:    ttl,
	}, nil
}

// Get returns the cached catalogue; a miss or a Redis error reports false.
func (r *RedisModelCache) Get(ctx context.Context) ([]string, bool) {
	data, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		return nil, false
	}

	var models []string
	if err := json.Unmarshal([]byte(data), &models); err != nil {
		return nil, false
	}
	return models, true
}

// Set stores the catalogue; failures only cost a cache miss.
func (r *RedisModelCache) Set(ctx context.Context, models []string) {
	data, err := json.Marshal(models)
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, r.key, data, r.ttl).Err()
}

// Ping checks the Redis connection.
func (r *RedisModelCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (r *RedisModelCache) Close() error {
	return r.client.Close()
}
