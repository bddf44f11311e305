package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/visionagent/backend/internal/config"
	"github.com/visionagent/backend/internal/model/chat"
	"github.com/visionagent/backend/pkg/logger"
)

const maxResponseBytes = 4 << 20

// Client talks to an Ollama-compatible LLM service.
type Client struct {
	baseURL string
	options config.SamplingOptions

	mu    sync.RWMutex
	model string

	http   *http.Client
	probe  *http.Client
	stream *http.Client
	// streamIdle bounds the wait for the response headers and for each
	// streamed line.
	streamIdle time.Duration
	builder    *Builder
	breaker    *Breaker
	cache      ModelCache
	log        *logger.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for generate calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithModelCache caches the model catalogue between ListModels calls.
func WithModelCache(cache ModelCache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithBreaker installs a circuit breaker around generate calls.
func WithBreaker(b *Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithLogger sets the client logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) {
		c.log = logger.OrDiscard(log).Component("llm")
	}
}

// NewClient creates a new LLM client. Generate calls are bounded by
// cfg.Timeout; catalogue calls by cfg.ConnectTimeout.
func NewClient(cfg config.LLMConfig, builder *Builder, opts ...Option) *Client {
	if builder == nil {
		builder = NewBuilder(nil, nil)
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		options: cfg.Options,
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
		probe:   &http.Client{Timeout: cfg.ConnectTimeout},
		// 流式请求没有整体超时，只限制首包和行间的等待时间
		stream:     &http.Client{Transport: streamTransport(cfg.Timeout)},
		streamIdle: cfg.Timeout,
		builder:    builder,
		log:        logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func streamTransport(headerTimeout time.Duration) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	t := base.Clone()
	t.ResponseHeaderTimeout = headerTimeout
	return t
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options config.SamplingOptions `json:"options"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Model returns the model name used for new requests.
func (c *Client) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// Builder exposes the prompt builder the client renders prompts with.
func (c *Client) Builder() *Builder {
	return c.builder
}

// Generate builds the prompt and performs one non-streaming completion.
// It returns *Reply, ErrEmptyReply or a *TransportError; it never invents
// content.
func (c *Client) Generate(ctx context.Context, userKey, emotionTag, message string, history []chat.Turn) (*Reply, error) {
	return c.Complete(ctx, c.builder.Build(userKey, emotionTag, message, history))
}

// Complete sends an already rendered prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (*Reply, error) {
	model := c.Model()

	var reply *Reply
	err := c.breaker.Execute(func() error {
		var err error
		reply, err = c.generate(ctx, model, prompt)
		return err
	})
	if err != nil {
		c.log.Warn("generate failed", "model", model, "outcome", Outcome(err), "error", err)
		return nil, err
	}

	c.log.Debug("generated reply", "model", model, "length", len(reply.Text))
	return reply, nil
}

func (c *Client) generate(ctx context.Context, model, prompt string) (*Reply, error) {
	req, err := c.newGenerateRequest(ctx, model, prompt, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &TransportError{Reason: "unexpected status", StatusCode: resp.StatusCode}
	}

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		if te := transportFailure(err); te.Timeout {
			return nil, te
		}
		return nil, &TransportError{Reason: "malformed response body", StatusCode: resp.StatusCode, Err: err}
	}

	text := strings.TrimSpace(out.Response)
	if text == "" {
		return nil, ErrEmptyReply
	}
	return &Reply{Text: text, Model: model}, nil
}

func (c *Client) newGenerateRequest(ctx context.Context, model, prompt string, stream bool) (*http.Request, error) {
	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  stream,
		Options: c.options,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Reason: "invalid request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
