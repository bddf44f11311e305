package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/visionagent/backend/pkg/logger"
)

// Exchange is published after every completed submit.
type Exchange struct {
	SessionID      string    `json:"sessionId"`
	UserKey        string    `json:"userKey,omitempty"`
	Emotion        string    `json:"emotion,omitempty"`
	UserMessage    string    `json:"userMessage"`
	Reply          string    `json:"reply"`
	Model          string    `json:"model,omitempty"`
	Fallback       bool      `json:"fallback"`
	FallbackReason string    `json:"fallbackReason,omitempty"`
	Partial        bool      `json:"partial,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher delivers exchange events. Publishing is best effort.
type Publisher interface {
	PublishExchange(ctx context.Context, evt Exchange) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishExchange(context.Context, Exchange) error { return nil }
func (NopPublisher) Close() error                                    { return nil }

// NATSPublisher publishes JSON encoded events on a single subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
}

// NewNATSPublisher connects to url with infinite reconnects.
func NewNATSPublisher(url, subject string, log *logger.Logger) (*NATSPublisher, error) {
	log = logger.OrDiscard(log).Component("events")

	conn, err := nats.Connect(url,
		nats.Name("vision-agent"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("connected to NATS", "url", url, "subject", subject)
	return &NATSPublisher{conn: conn, subject: subject, log: log}, nil
}

func (p *NATSPublisher) PublishExchange(_ context.Context, evt Exchange) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
		p.log.Info("NATS connection closed")
	}
	return nil
}
