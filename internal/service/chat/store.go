package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/visionagent/backend/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidMessage 表示消息类型与图片负载不匹配（负载仅允许出现在 image 消息上）。
	ErrInvalidMessage = errors.New("invalid message")
)

// Store is the durable representation of sessions and their messages.
//
// ListMessages never returns image payloads; use ImagePayload to fetch one.
type Store interface {
	CreateSession(ctx context.Context, name string) (chat.Session, error)
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	ListSessions(ctx context.Context) ([]chat.SessionSummary, error)
	// DeleteSession removes the session and all of its messages atomically.
	DeleteSession(ctx context.Context, sessionID string) error
	// AppendMessage stores msg, bumps the session's LastUpdated and returns
	// the message with its ID and CreatedAt assigned.
	AppendMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error)
	ImagePayload(ctx context.Context, messageID uint) ([]byte, error)
	Ping(ctx context.Context) error
}

func validateMessage(msg chat.Message) error {
	if msg.SessionID == "" {
		return ErrSessionNotFound
	}
	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, msg.Kind)
	}
	if (msg.Kind == chat.KindImage) != (len(msg.Payload) > 0) {
		return fmt.Errorf("%w: payload must be present only on image messages", ErrInvalidMessage)
	}
	return nil
}
