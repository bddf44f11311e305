package chat

import "time"

// Kind distinguishes who produced a message.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindImage     Kind = "image"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindAssistant, KindImage:
		return true
	default:
		return false
	}
}

// Message is an append-only entry of a session. Payload is set only for
// KindImage messages.
type Message struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	SessionID string    `json:"sessionId" gorm:"size:36;not null;index"`
	Kind      Kind      `json:"kind" gorm:"size:16;not null"`
	Content   string    `json:"content" gorm:"not null"`
	UserKey   string    `json:"userKey,omitempty"`
	Emotion   string    `json:"emotion,omitempty"`
	Payload   []byte    `json:"-"`
	Fallback  bool      `json:"fallback,omitempty"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null;index"`
}

// TableName pins the table name used by the relational store.
func (Message) TableName() string {
	return "messages"
}

// HasImage reports whether the message carries an image payload.
func (m Message) HasImage() bool {
	return m.Kind == KindImage && len(m.Payload) > 0
}
