package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visionagent/backend/internal/model/chat"
)

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// MemoryStore keeps sessions in process memory. Suitable for tests and for
// running without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextID   uint
	sessions map[string]chat.Session
	messages map[string][]chat.Message
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession provisions an empty session.
func (s *MemoryStore) CreateSession(_ context.Context, name string) (chat.Session, error) {
	now := s.now()
	session := chat.Session{
		ID:          uuid.NewString(),
		Name:        name,
		CreatedAt:   now,
		LastUpdated: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns summaries ordered by LastUpdated, newest first.
func (s *MemoryStore) ListSessions(_ context.Context) ([]chat.SessionSummary, error) {
	s.mu.RLock()
	out := make([]chat.SessionSummary, 0, len(s.sessions))
	for id, session := range s.sessions {
		out = append(out, chat.SessionSummary{
			ID:           id,
			Name:         session.Name,
			CreatedAt:    session.CreatedAt,
			LastUpdated:  session.LastUpdated,
			MessageCount: int64(len(s.messages[id])),
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteSession drops the session and its messages under a single lock.
func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.messages, sessionID)
	delete(s.sessions, sessionID)
	return nil
}

// AppendMessage appends a message to the session history.
func (s *MemoryStore) AppendMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	if err := validateMessage(msg); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[msg.SessionID]
	if !ok {
		return chat.Message{}, ErrSessionNotFound
	}

	s.nextID++
	msg.ID = s.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)

	if msg.CreatedAt.After(session.LastUpdated) {
		session.LastUpdated = msg.CreatedAt
		s.sessions[msg.SessionID] = session
	}

	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)

	stored := msg
	stored.Payload = nil
	return stored, nil
}

// ListMessages returns stored messages ordered by creation time.
func (s *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	for i := range copied {
		copied[i].Payload = nil
	}
	sort.SliceStable(copied, func(i, j int) bool {
		if !copied[i].CreatedAt.Equal(copied[j].CreatedAt) {
			return copied[i].CreatedAt.Before(copied[j].CreatedAt)
		}
		return copied[i].ID < copied[j].ID
	})
	return copied, nil
}

// ImagePayload returns the binary payload of an image message.
func (s *MemoryStore) ImagePayload(_ context.Context, messageID uint) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, messages := range s.messages {
		for _, msg := range messages {
			if msg.ID == messageID {
				if !msg.HasImage() {
					return nil, ErrMessageNotFound
				}
				return append([]byte(nil), msg.Payload...), nil
			}
		}
	}
	return nil, ErrMessageNotFound
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
