package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/visionagent/backend/internal/model/chat"
)

// GormStore persists sessions in a relational database through GORM.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore wraps an already migrated database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or updates the sessions and messages tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&chat.Session{}, &chat.Message{}); err != nil {
		return fmt.Errorf("migrate chat tables: %w", err)
	}
	return nil
}

func (s *GormStore) CreateSession(ctx context.Context, name string) (chat.Session, error) {
	now := s.now()
	session := chat.Session{
		ID:          uuid.NewString(),
		Name:        name,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	var session chat.Session
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Session{}, ErrSessionNotFound
		}
		return chat.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

type sessionCount struct {
	SessionID string
	Count     int64
}

func (s *GormStore) ListSessions(ctx context.Context) ([]chat.SessionSummary, error) {
	db := s.db.WithContext(ctx)

	var sessions []chat.Session
	if err := db.Order("last_updated DESC").Order("id").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var counts []sessionCount
	err := db.Model(&chat.Message{}).
		Select("session_id, COUNT(*) AS count").
		Group("session_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	byID := make(map[string]int64, len(counts))
	for _, row := range counts {
		byID[row.SessionID] = row.Count
	}

	out := make([]chat.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, chat.SessionSummary{
			ID:           session.ID,
			Name:         session.Name,
			CreatedAt:    session.CreatedAt,
			LastUpdated:  session.LastUpdated,
			MessageCount: byID[session.ID],
		})
	}
	return out, nil
}

// DeleteSession 在同一事务内先删消息再删会话，任一步失败整体回滚。
func (s *GormStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&chat.Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}

		res := tx.Where("id = ?", sessionID).Delete(&chat.Session{})
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

func (s *GormStore) AppendMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := validateMessage(msg); err != nil {
		return chat.Message{}, err
	}

	msg.ID = 0
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&chat.Session{}).
			Where("id = ? AND last_updated < ?", msg.SessionID, msg.CreatedAt).
			Update("last_updated", msg.CreatedAt)
		if res.Error != nil {
			return fmt.Errorf("touch session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&chat.Session{}).Where("id = ?", msg.SessionID).Count(&n).Error; err != nil {
				return fmt.Errorf("check session: %w", err)
			}
			if n == 0 {
				return ErrSessionNotFound
			}
		}

		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}

	msg.Payload = nil
	return msg, nil
}

func (s *GormStore) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	db := s.db.WithContext(ctx)

	var n int64
	if err := db.Model(&chat.Session{}).Where("id = ?", sessionID).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if n == 0 {
		return nil, ErrSessionNotFound
	}

	var messages []chat.Message
	err := db.Omit("payload").
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func (s *GormStore) ImagePayload(ctx context.Context, messageID uint) ([]byte, error) {
	var msg chat.Message
	err := s.db.WithContext(ctx).
		Select("id", "kind", "payload").
		Where("id = ?", messageID).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("get image payload: %w", err)
	}
	if !msg.HasImage() {
		return nil, ErrMessageNotFound
	}
	return msg.Payload, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}
