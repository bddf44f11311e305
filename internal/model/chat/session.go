package chat

import "time"

// Session is a named, persisted conversation container.
type Session struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	Name        string    `json:"name" gorm:"not null"`
	CreatedAt   time.Time `json:"createdAt" gorm:"not null"`
	LastUpdated time.Time `json:"lastUpdated" gorm:"not null;index"`

	Messages []Message `json:"-" gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// TableName pins the table name used by the relational store.
func (Session) TableName() string {
	return "sessions"
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUpdated  time.Time `json:"lastUpdated"`
	MessageCount int64     `json:"messageCount"`
}
