package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	ID string `gorm:"primaryKey;type:text" json:"id"`

	// Nil for standalone messages created outside any thread.
	ThreadID *string `gorm:"index;type:text" json:"thread_id,omitempty"`

	Role    string `gorm:"type:text;not null" json:"role"`
	Content string `gorm:"type:text;not null" json:"content"`

	// Free-form origin tag, e.g. "slack".
	Channel string `gorm:"type:text" json:"channel,omitempty"`

	CreatedAt int64 `gorm:"autoCreateTime" json:"created_at"`
}

// Messages get time-ordered v7 IDs so created_at ties keep insertion
// order when listing a thread.
func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		m.ID = id.String()
	}
	return nil
}
