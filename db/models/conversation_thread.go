package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ConversationThread struct {
	ID string `gorm:"primaryKey;type:text" json:"id"`

	// Stable external key, e.g. "slack:<channel>:<thread_ts>".
	Name string `gorm:"type:text;not null;uniqueIndex" json:"name"`

	// Opaque token from the assistant process; replayed on a later
	// invocation to resume prior context. Never cleared once set.
	SessionID *string `gorm:"type:text" json:"session_id,omitempty"`

	CreatedAt int64 `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt int64 `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *ConversationThread) BeforeCreate(_ *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
