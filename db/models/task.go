package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TaskStatusPending = "pending"
	TaskStatusRunning = "running"
	TaskStatusDone    = "done"
	TaskStatusFailed  = "failed"
)

type Task struct {
	ID string `gorm:"primaryKey;type:text" json:"id"`

	// Optional owning conversation thread; a task with a thread resumes
	// that thread's assistant session.
	ThreadID *string `gorm:"index;type:text" json:"thread_id,omitempty"`

	// Earliest execution time (UTC unix seconds).
	RunAt int64 `gorm:"index;not null" json:"run_at"`

	Prompt string `gorm:"type:text;not null" json:"prompt"`

	// Notification target, e.g. "slack" or "none".
	Notify string `gorm:"type:text;not null;default:'slack'" json:"notify"`

	Status string  `gorm:"type:text;not null;default:'pending'" json:"status"`
	Error  *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt int64 `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt int64 `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Task) BeforeCreate(_ *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
