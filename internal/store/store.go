// Package store wraps the gorm models behind small interfaces so the
// bridge, scheduler and HTTP handlers do not touch gorm directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tonyw/backdesk/db/models"
	"gorm.io/gorm"
)

// ConversationStore persists conversation threads and their messages.
type ConversationStore interface {
	FindOrCreateThread(ctx context.Context, name string) (*models.ConversationThread, error)
	CreateThread(ctx context.Context, name string) (*models.ConversationThread, error)
	GetThread(ctx context.Context, id string) (*models.ConversationThread, []models.Message, bool, error)
	ListThreads(ctx context.Context, limit int) ([]models.ConversationThread, error)
	AppendMessage(ctx context.Context, threadID *string, role, content, channel string) (*models.Message, error)
	UpdateSessionID(ctx context.Context, threadID, sessionID string) error
}

// TaskStore persists scheduled tasks and hands them to workers.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, bool, error)
	ListTasks(ctx context.Context, limit int) ([]models.Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	ClaimDueTask(ctx context.Context, now int64) (*models.Task, bool, error)
	FinishTask(ctx context.Context, id, status string, errStr *string) error
	RecoverOrphanedTasks(ctx context.Context) (int64, error)
}

// Gorm implements both stores on a shared *gorm.DB.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) (*Gorm, error) {
	if db == nil {
		return nil, errors.New("store: nil db")
	}
	return &Gorm{db: db}, nil
}

func (s *Gorm) FindOrCreateThread(ctx context.Context, name string) (*models.ConversationThread, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("thread name is required")
	}

	var thread models.ConversationThread
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&thread).Error
	if err == nil {
		return &thread, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find thread: %w", err)
	}

	thread = models.ConversationThread{Name: name}
	if createErr := s.db.WithContext(ctx).Create(&thread).Error; createErr != nil {
		// A concurrent turn may have created the row between the lookup
		// and the insert; the unique index makes the re-fetch safe.
		var existing models.ConversationThread
		if refetchErr := s.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error; refetchErr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("create thread: %w", createErr)
	}
	return &thread, nil
}

func (s *Gorm) CreateThread(ctx context.Context, name string) (*models.ConversationThread, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("thread name is required")
	}
	thread := models.ConversationThread{Name: name}
	if err := s.db.WithContext(ctx).Create(&thread).Error; err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &thread, nil
}

func (s *Gorm) GetThread(ctx context.Context, id string) (*models.ConversationThread, []models.Message, bool, error) {
	var thread models.ConversationThread
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("get thread: %w", err)
	}

	var msgs []models.Message
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", thread.ID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, nil, false, fmt.Errorf("list thread messages: %w", err)
	}
	return &thread, msgs, true, nil
}

func (s *Gorm) ListThreads(ctx context.Context, limit int) ([]models.ConversationThread, error) {
	if limit <= 0 {
		limit = 50
	}
	var threads []models.ConversationThread
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Find(&threads).Error; err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return threads, nil
}

func (s *Gorm) AppendMessage(ctx context.Context, threadID *string, role, content, channel string) (*models.Message, error) {
	if strings.TrimSpace(role) == "" {
		return nil, errors.New("message role is required")
	}
	msg := models.Message{
		ThreadID: threadID,
		Role:     role,
		Content:  content,
		Channel:  channel,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if threadID != nil {
		// Touch the thread so ListThreads surfaces active conversations
		// first.
		if err := s.db.WithContext(ctx).
			Model(&models.ConversationThread{}).
			Where("id = ?", *threadID).
			Update("updated_at", msg.CreatedAt).Error; err != nil {
			return nil, fmt.Errorf("touch thread: %w", err)
		}
	}
	return &msg, nil
}

func (s *Gorm) UpdateSessionID(ctx context.Context, threadID, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Model(&models.ConversationThread{}).
		Where("id = ?", threadID).
		Update("session_id", sessionID).Error; err != nil {
		return fmt.Errorf("update session id: %w", err)
	}
	return nil
}

func (s *Gorm) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	if strings.TrimSpace(task.Prompt) == "" {
		return errors.New("task prompt is required")
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.Notify == "" {
		task.Notify = "slack"
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Gorm) GetTask(ctx context.Context, id string) (*models.Task, bool, error) {
	var task models.Task
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get task: %w", err)
	}
	return &task, true, nil
}

func (s *Gorm) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []models.Task
	if err := s.db.WithContext(ctx).
		Order("run_at ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *Gorm) DeleteTask(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Task{})
	if res.Error != nil {
		return false, fmt.Errorf("delete task: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ClaimDueTask moves the oldest due pending task to running and returns
// it. The guarded update keeps two workers from claiming the same row.
func (s *Gorm) ClaimDueTask(ctx context.Context, now int64) (*models.Task, bool, error) {
	var task models.Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", models.TaskStatusPending, now).
		Order("run_at ASC").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find due task: %w", err)
	}

	res := s.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("id = ? AND status = ?", task.ID, models.TaskStatusPending).
		Update("status", models.TaskStatusRunning)
	if res.Error != nil {
		return nil, false, fmt.Errorf("claim task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race to another worker.
		return nil, false, nil
	}
	task.Status = models.TaskStatusRunning
	return &task, true, nil
}

func (s *Gorm) FinishTask(ctx context.Context, id, status string, errStr *string) error {
	updates := map[string]any{
		"status": status,
		"error":  errStr,
	}
	if err := s.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

// RecoverOrphanedTasks resets tasks left running by a previous process
// back to pending so they are retried.
func (s *Gorm) RecoverOrphanedTasks(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("status = ?", models.TaskStatusRunning).
		Update("status", models.TaskStatusPending)
	if res.Error != nil {
		return 0, fmt.Errorf("recover orphaned tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}
