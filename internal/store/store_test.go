package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/tonyw/backdesk/db/models"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Gorm {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.sqlite")
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&models.ConversationThread{}, &models.Message{}, &models.Task{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := NewGorm(gdb)
	if err != nil {
		t.Fatalf("NewGorm: %v", err)
	}
	return s
}

func TestFindOrCreateThread(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	first, err := s.FindOrCreateThread(ctx, "slack:C1:100.0")
	if err != nil {
		t.Fatalf("FindOrCreateThread: %v", err)
	}
	if first.ID == "" {
		t.Fatalf("thread ID not assigned")
	}

	second, err := s.FindOrCreateThread(ctx, "slack:C1:100.0")
	if err != nil {
		t.Fatalf("FindOrCreateThread again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("same name produced different threads: %q vs %q", first.ID, second.ID)
	}

	if _, err := s.FindOrCreateThread(ctx, "  "); err == nil {
		t.Fatalf("expected error for blank name")
	}
}

func TestAppendMessageAndGetThread(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "slack:C1:200.0")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	if _, err := s.AppendMessage(ctx, &thread.ID, models.RoleUser, "hello", "slack"); err != nil {
		t.Fatalf("AppendMessage user: %v", err)
	}
	if _, err := s.AppendMessage(ctx, &thread.ID, models.RoleAssistant, "hi there", "slack"); err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}
	// Standalone message outside any thread.
	if _, err := s.AppendMessage(ctx, nil, models.RoleSystem, "note", ""); err != nil {
		t.Fatalf("AppendMessage standalone: %v", err)
	}

	got, msgs, found, err := s.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if !found {
		t.Fatalf("thread not found")
	}
	if got.Name != "slack:C1:200.0" {
		t.Fatalf("Name = %q", got.Name)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("message order wrong: %q, %q", msgs[0].Role, msgs[1].Role)
	}

	_, _, found, err = s.GetThread(ctx, "missing")
	if err != nil {
		t.Fatalf("GetThread missing: %v", err)
	}
	if found {
		t.Fatalf("missing thread reported as found")
	}
}

func TestUpdateSessionID(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "slack:C1:300.0")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	if err := s.UpdateSessionID(ctx, thread.ID, "sess-1"); err != nil {
		t.Fatalf("UpdateSessionID: %v", err)
	}
	// Blank session IDs are ignored, never clearing an existing one.
	if err := s.UpdateSessionID(ctx, thread.ID, "  "); err != nil {
		t.Fatalf("UpdateSessionID blank: %v", err)
	}

	got, _, _, err := s.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.SessionID == nil || *got.SessionID != "sess-1" {
		t.Fatalf("SessionID = %v, want sess-1", got.SessionID)
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	task := &models.Task{RunAt: 1000, Prompt: "summarize inbox"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != models.TaskStatusPending {
		t.Fatalf("Status = %q", task.Status)
	}
	if task.Notify != "slack" {
		t.Fatalf("Notify = %q", task.Notify)
	}

	// Not due yet.
	if _, ok, err := s.ClaimDueTask(ctx, 999); err != nil || ok {
		t.Fatalf("ClaimDueTask early = ok %v, err %v", ok, err)
	}

	claimed, ok, err := s.ClaimDueTask(ctx, 1000)
	if err != nil {
		t.Fatalf("ClaimDueTask: %v", err)
	}
	if !ok || claimed.ID != task.ID {
		t.Fatalf("claim failed: ok=%v claimed=%+v", ok, claimed)
	}
	if claimed.Status != models.TaskStatusRunning {
		t.Fatalf("claimed Status = %q", claimed.Status)
	}

	// Already claimed.
	if _, ok, err := s.ClaimDueTask(ctx, 2000); err != nil || ok {
		t.Fatalf("second claim = ok %v, err %v", ok, err)
	}

	msg := "assistant failed"
	if err := s.FinishTask(ctx, task.ID, models.TaskStatusFailed, &msg); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}
	got, found, err := s.GetTask(ctx, task.ID)
	if err != nil || !found {
		t.Fatalf("GetTask: found=%v err=%v", found, err)
	}
	if got.Status != models.TaskStatusFailed || got.Error == nil || *got.Error != msg {
		t.Fatalf("finished task = %+v", got)
	}

	deleted, err := s.DeleteTask(ctx, task.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteTask = %v, %v", deleted, err)
	}
	deleted, err = s.DeleteTask(ctx, task.ID)
	if err != nil || deleted {
		t.Fatalf("second DeleteTask = %v, %v", deleted, err)
	}
}

func TestRecoverOrphanedTasks(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	task := &models.Task{RunAt: 100, Prompt: "check feeds", Status: models.TaskStatusRunning}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	n, err := s.RecoverOrphanedTasks(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphanedTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d tasks, want 1", n)
	}

	got, _, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != models.TaskStatusPending {
		t.Fatalf("Status = %q, want pending", got.Status)
	}
}
