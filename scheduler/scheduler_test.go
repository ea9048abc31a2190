package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tonyw/backdesk/db/models"
	"github.com/tonyw/backdesk/internal/assistant"
)

type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*models.Task

	finished chan string
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[string]*models.Task), finished: make(chan string, 8)}
}

func (m *memTasks) CreateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *memTasks) GetTask(_ context.Context, id string) (*models.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *memTasks) ListTasks(_ context.Context, limit int) ([]models.Task, error) {
	return nil, nil
}

func (m *memTasks) DeleteTask(_ context.Context, id string) (bool, error) {
	return false, nil
}

func (m *memTasks) ClaimDueTask(_ context.Context, now int64) (*models.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Status == models.TaskStatusPending && t.RunAt <= now {
			t.Status = models.TaskStatusRunning
			return t, true, nil
		}
	}
	return nil, false, nil
}

func (m *memTasks) FinishTask(_ context.Context, id, status string, errStr *string) error {
	m.mu.Lock()
	if t, ok := m.tasks[id]; ok {
		t.Status = status
		t.Error = errStr
	}
	m.mu.Unlock()
	m.finished <- id
	return nil
}

func (m *memTasks) RecoverOrphanedTasks(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tasks {
		if t.Status == models.TaskStatusRunning {
			t.Status = models.TaskStatusPending
			n++
		}
	}
	return n, nil
}

type memConversations struct {
	mu       sync.Mutex
	thread   *models.ConversationThread
	messages []models.Message
	session  string
}

func (m *memConversations) FindOrCreateThread(_ context.Context, name string) (*models.ConversationThread, error) {
	return m.thread, nil
}

func (m *memConversations) CreateThread(_ context.Context, name string) (*models.ConversationThread, error) {
	return m.thread, nil
}

func (m *memConversations) GetThread(_ context.Context, id string) (*models.ConversationThread, []models.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.thread == nil || m.thread.ID != id {
		return nil, nil, false, nil
	}
	return m.thread, m.messages, true, nil
}

func (m *memConversations) ListThreads(_ context.Context, limit int) ([]models.ConversationThread, error) {
	return nil, nil
}

func (m *memConversations) AppendMessage(_ context.Context, threadID *string, role, content, channel string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := models.Message{ThreadID: threadID, Role: role, Content: content, Channel: channel}
	m.messages = append(m.messages, msg)
	return &msg, nil
}

func (m *memConversations) UpdateSessionID(_ context.Context, threadID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = sessionID
	return nil
}

type stubRunner struct {
	mu      sync.Mutex
	resumes []string
	result  assistant.Result
	err     error
}

func (r *stubRunner) Run(_ context.Context, prompt, resumeSession string, _ func(string)) (assistant.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes = append(r.resumes, resumeSession)
	return r.result, r.err
}

type stubPost struct {
	channel  string
	text     string
	threadTS string
}

type stubSlack struct {
	mu    sync.Mutex
	posts []stubPost
}

func (s *stubSlack) PostMessage(_ context.Context, channel, text, threadTS string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, stubPost{channel: channel, text: text, threadTS: threadTS})
	return "1.0", nil
}

func (s *stubSlack) UpdateMessage(_ context.Context, channel, ts, text string) error { return nil }
func (s *stubSlack) AddReaction(_ context.Context, channel, ts, name string) error   { return nil }
func (s *stubSlack) RemoveReaction(_ context.Context, channel, ts, name string) error {
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsDueTask(t *testing.T) {
	t.Parallel()

	tasks := newMemTasks()
	sid := "sess-7"
	conv := &memConversations{thread: &models.ConversationThread{ID: "t1", Name: "slack:C1:1.0", SessionID: &sid}}
	runner := &stubRunner{result: assistant.Result{Text: "**all done**", SessionID: "sess-8"}}
	slack := &stubSlack{}

	threadID := "t1"
	_ = tasks.CreateTask(context.Background(), &models.Task{
		ID:       "task-1",
		ThreadID: &threadID,
		RunAt:    time.Now().UTC().Unix() - 10,
		Prompt:   "summarize",
		Notify:   "slack",
	})

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Tick = 10 * time.Millisecond
	cfg.DefaultChannel = "C-notify"
	s, err := New(tasks, conv, runner, slack, cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-tasks.finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never finished")
	}
	cancel()
	s.Wait()

	got, _, _ := tasks.GetTask(context.Background(), "task-1")
	if got.Status != models.TaskStatusDone {
		t.Fatalf("Status = %q", got.Status)
	}

	runner.mu.Lock()
	if len(runner.resumes) != 1 || runner.resumes[0] != "sess-7" {
		t.Fatalf("resumes = %q", runner.resumes)
	}
	runner.mu.Unlock()

	conv.mu.Lock()
	if len(conv.messages) != 1 || conv.messages[0].Role != models.RoleAssistant {
		t.Fatalf("messages = %+v", conv.messages)
	}
	if conv.session != "sess-8" {
		t.Fatalf("session = %q", conv.session)
	}
	conv.mu.Unlock()

	slack.mu.Lock()
	defer slack.mu.Unlock()
	if len(slack.posts) != 1 || slack.posts[0].text != "*all done*" {
		t.Fatalf("posts = %+v", slack.posts)
	}
	// The owning thread's channel wins over the default channel, and the
	// notification replies into the thread.
	if slack.posts[0].channel != "C1" || slack.posts[0].threadTS != "1.0" {
		t.Fatalf("post = %+v, want channel C1 thread 1.0", slack.posts[0])
	}
}

func TestSchedulerFailedTask(t *testing.T) {
	t.Parallel()

	tasks := newMemTasks()
	conv := &memConversations{}
	runner := &stubRunner{err: errors.New("assistant exploded")}
	slack := &stubSlack{}

	_ = tasks.CreateTask(context.Background(), &models.Task{
		ID:     "task-2",
		RunAt:  time.Now().UTC().Unix() - 10,
		Prompt: "do a thing",
		Notify: "slack",
	})

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Tick = 10 * time.Millisecond
	cfg.DefaultChannel = "C-notify"
	s, err := New(tasks, conv, runner, slack, cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-tasks.finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never finished")
	}
	cancel()
	s.Wait()

	got, _, _ := tasks.GetTask(context.Background(), "task-2")
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("Status = %q", got.Status)
	}
	if got.Error == nil || *got.Error != "assistant exploded" {
		t.Fatalf("Error = %v", got.Error)
	}

	slack.mu.Lock()
	defer slack.mu.Unlock()
	if len(slack.posts) != 1 {
		t.Fatalf("posts = %+v", slack.posts)
	}
	// No owning thread, so the default channel receives the failure.
	if slack.posts[0].channel != "C-notify" || slack.posts[0].threadTS != "" {
		t.Fatalf("post = %+v, want default channel", slack.posts[0])
	}
}

func TestParseSlackThreadName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		channel string
		ts      string
		ok      bool
	}{
		{"slack:C1:100.0", "C1", "100.0", true},
		{"slack:C1:", "", "", false},
		{"slack::100.0", "", "", false},
		{"manual-thread", "", "", false},
		{"slack:C1", "", "", false},
	}
	for _, tc := range cases {
		channel, ts, ok := parseSlackThreadName(tc.name)
		if channel != tc.channel || ts != tc.ts || ok != tc.ok {
			t.Fatalf("parseSlackThreadName(%q) = %q, %q, %v", tc.name, channel, ts, ok)
		}
	}
}

func TestSchedulerRecoversOrphans(t *testing.T) {
	t.Parallel()

	tasks := newMemTasks()
	_ = tasks.CreateTask(context.Background(), &models.Task{
		ID:     "task-3",
		RunAt:  time.Now().UTC().Unix() + 3600,
		Prompt: "later",
		Status: models.TaskStatusRunning,
	})

	cfg := DefaultConfig()
	cfg.Enabled = true
	s, err := New(tasks, &memConversations{}, &stubRunner{}, nil, cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	s.Wait()

	got, _, _ := tasks.GetTask(context.Background(), "task-3")
	if got.Status != models.TaskStatusPending {
		t.Fatalf("Status = %q, want pending after recovery", got.Status)
	}
}

func TestDisabledSchedulerDoesNothing(t *testing.T) {
	t.Parallel()

	s, err := New(newMemTasks(), &memConversations{}, &stubRunner{}, nil, DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// No goroutines were started, so Wait returns immediately.
	s.Wait()
}
