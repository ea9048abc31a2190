// Package scheduler polls the task store and runs due one-shot tasks
// through the assistant, optionally announcing results to Slack.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tonyw/backdesk/db/models"
	"github.com/tonyw/backdesk/internal/assistant"
	"github.com/tonyw/backdesk/internal/bridge"
	"github.com/tonyw/backdesk/internal/mdslack"
	"github.com/tonyw/backdesk/internal/store"
)

const (
	defaultTaskTimeout = 10 * time.Minute
	maxErrorChars      = 2000
)

type Config struct {
	Enabled     bool
	Concurrency int
	Tick        time.Duration

	// TaskTimeout bounds one task's assistant run.
	TaskTimeout time.Duration

	// DefaultChannel receives completion notifications for tasks with
	// notify set to "slack". Empty disables notifications.
	DefaultChannel string
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Concurrency: 1,
		Tick:        5 * time.Second,
		TaskTimeout: defaultTaskTimeout,
	}
}

type Scheduler struct {
	tasks         store.TaskStore
	conversations store.ConversationStore
	runner        bridge.AssistantRunner
	slack         bridge.SlackAPI
	log           *slog.Logger
	cfg           Config

	wg sync.WaitGroup

	wakeCh chan struct{}
}

func New(tasks store.TaskStore, conversations store.ConversationStore, runner bridge.AssistantRunner, slack bridge.SlackAPI, cfg Config, log *slog.Logger) (*Scheduler, error) {
	if tasks == nil {
		return nil, fmt.Errorf("nil task store")
	}
	if conversations == nil {
		return nil, fmt.Errorf("nil conversation store")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		tasks:         tasks,
		conversations: conversations,
		runner:        runner,
		slack:         slack,
		log:           log,
		cfg:           cfg,
		wakeCh:        make(chan struct{}, 1),
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	recovered, err := s.tasks.RecoverOrphanedTasks(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.log.Warn("scheduler_recovered_orphaned_tasks", "count", recovered)
	}

	s.log.Info("scheduler_start", "concurrency", s.cfg.Concurrency, "tick_ms", s.cfg.Tick.Milliseconds())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scheduleLoop(ctx)
	}()

	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			s.workerLoop(ctx, workerID)
		}(i + 1)
	}

	// Kick workers to pick up tasks that were already due at startup.
	s.wakeWorkers()
	return nil
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) wakeWorkers() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) scheduleLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler_stop", "reason", ctx.Err().Error())
			return
		case <-t.C:
			s.wakeWorkers()
		}
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
		case <-time.After(s.cfg.Tick):
		}

		for {
			task, ok, err := s.tasks.ClaimDueTask(ctx, time.Now().UTC().Unix())
			if err != nil {
				s.log.Warn("scheduler_claim_error", "worker", workerID, "error", err.Error())
				break
			}
			if !ok {
				break
			}

			if err := s.executeTask(ctx, workerID, task); err != nil {
				s.log.Warn("scheduler_task_error", "worker", workerID, "task_id", task.ID, "error", err.Error())
			}
		}
	}
}

func (s *Scheduler) executeTask(ctx context.Context, workerID int, task *models.Task) error {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	// Tasks owned by a conversation thread resume its assistant session
	// and append their result to it.
	resume := ""
	var thread *models.ConversationThread
	if task.ThreadID != nil {
		found := false
		var err error
		thread, _, found, err = s.conversations.GetThread(runCtx, *task.ThreadID)
		if err != nil {
			s.log.Warn("scheduler_thread_lookup_error", "task_id", task.ID, "error", err.Error())
			thread = nil
		} else if !found {
			thread = nil
		} else if thread.SessionID != nil {
			resume = *thread.SessionID
		}
	}

	s.log.Info("scheduler_task_start", "worker", workerID, "task_id", task.ID, "run_at", task.RunAt)
	res, runErr := s.runner.Run(runCtx, task.Prompt, resume, nil)

	status := models.TaskStatusDone
	var errStr *string
	if runErr != nil {
		status = models.TaskStatusFailed
		msg := runErr.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("timeout: task exceeded %s deadline", s.cfg.TaskTimeout.String())
		}
		msg = truncateString(msg, maxErrorChars)
		errStr = &msg
	}

	if runErr == nil && task.ThreadID != nil {
		if _, err := s.conversations.AppendMessage(runCtx, task.ThreadID, models.RoleAssistant, res.Text, "scheduler"); err != nil {
			s.log.Warn("scheduler_persist_error", "task_id", task.ID, "error", err.Error())
		}
		if res.SessionID != "" {
			if err := s.conversations.UpdateSessionID(runCtx, *task.ThreadID, res.SessionID); err != nil {
				s.log.Warn("scheduler_session_update_error", "task_id", task.ID, "error", err.Error())
			}
		}
	}

	if err := s.finishTask(task.ID, status, errStr); err != nil {
		return err
	}

	s.notify(task, thread, status, res, errStr)
	return nil
}

func (s *Scheduler) finishTask(taskID, status string, errStr *string) error {
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.tasks.FinishTask(dbCtx, taskID, status, errStr)
}

// notify announces the task outcome to Slack. A task owned by a Slack
// conversation replies into that thread; others go to the configured
// default channel.
func (s *Scheduler) notify(task *models.Task, thread *models.ConversationThread, status string, res assistant.Result, errStr *string) {
	if s.slack == nil || strings.TrimSpace(task.Notify) != "slack" {
		return
	}
	channel := strings.TrimSpace(s.cfg.DefaultChannel)
	threadTS := ""
	if thread != nil {
		if ch, ts, ok := parseSlackThreadName(thread.Name); ok {
			channel = ch
			threadTS = ts
		}
	}
	if channel == "" {
		return
	}

	text := mdslack.Convert(res.Text)
	if status == models.TaskStatusFailed {
		text = "Task failed: " + task.Prompt
		if errStr != nil {
			text += "\n" + *errStr
		}
	}

	notifyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := s.slack.PostMessage(notifyCtx, channel, text, threadTS); err != nil {
		s.log.Warn("scheduler_notify_error", "task_id", task.ID, "error", err.Error())
	}
}

// parseSlackThreadName splits a "slack:<channel>:<thread_ts>" thread
// name into its channel and thread timestamp.
func parseSlackThreadName(name string) (channel, threadTS string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(name), "slack:")
	if !found {
		return "", "", false
	}
	channel, threadTS, found = strings.Cut(rest, ":")
	if !found || channel == "" || threadTS == "" {
		return "", "", false
	}
	return channel, threadTS, true
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
