// Package bridge connects inbound Slack message events to assistant
// turns: deduplicate deliveries, acknowledge with reactions, run the
// assistant process, stream status edits back, and persist the
// conversation.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/tonyw/backdesk/db/models"
	"github.com/tonyw/backdesk/internal/assistant"
	"github.com/tonyw/backdesk/internal/dedup"
	"github.com/tonyw/backdesk/internal/mdslack"
	"github.com/tonyw/backdesk/internal/store"
)

const (
	reactionReceived = "eyes"
	reactionDone     = "white_check_mark"
	reactionFailed   = "x"

	placeholderText = "_Thinking..._"

	defaultMaxConcurrency = 3
	defaultTurnTimeout    = 10 * time.Minute

	workerQueueSize = 16
)

// SlackAPI is the subset of the Slack client the bridge needs.
type SlackAPI interface {
	PostMessage(ctx context.Context, channel, text, threadTS string) (string, error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
	AddReaction(ctx context.Context, channel, ts, name string) error
	RemoveReaction(ctx context.Context, channel, ts, name string) error
}

// AssistantRunner runs one assistant turn.
type AssistantRunner interface {
	Run(ctx context.Context, prompt, resumeSession string, onStatus func(label string)) (assistant.Result, error)
}

// MessageEvent is an inbound Slack Events API message.
type MessageEvent struct {
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	Text     string `json:"text"`
	BotID    string `json:"bot_id"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
}

// Outcome reports what HandleEvent did with a delivery.
type Outcome string

const (
	OutcomeDiscarded  Outcome = "discarded"
	OutcomeDeduped    Outcome = "deduped"
	OutcomeProcessing Outcome = "processing"
)

type Options struct {
	Dedup  *dedup.Cache
	Slack  SlackAPI
	Runner AssistantRunner
	Store  store.ConversationStore
	Logger *slog.Logger
	// MaxConcurrency bounds assistant turns across all conversations.
	// Defaults to 3.
	MaxConcurrency int
	// TurnTimeout bounds one assistant turn. Defaults to 10 minutes.
	TurnTimeout time.Duration
}

type Bridge struct {
	dedup   *dedup.Cache
	slack   SlackAPI
	runner  AssistantRunner
	store   store.ConversationStore
	log     *slog.Logger
	sem     chan struct{}
	timeout time.Duration

	mu      sync.Mutex
	workers map[string]chan turnJob
	closed  bool
	wg      sync.WaitGroup
}

func New(opts Options) (*Bridge, error) {
	if opts.Dedup == nil {
		return nil, errors.New("bridge: dedup cache is required")
	}
	if opts.Slack == nil {
		return nil, errors.New("bridge: slack api is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("bridge: assistant runner is required")
	}
	if opts.Store == nil {
		return nil, errors.New("bridge: conversation store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrency
	}
	timeout := opts.TurnTimeout
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	return &Bridge{
		dedup:   opts.Dedup,
		slack:   opts.Slack,
		runner:  opts.Runner,
		store:   opts.Store,
		log:     logger,
		sem:     make(chan struct{}, maxConc),
		timeout: timeout,
		workers: make(map[string]chan turnJob),
	}, nil
}

type turnJob struct {
	event MessageEvent
}

// HandleEvent filters, deduplicates and enqueues one inbound event.
// It returns quickly; the assistant turn runs on a per-conversation
// worker goroutine.
func (b *Bridge) HandleEvent(ctx context.Context, ev MessageEvent) Outcome {
	if ev.Type != "message" && ev.Type != "app_mention" {
		return OutcomeDiscarded
	}
	if ev.BotID != "" || ev.Subtype != "" {
		return OutcomeDiscarded
	}
	if strings.TrimSpace(ev.Text) == "" || ev.Channel == "" || ev.TS == "" {
		return OutcomeDiscarded
	}

	if b.dedup.SeenOrRecord(ev.Channel + "-" + ev.TS) {
		b.log.Info("slack_event_deduped", "channel", ev.Channel, "ts", ev.TS)
		return OutcomeDeduped
	}

	// Ack before the turn starts so retried deliveries stop.
	if err := b.slack.AddReaction(ctx, ev.Channel, ev.TS, reactionReceived); err != nil {
		b.log.Warn("slack_reaction_add_error", "reaction", reactionReceived, "error", err.Error())
	}

	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}
	key := ev.Channel + ":" + threadTS

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return OutcomeDiscarded
	}
	ch := b.getOrStartWorkerLocked(key)
	b.mu.Unlock()

	select {
	case ch <- turnJob{event: ev}:
		return OutcomeProcessing
	default:
		// The delivery was already acked with a reaction, so resolve it
		// instead of leaving a processing marker that never clears.
		b.log.Warn("conversation_queue_full", "key", key)
		if err := b.slack.RemoveReaction(ctx, ev.Channel, ev.TS, reactionReceived); err != nil {
			b.log.Warn("slack_reaction_remove_error", "reaction", reactionReceived, "error", err.Error())
		}
		if err := b.slack.AddReaction(ctx, ev.Channel, ev.TS, reactionFailed); err != nil {
			b.log.Warn("slack_reaction_add_error", "reaction", reactionFailed, "error", err.Error())
		}
		return OutcomeDiscarded
	}
}

// Close stops accepting events and waits for in-flight turns.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.workers {
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) getOrStartWorkerLocked(key string) chan turnJob {
	if ch, ok := b.workers[key]; ok {
		return ch
	}
	ch := make(chan turnJob, workerQueueSize)
	b.workers[key] = ch
	b.wg.Add(1)
	go b.workerLoop(key, ch)
	return ch
}

func (b *Bridge) workerLoop(key string, ch chan turnJob) {
	defer b.wg.Done()
	for job := range ch {
		b.sem <- struct{}{}
		b.processTurn(job.event)
		<-b.sem
	}
}

// turn carries the mutable state of one assistant exchange through the
// state machine.
type turn struct {
	event     MessageEvent
	threadTS  string
	msgTS     string
	finalText string
	err       error
}

const (
	stateReceived   = "received"
	stateProcessing = "processing"
	stateCompleted  = "completed"
	stateFailed     = "failed"

	triggerStart   = "start"
	triggerSucceed = "succeed"
	triggerFail    = "fail"
)

func (b *Bridge) processTurn(ev MessageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}
	t := &turn{event: ev, threadTS: threadTS}

	fsm := stateless.NewStateMachine(stateReceived)

	fsm.Configure(stateReceived).
		Permit(triggerStart, stateProcessing)

	fsm.Configure(stateProcessing).
		OnEntry(func(fctx context.Context, _ ...any) error {
			if err := b.runTurn(fctx, t); err != nil {
				t.err = err
				return fsm.FireCtx(fctx, triggerFail)
			}
			return fsm.FireCtx(fctx, triggerSucceed)
		}).
		Permit(triggerSucceed, stateCompleted).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateCompleted).
		OnEntry(func(_ context.Context, _ ...any) error {
			b.finishTurn(t)
			return nil
		})

	fsm.Configure(stateFailed).
		OnEntry(func(_ context.Context, _ ...any) error {
			b.failTurn(t)
			return nil
		})

	if err := fsm.FireCtx(ctx, triggerStart); err != nil {
		b.log.Error("turn_state_machine_error", "error", err.Error())
	}
}

// runTurn does the work of one exchange: resolve the conversation,
// persist the user message, post the placeholder, run the assistant
// with live status edits, and persist the reply.
func (b *Bridge) runTurn(ctx context.Context, t *turn) error {
	ev := t.event

	thread, err := b.store.FindOrCreateThread(ctx, fmt.Sprintf("slack:%s:%s", ev.Channel, t.threadTS))
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	if _, err := b.store.AppendMessage(ctx, &thread.ID, models.RoleUser, ev.Text, "slack"); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	msgTS, err := b.slack.PostMessage(ctx, ev.Channel, placeholderText, t.threadTS)
	if err != nil {
		return fmt.Errorf("post placeholder: %w", err)
	}
	t.msgTS = msgTS

	resume := ""
	if thread.SessionID != nil {
		resume = *thread.SessionID
	}

	res, err := b.runner.Run(ctx, ev.Text, resume, func(label string) {
		if uerr := b.slack.UpdateMessage(ctx, ev.Channel, msgTS, label); uerr != nil {
			b.log.Warn("slack_status_update_error", "error", uerr.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("assistant turn: %w", err)
	}
	t.finalText = res.Text

	if res.SessionID != "" {
		if err := b.store.UpdateSessionID(ctx, thread.ID, res.SessionID); err != nil {
			b.log.Warn("session_id_update_error", "error", err.Error())
		}
	}
	if _, err := b.store.AppendMessage(ctx, &thread.ID, models.RoleAssistant, res.Text, "slack"); err != nil {
		b.log.Warn("persist_assistant_message_error", "error", err.Error())
	}
	return nil
}

// finishTurn swaps the ack reaction for a check mark and replaces the
// placeholder with the final answer. It runs on a fresh context so a
// turn timeout cannot also break the notifications.
func (b *Bridge) finishTurn(t *turn) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ev := t.event
	if err := b.slack.RemoveReaction(ctx, ev.Channel, ev.TS, reactionReceived); err != nil {
		b.log.Warn("slack_reaction_remove_error", "reaction", reactionReceived, "error", err.Error())
	}
	if err := b.slack.AddReaction(ctx, ev.Channel, ev.TS, reactionDone); err != nil {
		b.log.Warn("slack_reaction_add_error", "reaction", reactionDone, "error", err.Error())
	}
	if t.msgTS != "" {
		if err := b.slack.UpdateMessage(ctx, ev.Channel, t.msgTS, mdslack.Convert(t.finalText)); err != nil {
			b.log.Warn("slack_final_update_error", "error", err.Error())
		}
	}
	b.log.Info("turn_completed", "channel", ev.Channel, "thread_ts", t.threadTS)
}

func (b *Bridge) failTurn(t *turn) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ev := t.event
	b.log.Error("turn_failed", "channel", ev.Channel, "thread_ts", t.threadTS, "error", t.err.Error())

	if err := b.slack.RemoveReaction(ctx, ev.Channel, ev.TS, reactionReceived); err != nil {
		b.log.Warn("slack_reaction_remove_error", "reaction", reactionReceived, "error", err.Error())
	}
	if err := b.slack.AddReaction(ctx, ev.Channel, ev.TS, reactionFailed); err != nil {
		b.log.Warn("slack_reaction_add_error", "reaction", reactionFailed, "error", err.Error())
	}
	if _, err := b.slack.PostMessage(ctx, ev.Channel, "Error: "+t.err.Error(), t.threadTS); err != nil {
		b.log.Warn("slack_error_post_error", "error", err.Error())
	}
}
