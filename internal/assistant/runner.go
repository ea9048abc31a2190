// Package assistant drives one turn of the external assistant CLI: it
// spawns the process, follows its NDJSON stream for progress, and
// extracts the final result.
package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultCommand        = "claude"
	defaultStatusInterval = 2 * time.Second
	defaultFinalText      = "No response generated"

	// Assistant output lines can carry whole tool results.
	maxLineBytes = 1 << 20
)

// Result is the outcome of one assistant turn.
type Result struct {
	// Text is the assistant's final answer, or a fixed fallback when
	// the stream ended without a result event.
	Text string
	// SessionID resumes this conversation on the next turn. Empty when
	// the stream never reported one.
	SessionID string
}

type Options struct {
	// Command is the assistant binary. Defaults to "claude".
	Command string
	// StatusInterval throttles progress callbacks. Defaults to 2s.
	StatusInterval time.Duration
	Logger         *slog.Logger
	// Now overrides the clock for tests.
	Now func() time.Time
}

type Runner struct {
	command        string
	statusInterval time.Duration
	log            *slog.Logger
	now            func() time.Time
}

func NewRunner(opts Options) *Runner {
	command := strings.TrimSpace(opts.Command)
	if command == "" {
		command = defaultCommand
	}
	interval := opts.StatusInterval
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		command:        command,
		statusInterval: interval,
		log:            logger,
		now:            now,
	}
}

// streamEvent is the subset of the NDJSON stream we care about. Other
// fields, and lines that are not JSON at all, are ignored.
type streamEvent struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// Run executes one assistant turn. onStatus receives throttled progress
// labels while the process streams; it may be nil. The process exit
// code is logged but does not decide success: the turn's outcome is
// read from the stream alone.
func (r *Runner) Run(ctx context.Context, prompt, resumeSession string, onStatus func(label string)) (Result, error) {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if resumeSession != "" {
		args = append(args, "--resume", resumeSession)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("assistant stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start assistant process: %w", err)
	}

	r.log.Info("assistant_process_start",
		"command", r.command,
		"resume", resumeSession != "")

	lines, err := r.consumeStream(stdout, onStatus)

	if waitErr := cmd.Wait(); waitErr != nil {
		// Nonzero exit alone is not a failure; the CLI exits nonzero on
		// some successful turns. The stream decides.
		r.log.Warn("assistant_process_exit", "error", waitErr.Error())
	}
	if err != nil {
		return Result{}, err
	}
	// A canceled context killed the process mid-stream; whatever lines
	// were read are not a real answer.
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("assistant turn aborted: %w", err)
	}

	return extractResult(lines), nil
}

// consumeStream reads NDJSON lines, invoking onStatus with the current
// progress label at most once per statusInterval. All lines are
// retained for the result pass.
func (r *Runner) consumeStream(stdout io.Reader, onStatus func(label string)) ([]string, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var lines []string
	label := "_Thinking..._"
	lastPush := r.now()

	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)

		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if next := statusLabel(ev); next != "" {
			label = next
		}
		if onStatus != nil {
			if now := r.now(); now.Sub(lastPush) > r.statusInterval {
				lastPush = now
				onStatus(label)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read assistant stream: %w", err)
	}
	return lines, nil
}

func statusLabel(ev streamEvent) string {
	switch ev.Type {
	case "tool_use":
		name := strings.TrimSpace(ev.Name)
		if name == "" {
			name = "tool"
		}
		return fmt.Sprintf("_Using %s..._", name)
	case "tool_result":
		return "_Processing result..._"
	case "assistant":
		return "_Generating response..._"
	default:
		return ""
	}
}

// extractResult scans the retained lines for result events. The last
// one wins. Only result events carry the returned session_id; other
// event types mention session ids that are not resumable.
func extractResult(lines []string) Result {
	res := Result{Text: defaultFinalText}
	for _, line := range lines {
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Type != "result" {
			continue
		}
		if ev.SessionID != "" {
			res.SessionID = ev.SessionID
		}
		if strings.TrimSpace(ev.Result) != "" {
			res.Text = ev.Result
		}
	}
	return res
}
