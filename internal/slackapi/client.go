// Package slackapi is a minimal Slack Web API client covering the
// handful of methods the bridge needs: posting and editing messages,
// toggling reactions, and opening Socket Mode connections.
package slackapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://slack.com/api"

// ErrNotConfigured is returned by operations that require a bot token
// when none was provided.
var ErrNotConfigured = errors.New("slackapi: bot token not configured")

type Options struct {
	BotToken string
	AppToken string
	BaseURL  string
	HTTP     *http.Client
	Logger   *slog.Logger
}

type Client struct {
	http     *http.Client
	baseURL  string
	botToken string
	appToken string
	log      *slog.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     httpClient,
		baseURL:  baseURL,
		botToken: strings.TrimSpace(opts.BotToken),
		appToken: strings.TrimSpace(opts.AppToken),
		log:      logger,
	}
}

// Configured reports whether the client holds a bot token. Callers use
// this to keep running in HTTP-only mode without Slack output.
func (c *Client) Configured() bool {
	return c.botToken != ""
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
	URL   string `json:"url"`
}

type postMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type updateMessageRequest struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
	Text    string `json:"text"`
}

type reactionRequest struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
}

// PostMessage posts text to a channel, optionally inside a thread, and
// returns the ts of the created message. Transient failures (HTTP 429
// and 5xx) are retried up to three attempts.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	payload := postMessageRequest{Channel: channel, Text: text, ThreadTS: threadTS}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		body, status, header, err := c.postAuthJSON(ctx, c.botToken, "/chat.postMessage", payload)
		if err != nil {
			lastErr = err
		} else {
			var resp apiResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				lastErr = fmt.Errorf("decode chat.postMessage response: %w", err)
			} else if resp.OK {
				return resp.TS, nil
			} else {
				lastErr = fmt.Errorf("chat.postMessage failed: %s", resp.Error)
				if !retryableStatus(status) {
					return "", lastErr
				}
			}
		}

		if attempt < 3 {
			delay := retryDelay(status, header, attempt)
			c.log.Warn("slack_post_message_retry",
				"attempt", attempt,
				"status", status,
				"delay", delay.String(),
				"error", fmt.Sprint(lastErr))
			if err := SleepWithContext(ctx, delay); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

// UpdateMessage edits an existing message in place. A nil error on an
// unconfigured client lets status-update paths stay branch-free.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	if !c.Configured() {
		return nil
	}
	return c.callSimple(ctx, "/chat.update", updateMessageRequest{Channel: channel, TS: ts, Text: text})
}

// AddReaction adds an emoji reaction to a message.
func (c *Client) AddReaction(ctx context.Context, channel, ts, name string) error {
	if !c.Configured() {
		return nil
	}
	return c.callSimple(ctx, "/reactions.add", reactionRequest{Channel: channel, Timestamp: ts, Name: name})
}

// RemoveReaction removes an emoji reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, channel, ts, name string) error {
	if !c.Configured() {
		return nil
	}
	return c.callSimple(ctx, "/reactions.remove", reactionRequest{Channel: channel, Timestamp: ts, Name: name})
}

// AuthTest verifies the bot token against auth.test.
func (c *Client) AuthTest(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	return c.callSimple(ctx, "/auth.test", struct{}{})
}

// OpenSocketURL asks Slack for a fresh Socket Mode websocket URL using
// the app-level token.
func (c *Client) OpenSocketURL(ctx context.Context) (string, error) {
	if c.appToken == "" {
		return "", errors.New("slackapi: app token not configured")
	}
	body, _, _, err := c.postAuthJSON(ctx, c.appToken, "/apps.connections.open", struct{}{})
	if err != nil {
		return "", err
	}
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode apps.connections.open response: %w", err)
	}
	if !resp.OK {
		return "", fmt.Errorf("apps.connections.open failed: %s", resp.Error)
	}
	if strings.TrimSpace(resp.URL) == "" {
		return "", errors.New("apps.connections.open returned empty url")
	}
	return resp.URL, nil
}

func (c *Client) callSimple(ctx context.Context, path string, payload any) error {
	body, _, _, err := c.postAuthJSON(ctx, c.botToken, path, payload)
	if err != nil {
		return err
	}
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if !resp.OK {
		return fmt.Errorf("%s failed: %s", strings.TrimPrefix(path, "/"), resp.Error)
	}
	return nil
}

func (c *Client) postAuthJSON(ctx context.Context, token, path string, payload any) ([]byte, int, http.Header, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, resp.Header, err
	}
	return body, resp.StatusCode, resp.Header, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// retryDelay honors Retry-After on 429 responses, otherwise backs off
// 300ms, 1s, 2s by attempt.
func retryDelay(status int, header http.Header, attempt int) time.Duration {
	if status == http.StatusTooManyRequests && header != nil {
		if secs, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After"))); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	switch attempt {
	case 1:
		return 300 * time.Millisecond
	case 2:
		return time.Second
	default:
		return 2 * time.Second
	}
}

// SleepWithContext sleeps for d or until ctx is done, whichever comes
// first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
