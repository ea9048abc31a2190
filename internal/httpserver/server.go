// Package httpserver exposes the REST surface: the Slack events
// webhook, task and conversation CRUD, and an ad-hoc notify endpoint.
package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tonyw/backdesk/db/models"
	"github.com/tonyw/backdesk/internal/bridge"
	"github.com/tonyw/backdesk/internal/store"
)

const listLimit = 50

// EventHandler consumes inbound Slack events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev bridge.MessageEvent) bridge.Outcome
}

// Notifier posts ad-hoc messages to Slack.
type Notifier interface {
	PostMessage(ctx context.Context, channel, text, threadTS string) (string, error)
}

type RoutesOptions struct {
	APIKey         string
	Events         EventHandler
	Conversations  store.ConversationStore
	Tasks          store.TaskStore
	Slack          Notifier
	DefaultChannel string
	HealthEnabled  bool
}

func RegisterRoutes(mux *http.ServeMux, logger *slog.Logger, opts RoutesOptions) {
	if mux == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := strings.TrimSpace(opts.APIKey)

	if opts.HealthEnabled {
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead:
			default:
				w.Header().Set("Allow", "GET, HEAD")
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodHead {
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":   true,
				"time": time.Now().Format(time.RFC3339Nano),
			})
		})
	}

	mux.HandleFunc("/slack/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var envelope struct {
			Type      string              `json:"type"`
			Challenge string              `json:"challenge"`
			Event     bridge.MessageEvent `json:"event"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&envelope); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch envelope.Type {
		case "url_verification":
			_ = json.NewEncoder(w).Encode(map[string]string{"challenge": envelope.Challenge})
		case "event_callback":
			if opts.Events != nil {
				outcome := opts.Events.HandleEvent(r.Context(), envelope.Event)
				logger.Info("slack_event_received",
					"channel", envelope.Event.Channel,
					"ts", envelope.Event.TS,
					"outcome", string(outcome))
			}
			_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		default:
			_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		}
	})

	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			// Listing is read-only and stays open; mutations need the key.
			if opts.Tasks == nil {
				http.Error(w, "task store is unavailable", http.StatusServiceUnavailable)
				return
			}
			limit := listLimit
			if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
				parsed, err := strconv.Atoi(rawLimit)
				if err != nil || parsed <= 0 {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				if parsed < limit {
					limit = parsed
				}
			}
			tasks, err := opts.Tasks.ListTasks(r.Context(), limit)
			if err != nil {
				http.Error(w, strings.TrimSpace(err.Error()), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})

		case http.MethodPost:
			if !checkAuth(r, apiKey) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if opts.Tasks == nil {
				http.Error(w, "task store is unavailable", http.StatusServiceUnavailable)
				return
			}
			var req struct {
				Prompt   string  `json:"prompt"`
				RunAt    string  `json:"run_at"`
				ThreadID *string `json:"thread_id"`
				Notify   string  `json:"notify"`
			}
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
			req.Prompt = strings.TrimSpace(req.Prompt)
			if req.Prompt == "" {
				http.Error(w, "missing prompt", http.StatusBadRequest)
				return
			}
			runAt := time.Now().Unix()
			if raw := strings.TrimSpace(req.RunAt); raw != "" {
				parsed, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					http.Error(w, "invalid run_at, want RFC 3339", http.StatusBadRequest)
					return
				}
				runAt = parsed.Unix()
			}
			task := &models.Task{
				Prompt:   req.Prompt,
				RunAt:    runAt,
				ThreadID: req.ThreadID,
				Notify:   strings.TrimSpace(req.Notify),
			}
			if err := opts.Tasks.CreateTask(r.Context(), task); err != nil {
				http.Error(w, strings.TrimSpace(err.Error()), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(task)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(r, apiKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if opts.Tasks == nil {
			http.Error(w, "task store is unavailable", http.StatusServiceUnavailable)
			return
		}
		id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/tasks/"))
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			task, found, err := opts.Tasks.GetTask(r.Context(), id)
			if err != nil {
				http.Error(w, strings.TrimSpace(err.Error()), http.StatusInternalServerError)
				return
			}
			if !found {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(task)
		case http.MethodDelete:
			deleted, err := opts.Tasks.DeleteTask(r.Context(), id)
			if err != nil {
				http.Error(w, strings.TrimSpace(err.Error()), http.StatusInternalServerError)
				return
			}
			if !deleted {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/threads", func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(r, apiKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if opts.Conversations == nil {
			http.Error(w, "conversation store is unavailable", http.StatusServiceUnavailable)
			return
		}
		switch r.Method {
		case http.MethodGet:
			threads, err := opts.Conversations.ListThreads(r.Context(), listLimit)
			if err != nil {
				http.Error(w, strings.TrimSpace(err.Error()), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"threads": threads})
		case http.MethodPost:
			var req struct {
				Name string `json:"name"`
			}
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
			req.Name = strings.TrimSpace(req.Name)
			if req.Name == "" {
				http.Error(w, "missing name", http.StatusBadRequest)
				return
			}
			thread, err := opts.Conversations.CreateThread(r.Context(), req.Name)
			if err != nil {
				http.Error(w, strings.TrimSpace(err.Error()), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(thread)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/threads/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !checkAuth(r, apiKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if opts.Conversations == nil {
			http.Error(w, "conversation store is unavailable", http.StatusServiceUnavailable)
			return
		}
		id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/threads/"))
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		thread, msgs, found, err := opts.Conversations.GetThread(r.Context(), id)
		if err != nil {
			http.Error(w, strings.TrimSpace(err.Error()), http.StatusInternalServerError)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"thread":   thread,
			"messages": msgs,
		})
	})

	mux.HandleFunc("/notify", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !checkAuth(r, apiKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if opts.Slack == nil {
			http.Error(w, "slack is unavailable", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Channel string `json:"channel"`
			Message string `json:"message"`
			Text    string `json:"text"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		text := strings.TrimSpace(req.Message)
		if text == "" {
			text = strings.TrimSpace(req.Text)
		}
		if text == "" {
			http.Error(w, "missing message", http.StatusBadRequest)
			return
		}
		channel := strings.TrimSpace(req.Channel)
		if channel == "" {
			channel = strings.TrimSpace(opts.DefaultChannel)
		}
		if channel == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		ts, err := opts.Slack.PostMessage(r.Context(), channel, text, "")
		if err != nil {
			http.Error(w, strings.TrimSpace(err.Error()), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": ts})
	})
}

type ServerOptions struct {
	Listen string
	Routes RoutesOptions
}

func StartServer(ctx context.Context, logger *slog.Logger, opts ServerOptions) (*http.Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	listen := strings.TrimSpace(opts.Listen)
	if listen == "" {
		return nil, errors.New("empty listen address")
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, logger, opts.Routes)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_error", "addr", listen, "error", err.Error())
		}
	}()

	logger.Info("http_server_start",
		"addr", listen,
		"health_enabled", opts.Routes.HealthEnabled,
	)
	return srv, nil
}

// checkAuth accepts the key from the X-API-Key header or the api_key
// query parameter. An empty configured key rejects everything.
func checkAuth(r *http.Request, apiKey string) bool {
	if apiKey == "" {
		return false
	}
	got := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if got == "" {
		got = strings.TrimSpace(r.URL.Query().Get("api_key"))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) == 1
}
