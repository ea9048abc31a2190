// Package servecmd wires the HTTP server, Slack Socket Mode consumer
// and scheduler into the serve subcommand.
package servecmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tonyw/backdesk/db"
	"github.com/tonyw/backdesk/internal/assistant"
	"github.com/tonyw/backdesk/internal/bridge"
	"github.com/tonyw/backdesk/internal/configutil"
	"github.com/tonyw/backdesk/internal/dedup"
	"github.com/tonyw/backdesk/internal/httpserver"
	"github.com/tonyw/backdesk/internal/logutil"
	"github.com/tonyw/backdesk/internal/slackapi"
	"github.com/tonyw/backdesk/internal/store"
	"github.com/tonyw/backdesk/scheduler"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and Slack bridge",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "API key for authenticated endpoints")
	cmd.Flags().String("slack-bot-token", "", "Slack bot token (xoxb-...)")
	cmd.Flags().String("slack-app-token", "", "Slack app-level token (xapp-...) for Socket Mode")
	cmd.Flags().String("db-dsn", "", "sqlite DSN (default resolves under ~/.backdesk)")
	cmd.Flags().String("assistant-command", "claude", "assistant CLI binary")
	cmd.Flags().Bool("scheduler-enabled", false, "run the task scheduler")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := logutil.FromViper()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := db.DefaultConfig()
	dbCfg.DSN = configutil.FlagOrViperString(cmd, "db-dsn", "db.dsn")
	gdb, err := db.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	st, err := store.NewGorm(gdb)
	if err != nil {
		return err
	}

	botToken := configutil.FlagOrViperString(cmd, "slack-bot-token", "slack.bot_token")
	appToken := configutil.FlagOrViperString(cmd, "slack-app-token", "slack.app_token")
	slack := slackapi.NewClient(slackapi.Options{
		BotToken: botToken,
		AppToken: appToken,
		Logger:   logger,
	})
	if slack.Configured() {
		if err := slack.AuthTest(ctx); err != nil {
			logger.Warn("slack_auth_test_error", "error", err.Error())
		}
	} else {
		logger.Warn("slack_not_configured")
	}

	runner := assistant.NewRunner(assistant.Options{
		Command:        configutil.FlagOrViperString(cmd, "assistant-command", "assistant.command"),
		StatusInterval: viper.GetDuration("assistant.status_interval"),
		Logger:         logger,
	})

	br, err := bridge.New(bridge.Options{
		Dedup:          dedup.NewCache(dedup.Options{}),
		Slack:          slack,
		Runner:         runner,
		Store:          st,
		Logger:         logger,
		MaxConcurrency: viper.GetInt("bridge.max_concurrency"),
		TurnTimeout:    viper.GetDuration("assistant.timeout"),
	})
	if err != nil {
		return err
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Enabled = configutil.FlagOrViperBool(cmd, "scheduler-enabled", "scheduler.enabled")
	schedCfg.Tick = viper.GetDuration("scheduler.tick")
	schedCfg.Concurrency = viper.GetInt("scheduler.concurrency")
	schedCfg.TaskTimeout = viper.GetDuration("assistant.timeout")
	schedCfg.DefaultChannel = viper.GetString("slack.default_channel")
	sched, err := scheduler.New(st, st, runner, slack, schedCfg, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	_, err = httpserver.StartServer(ctx, logger, httpserver.ServerOptions{
		Listen: configutil.FlagOrViperString(cmd, "listen", "listen"),
		Routes: httpserver.RoutesOptions{
			APIKey:         configutil.FlagOrViperString(cmd, "api-key", "api.key"),
			Events:         br,
			Conversations:  st,
			Tasks:          st,
			Slack:          slack,
			DefaultChannel: viper.GetString("slack.default_channel"),
			HealthEnabled:  true,
		},
	})
	if err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	if appToken != "" && botToken != "" {
		go consumeSocketMode(ctx, logger, slack, br)
	}

	<-ctx.Done()
	logger.Info("shutdown_start")
	br.Close()
	sched.Wait()
	logger.Info("shutdown_complete")
	return nil
}

// consumeSocketMode keeps a Socket Mode connection alive, feeding
// message events into the bridge. Connection failures back off and
// reconnect until the context ends.
func consumeSocketMode(ctx context.Context, logger *slog.Logger, slack *slackapi.Client, br *bridge.Bridge) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := slack.ConnectSocket(ctx)
		if err != nil {
			logger.Warn("slack_socket_connect_error", "error", err.Error())
			if err := slackapi.SleepWithContext(ctx, 2*time.Second); err != nil {
				return
			}
			continue
		}

		logger.Info("slack_socket_connected")
		err = slack.ConsumeSocket(ctx, conn, func(env slackapi.SocketEnvelope) {
			if env.Type != "events_api" {
				return
			}
			var payload struct {
				Event bridge.MessageEvent `json:"event"`
			}
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				logger.Warn("slack_socket_payload_error", "error", err.Error())
				return
			}
			br.HandleEvent(ctx, payload.Event)
		})
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("slack_socket_error", "error", err.Error())
		}
		if err := slackapi.SleepWithContext(ctx, 2*time.Second); err != nil {
			return
		}
	}
}
