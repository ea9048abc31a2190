package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tonyw/backdesk/cmd/backdesk/servecmd"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "backdesk",
		Short:         "Slack assistant bridge and task backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./backdesk.yaml)")

	cobra.OnInitialize(initConfig)

	root.AddCommand(servecmd.NewCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	if strings.TrimSpace(cfgFile) != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("backdesk")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("BACKDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "error: read config:", err)
			os.Exit(1)
		}
	}
}

func setDefaults() {
	viper.SetDefault("listen", ":8080")
	viper.SetDefault("api.key", "")
	viper.SetDefault("slack.bot_token", "")
	viper.SetDefault("slack.app_token", "")
	viper.SetDefault("slack.default_channel", "")
	viper.SetDefault("db.dsn", "")
	viper.SetDefault("assistant.command", "claude")
	viper.SetDefault("assistant.timeout", "10m")
	viper.SetDefault("assistant.status_interval", "2s")
	viper.SetDefault("bridge.max_concurrency", 3)
	viper.SetDefault("scheduler.enabled", false)
	viper.SetDefault("scheduler.tick", "5s")
	viper.SetDefault("scheduler.concurrency", 1)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}
