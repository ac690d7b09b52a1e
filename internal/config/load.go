package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the configuration from file and environment variables.
func Load(cfgFile string) {
	// explicit .env loading; a missing file is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(defaultHostDir())
		viper.AddConfigPath(".")
		viper.SetConfigType("toml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("MNG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// Set defaults
	viper.SetDefault("host_dir", defaultHostDir())
	viper.SetDefault("session_prefix", "mng-")
	viper.SetDefault("send_concurrency", 32)
	viper.SetDefault("idle_timeout_seconds", 3600)
	viper.SetDefault("starting_timeout_seconds", 600)
	viper.SetDefault("stopping_timeout_seconds", 300)
	viper.SetDefault("exec_timeout_seconds", 600)
	viper.SetDefault("proxy_port", 7777)
	viper.SetDefault("metrics_port", 2112)
	viper.SetDefault("ssh_connect_timeout_seconds", 10)
	viper.SetDefault("verbose", false)

	// Notification defaults
	slackEnabled := os.Getenv("SLACK_BOT_USER_TOKEN") != "" || os.Getenv("MNG_SLACK_WEBHOOK_URL") != ""
	viper.SetDefault("notifications.slack.enabled", slackEnabled)
	viper.SetDefault("notifications.slack.channel", "#general")
	viper.SetDefault("notifications.slack.events.on_host_running", true)
	viper.SetDefault("notifications.slack.events.on_idle_stop", true)
	viper.SetDefault("notifications.slack.events.on_destroy", true)
	viper.SetDefault("notifications.slack.events.on_send_failure", true)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func defaultHostDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mng"
	}
	return home + "/.mng"
}
