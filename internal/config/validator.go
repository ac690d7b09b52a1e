package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// ValidateConfig validates configuration values and returns an error if
// any are invalid. Called after viper has loaded the configuration.
func ValidateConfig() error {
	var errors []string

	// Timeouts and intervals must be positive when set.
	for _, key := range []string{
		"idle_timeout_seconds",
		"starting_timeout_seconds",
		"stopping_timeout_seconds",
		"exec_timeout_seconds",
		"ssh_connect_timeout_seconds",
	} {
		if viper.IsSet(key) {
			if v := viper.GetInt(key); v <= 0 {
				errors = append(errors, fmt.Sprintf("%s must be positive, got: %d", key, v))
			}
		}
	}

	if viper.IsSet("send_concurrency") {
		if v := viper.GetInt("send_concurrency"); v <= 0 {
			errors = append(errors, fmt.Sprintf("send_concurrency must be positive, got: %d", v))
		}
	}

	for _, key := range []string{"proxy_port", "metrics_port"} {
		if viper.IsSet(key) {
			if port := viper.GetInt(key); port < 1 || port > 65535 {
				errors = append(errors, fmt.Sprintf("%s must be between 1 and 65535, got: %d", key, port))
			}
		}
	}

	if viper.IsSet("session_prefix") {
		if viper.GetString("session_prefix") == "" {
			errors = append(errors, "session_prefix must not be empty")
		}
	}

	if len(errors) > 0 {
		errorMsg := errors[0]
		for i := 1; i < len(errors); i++ {
			errorMsg += "\n  " + errors[i]
		}
		return fmt.Errorf("configuration validation failed:\n  %s", errorMsg)
	}

	return nil
}

// ValidateAndExit validates the configuration and exits non-zero on
// failure.
func ValidateAndExit() {
	if err := ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}
