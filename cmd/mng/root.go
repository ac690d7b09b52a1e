package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mng/internal/agent"
	"mng/internal/config"
	"mng/internal/mngerrors"
	"mng/internal/provider"
	"mng/internal/telemetry"

	// Register provider backends.
	_ "mng/internal/provider/docker"
	_ "mng/internal/provider/k8s"
	_ "mng/internal/provider/local"
	_ "mng/internal/provider/ssh"
)

var exit = os.Exit

var (
	cfgFile      string
	outputFormat string
	quiet        bool
	verbosity    int
	logFile      string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mng",
	Short: "mng: fleet manager for long-running autonomous coding agents",
	Long: `mng provisions sandboxed hosts (local, Docker, Kubernetes, SSH), boots
interactive agents inside persistent tmux sessions, and keeps them
reachable for messaging, file sync and teardown.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI and maps errors onto the exit-code contract:
// 0 success, 1 operation failure, 2 usage error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(mngerrors.ExitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <host_dir>/config.toml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "human", "output format (human, json, jsonl)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase logging verbosity (-v, -vv)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.Load(cfgFile)

	if err := config.ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(2)
	}

	telemetry.InitLogger(verbosity, logFile)
}

// loadProviders builds every provider instance from the active profile.
func loadProviders() ([]provider.Provider, error) {
	hostDir := viper.GetString("host_dir")
	profileID := config.ActiveProfileID(hostDir)
	profile, err := config.LoadProfile(hostDir, profileID)
	if err != nil {
		return nil, err
	}
	var providers []provider.Provider
	for name, settings := range profile.Providers {
		prov, err := provider.NewInstance(settings.Backend, name, settings.Settings)
		if err != nil {
			return nil, fmt.Errorf("configuring provider %s: %w", name, err)
		}
		providers = append(providers, prov)
	}
	return providers, nil
}

// providerByName returns one provider instance, defaulting to "local".
func providerByName(name string) (provider.Provider, []provider.Provider, error) {
	providers, err := loadProviders()
	if err != nil {
		return nil, nil, err
	}
	if name == "" {
		name = "local"
	}
	for _, prov := range providers {
		if prov.Name() == name {
			return prov, providers, nil
		}
	}
	return nil, nil, mngerrors.NewProviderNotFoundError(name)
}

func agentConfig() agent.Config {
	return agent.Config{SessionPrefix: viper.GetString("session_prefix")}
}

// printResult writes v per the global --format flag. Human format uses
// the provided formatter.
func printResult(v any, human func() string) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "jsonl":
		return printJSONL(v)
	default:
		if !quiet {
			fmt.Println(human())
		}
		return nil
	}
}

// printJSONL emits one JSON object per line for slice values, or a
// single line otherwise.
func printJSONL(v any) error {
	enc := json.NewEncoder(os.Stdout)
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		for i := 0; i < rv.Len(); i++ {
			if err := enc.Encode(rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	}
	return enc.Encode(v)
}

// usageErr wraps a plain message as a user error (exit code 2).
func usageErr(format string, args ...any) error {
	return mngerrors.NewUserInputError(format, args...)
}

var errOperationFailed = errors.New("operation failed")
