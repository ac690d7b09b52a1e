// mng-proxy is the reverse-proxy daemon: it exposes running agents' HTTP
// servers to a local browser behind one-time-code authentication, with
// SSH tunneling for agents on remote hosts.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mng/internal/auth"
	"mng/internal/backend"
	"mng/internal/config"
	"mng/internal/metrics"
	"mng/internal/proxy"
	"mng/internal/sshtunnel"
	"mng/internal/telemetry"
)

func main() {
	var cfgFile string
	pflag.StringVar(&cfgFile, "config", "", "config file (default is <host_dir>/config.toml)")
	port := pflag.Int("port", 0, "listen port (default from config)")
	authBackend := pflag.String("auth-backend", "file", "auth store backend: file or sqlite")
	verbosity := pflag.CountP("verbose", "v", "increase logging verbosity (-v, -vv)")
	addCode := pflag.String("add-one-time-code", "", "add AGENT:CODE to the auth store and exit")
	pflag.Parse()

	config.Load(cfgFile)
	viper.BindPFlag("verbose", pflag.Lookup("verbose"))
	telemetry.InitLogger(*verbosity, "")

	hostDir := viper.GetString("host_dir")
	var store auth.Store
	var err error
	switch *authBackend {
	case "sqlite":
		store, err = auth.NewSQLiteStore(hostDir)
	default:
		store, err = auth.NewFileStore(hostDir)
	}
	if err != nil {
		slog.Error("failed to open auth store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if *addCode != "" {
		agentName, code, ok := cut(*addCode, ':')
		if !ok {
			fmt.Fprintln(os.Stderr, "expected --add-one-time-code AGENT:CODE")
			os.Exit(2)
		}
		if err := store.AddOneTimeCode(agentName, code); err != nil {
			slog.Error("failed to add one-time code", "error", err)
			os.Exit(1)
		}
		fmt.Printf("http://127.0.0.1:%d/login?changeling_name=%s&one_time_code=%s\n",
			listenPort(*port), agentName, code)
		return
	}

	tunnels := sshtunnel.NewManager()
	defer tunnels.Close()

	m := metrics.NewMetrics()
	go func() {
		metricsAddr := fmt.Sprintf("127.0.0.1:%d", viper.GetInt("metrics_port"))
		if err := http.ListenAndServe(metricsAddr, m.Handler()); err != nil {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	server := &proxy.Server{
		Port:     listenPort(*port),
		Resolver: &backend.CLIResolver{},
		Auth:     store,
		Tunnels:  tunnels,
		Metrics:  m,
	}
	slog.Info("starting proxy", "port", server.Port)
	if err := server.Start(); err != nil {
		slog.Error("proxy server stopped", "error", err)
		os.Exit(1)
	}
}

func listenPort(flagPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return viper.GetInt("proxy_port")
}

func cut(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
