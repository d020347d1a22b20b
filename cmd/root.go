package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moimran/netdata-sub001/internal/config"
)

var (
	// Flags
	flagURL      string
	flagToken    string
	flagConfig   string
	flagLogLevel string
	flagLogFile  string
)

var rootCmd = &cobra.Command{
	Use:   "netterm",
	Short: "Terminal client for the netdata device console",
	Long: `netterm attaches an interactive terminal to network devices managed by
the netdata console. It speaks the console's binary relay protocol over
websocket, survives relay restarts through automatic reconnection, and
ships a local development relay for working without a backend.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "Console API URL (env: NETTERM_API_URL)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "API token (env: NETTERM_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: ~/.config/netterm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Log file path (default: stderr)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("netterm %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and layers flag overrides on top.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flagURL != "" {
		cfg.APIURL = flagURL
	}
	if flagToken != "" {
		cfg.Token = flagToken
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFile != "" {
		cfg.LogFile = flagLogFile
	}
	return cfg, nil
}
