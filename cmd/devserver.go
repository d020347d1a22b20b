package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moimran/netdata-sub001/internal/devserver"
	"github.com/moimran/netdata-sub001/internal/logging"
)

var (
	flagListen string
	flagShell  string
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local relay for development",
	Long: `Run a local stand-in for the console relay. It serves the same REST and
websocket endpoints, bridging each session to a local shell under a
pseudo-terminal. Point the client at it with:

  netterm connect any-device --url http://127.0.0.1:7681`,
	RunE: runDevserver,
}

func init() {
	devserverCmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (default: 127.0.0.1:7681)")
	devserverCmd.Flags().StringVar(&flagShell, "shell", "", "Shell to spawn per session (default: $SHELL)")
	rootCmd.AddCommand(devserverCmd)
}

func runDevserver(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if flagListen != "" {
		cfg.Devserver.Listen = flagListen
	}
	if flagShell != "" {
		cfg.Devserver.Shell = flagShell
	}

	server := devserver.New(devserver.Config{
		Listen: cfg.Devserver.Listen,
		Shell:  cfg.Devserver.Shell,
	})
	fmt.Printf("devserver on %s — connect with: netterm connect dev --url %s\n",
		cfg.Devserver.Listen, server.Endpoint())
	return server.Serve()
}
