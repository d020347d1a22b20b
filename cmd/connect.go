package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/moimran/netdata-sub001/internal/api"
	"github.com/moimran/netdata-sub001/internal/audit"
	"github.com/moimran/netdata-sub001/internal/logging"
	"github.com/moimran/netdata-sub001/internal/protocol"
	"github.com/moimran/netdata-sub001/internal/session"
	"github.com/moimran/netdata-sub001/internal/taskpool"
	"github.com/moimran/netdata-sub001/internal/transport"
)

var (
	flagRelayURL string
	flagUsername string
	flagAuditLog string
)

var connectCmd = &cobra.Command{
	Use:   "connect <device-id>",
	Short: "Open an interactive terminal session to a device",
	Long: `Open an interactive terminal session to a managed device. The device is
resolved through the console API unless --relay-url points directly at a
relay websocket endpoint.

While connected, lines starting with '!' are handled locally:
  !stats            show connection statistics
  !search <pattern> search the session scrollback
  !clear            clear the screen
  !exit             end the session`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&flagRelayURL, "relay-url", "", "Dial this relay websocket directly, skipping the console API")
	connectCmd.Flags().StringVar(&flagUsername, "username", "", "Device login username")
	connectCmd.Flags().StringVar(&flagAuditLog, "audit-log", "", "Audit log path (default: ~/.config/netterm/audit.log)")
	rootCmd.AddCommand(connectCmd)
}

// preflightSession checks the console's view of a session before the
// websocket dial, turning the status sentinels into user diagnostics.
func preflightSession(ctx context.Context, client *api.Client, sessionID string) (*api.SessionStatus, error) {
	status, err := client.Status(ctx, sessionID)
	switch {
	case errors.Is(err, api.ErrSessionClosed):
		return nil, fmt.Errorf("session %s has ended; open a new session", sessionID)
	case errors.Is(err, api.ErrSessionNotFound):
		return nil, fmt.Errorf("session %s is unknown to the console", sessionID)
	case err != nil:
		return nil, err
	}
	return status, nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Raw mode takes the tty; keep logs off it.
	logPath := cfg.LogFile
	if logPath == "" && term.IsTerminal(int(os.Stderr.Fd())) {
		logPath = os.DevNull
	}
	logCloser, err := logging.Setup(cfg.LogLevel, logPath)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	cols, rows := 80, 24
	if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		cols, rows = c, r
	}

	relayURL := flagRelayURL
	sessionID := "direct"
	hostname := ""
	if relayURL == "" {
		if len(args) == 0 {
			return fmt.Errorf("device id required (or use --relay-url)")
		}
		if cfg.APIURL == "" {
			return fmt.Errorf("console API URL required (--url or NETTERM_API_URL)")
		}
		client := api.New(cfg.APIURL, cfg.Token)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		resp, err := client.Connect(ctx, api.ConnectRequest{
			DeviceID: args[0],
			Username: flagUsername,
			Cols:     cols,
			Rows:     rows,
		})
		if err != nil {
			cancel()
			return err
		}

		// Verify the session is attachable before taking the tty.
		status, err := preflightSession(ctx, client, resp.SessionID)
		cancel()
		if err != nil {
			return err
		}
		relayURL = resp.WebsocketURL
		sessionID = resp.SessionID
		hostname = status.Hostname
		if flagUsername == "" {
			flagUsername = status.Username
		}
	}

	auditLog, err := audit.NewLogger(flagAuditLog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	pool := taskpool.New(taskpool.Config{})
	defer pool.Close()

	renderer := &ttyRenderer{out: os.Stdout}

	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() { doneOnce.Do(func() { close(done) }) }

	var ctrl *session.Controller
	conn := transport.New(transport.Config{
		URL:                  relayURL,
		Token:                cfg.Token,
		Dimensions:           func() (int, int) { return ctrl.Size() },
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		BaseDelay:            time.Duration(cfg.ReconnectBaseDelayMs) * time.Millisecond,
		HeartbeatInterval:    time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
		OnMessage: func(m protocol.Message) {
			ctrl.HandleMessage(m)
		},
		OnStateChange: func(state transport.State, err error) {
			ctrl.HandleTransportState(state, err)
			switch state {
			case transport.StateClosed:
				if err != nil {
					auditLog.Log(audit.Entry{
						SessionID: sessionID,
						EventType: audit.EventReconnect,
						Detail:    err.Error(),
					})
				}
			case transport.StateExhausted:
				auditLog.Log(audit.Entry{
					SessionID: sessionID,
					EventType: audit.EventExhausted,
				})
			}
			if ctrl.State() == session.StateClosed {
				finish()
			}
		},
		OnRedrawRequest: func() {
			ctrl.HandleRedrawRequest()
		},
	})

	deviceName := hostname
	if deviceName == "" && len(args) > 0 {
		deviceName = args[0]
	}
	ctrl = session.New(session.Config{
		SessionID: sessionID,
		Hostname:  hostname,
		Username:  flagUsername,
		Conn:      conn,
		Renderer:  renderer,
		Pool:      pool,
		Audit: func(eventType, detail string) {
			auditLog.Log(audit.Entry{
				SessionID: sessionID,
				EventType: eventType,
				Detail:    detail,
			})
		},
	})
	ctrl.SetSize(cols, rows)

	auditLog.Log(audit.Entry{
		SessionID: sessionID,
		EventType: audit.EventSessionOpen,
		Device:    deviceName,
		Username:  flagUsername,
	})
	defer auditLog.Log(audit.Entry{
		SessionID: sessionID,
		EventType: audit.EventSessionClose,
		Device:    deviceName,
	})

	if err := conn.Connect(cmd.Context()); err != nil {
		// The transport keeps retrying with backoff; only a hard
		// config problem aborts here.
		renderer.Notice(fmt.Sprintf("initial connect failed: %v (retrying)", err))
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	// Window resizes renegotiate terminal dimensions.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				ctrl.SetSize(c, r)
			}
		}
	}()

	// Keystrokes feed the session input queue.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				ctrl.HandleInput(chunk)
			}
			if err != nil {
				ctrl.Close()
				finish()
				return
			}
		}
	}()

	<-done
	ctrl.Close()
	return nil
}
