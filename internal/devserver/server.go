// Package devserver is a local stand-in for the console relay: it
// answers the same REST endpoints, speaks the same binary frame
// protocol over websocket, and bridges each session to a shell under
// a pty. Meant for developing and testing the client without a lab
// backend.
package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/moimran/netdata-sub001/internal/protocol"
)

// Config configures the development relay.
type Config struct {
	Listen string
	Shell  string
}

type sessionState int

const (
	sessionPending sessionState = iota
	sessionAttached
	sessionEnded
)

type relaySession struct {
	id      string
	device  string
	started time.Time

	mu    sync.Mutex
	state sessionState
	pty   *PTYSession
}

// Server is the development relay.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*relaySession

	httpServer *http.Server
}

// New creates a Server. Call Serve to start it.
func New(cfg Config) *Server {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Server{
		cfg:      cfg,
		log:      slog.Default().With("component", "devserver"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[string]*relaySession),
	}
}

// Serve listens on cfg.Listen and blocks until the server stops.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.ServeListener(ln)
}

// ServeListener serves on an existing listener. Tests use this with
// an ephemeral port.
func (s *Server) ServeListener(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/devices/connect", s.handleConnect)
	mux.HandleFunc("GET /api/session/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /ws/{id}", s.handleWebsocket)

	s.httpServer = &http.Server{Handler: mux}
	s.log.Info("devserver listening", "addr", ln.Addr().String(), "shell", s.cfg.Shell)
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops the server and ends all sessions.
func (s *Server) Close() {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.mu.Lock()
		if sess.pty != nil {
			sess.pty.Close()
		}
		sess.state = sessionEnded
		sess.mu.Unlock()
	}
	s.mu.Unlock()
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string `json:"device_id"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// A session_id in the request reattaches to an existing session.
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &relaySession{
			id:      id,
			device:  req.DeviceID,
			started: time.Now(),
		}
		s.sessions[id] = sess
	}
	s.mu.Unlock()

	s.log.Info("session created", "session", sess.id, "device", req.DeviceID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"websocket_url": fmt.Sprintf("ws://%s/ws/%s", r.Host, sess.id),
		"session_id":    sess.id,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.Lock()
	sess, ok := s.sessions[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"status": "not_found"})
		return
	}

	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()
	if state == sessionEnded {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]string{"status": "closed"})
		return
	}

	hostname, _ := os.Hostname()
	json.NewEncoder(w).Encode(map[string]string{
		"status":   "active",
		"hostname": hostname,
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		// Bare `netterm connect --url` dials without the REST step;
		// create the session on first attach.
		sess = &relaySession{id: id, started: time.Now()}
		s.sessions[id] = sess
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return
	}

	s.attach(sess, conn)
}

// attach bridges one websocket connection to the session's shell.
func (s *Server) attach(sess *relaySession, conn *websocket.Conn) {
	defer conn.Close()

	codec := protocol.NewCodec()
	var writeMu sync.Mutex

	send := func(m protocol.Message) error {
		frame, err := codec.Encode(m)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	}

	sess.mu.Lock()
	if sess.pty == nil {
		ptySess, err := NewPTYSession(sess.id, s.cfg.Shell, 80, 24,
			func(_ string, data []byte) {
				if err := send(protocol.TerminalOutput{Data: data}); err != nil {
					s.log.Debug("output send failed", "session", sess.id, "error", err)
				}
			},
			func(_ string, err error) {
				send(protocol.ErrorMessage{Code: 1, Message: fmt.Sprintf("shell ended: %v", err), Disconnect: true})
			})
		if err != nil {
			sess.mu.Unlock()
			s.log.Error("pty start failed", "session", sess.id, "error", err)
			frame, encErr := codec.Encode(protocol.ErrorMessage{Code: 2, Message: "pty start failed", Disconnect: true})
			if encErr == nil {
				conn.WriteMessage(websocket.BinaryMessage, frame)
			}
			return
		}
		sess.pty = ptySess
	}
	sess.state = sessionAttached
	ptySess := sess.pty
	sess.mu.Unlock()

	send(protocol.SessionInfo{SessionID: sess.id, Message: "session established"})
	s.log.Info("client attached", "session", sess.id)

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		msg, err := codec.Decode(frame)
		if err != nil {
			s.log.Debug("bad frame dropped", "session", sess.id, "error", err)
			continue
		}

		switch v := msg.(type) {
		case protocol.TerminalInput:
			if err := ptySess.Write(v.Data); err != nil {
				s.log.Debug("pty write failed", "session", sess.id, "error", err)
			}
		case protocol.Resize:
			if err := protocol.ValidateResize(v.Cols, v.Rows); err != nil {
				send(protocol.ErrorMessage{Code: 3, Message: err.Error()})
				continue
			}
			ptySess.Resize(v.Cols, v.Rows)
		case protocol.Ping:
			send(protocol.Pong{ID: v.ID, Timestamp: v.Timestamp})
		case protocol.Pong:
			// Client heartbeat replies need no handling.
		default:
			s.log.Debug("unhandled message", "type", fmt.Sprintf("%T", msg))
		}
	}

	sess.mu.Lock()
	sess.state = sessionPending
	sess.mu.Unlock()
	s.log.Info("client detached", "session", sess.id)
}

// endpointHost rewrites a ws URL host for display. Used by the CLI to
// print a copy-pasteable connect line.
func endpointHost(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return net.JoinHostPort(host, port)
}

// Endpoint returns the http base URL clients should use.
func (s *Server) Endpoint() string {
	return "http://" + endpointHost(s.cfg.Listen)
}
