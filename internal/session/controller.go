// Package session implements the terminal-session state machine: it
// queues and paces keystrokes so the remote shell sees them in order,
// intercepts local commands, negotiates terminal resize, and keeps
// full-screen programs painted through redraw scheduling.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/moimran/netdata-sub001/internal/audit"
	"github.com/moimran/netdata-sub001/internal/protocol"
	"github.com/moimran/netdata-sub001/internal/taskpool"
	"github.com/moimran/netdata-sub001/internal/transport"
)

// State is the controller lifecycle state.
type State string

const (
	StateInit       State = "init"
	StateConnected  State = "connected"
	StateActive     State = "active"
	StateStuck      State = "stuck"
	StateRecovering State = "recovering"
	StateClosed     State = "closed"
)

// Conn is the transport surface the controller drives. Satisfied by
// *transport.Transport.
type Conn interface {
	Send(m protocol.Message) error
	ForceReconnect()
	Close()
	Stats() transport.Stats
}

// Renderer is the output sink. The controller writes decoded terminal
// bytes, asks for tail redraws when full-screen programs repaint via
// absolute addressing, and posts out-of-band notices.
type Renderer interface {
	Write(p []byte) (int, error)
	RedrawTail()
	Notice(message string)
}

// Timing defaults. Tests override via Config.
const (
	DefaultInterSendDelay         = 10 * time.Millisecond
	DefaultResizeSettleDelay      = 500 * time.Millisecond
	DefaultPeriodicRedrawInterval = time.Second
	DefaultPeriodicRedrawCeiling  = 30 * time.Second
)

// defaultRedrawBursts are the one-shot redraws scheduled when a
// full-screen program launches.
var defaultRedrawBursts = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Config configures a Controller.
type Config struct {
	SessionID string
	Hostname  string
	Username  string

	Conn     Conn
	Renderer Renderer

	// Pool, when set, runs search/format work for local commands off
	// the control flow.
	Pool *taskpool.Pool

	// Audit, when set, receives session events worth recording:
	// resizes and locally-intercepted commands. Event types are the
	// audit package constants.
	Audit func(eventType, detail string)

	InterSendDelay         time.Duration
	ResizeSettleDelay      time.Duration
	RedrawBursts           []time.Duration
	PeriodicRedrawInterval time.Duration
	PeriodicRedrawCeiling  time.Duration
	PoolTimeout            time.Duration
}

// Controller runs one terminal session.
type Controller struct {
	cfg  Config
	log  *slog.Logger
	conn Conn

	mu    sync.Mutex
	state State

	// Input queue: FIFO of raw chunks awaiting transmission.
	// lineStart marks where the current (unterminated) logical line
	// begins, so a locally-intercepted command can be cleared without
	// touching earlier lines already being drained.
	queue     [][]byte
	lineStart int
	lineBuf   bytes.Buffer
	draining  bool

	cols, rows int

	scrollback *scrollback

	// Per-instance redraw timers, started and stopped with the
	// full-screen heuristic. Never process-wide.
	burstTimers   []*time.Timer
	periodicStop  chan struct{}
	settleTimer   *time.Timer
	closedForever bool
}

// New creates a Controller in StateInit.
func New(cfg Config) *Controller {
	if cfg.InterSendDelay <= 0 {
		cfg.InterSendDelay = DefaultInterSendDelay
	}
	if cfg.ResizeSettleDelay <= 0 {
		cfg.ResizeSettleDelay = DefaultResizeSettleDelay
	}
	if len(cfg.RedrawBursts) == 0 {
		cfg.RedrawBursts = defaultRedrawBursts
	}
	if cfg.PeriodicRedrawInterval <= 0 {
		cfg.PeriodicRedrawInterval = DefaultPeriodicRedrawInterval
	}
	if cfg.PeriodicRedrawCeiling <= 0 {
		cfg.PeriodicRedrawCeiling = DefaultPeriodicRedrawCeiling
	}
	if cfg.PoolTimeout <= 0 {
		cfg.PoolTimeout = 2 * time.Second
	}

	return &Controller{
		cfg:        cfg,
		log:        slog.Default().With("component", "session", "session", cfg.SessionID),
		conn:       cfg.Conn,
		state:      StateInit,
		scrollback: newScrollback(defaultScrollbackSize),
		cols:       80,
		rows:       24,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.log.Debug("state transition", "from", old, "to", s)
	}
}

// HandleInput queues one keystroke or paste chunk for transmission.
// Chunks are never sent inline: the drain loop paces them out one at
// a time so the remote observes them in the order typed.
func (c *Controller) HandleInput(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	c.maybeStopPeriodicRedraw(chunk)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}

	c.queue = append(c.queue, chunk)
	c.lineBuf.Write(chunk)

	if endsLine(chunk) {
		line := strings.TrimRight(c.lineBuf.String(), "\r\n")
		c.lineBuf.Reset()

		if c.isLocalCommand(line) {
			// Consume the whole logical line: nothing typed since the
			// last terminator goes to the remote.
			c.queue = c.queue[:c.lineStart]
			c.mu.Unlock()
			c.runLocalCommand(line)
			return
		}

		c.lineStart = len(c.queue)
		c.mu.Unlock()
		c.applyFullscreenHeuristic(line)
		c.startDrain()
		return
	}

	c.mu.Unlock()
	c.startDrain()
}

// endsLine reports whether chunk terminates a logical input line.
func endsLine(chunk []byte) bool {
	last := chunk[len(chunk)-1]
	return last == '\n' || last == '\r'
}

// startDrain launches the drain goroutine if it is not already
// running.
func (c *Controller) startDrain() {
	c.mu.Lock()
	if c.draining || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	go c.drain()
}

// drain sends queued chunks one at a time with a fixed inter-send
// delay, preserving keystroke order even when several chunks arrive
// in the same tick.
func (c *Controller) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		chunk := c.queue[0]
		c.queue = c.queue[1:]
		if c.lineStart > 0 {
			c.lineStart--
		}
		c.mu.Unlock()

		if err := c.conn.Send(protocol.TerminalInput{Data: chunk}); err != nil {
			c.log.Warn("input send failed", "error", err)
		}
		time.Sleep(c.cfg.InterSendDelay)
	}
}

// HandleMessage dispatches one decoded message from the transport.
func (c *Controller) HandleMessage(m protocol.Message) {
	switch v := m.(type) {
	case protocol.TerminalOutput:
		c.scrollback.append(v.Data)
		if _, err := c.cfg.Renderer.Write(v.Data); err != nil {
			c.log.Warn("render write failed", "error", err)
		}
		// Full-screen programs address the bottom rows absolutely;
		// repaint them after every output burst.
		c.cfg.Renderer.RedrawTail()

	case protocol.Ping:
		if err := c.conn.Send(protocol.Pong{ID: v.ID, Timestamp: v.Timestamp}); err != nil {
			c.log.Debug("pong send failed", "error", err)
		}

	case protocol.SessionInfo:
		c.cfg.Renderer.Notice(v.Message)

	case protocol.ErrorMessage:
		c.cfg.Renderer.Notice(fmt.Sprintf("remote error %d: %s", v.Code, v.Message))
		if v.Disconnect {
			c.Close()
		}

	case protocol.Resize:
		// The relay echoes negotiated dimensions; nothing to do on
		// the client side.

	default:
		c.log.Debug("unhandled message", "type", fmt.Sprintf("%T", m))
	}
}

// HandleTransportState reflects transport transitions into the
// session state machine.
func (c *Controller) HandleTransportState(state transport.State, err error) {
	switch state {
	case transport.StateOpen:
		prev := c.State()
		if prev == StateInit {
			c.setState(StateConnected)
		}
		c.setState(StateActive)
		c.scheduleSettleResize()

	case transport.StateClosed:
		c.mu.Lock()
		terminal := c.closedForever
		c.mu.Unlock()
		if terminal {
			c.setState(StateClosed)
			return
		}
		if err != nil {
			c.setState(StateRecovering)
		}

	case transport.StateExhausted:
		c.setState(StateClosed)
		c.cfg.Renderer.Notice("connection lost: reconnect attempts exhausted; reconnect manually")
	}
}

// HandleRedrawRequest services the transport watchdog: the connection
// has gone quiet, repaint from the local buffer.
func (c *Controller) HandleRedrawRequest() {
	if c.State() == StateActive {
		c.setState(StateStuck)
	}
	c.cfg.Renderer.RedrawTail()
}

// SetSize records new renderer dimensions and renegotiates with the
// remote when they changed.
func (c *Controller) SetSize(cols, rows int) {
	if err := protocol.ValidateResize(cols, rows); err != nil {
		c.log.Warn("ignoring resize", "error", err)
		return
	}

	c.mu.Lock()
	if cols == c.cols && rows == c.rows {
		c.mu.Unlock()
		return
	}
	c.cols, c.rows = cols, rows
	c.mu.Unlock()

	if err := c.conn.Send(protocol.Resize{Cols: cols, Rows: rows}); err != nil {
		c.log.Warn("resize send failed", "error", err)
	}
	c.auditEvent(audit.EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (c *Controller) auditEvent(eventType, detail string) {
	if c.cfg.Audit != nil {
		c.cfg.Audit(eventType, detail)
	}
}

// Size returns the last negotiated dimensions.
func (c *Controller) Size() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

// scheduleSettleResize re-sends the current dimensions shortly after
// connect, correcting any size computed before layout settled.
func (c *Controller) scheduleSettleResize() {
	c.mu.Lock()
	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}
	c.settleTimer = time.AfterFunc(c.cfg.ResizeSettleDelay, func() {
		c.mu.Lock()
		cols, rows := c.cols, c.rows
		c.mu.Unlock()
		if err := c.conn.Send(protocol.Resize{Cols: cols, Rows: rows}); err != nil {
			c.log.Debug("settle resize failed", "error", err)
		}
	})
	c.mu.Unlock()
}

// Close ends the session permanently: timers stopped, queue dropped,
// transport closed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closedForever {
		c.mu.Unlock()
		return
	}
	c.closedForever = true
	c.queue = nil
	c.lineStart = 0
	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}
	c.mu.Unlock()

	c.stopRedrawTimers()
	c.setState(StateClosed)
	c.conn.Close()
}

// Stats is a snapshot of session health.
type Stats struct {
	State           State
	QueueDepth      int
	ScrollbackBytes int
	Transport       transport.Stats
}

// Stats returns a snapshot of controller and transport state.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	s := Stats{State: c.state, QueueDepth: len(c.queue)}
	c.mu.Unlock()
	s.ScrollbackBytes = c.scrollback.len()
	s.Transport = c.conn.Stats()
	return s
}

// localCommands are handled by the client and never forwarded.
const (
	cmdStats  = "!stats"
	cmdClear  = "!clear"
	cmdExit   = "!exit"
	cmdSearch = "!search"
)

// isLocalCommand reports whether the typed line is one of the
// locally-intercepted commands.
func (c *Controller) isLocalCommand(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == cmdStats || trimmed == cmdClear || trimmed == cmdExit {
		return true
	}
	return strings.HasPrefix(trimmed, cmdSearch+" ")
}

// runLocalCommand executes an intercepted command. Heavy text work is
// offloaded to the task pool so the control flow never blocks.
func (c *Controller) runLocalCommand(line string) {
	trimmed := strings.TrimSpace(line)
	c.auditEvent(audit.EventLocalCommand, trimmed)
	switch {
	case trimmed == cmdStats:
		c.showStats()
	case trimmed == cmdClear:
		c.cfg.Renderer.Write([]byte("\x1b[2J\x1b[H"))
		c.cfg.Renderer.RedrawTail()
	case trimmed == cmdExit:
		c.cfg.Renderer.Notice("session closed")
		c.Close()
	case strings.HasPrefix(trimmed, cmdSearch+" "):
		c.searchScrollback(strings.TrimSpace(strings.TrimPrefix(trimmed, cmdSearch)))
	}
}

// showStats prints transport and codec counters as a notice,
// formatting through the task pool when one is attached.
func (c *Controller) showStats() {
	stats := c.Stats()
	raw, err := json.Marshal(map[string]any{
		"session":          string(stats.State),
		"connection":       string(stats.Transport.State),
		"latency_ms":       stats.Transport.LatencyMs,
		"reconnects":       stats.Transport.Reconnects,
		"sent":             stats.Transport.Codec.MessagesSent,
		"received":         stats.Transport.Codec.MessagesReceived,
		"ratio":            stats.Transport.Codec.CompressionRatio,
		"scrollback_bytes": stats.ScrollbackBytes,
	})
	if err != nil {
		c.log.Warn("stats marshal failed", "error", err)
		return
	}

	if c.cfg.Pool == nil {
		c.cfg.Renderer.Notice(string(raw))
		return
	}

	handle, err := c.cfg.Pool.Submit(taskpool.TextProcessing, "format", raw, c.cfg.PoolTimeout)
	if err != nil {
		c.cfg.Renderer.Notice(string(raw))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PoolTimeout)
		defer cancel()
		formatted, err := handle.Wait(ctx)
		if err != nil {
			c.cfg.Renderer.Notice(string(raw))
			return
		}
		c.cfg.Renderer.Notice(string(formatted))
	}()
}

// searchScrollback runs the search operation over the scrollback
// buffer on the task pool and posts matches as notices.
func (c *Controller) searchScrollback(pattern string) {
	if pattern == "" {
		c.cfg.Renderer.Notice("usage: !search <pattern>")
		return
	}
	if c.cfg.Pool == nil {
		c.cfg.Renderer.Notice("search unavailable: no task pool")
		return
	}

	payload, err := json.Marshal(map[string]string{
		"text":    c.scrollback.String(),
		"pattern": pattern,
	})
	if err != nil {
		c.log.Warn("search payload marshal failed", "error", err)
		return
	}

	handle, err := c.cfg.Pool.Submit(taskpool.TextProcessing, "search", payload, c.cfg.PoolTimeout)
	if err != nil {
		c.cfg.Renderer.Notice(fmt.Sprintf("search failed: %v", err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PoolTimeout)
		defer cancel()
		result, err := handle.Wait(ctx)
		if err != nil {
			c.cfg.Renderer.Notice(fmt.Sprintf("search failed: %v", err))
			return
		}
		var matches []struct {
			Line int    `json:"line"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(result, &matches); err != nil || len(matches) == 0 {
			c.cfg.Renderer.Notice(fmt.Sprintf("no matches for %q", pattern))
			return
		}
		for _, m := range matches {
			c.cfg.Renderer.Notice(fmt.Sprintf("%6d: %s", m.Line, m.Text))
		}
	}()
}
