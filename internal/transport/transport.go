// Package transport owns one duplex websocket connection to the
// device relay. It frames messages with the protocol codec, measures
// round-trip latency with application-level heartbeats, watches for
// stuck connections, and re-establishes the connection with
// exponential backoff until the attempt ceiling is reached.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moimran/netdata-sub001/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
	StateExhausted    State = "exhausted"
)

var (
	// ErrConnectFailed wraps a websocket dial failure.
	ErrConnectFailed = errors.New("transport: connect failed")

	// ErrReconnectExhausted is surfaced once the reconnect attempt
	// ceiling is hit. The transport will not retry further.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrStuckConnection marks a connection closed by the watchdog
	// after the silence ceiling.
	ErrStuckConnection = errors.New("transport: connection stuck, no data received")

	// ErrNotConnected rejects sends while the socket is not open.
	ErrNotConnected = errors.New("transport: not connected")
)

// Defaults for the timing knobs. Tests override them with small
// values.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultBaseDelay            = 1000 * time.Millisecond
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultWatchdogInterval     = 10 * time.Second
	DefaultRedrawAfter          = 30 * time.Second
	DefaultStuckAfter           = 60 * time.Second
)

// emaWeight is the smoothing factor for the latency moving average:
// avg = avg*0.9 + sample*0.1. The first sample seeds the average.
const emaWeight = 0.1

// Config configures a Transport. URL is required; zero timing values
// take the defaults.
type Config struct {
	// URL is the full websocket endpoint, ws(s)://host/ws/{sessionId}.
	URL string

	// Token, when set, is sent as a bearer Authorization header on
	// dial.
	Token string

	// Dimensions reports the current terminal size, sent as a Resize
	// message each time the connection opens. Defaults to 80x24.
	Dimensions func() (cols, rows int)

	MaxReconnectAttempts int
	BaseDelay            time.Duration
	HeartbeatInterval    time.Duration
	WatchdogInterval     time.Duration
	RedrawAfter          time.Duration
	StuckAfter           time.Duration

	// OnMessage receives every decoded non-Pong message, in arrival
	// order, from the read loop goroutine.
	OnMessage func(protocol.Message)

	// OnStateChange observes lifecycle transitions. err is non-nil
	// for StateExhausted and for StateClosed caused by a fault.
	OnStateChange func(state State, err error)

	// OnRedrawRequest fires when the watchdog has seen no data for
	// RedrawAfter — the renderer should repaint from its buffer.
	OnRedrawRequest func()
}

// Transport maintains the relay connection described by Config.
type Transport struct {
	cfg   Config
	codec *protocol.Codec
	log   *slog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	attempts    int
	closed      bool // user-initiated Close; suppresses reconnect
	stuckClosed bool // watchdog forced the close

	// PendingPing set: ping id -> send time. Owned by the heartbeat
	// and read loops under mu.
	pending    map[uint64]time.Time
	nextPingID uint64
	latencyMs  float64
	hasLatency bool
	lastRecv   time.Time

	reconnectTimer *time.Timer
	connDone       chan struct{}

	// writeMu serializes frame writes; gorilla connections allow one
	// concurrent writer.
	writeMu sync.Mutex

	reconnects uint64
}

// New creates a Transport. Call Connect to establish the connection.
func New(cfg Config) *Transport {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.RedrawAfter <= 0 {
		cfg.RedrawAfter = DefaultRedrawAfter
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultStuckAfter
	}
	if cfg.Dimensions == nil {
		cfg.Dimensions = func() (int, int) { return 80, 24 }
	}

	return &Transport{
		cfg:     cfg,
		codec:   protocol.NewCodec(),
		log:     slog.Default().With("component", "transport"),
		state:   StateDisconnected,
		pending: make(map[uint64]time.Time),
	}
}

// Connect dials the relay. On failure the normal backoff machinery
// takes over, so a returned error still leaves the transport retrying
// unless the ceiling was reached.
func (t *Transport) Connect(ctx context.Context) error {
	t.setState(StateConnecting, nil)

	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	dialer := *websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrConnectFailed, err)
		t.log.Warn("dial failed", "url", t.cfg.URL, "error", err)
		t.setState(StateClosed, wrapped)
		t.scheduleReconnect(wrapped)
		return wrapped
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	t.attempts = 0
	t.lastRecv = time.Now()
	t.connDone = make(chan struct{})
	done := t.connDone
	t.mu.Unlock()

	t.setState(StateOpen, nil)
	t.log.Info("connected", "url", t.cfg.URL)

	// Announce current terminal size before anything else flows.
	cols, rows := t.cfg.Dimensions()
	if err := t.Send(protocol.Resize{Cols: cols, Rows: rows}); err != nil {
		t.log.Warn("initial resize failed", "error", err)
	}

	go t.readLoop(conn, done)
	go t.heartbeatLoop(done)
	go t.watchdogLoop(conn, done)
	return nil
}

// Send encodes m and writes it as one binary websocket message.
func (t *Transport) Send(m protocol.Message) error {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	frame, err := t.codec.Encode(m)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// readLoop decodes inbound frames until the connection fails. Decode
// errors drop the frame and continue; they never tear down the
// session.
func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(done, err)
			return
		}

		t.mu.Lock()
		t.lastRecv = time.Now()
		t.mu.Unlock()

		m, err := t.codec.Decode(data)
		if err != nil {
			t.log.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
			continue
		}

		if pong, ok := m.(protocol.Pong); ok {
			t.handlePong(pong)
			continue
		}
		if t.cfg.OnMessage != nil {
			t.cfg.OnMessage(m)
		}
	}
}

// handlePong folds the round-trip time of a matched ping into the
// latency moving average. Unmatched pongs (late or duplicate) are
// ignored.
func (t *Transport) handlePong(pong protocol.Pong) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sentAt, ok := t.pending[pong.ID]
	if !ok {
		return
	}
	delete(t.pending, pong.ID)

	sample := float64(time.Since(sentAt).Milliseconds())
	if !t.hasLatency {
		t.latencyMs = sample
		t.hasLatency = true
		return
	}
	t.latencyMs = t.latencyMs*(1-emaWeight) + sample*emaWeight
}

// heartbeatLoop sends a Ping every HeartbeatInterval while the
// connection is up.
func (t *Transport) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.nextPingID++
			id := t.nextPingID
			t.pending[id] = time.Now()
			t.mu.Unlock()

			if err := t.Send(protocol.Ping{ID: id, Timestamp: time.Now().UnixMilli()}); err != nil {
				t.log.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

// watchdogLoop checks receive silence every WatchdogInterval. Past
// RedrawAfter it asks the renderer to repaint; past StuckAfter it
// closes the socket so the reconnect machinery takes over.
func (t *Transport) watchdogLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.mu.Lock()
			idle := time.Since(t.lastRecv)
			t.mu.Unlock()

			switch {
			case idle > t.cfg.StuckAfter:
				t.log.Warn("connection stuck, forcing reconnect", "idle", idle)
				t.mu.Lock()
				t.stuckClosed = true
				t.mu.Unlock()
				conn.Close() // readLoop sees the error and reconnects
				return
			case idle > t.cfg.RedrawAfter:
				if t.cfg.OnRedrawRequest != nil {
					t.cfg.OnRedrawRequest()
				}
			}
		}
	}
}

// handleDisconnect tears down the current connection and schedules a
// reconnect unless the transport was closed deliberately.
func (t *Transport) handleDisconnect(done chan struct{}, cause error) {
	t.mu.Lock()
	select {
	case <-done:
		// Another goroutine already tore this connection down.
		t.mu.Unlock()
		return
	default:
	}
	close(done)
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	// Pending pings can never be answered on a new connection.
	t.pending = make(map[uint64]time.Time)
	closed := t.closed
	if t.stuckClosed {
		t.stuckClosed = false
		cause = ErrStuckConnection
	}
	t.mu.Unlock()

	if closed {
		t.setState(StateClosed, nil)
		return
	}

	t.setState(StateClosed, cause)
	t.scheduleReconnect(cause)
}

// scheduleReconnect arms the backoff timer for the next attempt, or
// surfaces StateExhausted once the ceiling is reached.
func (t *Transport) scheduleReconnect(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.attempts++
	attempt := t.attempts
	if attempt > t.cfg.MaxReconnectAttempts {
		t.mu.Unlock()
		t.log.Error("reconnect attempts exhausted", "attempts", attempt-1, "cause", cause)
		t.setState(StateExhausted, ErrReconnectExhausted)
		return
	}
	delay := backoffDelay(t.cfg.BaseDelay, attempt)
	t.reconnects++
	t.reconnectTimer = time.AfterFunc(delay, func() {
		t.Connect(context.Background())
	})
	t.mu.Unlock()

	t.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

// backoffDelay returns base * 2^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// Close shuts the transport down for good. No reconnect is attempted.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
	}
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.Close() // readLoop finishes teardown
	} else {
		t.setState(StateClosed, nil)
	}
}

// ForceReconnect drops the current connection so the backoff cycle
// re-establishes it. Used by the session controller during recovery.
func (t *Transport) ForceReconnect() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Latency returns the heartbeat round-trip moving average in
// milliseconds, or 0 before the first pong.
func (t *Transport) Latency() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latencyMs
}

// Stats is a snapshot of transport health.
type Stats struct {
	State      State
	LatencyMs  float64
	Reconnects uint64
	Codec      protocol.CodecStats
}

// Stats returns a snapshot of connection state and codec counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	s := Stats{State: t.state, LatencyMs: t.latencyMs, Reconnects: t.reconnects}
	t.mu.Unlock()
	s.Codec = t.codec.Stats()
	return s
}

// setState records the transition and notifies the observer outside
// the lock.
func (t *Transport) setState(state State, err error) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.mu.Unlock()

	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(state, err)
	}
}
