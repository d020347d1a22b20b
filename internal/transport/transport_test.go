package transport

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moimran/netdata-sub001/internal/protocol"
)

var upgrader = websocket.Upgrader{}

// newRelayServer starts a websocket test server. handler runs once
// per accepted connection.
func newRelayServer(t *testing.T, handler func(conn *websocket.Conn)) (wsURL string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnectSendsInitialResize(t *testing.T) {
	got := make(chan protocol.Message, 1)
	serverCodec := protocol.NewCodec()

	url := newRelayServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m, err := serverCodec.Decode(data)
		if err != nil {
			t.Errorf("server decode failed: %v", err)
			return
		}
		got <- m
	})

	tr := New(Config{
		URL:        url,
		Dimensions: func() (int, int) { return 132, 43 },
	})
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case m := <-got:
		resize, ok := m.(protocol.Resize)
		if !ok {
			t.Fatalf("first message should be Resize, got %T", m)
		}
		if resize.Cols != 132 || resize.Rows != 43 {
			t.Errorf("expected 132x43, got %dx%d", resize.Cols, resize.Rows)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for initial resize")
	}
}

func TestLatencyMovingAverage(t *testing.T) {
	tr := New(Config{URL: "ws://unused"})

	// First sample seeds the average; the second folds in at 0.1.
	tr.pending[1] = time.Now().Add(-100 * time.Millisecond)
	tr.handlePong(protocol.Pong{ID: 1})

	if got := tr.Latency(); math.Abs(got-100) > 5 {
		t.Fatalf("expected ~100ms after first pong, got %.1f", got)
	}

	tr.pending[2] = time.Now().Add(-200 * time.Millisecond)
	tr.handlePong(protocol.Pong{ID: 2})

	// 100*0.9 + 200*0.1 = 110
	if got := tr.Latency(); math.Abs(got-110) > 5 {
		t.Fatalf("expected ~110ms after second pong, got %.1f", got)
	}

	// Unmatched pong: silently ignored, average unchanged.
	before := tr.Latency()
	tr.handlePong(protocol.Pong{ID: 999})
	if tr.Latency() != before {
		t.Error("unmatched pong must not change the average")
	}
}

func TestBackoffSchedule(t *testing.T) {
	base := 1000 * time.Millisecond
	wantMs := []int{1000, 2000, 4000, 8000, 16000}
	for attempt := 1; attempt <= 5; attempt++ {
		want := time.Duration(wantMs[attempt-1]) * time.Millisecond
		if got := backoffDelay(base, attempt); got != want {
			t.Errorf("attempt %d: delay %v, want %v", attempt, got, want)
		}
	}
}

func TestReconnectExhausted(t *testing.T) {
	states := make(chan State, 32)
	var exhaustedErr atomic.Value

	tr := New(Config{
		URL:                  "ws://127.0.0.1:1", // nothing listens here
		MaxReconnectAttempts: 2,
		BaseDelay:            10 * time.Millisecond,
		OnStateChange: func(s State, err error) {
			if s == StateExhausted {
				exhaustedErr.Store(err)
			}
			states <- s
		},
	})
	defer tr.Close()

	tr.Connect(context.Background())

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateExhausted {
				if err, _ := exhaustedErr.Load().(error); !errors.Is(err, ErrReconnectExhausted) {
					t.Errorf("expected ErrReconnectExhausted, got %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("transport never reached the exhausted state")
		}
	}
}

func TestHeartbeatReachesServer(t *testing.T) {
	pings := make(chan protocol.Ping, 4)
	serverCodec := protocol.NewCodec()

	url := newRelayServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m, err := serverCodec.Decode(data)
			if err != nil {
				continue
			}
			if ping, ok := m.(protocol.Ping); ok {
				pings <- ping
				// Answer so the pending set drains.
				frame, _ := serverCodec.Encode(protocol.Pong{ID: ping.ID, Timestamp: ping.Timestamp})
				conn.WriteMessage(websocket.BinaryMessage, frame)
			}
		}
	})

	tr := New(Config{
		URL:               url,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var first, second protocol.Ping
	select {
	case first = <-pings:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat arrived")
	}
	select {
	case second = <-pings:
	case <-time.After(5 * time.Second):
		t.Fatal("second heartbeat never arrived")
	}
	if second.ID <= first.ID {
		t.Errorf("ping ids must increase: %d then %d", first.ID, second.ID)
	}

	// Give the pong a moment to be processed, then confirm the
	// pending set drained.
	time.Sleep(100 * time.Millisecond)
	tr.mu.Lock()
	pending := len(tr.pending)
	tr.mu.Unlock()
	if pending > 1 {
		t.Errorf("pending ping set not draining: %d entries", pending)
	}
}

func TestStuckConnectionTriggersRedrawThenReconnect(t *testing.T) {
	var connections atomic.Int64

	url := newRelayServer(t, func(conn *websocket.Conn) {
		connections.Add(1)
		// Stay silent; just hold the connection open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	redraws := make(chan struct{}, 16)
	tr := New(Config{
		URL:               url,
		HeartbeatInterval: time.Hour, // keep heartbeats out of the way
		WatchdogInterval:  10 * time.Millisecond,
		RedrawAfter:       30 * time.Millisecond,
		StuckAfter:        80 * time.Millisecond,
		BaseDelay:         10 * time.Millisecond,
		OnRedrawRequest: func() {
			select {
			case redraws <- struct{}{}:
			default:
			}
		},
	})
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-redraws:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never requested a redraw")
	}

	// Past the stuck ceiling the transport must close and reconnect
	// on its own.
	deadline := time.After(5 * time.Second)
	for connections.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("transport never reconnected after stuck connection")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUndecodableFrameIsDroppedNotFatal(t *testing.T) {
	serverCodec := protocol.NewCodec()
	url := newRelayServer(t, func(conn *websocket.Conn) {
		// Garbage first, then a valid message.
		conn.WriteMessage(websocket.BinaryMessage, []byte{9, 99, 255, 255, 255, 1})
		frame, _ := serverCodec.Encode(protocol.SessionInfo{SessionID: "s-1", Message: "still here"})
		conn.WriteMessage(websocket.BinaryMessage, frame)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	messages := make(chan protocol.Message, 4)
	tr := New(Config{
		URL:       url,
		OnMessage: func(m protocol.Message) { messages <- m },
	})
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-messages:
		info, ok := m.(protocol.SessionInfo)
		if !ok {
			t.Fatalf("expected SessionInfo after dropped frame, got %T", m)
		}
		if info.Message != "still here" {
			t.Errorf("unexpected message: %q", info.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid frame after garbage never delivered")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := New(Config{URL: "ws://unused"})
	err := tr.Send(protocol.TerminalInput{Data: []byte("x")})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	var connections atomic.Int64
	url := newRelayServer(t, func(conn *websocket.Conn) {
		connections.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := New(Config{URL: url, BaseDelay: 10 * time.Millisecond})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.Close()
	time.Sleep(200 * time.Millisecond)

	if n := connections.Load(); n != 1 {
		t.Errorf("expected no reconnect after Close, saw %d connections", n)
	}
	if s := tr.State(); s != StateClosed {
		t.Errorf("expected closed state, got %s", s)
	}
}
