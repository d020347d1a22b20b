package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConnectOpensSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/devices/connect" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", got)
		}

		// The console contract is snake_case on the wire.
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"device_id"`) {
			t.Errorf("request body missing device_id: %s", body)
		}
		var req ConnectRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.DeviceID != "sw-core-01" || req.Cols != 120 {
			t.Errorf("unexpected request: %+v", req)
		}

		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"websocket_url":"ws://relay.local/ws/abc123","session_id":"abc123"}`)
	}))
	defer server.Close()

	client := New(server.URL, "test-token")
	resp, err := client.Connect(context.Background(), ConnectRequest{
		DeviceID: "sw-core-01",
		Cols:     120,
		Rows:     40,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if resp.SessionID != "abc123" {
		t.Errorf("session_id not parsed: %+v", resp)
	}
	if resp.WebsocketURL != "ws://relay.local/ws/abc123" {
		t.Errorf("websocket_url not parsed: %+v", resp)
	}
}

func TestConnectRejectsIncompleteResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"sessionId":"abc","relayUrl":"ws://x"}`)
	}))
	defer server.Close()

	client := New(server.URL, "")
	if _, err := client.Connect(context.Background(), ConnectRequest{DeviceID: "d"}); err == nil {
		t.Fatal("a response without websocket_url/session_id must be an error")
	}
}

func TestConnectUnknownDevice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := New(server.URL, "")
	_, err := client.Connect(context.Background(), ConnectRequest{DeviceID: "ghost"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStatusMapsStatusValues(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		body    string
		wantErr error
	}{
		{"closed status", http.StatusOK, `{"status":"closed"}`, ErrSessionClosed},
		{"not_found status", http.StatusOK, `{"status":"not_found"}`, ErrSessionNotFound},
		{"http 404", http.StatusNotFound, "", ErrSessionNotFound},
		{"http 410", http.StatusGone, "", ErrSessionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			client := New(server.URL, "")
			_, err := client.Status(context.Background(), "abc123")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStatusReturnsSessionView(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/session/abc123/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"status":"active","hostname":"sw-core-01.lab","username":"admin"}`)
	}))
	defer server.Close()

	client := New(server.URL, "")
	status, err := client.Status(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != StatusActive || status.Hostname != "sw-core-01.lab" || status.Username != "admin" {
		t.Errorf("unexpected status: %+v", status)
	}
}
