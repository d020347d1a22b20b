// Package api is the REST client for the console backend: it resolves
// devices to relay sessions and checks session status before the
// websocket dial.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrSessionNotFound means the console has no record of the
	// session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed means the session existed but has ended.
	ErrSessionClosed = errors.New("session closed")
)

// Session status values reported by the console.
const (
	StatusActive   = "active"
	StatusClosed   = "closed"
	StatusNotFound = "not_found"
)

// ConnectRequest asks the backend to open a terminal session against a
// managed device. SessionID, when set, reattaches to an existing
// session instead of opening a new one.
type ConnectRequest struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// ConnectResponse carries the relay endpoint for an opened session.
type ConnectResponse struct {
	WebsocketURL string `json:"websocket_url"`
	SessionID    string `json:"session_id"`
}

// SessionStatus is the backend's view of a session.
type SessionStatus struct {
	Status   string `json:"status"`
	Hostname string `json:"hostname,omitempty"`
	Username string `json:"username,omitempty"`
}

// Client talks to the console backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a backend client. baseURL is the API root without a
// trailing slash.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: slog.Default().With("component", "api"),
	}
}

// Connect opens a terminal session for a device and returns the relay
// endpoint to dial.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (*ConnectResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal connect request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/devices/connect", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("device %s: %w", req.DeviceID, ErrSessionNotFound)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("connect failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var result ConnectResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if result.SessionID == "" || result.WebsocketURL == "" {
		return nil, fmt.Errorf("incomplete connect response: %s", string(respBody))
	}
	c.log.Info("session opened", "session", result.SessionID)
	return &result, nil
}

// Status fetches the backend's view of an existing session. A closed
// or unknown session is reported both in the status field and as
// ErrSessionClosed / ErrSessionNotFound.
func (c *Client) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	endpoint := fmt.Sprintf("%s/api/session/%s/status", c.baseURL, url.PathEscape(sessionID))
	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusGone:
		// Status value decides below; some backends use plain 200
		// with a status body, others map closed/unknown to 410/404.
	default:
		return nil, fmt.Errorf("status failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var result SessionStatus
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		if resp.StatusCode == http.StatusGone {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
		}
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if result.Status == "" {
		switch resp.StatusCode {
		case http.StatusNotFound:
			result.Status = StatusNotFound
		case http.StatusGone:
			result.Status = StatusClosed
		}
	}

	switch result.Status {
	case StatusNotFound:
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	case StatusClosed:
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
	}
	return &result, nil
}
