// Package audit records terminal-session lifecycle events to an
// append-only, hash-chained JSON-lines file.
package audit

import "time"

// EventType constants for audit log entries.
const (
	EventSessionOpen  = "SESSION_OPEN"
	EventSessionClose = "SESSION_CLOSE"
	EventReconnect    = "RECONNECT"
	EventExhausted    = "RECONNECT_EXHAUSTED"
	EventLocalCommand = "LOCAL_COMMAND"
	EventResize       = "RESIZE"
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	Device    string    `json:"device,omitempty"`
	Username  string    `json:"username,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	EntryHash string    `json:"entry_hash"`
}
