package protocol

import (
	"encoding/json"
	"fmt"
)

// Text discriminators for the JSON fallback codec, used when the
// transport cannot carry binary frames.
const (
	textOutput      = "output"
	textInput       = "input"
	textResize      = "resize"
	textPing        = "ping"
	textPong        = "pong"
	textSessionInfo = "session_info"
	textError       = "error"
)

// textEnvelope is the JSON fallback wire shape: a type discriminator
// plus the union of all message fields. []byte data rides as base64.
type textEnvelope struct {
	Type       string `json:"type"`
	Data       []byte `json:"data,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	ID         uint64 `json:"id,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       int    `json:"code,omitempty"`
	Status     string `json:"status,omitempty"`
	Disconnect bool   `json:"disconnect,omitempty"`
}

// EncodeText serializes m as a JSON fallback message.
func EncodeText(m Message) ([]byte, error) {
	var env textEnvelope
	switch v := m.(type) {
	case TerminalOutput:
		env = textEnvelope{Type: textOutput, Data: v.Data}
	case TerminalInput:
		env = textEnvelope{Type: textInput, Data: v.Data}
	case Resize:
		env = textEnvelope{Type: textResize, Cols: v.Cols, Rows: v.Rows}
	case Ping:
		env = textEnvelope{Type: textPing, ID: v.ID, Timestamp: v.Timestamp}
	case Pong:
		env = textEnvelope{Type: textPong, ID: v.ID, Timestamp: v.Timestamp}
	case SessionInfo:
		env = textEnvelope{Type: textSessionInfo, SessionID: v.SessionID, Message: v.Message}
	case ErrorMessage:
		env = textEnvelope{Type: textError, Code: v.Code, Message: v.Message, Disconnect: v.Disconnect}
	default:
		return nil, fmt.Errorf("protocol: no text encoding for %T", m)
	}
	return json.Marshal(env)
}

// DecodeText parses a JSON fallback message.
func DecodeText(data []byte) (Message, error) {
	var env textEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode text message: %w", err)
	}
	switch env.Type {
	case textOutput:
		return TerminalOutput{Data: env.Data}, nil
	case textInput:
		return TerminalInput{Data: env.Data}, nil
	case textResize:
		return Resize{Cols: env.Cols, Rows: env.Rows}, nil
	case textPing:
		return Ping{ID: env.ID, Timestamp: env.Timestamp}, nil
	case textPong:
		return Pong{ID: env.ID, Timestamp: env.Timestamp}, nil
	case textSessionInfo:
		return SessionInfo{SessionID: env.SessionID, Message: env.Message}, nil
	case textError:
		return ErrorMessage{Code: env.Code, Message: env.Message, Disconnect: env.Disconnect}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
}
