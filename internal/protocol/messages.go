// Package protocol implements the binary frame codec used between the
// terminal client and the device relay. Each frame carries one message:
// a 5-byte header (compression flag, type tag, 24-bit payload length)
// followed by the payload. Payload bodies are CBOR; a JSON text codec
// is available for endpoints that cannot speak binary frames.
package protocol

// Wire type tags. These are protocol constants — changing them breaks
// compatibility with deployed relays.
const (
	TagTerminalOutput uint8 = 0
	TagTerminalInput  uint8 = 1
	TagResize         uint8 = 2
	TagPing           uint8 = 3
	TagPong           uint8 = 4
	TagSessionInfo    uint8 = 5
	TagError          uint8 = 6
)

// Message is one decoded wire unit. Implemented by the concrete
// message structs below; Tag returns the wire type tag.
type Message interface {
	Tag() uint8
}

// TerminalOutput carries raw bytes from the remote PTY to the client.
type TerminalOutput struct {
	Data []byte `cbor:"data" json:"data"`
}

// TerminalInput carries keystrokes from the client to the remote PTY.
type TerminalInput struct {
	Data []byte `cbor:"data" json:"data"`
}

// Resize announces the client's terminal dimensions.
type Resize struct {
	Cols int `cbor:"cols" json:"cols"`
	Rows int `cbor:"rows" json:"rows"`
}

// Ping is a heartbeat probe. ID matches the eventual Pong; Timestamp
// is the sender's clock in Unix milliseconds.
type Ping struct {
	ID        uint64 `cbor:"id" json:"id"`
	Timestamp int64  `cbor:"timestamp" json:"timestamp"`
}

// Pong answers a Ping, echoing its ID and Timestamp.
type Pong struct {
	ID        uint64 `cbor:"id" json:"id"`
	Timestamp int64  `cbor:"timestamp" json:"timestamp"`
}

// SessionInfo is an informational notice from the relay (session
// established, peer attached, shutdown pending).
type SessionInfo struct {
	SessionID string `cbor:"sessionId" json:"sessionId"`
	Message   string `cbor:"message" json:"message"`
}

// ErrorMessage reports a remote-side failure. It does not imply the
// connection is closing unless Disconnect is set.
type ErrorMessage struct {
	Code       int    `cbor:"code" json:"code"`
	Message    string `cbor:"message" json:"message"`
	Disconnect bool   `cbor:"disconnect,omitempty" json:"disconnect,omitempty"`
}

func (TerminalOutput) Tag() uint8 { return TagTerminalOutput }
func (TerminalInput) Tag() uint8  { return TagTerminalInput }
func (Resize) Tag() uint8         { return TagResize }
func (Ping) Tag() uint8           { return TagPing }
func (Pong) Tag() uint8           { return TagPong }
func (SessionInfo) Tag() uint8    { return TagSessionInfo }
func (ErrorMessage) Tag() uint8   { return TagError }

// newMessage returns a zero value of the concrete type for a wire tag,
// as a pointer suitable for unmarshaling.
func newMessage(tag uint8) (Message, bool) {
	switch tag {
	case TagTerminalOutput:
		return &TerminalOutput{}, true
	case TagTerminalInput:
		return &TerminalInput{}, true
	case TagResize:
		return &Resize{}, true
	case TagPing:
		return &Ping{}, true
	case TagPong:
		return &Pong{}, true
	case TagSessionInfo:
		return &SessionInfo{}, true
	case TagError:
		return &ErrorMessage{}, true
	}
	return nil, false
}
