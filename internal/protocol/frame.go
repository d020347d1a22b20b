package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
)

// HeaderSize is the fixed frame header: flag(1) + tag(1) + length(3, LE).
const HeaderSize = 5

// MaxPayloadSize is the largest payload a frame can carry. The length
// field is 24 bits.
const MaxPayloadSize = 1<<24 - 1

// Frame decode failures. All are local and non-fatal: the caller drops
// the frame and continues reading.
var (
	ErrFrameTooShort      = errors.New("protocol: frame shorter than header")
	ErrFrameIncomplete    = errors.New("protocol: declared length exceeds available bytes")
	ErrDecompression      = errors.New("protocol: payload decompression failed")
	ErrUnknownMessageType = errors.New("protocol: unknown message type tag")
	ErrPayloadTooLarge    = errors.New("protocol: payload exceeds 24-bit length limit")
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: the same message always produces identical bytes, which
// keeps the compression gate reproducible.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for
// forward compatibility with newer relays.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec encodes and decodes frames, keeping running traffic counters.
// The zero value is not usable; create with NewCodec. Counters are
// atomic so a codec can be shared between a read and a write loop.
type Codec struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64

	// rawOut/wireOut track pre- and post-compression payload sizes
	// for frames that went out compressed, for the rolling ratio.
	rawOut  atomic.Uint64
	wireOut atomic.Uint64
}

// NewCodec returns a Codec with zeroed counters.
func NewCodec() *Codec {
	return &Codec{}
}

// Encode serializes m into a single wire frame. Payloads larger than
// the compression threshold are compressed when that saves at least
// 10% — compression is advisory, never mandatory.
func (c *Codec) Encode(m Message) ([]byte, error) {
	payload, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %T: %w", m, err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	compressed := false
	if wire, ok := maybeCompress(payload); ok {
		c.rawOut.Add(uint64(len(payload)))
		c.wireOut.Add(uint64(len(wire)))
		payload = wire
		compressed = true
	}

	frame := make([]byte, HeaderSize+len(payload))
	if compressed {
		frame[0] = 1
	}
	frame[1] = m.Tag()
	frame[2] = byte(len(payload))
	frame[3] = byte(len(payload) >> 8)
	frame[4] = byte(len(payload) >> 16)
	copy(frame[HeaderSize:], payload)

	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(len(frame)))
	return frame, nil
}

// Decode parses one frame from data. data must contain exactly one
// complete frame (websocket message boundaries preserve this).
func (c *Codec) Decode(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}

	length := int(data[2]) | int(data[3])<<8 | int(data[4])<<16
	if HeaderSize+length > len(data) {
		return nil, fmt.Errorf("%w: declared %d, available %d",
			ErrFrameIncomplete, length, len(data)-HeaderSize)
	}
	payload := data[HeaderSize : HeaderSize+length]

	if data[0] != 0 {
		raw, err := decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
		}
		payload = raw
	}

	m, ok := newMessage(data[1])
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, data[1])
	}
	if err := decMode.Unmarshal(payload, m); err != nil {
		return nil, fmt.Errorf("protocol: decode tag %d payload: %w", data[1], err)
	}

	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(len(data)))
	return deref(m), nil
}

// deref unwraps the pointer newMessage returned so callers can switch
// on value types.
func deref(m Message) Message {
	switch v := m.(type) {
	case *TerminalOutput:
		return *v
	case *TerminalInput:
		return *v
	case *Resize:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *SessionInfo:
		return *v
	case *ErrorMessage:
		return *v
	}
	return m
}

// CodecStats is a point-in-time snapshot of codec traffic counters.
type CodecStats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64

	// CompressionRatio is wire/raw over all compressed frames sent;
	// 1.0 when nothing has been compressed yet.
	CompressionRatio float64
}

// Stats returns a snapshot of the codec's counters.
func (c *Codec) Stats() CodecStats {
	s := CodecStats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		CompressionRatio: 1.0,
	}
	if raw := c.rawOut.Load(); raw > 0 {
		s.CompressionRatio = float64(c.wireOut.Load()) / float64(raw)
	}
	return s
}
