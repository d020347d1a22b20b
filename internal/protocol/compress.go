package protocol

import (
	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the payload size below which compression is
// never attempted — small frames gain nothing.
const compressThreshold = 512

// zstdEncoder and zstdDecoder are shared across all codecs. Both are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// maybeCompress compresses payload when it is over the threshold and
// the compressed form is at least 10% smaller. Returns the compressed
// bytes and true, or nil and false when compression is not worthwhile.
func maybeCompress(payload []byte) ([]byte, bool) {
	if len(payload) <= compressThreshold {
		return nil, false
	}
	compressed := zstdEncoder.EncodeAll(payload, nil)
	if len(compressed) > len(payload)*9/10 {
		return nil, false
	}
	return compressed, true
}

// decompress inflates a compressed frame payload, refusing results
// that would exceed the 24-bit payload limit.
func decompress(payload []byte) ([]byte, error) {
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return raw, nil
}
