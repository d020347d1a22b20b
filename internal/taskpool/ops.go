package taskpool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Operation transforms a payload off the session control flow. All
// operations are registered statically at build time; there is no
// runtime code generation.
type Operation func(payload []byte) ([]byte, error)

// operations maps operation names accepted by Submit to their
// implementations.
var operations = map[string]Operation{
	"highlight":  opHighlight,
	"search":     opSearch,
	"format":     opFormat,
	"parse":      opParse,
	"compress":   opCompress,
	"decompress": opDecompress,
}

// ANSI sequences used by opHighlight.
const (
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiReset  = "\x1b[0m"
)

// opHighlight colorizes error and warning lines in terminal output.
func opHighlight(payload []byte) ([]byte, error) {
	lines := strings.Split(string(payload), "\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error") || strings.Contains(lower, "fail"):
			lines[i] = ansiRed + line + ansiReset
		case strings.Contains(lower, "warn"):
			lines[i] = ansiYellow + line + ansiReset
		}
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// searchRequest is the JSON payload for the search operation.
type searchRequest struct {
	Text    string `json:"text"`
	Pattern string `json:"pattern"`
}

// searchMatch is one line containing the pattern.
type searchMatch struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// opSearch finds lines containing a literal pattern. Payload is a
// searchRequest; result is a JSON array of searchMatch.
func opSearch(payload []byte) ([]byte, error) {
	var req searchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("parse search request: %w", err)
	}
	if req.Pattern == "" {
		return nil, fmt.Errorf("empty search pattern")
	}

	matches := []searchMatch{}
	for i, line := range strings.Split(req.Text, "\n") {
		if strings.Contains(line, req.Pattern) {
			matches = append(matches, searchMatch{Line: i + 1, Text: line})
		}
	}
	return json.Marshal(matches)
}

// opFormat pretty-prints a JSON payload for display.
func opFormat(payload []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("format: not valid JSON: %w", err)
	}
	return json.MarshalIndent(v, "", "  ")
}

// opParse converts "key: value" lines (show-command output, config
// dumps) into a JSON object. Lines without a separator are skipped.
func opParse(payload []byte) ([]byte, error) {
	parsed := map[string]string{}
	for _, line := range strings.Split(string(payload), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		parsed[key] = strings.TrimSpace(value)
	}
	return json.Marshal(parsed)
}

// taskZstdEncoder and taskZstdDecoder serve the compress/decompress
// operations. Safe for concurrent use across workers.
var (
	taskZstdEncoder *zstd.Encoder
	taskZstdDecoder *zstd.Decoder
)

func init() {
	var err error
	taskZstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("taskpool: zstd encoder initialization failed: " + err.Error())
	}
	taskZstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("taskpool: zstd decoder initialization failed: " + err.Error())
	}
}

func opCompress(payload []byte) ([]byte, error) {
	return taskZstdEncoder.EncodeAll(payload, nil), nil
}

func opDecompress(payload []byte) ([]byte, error) {
	raw, err := taskZstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return raw, nil
}
