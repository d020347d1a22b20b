package session

import "sync"

// defaultScrollbackSize bounds the local output history kept for
// !search.
const defaultScrollbackSize = 256 * 1024

// scrollback is a bounded byte buffer of recent terminal output.
// Oldest bytes are discarded once the cap is reached.
type scrollback struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newScrollback(size int) *scrollback {
	return &scrollback{size: size}
}

func (s *scrollback) append(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) >= s.size {
		s.buf = append(s.buf[:0], data[len(data)-s.size:]...)
		return
	}
	s.buf = append(s.buf, data...)
	if overflow := len(s.buf) - s.size; overflow > 0 {
		s.buf = s.buf[overflow:]
	}
}

func (s *scrollback) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *scrollback) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}
