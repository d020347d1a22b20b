package cmd

import (
	"fmt"
	"os"
	"sync"
)

// ttyRenderer writes session output straight to the controlling
// terminal. Notices are set off in color with their own line, padded
// with \r\n because the tty is in raw mode.
type ttyRenderer struct {
	mu  sync.Mutex
	out *os.File
}

func (r *ttyRenderer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Write(p)
}

// RedrawTail is a no-op on a live tty: the terminal retains the
// screen, so there is nothing to repaint from our side. Renderers
// that buffer frames (tests, future recording sinks) repaint here.
func (r *ttyRenderer) RedrawTail() {}

func (r *ttyRenderer) Notice(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "\r\n\x1b[33m[netterm] %s\x1b[0m\r\n", message)
}
