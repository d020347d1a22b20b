package devserver

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// sensitiveEnvMarkers flag environment variables that must not leak
// into spawned shells.
var sensitiveEnvMarkers = []string{
	"TOKEN", "SECRET", "PASSWORD", "PASSWD", "API_KEY", "APIKEY",
	"CREDENTIAL", "PRIVATE_KEY",
}

// PTYSession wraps a shell running under a pseudo-terminal.
type PTYSession struct {
	ID string

	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	closed bool
	done   chan struct{}
}

// NewPTYSession spawns shell under a pty sized cols x rows. Output is
// delivered through onOutput; a read failure (normally shell exit)
// through onError. Both callbacks run on the session's reader
// goroutine.
func NewPTYSession(id, shell string, cols, rows int, onOutput func(id string, data []byte), onError func(id string, err error)) (*PTYSession, error) {
	cmd := exec.Command(shell)
	cmd.Env = filteredEnv(os.Environ())

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &PTYSession{
		ID:   id,
		ptmx: ptmx,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				onOutput(id, data)
			}
			if err != nil {
				s.mu.Lock()
				wasClosed := s.closed
				s.mu.Unlock()
				if !wasClosed && onError != nil {
					onError(id, err)
				}
				s.Close()
				return
			}
		}
	}()

	return s, nil
}

// Write sends input bytes to the shell.
func (s *PTYSession) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s closed", s.ID)
	}
	_, err := s.ptmx.Write(data)
	return err
}

// Resize changes the pty window size.
func (s *PTYSession) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s closed", s.ID)
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// Close tears the session down. Safe to call more than once.
func (s *PTYSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.ptmx.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	go s.cmd.Wait()
}

// Done is closed when the session has ended.
func (s *PTYSession) Done() <-chan struct{} {
	return s.done
}

// filteredEnv strips credential-bearing variables and pins TERM.
func filteredEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if name == "TERM" {
			continue
		}
		upper := strings.ToUpper(name)
		sensitive := false
		for _, marker := range sensitiveEnvMarkers {
			if strings.Contains(upper, marker) {
				sensitive = true
				break
			}
		}
		if sensitive {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "TERM=xterm-256color")
}
