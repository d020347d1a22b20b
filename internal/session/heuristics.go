package session

import (
	"regexp"
	"strings"
	"time"
)

// fullscreenRe matches launch commands for programs that repaint the
// whole screen with absolute cursor addressing. The match is
// heuristic: it keys off the typed command text, which is approximate
// by nature, so it only ever schedules extra redraws.
var fullscreenRe = regexp.MustCompile(`^(top|htop|vim|vi|nano|less|more|man|watch|tail\s+(-\S+\s+)*-[a-zA-Z]*f)\b`)

// continuousRe matches the subset that refreshes continuously and
// needs a recurring redraw rather than a one-shot burst.
var continuousRe = regexp.MustCompile(`^(top|htop|watch|tail\s+(-\S+\s+)*-[a-zA-Z]*f)\b`)

// exit keystrokes that likely terminate a full-screen program.
const (
	keyEscape = 0x1b
	keyCtrlC  = 0x03
)

// applyFullscreenHeuristic inspects a completed command line and, for
// full-screen programs, schedules a burst of redraws (and a recurring
// timer for continuously-refreshing ones).
func (c *Controller) applyFullscreenHeuristic(line string) {
	command := strings.TrimSpace(line)
	if !fullscreenRe.MatchString(command) {
		return
	}
	c.log.Debug("full-screen program detected", "command", command)

	c.mu.Lock()
	for _, timer := range c.burstTimers {
		timer.Stop()
	}
	c.burstTimers = c.burstTimers[:0]
	for _, delay := range c.cfg.RedrawBursts {
		c.burstTimers = append(c.burstTimers, time.AfterFunc(delay, c.cfg.Renderer.RedrawTail))
	}
	c.mu.Unlock()

	if continuousRe.MatchString(command) {
		c.startPeriodicRedraw()
	}
}

// startPeriodicRedraw installs the recurring redraw timer with a hard
// ceiling, replacing any previous one.
func (c *Controller) startPeriodicRedraw() {
	c.mu.Lock()
	if c.periodicStop != nil {
		close(c.periodicStop)
	}
	stop := make(chan struct{})
	c.periodicStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.PeriodicRedrawInterval)
		defer ticker.Stop()
		// The ceiling guards against missed exit detection: the timer
		// never outlives it.
		ceiling := time.NewTimer(c.cfg.PeriodicRedrawCeiling)
		defer ceiling.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ceiling.C:
				c.log.Debug("periodic redraw ceiling reached")
				return
			case <-ticker.C:
				c.cfg.Renderer.RedrawTail()
			}
		}
	}()
}

// maybeStopPeriodicRedraw tears the recurring timer down when a
// likely-exit keystroke is observed.
func (c *Controller) maybeStopPeriodicRedraw(chunk []byte) {
	if len(chunk) != 1 {
		return
	}
	switch chunk[0] {
	case 'q', keyEscape, keyCtrlC:
		c.stopPeriodicRedraw()
	}
}

func (c *Controller) stopPeriodicRedraw() {
	c.mu.Lock()
	if c.periodicStop != nil {
		close(c.periodicStop)
		c.periodicStop = nil
	}
	c.mu.Unlock()
}

// stopRedrawTimers cancels all outstanding redraw scheduling.
func (c *Controller) stopRedrawTimers() {
	c.mu.Lock()
	for _, timer := range c.burstTimers {
		timer.Stop()
	}
	c.burstTimers = nil
	c.mu.Unlock()
	c.stopPeriodicRedraw()
}
