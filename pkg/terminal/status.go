// Package terminal renders the single, continuously refreshed status line
// shown while an effect runs.
package terminal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// clearLine returns the cursor to column 0 and erases the line.
const clearLine = "\r\033[K"

// StatusLine serializes writes of the status line and of regular lines
// printed above it. A disabled StatusLine discards everything.
type StatusLine struct {
	mu       sync.Mutex
	out      io.Writer
	enabled  bool
	interval time.Duration
	last     time.Time
	pending  bool
	now      func() time.Time
	label    func(a ...interface{}) string
}

// Options configures a StatusLine.
type Options struct {
	// Enabled turns output on.
	Enabled bool

	// Interval throttles refreshes; zero refreshes on every call.
	Interval time.Duration

	// Color forces color on or off. Nil detects a terminal on Out.
	Color *bool

	// Now overrides the time source used for throttling.
	Now func() time.Time
}

// New creates a status line writing to out.
func New(out io.Writer, opts Options) *StatusLine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	useColor := false
	if opts.Color != nil {
		useColor = *opts.Color
	} else if f, ok := out.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd())
	}
	c := color.New(color.FgCyan, color.Bold)
	if useColor {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return &StatusLine{
		out:      out,
		enabled:  opts.Enabled,
		interval: opts.Interval,
		now:      opts.Now,
		label:    c.SprintFunc(),
	}
}

// Stdout returns a status line on standard output, refreshed at most ten
// times per second.
func Stdout(enabled bool) *StatusLine {
	return New(os.Stdout, Options{Enabled: enabled, Interval: 100 * time.Millisecond})
}

// Enabled reports whether output is on
func (s *StatusLine) Enabled() bool { return s != nil && s.enabled }

// Refresh replaces the status line. Calls within the throttle interval are
// skipped. It reports whether the line was written.
func (s *StatusLine) Refresh(line string) bool {
	if !s.Enabled() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.interval > 0 && s.pending && now.Sub(s.last) < s.interval {
		return false
	}
	s.last = now
	s.pending = true
	fmt.Fprint(s.out, clearLine+line)
	return true
}

// Println prints a full line above the status line.
func (s *StatusLine) Println(msg string) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	fmt.Fprint(s.out, clearLine+msg+"\n")
}

// ClearLine erases the current status line.
func (s *StatusLine) ClearLine() {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	fmt.Fprint(s.out, clearLine)
}

// Label highlights a status line key.
func (s *StatusLine) Label(v string) string {
	if s == nil || s.label == nil {
		return v
	}
	return s.label(v)
}

// Done terminates the status line so later output starts on a new line.
func (s *StatusLine) Done() {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		fmt.Fprint(s.out, "\n")
	}
	s.pending = false
}
