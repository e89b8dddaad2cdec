package main

import (
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/AlexandruC0909/coderun/internal/session"
)

// printer mirrors the session transcript onto a terminal. The transcript
// only grows, loses echoed runes at its tail, or starts over on a new run,
// so each change is drawn as a delta against what was printed last.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	raw     bool
	runID   uint64
	printed string
	// closed is set once the run's final status line has been drawn.
	closed bool
}

func newPrinter(out io.Writer, raw bool) *printer {
	return &printer{out: out, raw: raw}
}

func (p *printer) render(c session.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := c.Snapshot
	if snap.RunID != p.runID {
		if !p.closed && p.printed != "" && !strings.HasSuffix(p.printed, "\n") {
			p.write("\n")
		}
		p.runID = snap.RunID
		p.printed = ""
		p.closed = false
	}
	if p.closed {
		return
	}

	next := snap.Transcript
	switch {
	case strings.HasPrefix(next, p.printed):
		p.write(next[len(p.printed):])
	case strings.HasPrefix(p.printed, next):
		for n := utf8.RuneCountInString(p.printed[len(next):]); n > 0; n-- {
			p.write("\b \b")
		}
	default:
		p.write("\n" + next)
	}
	p.printed = next

	if snap.Status == c.From {
		return
	}
	switch snap.Status {
	case session.Errored:
		p.line(snap.View)
	case session.Cancelled:
		p.line("^C stopped")
	case session.Completed:
		p.line("")
	}
}

// line ends the run's output and, when msg is not empty, prints msg on its
// own line.
func (p *printer) line(msg string) {
	if p.printed != "" && !strings.HasSuffix(p.printed, "\n") {
		p.write("\n")
	}
	if msg != "" {
		p.write(msg + "\n")
	}
	p.closed = true
}

func (p *printer) write(s string) {
	if s == "" {
		return
	}
	if p.raw {
		s = strings.ReplaceAll(s, "\n", "\r\n")
	}
	io.WriteString(p.out, s)
}
