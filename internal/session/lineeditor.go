package session

import (
	"strings"
	"unicode"
)

// LineEditor holds the uncommitted input line. It performs no I/O; the
// Session mirrors every change into the transcript and the wire.
type LineEditor struct {
	line []rune
}

// Printable reports whether r is accepted as typed input.
func Printable(r rune) bool {
	return r == '\t' || unicode.IsPrint(r)
}

// Insert appends r and reports whether it was accepted.
func (e *LineEditor) Insert(r rune) bool {
	if !Printable(r) {
		return false
	}
	e.line = append(e.line, r)
	return true
}

// Backspace drops the last rune. It is a no-op on an empty line.
func (e *LineEditor) Backspace() bool {
	if len(e.line) == 0 {
		return false
	}
	e.line = e.line[:len(e.line)-1]
	return true
}

// Ready reports whether the pending line would be committed: it must not
// be blank after trimming.
func (e *LineEditor) Ready() bool {
	return strings.TrimSpace(string(e.line)) != ""
}

// Commit returns the pending line, untrimmed, and clears it. A blank line
// is not committed and stays in place.
func (e *LineEditor) Commit() (string, bool) {
	if !e.Ready() {
		return "", false
	}
	line := string(e.line)
	e.line = e.line[:0]
	return line, true
}

func (e *LineEditor) Pending() string {
	return string(e.line)
}

func (e *LineEditor) Len() int {
	return len(e.line)
}

func (e *LineEditor) Clear() {
	e.line = e.line[:0]
}
