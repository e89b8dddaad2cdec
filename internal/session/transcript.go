package session

import "unicode/utf8"

// DefaultPlaceholder is shown between dispatch and the first fragment of a run.
const DefaultPlaceholder = "Executing..."

// Transcript is the append-only record of everything shown for a run:
// program output plus locally echoed input. The only removal allowed is of
// the echoed tail, one rune at a time.
type Transcript struct {
	buf         []byte
	placeholder string
	pending     bool // placeholder is showing
	echoLen     int  // bytes at the tail written by Echo and not yet committed
}

func NewTranscript(placeholder string) *Transcript {
	return &Transcript{placeholder: placeholder}
}

// Reset empties the record and shows the placeholder until the first write.
func (t *Transcript) Reset() {
	t.buf = t.buf[:0]
	t.echoLen = 0
	t.pending = t.placeholder != ""
}

// Append adds a server fragment verbatim. It closes any open echo region so
// that text preceding a later backspace is never the server's.
func (t *Transcript) Append(fragment string) {
	t.pending = false
	t.echoLen = 0
	t.buf = append(t.buf, fragment...)
}

// Echo appends a locally typed rune.
func (t *Transcript) Echo(r rune) {
	t.pending = false
	n := len(t.buf)
	t.buf = utf8.AppendRune(t.buf, r)
	t.echoLen += len(t.buf) - n
}

// Unecho removes the last echoed rune. It reports false, changing nothing,
// when the tail is not echoed text.
func (t *Transcript) Unecho() bool {
	if t.echoLen == 0 {
		return false
	}
	_, size := utf8.DecodeLastRune(t.buf)
	if size > t.echoLen {
		return false
	}
	t.buf = t.buf[:len(t.buf)-size]
	t.echoLen -= size
	return true
}

// EndLine terminates the echoed line with a newline and closes the echo
// region.
func (t *Transcript) EndLine() {
	t.pending = false
	t.echoLen = 0
	t.buf = append(t.buf, '\n')
}

// String returns the permanent record.
func (t *Transcript) String() string {
	return string(t.buf)
}

// View returns what should be displayed: the placeholder until the run
// writes anything, the record afterwards.
func (t *Transcript) View() string {
	if t.pending && len(t.buf) == 0 {
		return t.placeholder
	}
	return string(t.buf)
}

func (t *Transcript) Len() int {
	return len(t.buf)
}
