package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/AlexandruC0909/coderun/internal/models"
	"github.com/AlexandruC0909/coderun/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(from, to session.Status, runID uint64, transcript string) session.Change {
	return session.Change{From: from, Snapshot: session.Snapshot{
		RunID:      runID,
		Status:     to,
		Transcript: transcript,
		View:       transcript,
	}}
}

func TestPrinterDrawsDeltas(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)

	p.render(change(session.Idle, session.Dispatching, 1, ""))
	p.render(change(session.Dispatching, session.WaitingForInput, 1, "name? "))
	p.render(change(session.WaitingForInput, session.WaitingForInput, 1, "name? bo"))
	p.render(change(session.WaitingForInput, session.WaitingForInput, 1, "name? b"))
	p.render(change(session.WaitingForInput, session.Running, 1, "name? b\n"))
	p.render(change(session.Running, session.Completed, 1, "name? b\nhi b"))

	assert.Equal(t, "name? bo\b \b\nhi b\n", buf.String())
}

func TestPrinterRawModeTranslatesNewlines(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, true)

	p.render(change(session.Dispatching, session.Running, 1, "a\nb\n"))
	assert.Equal(t, "a\r\nb\r\n", buf.String())
}

func TestPrinterStatusLines(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)

	p.render(change(session.Dispatching, session.Running, 1, "tick"))
	p.render(change(session.Running, session.Cancelled, 1, "tick"))
	p.render(change(session.Cancelled, session.Idle, 1, "tick"))
	assert.Equal(t, "tick\n^C stopped\n", buf.String())

	buf.Reset()
	errored := change(session.Running, session.Errored, 2, "partial")
	errored.Snapshot.View = "Error: boom"
	p.render(change(session.Idle, session.Dispatching, 2, ""))
	p.render(change(session.Dispatching, session.Running, 2, "partial"))
	p.render(errored)
	assert.Equal(t, "partial\nError: boom\n", buf.String())
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		file string
		flag string
		want models.Language
	}{
		{"main.c", "", models.LanguageC},
		{"prog.CPP", "", models.LanguageCPP},
		{"Main.java", "", models.LanguageJava},
		{"script.py", "", models.LanguagePython},
		{"app.mjs", "", models.LanguageJavaScript},
		{"notes.txt", "python", models.LanguagePython},
		{"main.c", "C++", models.LanguageCPP},
	}
	for _, tt := range tests {
		got, err := detectLanguage(tt.file, tt.flag)
		require.NoError(t, err, tt.file)
		assert.Equal(t, tt.want, got, tt.file)
	}

	_, err := detectLanguage("README", "")
	assert.Error(t, err)
	_, err = detectLanguage("main.c", "fortran")
	assert.Error(t, err)
}

func TestExitError(t *testing.T) {
	var err error = &exitError{code: 130}
	var exit *exitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 130, exit.code)
}
