package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Language is a wire identifier for a supported source language.
type Language string

const (
	LanguageC          Language = "c"
	LanguageCPP        Language = "cpp"
	LanguageJava       Language = "java"
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
)

// Languages lists every supported language in display order.
var Languages = []Language{LanguageC, LanguageCPP, LanguageJava, LanguagePython, LanguageJavaScript}

var displayNames = map[Language]string{
	LanguageC:          "C",
	LanguageCPP:        "C++",
	LanguageJava:       "Java",
	LanguagePython:     "Python",
	LanguageJavaScript: "JavaScript",
}

// DisplayName returns the human readable name, or the identifier itself for
// unknown languages.
func (l Language) DisplayName() string {
	if name, ok := displayNames[l]; ok {
		return name
	}
	return string(l)
}

func (l Language) Valid() bool {
	_, ok := displayNames[l]
	return ok
}

// ParseLanguage accepts either a wire identifier or a display name,
// case-insensitively.
func ParseLanguage(s string) (Language, error) {
	s = strings.TrimSpace(s)
	for _, l := range Languages {
		if strings.EqualFold(s, string(l)) || strings.EqualFold(s, displayNames[l]) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unsupported language %q", s)
}

// Event names used on the wire.
const (
	// client -> service
	EventExecute   = "execute"
	EventSendInput = "send-input"
	EventStop      = "stop"

	// service -> client
	EventOutput          = "output"
	EventWaitingForInput = "waiting-for-input"
	EventResult          = "result"
	EventError           = "error"
)

// Envelope is a single JSON text frame. RunID is assigned by the client on
// execute and echoed by the service on every event of that run.
type Envelope struct {
	Event string          `json:"event"`
	RunID uint64          `json:"runId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, runID uint64, data interface{}) (Envelope, error) {
	env := Envelope{Event: event, RunID: runID}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// ParseData decodes the payload into v. An absent payload leaves v untouched.
func (e Envelope) ParseData(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type ExecuteRequest struct {
	Language Language `json:"language"`
	Code     string   `json:"code"`
}

type InputRequest struct {
	Data string `json:"data"`
}

type StopRequest struct{}

type OutputEvent struct {
	Output string `json:"output"`
}

type WaitingForInputEvent struct{}

type ResultEvent struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ErrorEvent struct {
	Error string `json:"error"`
}

// InputOperation is a source location that reads from stdin.
type InputOperation struct {
	Line int
	Call string
}
