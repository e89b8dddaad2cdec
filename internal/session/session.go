// Package session implements the client side of the interactive execution
// protocol: one Session per connection drives runs through their states,
// aggregates streamed output, relays typed input and cancels runs.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/models"
	"go.uber.org/zap"
)

// Channel is the connection a Session drives. *Conn implements it.
type Channel interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Send(env models.Envelope) error
	OnEvent(h EventHandler)
	OnDisconnect(fn func(error))
	Disconnect() error
}

// Snapshot is a copy of the session state safe to hand to a renderer.
type Snapshot struct {
	RunID      uint64
	Language   models.Language
	Status     Status
	Transcript string
	View       string
	Pending    string
	Err        error
}

// Change is delivered to the Listener after every state or transcript update.
type Change struct {
	From     Status
	Snapshot Snapshot
}

// Listener receives changes in the order they were applied. It must not
// call back into mutating Session methods synchronously.
type Listener func(Change)

// Session is the single active execution session for one connection. All
// transitions are serialized; the active run id filters out events that
// belong to cancelled or superseded runs.
type Session struct {
	ch       Channel
	logger   *logger.Logger
	listener Listener

	mu         sync.Mutex
	notifyMu   sync.Mutex
	changes    []Change
	status     Status
	runID      uint64
	language   models.Language
	code       string
	transcript *Transcript
	editor     LineEditor
	focused    bool
	lastErr    error
	errText    string
}

type Option func(*Session)

func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithListener(l Listener) Option {
	return func(s *Session) { s.listener = l }
}

// WithPlaceholder sets the text shown between dispatch and first output.
func WithPlaceholder(text string) Option {
	return func(s *Session) { s.transcript = NewTranscript(text) }
}

// New creates an Idle session over ch. The terminal view starts focused.
func New(ch Channel, opts ...Option) *Session {
	s := &Session{
		ch:         ch,
		logger:     logger.Default(),
		transcript: NewTranscript(DefaultPlaceholder),
		focused:    true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(zap.String("component", "session"))
	return s
}

// Connect establishes the channel and registers this session as its only
// consumer. A run still active on the previous connection cannot finish on
// the new one, so it ends as ConnectionLost.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status.Active() {
		s.sendStop()
		lost := &ConnectionLost{RunID: s.runID, Err: ErrReconnected}
		s.fail(lost, lost.Error())
	}
	s.unlock()

	if err := s.ch.Connect(ctx); err != nil {
		return err
	}
	s.ch.OnEvent(s.HandleEvent)
	s.ch.OnDisconnect(s.handleDisconnect)
	return nil
}

// Disconnect cancels any active run and releases the channel.
func (s *Session) Disconnect() error {
	s.Stop()
	return s.ch.Disconnect()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Run dispatches code for execution. It fails with ErrRunInProgress while a
// run is active and with a *ConnectionError, sending nothing and leaving the
// state as it was, when the channel is down.
func (s *Session) Run(lang models.Language, code string) error {
	if !lang.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}

	s.mu.Lock()
	defer s.unlock()

	if s.status.Active() {
		return ErrRunInProgress
	}
	if !s.ch.IsConnected() {
		return s.surface(&ConnectionError{Op: "execute"})
	}

	runID := s.runID + 1
	env, err := models.NewEnvelope(models.EventExecute, runID, models.ExecuteRequest{Language: lang, Code: code})
	if err != nil {
		return err
	}
	if err := s.ch.Send(env); err != nil {
		return s.surface(err)
	}

	if s.status != Idle {
		s.transition(Idle)
	}
	s.runID = runID
	s.language = lang
	s.code = code
	s.transcript.Reset()
	s.editor.Clear()
	s.lastErr = nil
	s.errText = ""
	s.transition(Dispatching)

	s.logger.WithRunID(runID).Info("run dispatched", zap.String("language", string(lang)))
	return nil
}

// Stop cancels the active run. The stop message is best effort and the
// session returns to Idle immediately; later events of the cancelled run are
// discarded. Stop is a no-op when no run is active.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.unlock()

	if !s.status.Active() {
		return
	}
	s.sendStop()
	s.editor.Clear()
	s.transition(Cancelled)
	s.transition(Idle)
	s.logger.WithRunID(s.runID).Info("run cancelled")
}

func (s *Session) sendStop() {
	env, err := models.NewEnvelope(models.EventStop, s.runID, models.StopRequest{})
	if err == nil {
		err = s.ch.Send(env)
	}
	if err != nil {
		s.logger.WithRunID(s.runID).Warn("stop not delivered", zap.Error(err))
	}
}

// SetFocus records whether the terminal view holds input focus. Keystrokes
// are ignored without it.
func (s *Session) SetFocus(focused bool) {
	s.mu.Lock()
	s.focused = focused
	s.mu.Unlock()
}

func (s *Session) accepting() bool {
	return s.status == WaitingForInput && s.focused
}

// OnChar echoes a printable rune into the transcript and the pending line.
func (s *Session) OnChar(r rune) bool {
	s.mu.Lock()
	defer s.unlock()

	if !s.accepting() || !s.editor.Insert(r) {
		return false
	}
	s.transcript.Echo(r)
	s.changed()
	return true
}

// OnBackspace removes the last pending rune and its echo. Server output is
// never erased: once output lands after the echo, only the pending line
// shrinks.
func (s *Session) OnBackspace() bool {
	s.mu.Lock()
	defer s.unlock()

	if !s.accepting() || !s.editor.Backspace() {
		return false
	}
	s.transcript.Unecho()
	s.changed()
	return true
}

// OnCommitLine sends the pending line as program input and resumes Running
// without waiting for any acknowledgement. A blank line sends nothing.
func (s *Session) OnCommitLine() (bool, error) {
	s.mu.Lock()
	defer s.unlock()

	if !s.accepting() || !s.editor.Ready() {
		return false, nil
	}
	line := s.editor.Pending()
	env, err := models.NewEnvelope(models.EventSendInput, s.runID, models.InputRequest{Data: line})
	if err != nil {
		return false, err
	}
	if err := s.ch.Send(env); err != nil {
		return false, s.surface(err)
	}
	s.editor.Commit()
	s.transcript.EndLine()
	s.transition(Running)
	return true, nil
}

// HandleKey feeds one raw key: CR or LF commits, DEL or BS erases, anything
// else is typed.
func (s *Session) HandleKey(r rune) error {
	switch r {
	case '\r', '\n':
		_, err := s.OnCommitLine()
		return err
	case 0x7f, '\b':
		s.OnBackspace()
	default:
		s.OnChar(r)
	}
	return nil
}

// HandleEvent applies one inbound frame. It is registered as the channel's
// event handler by Connect.
func (s *Session) HandleEvent(env models.Envelope, decodeErr error) {
	s.mu.Lock()
	defer s.unlock()

	log := s.logger.WithRunID(s.runID)
	if !s.status.Active() {
		log.Debug("dropping event outside an active run",
			zap.String("event", env.Event), zap.Uint64("event_run_id", env.RunID))
		return
	}
	if decodeErr != nil {
		s.violate(&ProtocolViolation{Reason: "undecodable frame", Err: decodeErr})
		return
	}
	if env.RunID != s.runID {
		log.Debug("dropping stale event",
			zap.String("event", env.Event), zap.Uint64("event_run_id", env.RunID))
		return
	}

	switch env.Event {
	case models.EventOutput:
		var p models.OutputEvent
		if err := env.ParseData(&p); err != nil {
			s.violate(&ProtocolViolation{Event: env.Event, Reason: "bad payload", Err: err})
			return
		}
		s.transcript.Append(p.Output)
		if s.status == Dispatching {
			s.transition(Running)
		} else {
			s.changed()
		}

	case models.EventWaitingForInput:
		if s.status != WaitingForInput {
			s.transition(WaitingForInput)
		}

	case models.EventResult:
		var p models.ResultEvent
		if err := env.ParseData(&p); err != nil {
			s.violate(&ProtocolViolation{Event: env.Event, Reason: "bad payload", Err: err})
			return
		}
		if p.Output != "" {
			s.transcript.Append(p.Output)
		}
		if !p.Success {
			msg := p.Error
			if msg == "" {
				msg = "execution failed"
			}
			s.fail(&ExecutionError{RunID: s.runID, Message: msg}, msg)
			return
		}
		s.editor.Clear()
		s.transition(Completed)
		log.Info("run completed")

	case models.EventError:
		var p models.ErrorEvent
		if err := env.ParseData(&p); err != nil {
			s.violate(&ProtocolViolation{Event: env.Event, Reason: "bad payload", Err: err})
			return
		}
		s.fail(&ExecutionError{RunID: s.runID, Message: p.Error}, p.Error)

	default:
		s.violate(&ProtocolViolation{Event: env.Event, Reason: "unknown event"})
	}
}

func (s *Session) handleDisconnect(err error) {
	s.mu.Lock()
	defer s.unlock()

	if !s.status.Active() {
		return
	}
	lost := &ConnectionLost{RunID: s.runID, Err: err}
	s.fail(lost, lost.Error())
}

func (s *Session) fail(err error, text string) {
	s.lastErr = err
	s.errText = text
	s.editor.Clear()
	s.transition(Errored)
	s.logger.WithRunID(s.runID).Warn("run failed", zap.Error(err))
}

// violate logs a malformed or unexpected event and abandons the run rather
// than leaving the session stuck.
func (s *Session) violate(pv *ProtocolViolation) {
	s.logger.WithRunID(s.runID).Error("protocol violation", zap.Error(pv))
	s.sendStop()
	s.lastErr = pv
	s.editor.Clear()
	s.transition(Idle)
}

// surface records err for inline display without changing status.
func (s *Session) surface(err error) error {
	s.lastErr = err
	s.changed()
	return err
}

func (s *Session) transition(to Status) {
	from := s.status
	s.status = to
	s.changes = append(s.changes, Change{From: from, Snapshot: s.snapshot()})
}

func (s *Session) changed() {
	s.changes = append(s.changes, Change{From: s.status, Snapshot: s.snapshot()})
}

func (s *Session) snapshot() Snapshot {
	view := s.transcript.View()
	if s.status == Errored && s.errText != "" {
		view = s.errText
	}
	return Snapshot{
		RunID:      s.runID,
		Language:   s.language,
		Status:     s.status,
		Transcript: s.transcript.String(),
		View:       view,
		Pending:    s.editor.Pending(),
		Err:        s.lastErr,
	}
}

// unlock releases the state lock and delivers queued changes in order.
func (s *Session) unlock() {
	changes := s.changes
	s.changes = nil
	if len(changes) == 0 || s.listener == nil {
		s.mu.Unlock()
		return
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, c := range changes {
		s.listener(c)
	}
}

// Describe renders a one-line status summary, e.g. for a status bar.
func (s Snapshot) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %d", s.RunID)
	if s.Language != "" {
		fmt.Fprintf(&b, " [%s]", s.Language.DisplayName())
	}
	fmt.Fprintf(&b, " %s", s.Status)
	if s.Err != nil {
		fmt.Fprintf(&b, ": %v", s.Err)
	}
	return b.String()
}
