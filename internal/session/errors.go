package session

import (
	"errors"
	"fmt"
)

// Kind classifies session errors.
type Kind string

const (
	KindConnection        Kind = "connection"
	KindExecution         Kind = "execution"
	KindProtocolViolation Kind = "protocol-violation"
	KindConnectionLost    Kind = "connection-lost"
)

var (
	ErrRunInProgress       = errors.New("a run is already in progress")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrReconnected         = errors.New("channel reconnected")
)

// ConnectionError is returned when a message cannot be sent because there
// is no live channel to the execution service.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: not connected to execution service", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Kind() Kind { return KindConnection }

// ExecutionError carries the failure reported by the service for a run.
type ExecutionError struct {
	RunID   uint64
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("run %d failed: %s", e.RunID, e.Message)
}

func (e *ExecutionError) Kind() Kind { return KindExecution }

// ProtocolViolation describes a malformed or unexpected inbound event.
type ProtocolViolation struct {
	Event  string
	Reason string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation on %q: %s: %v", e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation on %q: %s", e.Event, e.Reason)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

func (e *ProtocolViolation) Kind() Kind { return KindProtocolViolation }

// ConnectionLost is recorded when the channel drops while a run is active.
type ConnectionLost struct {
	RunID uint64
	Err   error
}

func (e *ConnectionLost) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection lost during run %d", e.RunID)
	}
	return fmt.Sprintf("connection lost during run %d: %v", e.RunID, e.Err)
}

func (e *ConnectionLost) Unwrap() error { return e.Err }

func (e *ConnectionLost) Kind() Kind { return KindConnectionLost }

// KindOf returns the Kind of err, or "" when err is not a session error.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}
