// Package report defines the error taxonomy and the central error channel.
package report

import (
	"fmt"
	"log/slog"
	"sync"
)

// Code classifies a reported failure.
type Code string

const (
	CodeConnection   Code = "connection_error"
	CodeAuth         Code = "auth_error"
	CodeSub          Code = "sub_error"
	CodeSubTimeout   Code = "sub_timeout"
	CodeProduce      Code = "produce_error"
	CodeInvalidFrame Code = "invalid_frame"
	CodeServer       Code = "server_error"
)

// Error is a reported failure. It is never fatal to the process.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Reporter receives failures from the session engine.
type Reporter interface {
	Report(code Code, message string, err error) *Error
}

// Sink is the central error channel. Reports are logged and offered to a
// buffered channel; when nobody drains it, new reports are dropped.
type Sink struct {
	logger *slog.Logger

	mu     sync.Mutex
	ch     chan *Error
	closed bool
}

// NewSink creates a Sink with the given channel buffer.
func NewSink(buffer int, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = 1
	}

	return &Sink{
		logger: logger,
		ch:     make(chan *Error, buffer),
	}
}

// Report records a failure and returns it so callers can also return it.
func (s *Sink) Report(code Code, message string, err error) *Error {
	e := &Error{Code: code, Message: message, Err: err}
	s.logger.Warn("reported error", "code", code, "message", message, "error", err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return e
	}
	select {
	case s.ch <- e:
	default:
		s.logger.Warn("error channel full, dropping report", "code", code)
	}
	return e
}

// Errors returns the channel of reported failures.
func (s *Sink) Errors() <-chan *Error {
	return s.ch
}

// Close closes the channel. Later reports are only logged.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Discard is a Reporter that only builds the error value.
type Discard struct{}

// Report implements Reporter.
func (Discard) Report(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
