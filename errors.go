package kvadapter

import (
	"context"
	"os"
	"syscall"

	"github.com/juju/errors"
)

// Status is the closed outcome set reported to a benchmark driver.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	default:
		return "ERROR"
	}
}

// Code is the wider error taxonomy behind StatusError.
type Code int

const (
	CodeOK Code = iota
	CodeNotFound
	CodeConflict
	CodeResourceExhausted
	CodeUnavailable
	CodeInvalidArgument
	CodeInternal
)

var codeNames = [...]string{
	CodeOK:                "ok",
	CodeNotFound:          "not found",
	CodeConflict:          "conflict",
	CodeResourceExhausted: "resource exhausted",
	CodeUnavailable:       "unavailable",
	CodeInvalidArgument:   "invalid argument",
	CodeInternal:          "internal",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "unknown"
}

// ErrClosed is reported by operations issued after Close.
var ErrClosed = errors.New("adapter closed")

// Error is the only error type an Adapter operation returns.
type Error struct {
	Op   string
	Key  string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	return msg + ": " + e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf reports the taxonomy code of err. A nil error is CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return classify(err, nil)
}

// StatusOf collapses err onto the three-valued status set.
func StatusOf(err error) Status {
	switch CodeOf(err) {
	case CodeOK:
		return StatusOK
	case CodeNotFound:
		return StatusNotFound
	default:
		return StatusError
	}
}

// classifier is implemented by engines that recognise their own native
// errors.
type classifier interface {
	classify(err error) (Code, bool)
}

func classify(err error, c classifier) Code {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, errors.NotFound):
		return CodeNotFound
	case errors.Is(err, errors.NotValid):
		return CodeInvalidArgument
	case errors.Is(err, errors.AlreadyExists):
		return CodeConflict
	case errors.Is(err, syscall.ENOSPC):
		return CodeResourceExhausted
	case errors.Is(err, ErrClosed), errors.Is(err, os.ErrClosed),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.Timeout):
		return CodeUnavailable
	}
	if c != nil {
		if code, ok := c.classify(err); ok {
			return code
		}
	}
	return CodeInternal
}
