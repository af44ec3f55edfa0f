// Package linkerr classifies the failures that can happen on a serial link.
//
// Connectivity kinds drive the supervisor into RECONNECTING; recoverable
// kinds are only reported to error handlers.
package linkerr

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindPortNotFound
	KindHandshakeTimeout
	KindWriteFailed
	KindReadFailed
	KindFrameParse
	KindNotConnected
	KindDeviceText
	KindHandlerPanic
)

func (k Kind) String() string {
	switch k {
	case KindPortNotFound:
		return "port_not_found"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindWriteFailed:
		return "write_failed"
	case KindReadFailed:
		return "read_failed"
	case KindFrameParse:
		return "frame_parse_error"
	case KindNotConnected:
		return "command_rejected_not_connected"
	case KindDeviceText:
		return "device_text"
	case KindHandlerPanic:
		return "handler_panic"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the kind is absorbed locally without touching
// the connection state.
func (k Kind) Recoverable() bool {
	switch k {
	case KindFrameParse, KindDeviceText, KindHandlerPanic, KindNotConnected:
		return true
	default:
		return false
	}
}

// Connectivity reports whether the kind forces a reconnect.
func (k Kind) Connectivity() bool {
	switch k {
	case KindWriteFailed, KindReadFailed, KindHandshakeTimeout:
		return true
	default:
		return false
	}
}

var (
	ErrPortNotFound     = errors.New("no serial port qualified")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrWriteFailed      = errors.New("write failed")
	ErrReadFailed       = errors.New("read failed")
	ErrFrameParse       = errors.New("frame parse error")
	ErrNotConnected     = errors.New("not connected")
)

var sentinels = map[Kind]error{
	KindPortNotFound:     ErrPortNotFound,
	KindHandshakeTimeout: ErrHandshakeTimeout,
	KindWriteFailed:      ErrWriteFailed,
	KindReadFailed:       ErrReadFailed,
	KindFrameParse:       ErrFrameParse,
	KindNotConnected:     ErrNotConnected,
}

// Error carries the kind, the operation and the port it happened on.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " on " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel of the kind even when Err wraps
// something else.
func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Kind]; ok {
		return s == target
	}
	return false
}

// KindOf returns the kind of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}

	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	return KindUnknown
}

// Event is what error handlers receive.
type Event struct {
	Kind    Kind
	Message string
	Raw     string
	Path    string
	Time    time.Time
}

func (e Event) String() string {
	if e.Raw == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%q)", e.Kind, e.Message, e.Raw)
}

// EventFromError converts err into an Event stamped with now.
func EventFromError(err error, now time.Time) Event {
	ev := Event{
		Kind:    KindOf(err),
		Message: err.Error(),
		Time:    now,
	}

	var le *Error
	if errors.As(err, &le) {
		ev.Path = le.Path
	}

	return ev
}
