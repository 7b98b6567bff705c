// Package fault defines the closed set of error kinds that cross the
// connection boundary, so a shell can render each one distinctly.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for the presentation shell.
type Kind int

const (
	Unknown Kind = iota
	PortUnavailable
	Timeout
	NotConnected
	Transport
	UpdateNotPending
	Integrity
	Cancelled
)

var kindNames = map[Kind]string{
	Unknown:          "unknown",
	PortUnavailable:  "port_unavailable",
	Timeout:          "timeout",
	NotConnected:     "not_connected",
	Transport:        "transport",
	UpdateNotPending: "update_not_pending",
	Integrity:        "integrity",
	Cancelled:        "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind_%d", int(k))
}

// Sentinels, one per kind. Use with errors.Is.
var (
	ErrPortUnavailable  = errors.New("port unavailable")
	ErrTimeout          = errors.New("operation timed out")
	ErrNotConnected     = errors.New("not connected")
	ErrTransport        = errors.New("transport failure")
	ErrUpdateNotPending = errors.New("no update pending")
	ErrIntegrity        = errors.New("integrity check failed")
	ErrCancelled        = errors.New("cancelled")
)

var sentinels = map[Kind]error{
	PortUnavailable:  ErrPortUnavailable,
	Timeout:          ErrTimeout,
	NotConnected:     ErrNotConnected,
	Transport:        ErrTransport,
	UpdateNotPending: ErrUpdateNotPending,
	Integrity:        ErrIntegrity,
	Cancelled:        ErrCancelled,
}

// Sentinel returns the sentinel error for k, or nil for Unknown.
func Sentinel(k Kind) error {
	return sentinels[k]
}

// Error carries the operation, the kind and the underlying cause.
type Error struct {
	Op   string // e.g. "session.open"
	Kind Kind
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if s := Sentinel(e.Kind); s != nil {
		msg = s.Error()
	}
	switch {
	case e.Err == nil:
	case errors.Is(e.Err, Sentinel(e.Kind)):
		msg = e.Err.Error()
	default:
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := Sentinel(e.Kind); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New builds an *Error of the given kind.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Newf builds an *Error whose cause is a formatted message.
func Newf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind carried by err. Context errors are classified even
// when they are not wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unknown {
		return fe.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	}
	return Unknown
}

// Is reports whether err is of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Normalize converts any error into an *Error with a known kind. Unclassified
// errors become Transport. Returns nil for nil.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == Unknown {
		kind = Transport
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == kind {
		if fe.Op == "" {
			return &Error{Op: op, Kind: kind, Err: fe.Err}
		}
		return fe
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
