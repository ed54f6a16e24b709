package jobs

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies why an attempt failed, so a host can offer to resume
// a cancelled attempt rather than diagnose a broken one.
type ErrorKind int

const (
	NoError ErrorKind = iota
	Unknown
	ProfileInvalid
	TagValueMissing
	TagValueNotAllowed
	IOFailure
	ConnectionInfoMissing
	TransferFailure
	Cancelled
)

var kindNames = []string{
	NoError:               "",
	Unknown:               "Unknown",
	ProfileInvalid:        "ProfileInvalid",
	TagValueMissing:       "TagValueMissing",
	TagValueNotAllowed:    "TagValueNotAllowed",
	IOFailure:             "IOFailure",
	ConnectionInfoMissing: "ConnectionInfoMissing",
	TransferFailure:       "TransferFailure",
	Cancelled:             "Cancelled",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText renders the kind by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	for i, name := range kindNames {
		if name == string(text) {
			*k = ErrorKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Error is an error with a kind attached.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

// Cause lets errors.Cause see through an Error.
func (e *Error) Cause() error { return e.Err }

func (e *Error) Unwrap() error { return e.Err }

// E attaches kind to err. It returns nil if err is nil.
func E(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf is shorthand for E(kind, fmt.Errorf(format, args...)).
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return E(kind, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost Error wrapped in err. A
// cancelled or expired context is reported as Cancelled whatever it is
// wrapped in. Errors without a kind are Unknown, and nil is NoError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return NoError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
