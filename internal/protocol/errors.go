package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind names a failure class reported to hosts.
type ErrorKind string

const (
	KindPermissionDenied          ErrorKind = "PermissionDenied"
	KindDeviceUnavailable         ErrorKind = "DeviceUnavailable"
	KindUnsupportedRateConversion ErrorKind = "UnsupportedRateConversion"
	KindModelLoadError            ErrorKind = "ModelLoadError"
	KindTranscriptionError        ErrorKind = "TranscriptionError"
	KindBackendUnsupported        ErrorKind = "BackendUnsupported"
)

// Error carries a kind alongside the underlying cause.
// errors.Is matches any *Error of the same kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrPermissionDenied          = &Error{Kind: KindPermissionDenied}
	ErrDeviceUnavailable         = &Error{Kind: KindDeviceUnavailable}
	ErrUnsupportedRateConversion = &Error{Kind: KindUnsupportedRateConversion}
	ErrModelLoad                 = &Error{Kind: KindModelLoadError}
	ErrTranscription             = &Error{Kind: KindTranscriptionError}
	ErrBackendUnsupported        = &Error{Kind: KindBackendUnsupported}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind unless it already carries one.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the kind carried by err, or fallback when none.
func KindOf(err error, fallback ErrorKind) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return fallback
}
