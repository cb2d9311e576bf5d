package driver

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/fxnlabs/gpu-aligner/internal/gpu"
)

// Kind classifies session errors.
type Kind int

const (
	KindInvalidSessionState Kind = iota + 1
	KindSequenceTooLong
	KindOutOfDeviceMemory
	KindOutOfHostMemory
	KindDeviceFailure
	KindInvalidArgument
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrInvalidSessionState = errors.New("invalid session state")
	ErrSequenceTooLong     = errors.New("sequence too long")
	ErrOutOfDeviceMemory   = errors.New("out of device memory")
	ErrOutOfHostMemory     = errors.New("out of host memory")
	ErrDeviceFailure       = errors.New("device failure")
	ErrInvalidArgument     = errors.New("invalid argument")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidSessionState:
		return ErrInvalidSessionState
	case KindSequenceTooLong:
		return ErrSequenceTooLong
	case KindOutOfDeviceMemory:
		return ErrOutOfDeviceMemory
	case KindOutOfHostMemory:
		return ErrOutOfHostMemory
	case KindDeviceFailure:
		return ErrDeviceFailure
	case KindInvalidArgument:
		return ErrInvalidArgument
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindInvalidSessionState:
		return "InvalidSessionState"
	case KindSequenceTooLong:
		return "SequenceTooLong"
	case KindOutOfDeviceMemory:
		return "OutOfDeviceMemory"
	case KindOutOfHostMemory:
		return "OutOfHostMemory"
	case KindDeviceFailure:
		return "DeviceFailure"
	case KindInvalidArgument:
		return "InvalidArgument"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error reports a failed session operation together with the source
// location that issued it.
type Error struct {
	Kind Kind
	Op   string
	File string
	Line int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s at %s:%d: %v", e.Kind, e.Op, e.File, e.Line, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// IsFatal reports whether err is an allocation or device failure. A session
// that hit one cannot continue.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindOutOfDeviceMemory, KindOutOfHostMemory, KindDeviceFailure:
		return true
	}
	return false
}

// KindOf returns the kind of err, or zero when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error, skip int) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if _, file, line, ok := runtime.Caller(skip + 1); ok {
		e.File, e.Line = filepath.Base(file), line
	}
	return e
}

// check wraps an accelerator error, recording the caller's location.
func check(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindDeviceFailure
	switch {
	case errors.Is(err, gpu.ErrOutOfDeviceMemory):
		kind = KindOutOfDeviceMemory
	case errors.Is(err, gpu.ErrOutOfHostMemory):
		kind = KindOutOfHostMemory
	}
	return newError(kind, op, err, 1)
}

func usageError(kind Kind, op, format string, args ...any) error {
	return newError(kind, op, fmt.Errorf(format, args...), 1)
}
