package compressor

import (
	"errors"
	"fmt"
)

// Kind classifies compression failures.
type Kind int

const (
	// KindInvalidInput covers non-positive dimensions, bad options and
	// unreadable files.
	KindInvalidInput Kind = iota + 1
	// KindUnsupportedMediaType is returned for anything that is neither
	// an image nor a video.
	KindUnsupportedMediaType
	// KindEncode means the encoder produced no output. It is not retried.
	KindEncode
	// KindEngineUnavailable means the video engine failed to load.
	KindEngineUnavailable
	// KindEngineExecution means a transcode invocation failed.
	KindEngineExecution
	// KindTimeout means a transcode exceeded its configured deadline.
	KindTimeout
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrUnsupportedMediaType  = errors.New("unsupported media type")
	ErrEncode                = errors.New("encode error")
	ErrEngineUnavailable     = errors.New("engine unavailable")
	ErrEngineExecution       = errors.New("engine execution error")
	ErrTimeout               = errors.New("timeout")
	errUnknownCompressorKind = errors.New("unknown")
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return k.sentinel().Error()
}

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindUnsupportedMediaType:
		return ErrUnsupportedMediaType
	case KindEncode:
		return ErrEncode
	case KindEngineUnavailable:
		return ErrEngineUnavailable
	case KindEngineExecution:
		return ErrEngineExecution
	case KindTimeout:
		return ErrTimeout
	default:
		return errUnknownCompressorKind
	}
}

// Error is a categorized compression failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return newError(kind, op, fmt.Errorf(format, args...))
}
