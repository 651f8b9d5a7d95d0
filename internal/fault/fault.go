// Package fault defines the structured error kinds shared by every phpack
// component. Frontends switch on Kind to offer remediation; the message is
// meant for humans.
package fault

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind classifies an error
type Kind string

const (
	KindDetection           Kind = "detection"
	KindNoPortAvailable     Kind = "no_port_available"
	KindPortInUse           Kind = "port_in_use"
	KindSpawn               Kind = "spawn"
	KindNotRunning          Kind = "not_running"
	KindCrashed             Kind = "crashed"
	KindManifestParse       Kind = "manifest_parse"
	KindInstall             Kind = "install"
	KindUnsupportedPlatform Kind = "unsupported_platform"
	KindIntegrity           Kind = "integrity"
	KindNetwork             Kind = "network"
	KindInsufficientSpace   Kind = "insufficient_space"
	KindPackaging           Kind = "packaging"
	KindSigning             Kind = "signing"
	KindCancelled           Kind = "cancelled"
	KindInvalidConfig       Kind = "invalid_config"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Sentinels for errors.Is comparisons. Any *Error of the same kind matches.
var (
	ErrDetection           = &Error{Kind: KindDetection}
	ErrNoPortAvailable     = &Error{Kind: KindNoPortAvailable}
	ErrPortInUse           = &Error{Kind: KindPortInUse}
	ErrSpawn               = &Error{Kind: KindSpawn}
	ErrNotRunning          = &Error{Kind: KindNotRunning}
	ErrCrashed             = &Error{Kind: KindCrashed}
	ErrManifestParse       = &Error{Kind: KindManifestParse}
	ErrInstall             = &Error{Kind: KindInstall}
	ErrUnsupportedPlatform = &Error{Kind: KindUnsupportedPlatform}
	ErrIntegrity           = &Error{Kind: KindIntegrity}
	ErrNetwork             = &Error{Kind: KindNetwork}
	ErrInsufficientSpace   = &Error{Kind: KindInsufficientSpace}
	ErrPackaging           = &Error{Kind: KindPackaging}
	ErrSigning             = &Error{Kind: KindSigning}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrInvalidConfig       = &Error{Kind: KindInvalidConfig}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// Error is a classified error.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "server.start"
	Op      string
	Message string
	// Output holds captured tool output (composer, makensis, ...) when relevant
	Output string
	Err    error

	trace *goerrors.Error
}

// New creates a classified error with a formatted message
func New(kind Kind, op, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
	e.trace = goerrors.Wrap(e.Message, 1)
	return e
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: kind, Op: op, Err: err}
	e.trace = goerrors.Wrap(err, 1)
	return e
}

// Wrapf classifies err and adds a message
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Op: op, Err: err, Message: fmt.Sprintf(format, args...)}
	if err != nil {
		e.trace = goerrors.Wrap(err, 1)
	} else {
		e.trace = goerrors.Wrap(e.Message, 1)
	}
	return e
}

// WithOutput attaches captured process output
func (e *Error) WithOutput(output string) *Error {
	e.Output = output
	return e
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain,
// KindInternal for unclassified errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// IsRetryable reports whether the operation may succeed if repeated.
// Only transfer failures are retryable.
func IsRetryable(err error) bool {
	return Is(err, KindNetwork)
}

// OutputOf returns captured tool output from the first *Error carrying it
func OutputOf(err error) string {
	for err != nil {
		if fe, ok := err.(*Error); ok && fe.Output != "" {
			return fe.Output
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// Stack returns the stack captured when the error was created, if any
func Stack(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.trace != nil {
		return fe.trace.ErrorStack()
	}
	return ""
}
