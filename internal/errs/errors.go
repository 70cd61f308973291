// Package errs defines the error taxonomy shared by every layer of
// horizon-core, mirroring the kinds enumerated in the firmware core's
// error-handling design: transport failures, timeouts, protocol NACKs,
// corruption, overflow, out-of-sequence calls, and parameter errors.
package errs

import "github.com/pkg/errors"

// Kind classifies a CoreError the way the firmware core's error table does.
// It does not replace Go's error interface, it annotates it so state
// machines and callers can branch on a finite set of recoverable reasons
// without parsing strings.
type Kind int

const (
	// KindUnknown is never constructed directly; it guards against a
	// zero-value Kind leaking out of an unwrapped error.
	KindUnknown Kind = iota
	KindIO
	KindTransportTimeout
	KindProtocolNack
	KindCorrupt
	KindOverflow
	KindNotReady
	KindNotStarted
	KindAlreadyInProgress
	KindInval
	KindCRCError
	KindExists
	KindNotFound
	KindNoSpace
	KindNoMem
	KindIncomplete
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindTransportTimeout:
		return "TRANSPORT_TIMEOUT"
	case KindProtocolNack:
		return "PROTOCOL_NACK"
	case KindCorrupt:
		return "CORRUPT"
	case KindOverflow:
		return "OVERFLOW"
	case KindNotReady:
		return "NOT_READY"
	case KindNotStarted:
		return "NOT_STARTED"
	case KindAlreadyInProgress:
		return "ALREADY_IN_PROGRESS"
	case KindInval:
		return "INVAL"
	case KindCRCError:
		return "CRC_ERROR"
	case KindExists:
		return "EXISTS"
	case KindNotFound:
		return "NOT_FOUND"
	case KindNoSpace:
		return "NO_SPACE"
	case KindNoMem:
		return "NOMEM"
	case KindIncomplete:
		return "INCOMPLETE"
	default:
		return "UNKNOWN"
	}
}

// CoreError is the typed error returned by every fallible operation in this
// module. It plays the role app.MenderError plays for the mender agent:
// a Kind replaces the fatal/transient split because the core's own
// propagation policy (retry locally, bounded, else surface once) is decided
// by the caller inspecting Kind rather than a boolean.
type CoreError struct {
	kind  Kind
	cause error
}

// New constructs a CoreError of the given kind wrapping msg as the cause.
func New(kind Kind, msg string) *CoreError {
	return &CoreError{kind: kind, cause: errors.New(msg)}
}

// Wrap constructs a CoreError of the given kind wrapping an existing error.
func Wrap(kind Kind, err error, msg string) *CoreError {
	if err == nil {
		return nil
	}
	return &CoreError{kind: kind, cause: errors.Wrap(err, msg)}
}

func (e *CoreError) Error() string {
	return e.kind.String() + ": " + e.cause.Error()
}

// Cause returns the wrapped error, matching the Causer convention used
// throughout github.com/pkg/errors and app.MenderError.
func (e *CoreError) Cause() error { return e.cause }

// Unwrap supports errors.Is / errors.As over the wrapped cause.
func (e *CoreError) Unwrap() error { return e.cause }

// Kind reports the taxonomy bucket this error belongs to.
func (e *CoreError) Kind() Kind { return e.kind }

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.kind == kind
	}
	return false
}
