package provider

import (
	"context"
	"errors"
	"fmt"
)

// FaultKind classifies a provider failure.
type FaultKind int

// Fault kinds.
const (
	// InvalidRequest is a malformed descriptor or a missing backend resource.
	InvalidRequest FaultKind = iota + 1
	// LocalError is an OS, process or filesystem failure.
	LocalError
	// RemoteConnectionError is an authentication or connection failure.
	RemoteConnectionError
	// JobFailed is a terminal failure status reported by the backend.
	JobFailed
	// JobCancelled is an explicit abort or a backend-classified cancellation.
	JobCancelled
	// Timeout is a bounded wait which exceeded its limit.
	Timeout
)

func (k FaultKind) String() string {
	switch k {
	case InvalidRequest:
		return "InvalidRequest"
	case LocalError:
		return "LocalError"
	case RemoteConnectionError:
		return "RemoteConnectionError"
	case JobFailed:
		return "JobFailed"
	case JobCancelled:
		return "JobCancelled"
	case Timeout:
		return "Timeout"
	}
	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// Error is a classified failure of one lifecycle phase.
type Error struct {
	Kind  FaultKind
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s in phase %s: %v", e.Kind, e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fault tags err with a fault kind. The phase is filled in by the lifecycle
// runner. A nil err yields nil.
func Fault(kind FaultKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Faultf is Fault with a formatted error.
func Faultf(kind FaultKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the fault kind of err, or zero if err isn't classified.
func KindOf(err error) FaultKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind FaultKind) bool {
	return KindOf(err) == kind
}

// PhaseOf returns the phase err occurred in, if known.
func PhaseOf(err error) Phase {
	var e *Error
	if errors.As(err, &e) {
		return e.Phase
	}
	return ""
}

// classify wraps err as an *Error for the given phase. Errors already
// classified keep their kind; context errors become JobCancelled or
// Timeout; anything else becomes def.
func classify(err error, phase Phase, def FaultKind) *Error {
	var e *Error
	if errors.As(err, &e) {
		out := *e
		if out.Phase == "" {
			out.Phase = phase
		}
		return &out
	}
	kind := def
	switch {
	case errors.Is(err, context.Canceled):
		kind = JobCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	}
	return &Error{Kind: kind, Phase: phase, Err: err}
}
