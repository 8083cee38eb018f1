package domain

import (
	"context"
	"errors"
)

// Error kinds. Adapters wrap their native failures with one of these so the
// synchronization layer can decide between queueing, dropping and surfacing.
var (
	ErrUnreachable        = errors.New("store unreachable")
	ErrRejected           = errors.New("mutation rejected")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrDeviceCapability   = errors.New("device capability unavailable")
)

var (
	ErrEmptyQueue      = fmtKind(ErrPreconditionFailed, "empty queue")
	ErrTripClosed      = fmtKind(ErrPreconditionFailed, "trip summary closed")
	ErrStaleCompletion = fmtKind(ErrRejected, "stale completion")
	ErrAgentNotFound   = fmtKind(ErrRejected, "agent not found")
	ErrStopNotFound    = fmtKind(ErrRejected, "stop not found")

	ErrLocationPermission = fmtKind(ErrDeviceCapability, "location permission denied")
	ErrSignalUnavailable  = fmtKind(ErrDeviceCapability, "location signal unavailable")
)

type kindError struct {
	kind error
	msg  string
}

func fmtKind(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindTransient          ErrorKind = "transient"
	KindPermanent          ErrorKind = "permanent"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindPreconditionFailed ErrorKind = "precondition_failed"
	KindDeviceCapability   ErrorKind = "device_capability"
)

// KindOf classifies err. Unknown errors and context deadlines count as
// transient: the mutation is kept and retried on the next drain.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRejected):
		return KindPermanent
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrPreconditionFailed):
		return KindPreconditionFailed
	case errors.Is(err, ErrDeviceCapability):
		return KindDeviceCapability
	case errors.Is(err, ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}
