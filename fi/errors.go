package fi

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCompletion indicates that no completion entries were available.
	ErrNoCompletion = errors.New("tagfabric: no completion available")
	// ErrErrorAvailable indicates that the head of a completion queue is a failed
	// completion which must be consumed with ReadError.
	ErrErrorAvailable = errors.New("tagfabric: completion error available")
	// ErrTimeout indicates that a wait operation timed out.
	ErrTimeout = errors.New("tagfabric: wait timed out")
	// ErrQueueFull indicates that a completion queue has no free slot for the
	// operation. Drain the queue and retry.
	ErrQueueFull = errors.New("tagfabric: completion queue full")
	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("tagfabric: invalid argument")
	// ErrCapabilityUnsupported indicates that the provider does not support the requested capability.
	ErrCapabilityUnsupported = errors.New("tagfabric: capability not supported")
	// ErrInsufficientAccess indicates that a memory region lacks the required access flags for the requested operation.
	ErrInsufficientAccess = errors.New("tagfabric: memory region missing required access")
	// ErrBadState indicates an operation issued against an endpoint that is not enabled.
	ErrBadState = errors.New("tagfabric: endpoint not enabled")
	// ErrBusy indicates that a request can no longer be cancelled.
	ErrBusy = errors.New("tagfabric: operation already in progress")
	// ErrNoAddressVector indicates that the endpoint has no address vector bound.
	ErrNoAddressVector = errors.New("tagfabric: no address vector bound")
	// ErrNoMessage indicates that a peek found no matching unexpected message.
	ErrNoMessage = errors.New("tagfabric: no matching message")
)

// Errno is a transport error code carried by failed completions.
type Errno int32

const (
	Success        Errno = 0
	ErrAgain       Errno = 11
	ErrMsgSize     Errno = 90
	ErrCanceled    Errno = 125
	ErrTimedOut    Errno = 110
	ErrUnreachable Errno = 113
	ErrProto       Errno = 71
	ErrTrunc       Errno = 265
	ErrNoResources Errno = 12
	ErrNoRX        Errno = 270
)

// Error returns the human-readable message for the code.
func (e Errno) Error() string {
	return e.String()
}

// String returns the message for the code.
func (e Errno) String() string {
	switch e {
	case Success:
		return "success"
	case ErrAgain:
		return "resource temporarily unavailable"
	case ErrMsgSize:
		return "message too long"
	case ErrCanceled:
		return "operation canceled"
	case ErrTimedOut:
		return "connection timed out"
	case ErrUnreachable:
		return "peer unreachable"
	case ErrProto:
		return "protocol error"
	case ErrTrunc:
		return "truncation error"
	case ErrNoResources:
		return "cannot allocate memory"
	case ErrNoRX:
		return "receiver not ready"
	default:
		return fmt.Sprintf("errno %d", int32(e))
	}
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrInvalidHandle indicates a nil or closed handle was used.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}
