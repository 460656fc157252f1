package plugin

import (
	"errors"
	"syscall"

	"github.com/railfabric/ofi-rail/internal/comm"
	"github.com/railfabric/ofi-rail/internal/fabric"
	"github.com/railfabric/ofi-rail/internal/idpool"
	"github.com/railfabric/ofi-rail/internal/request"
)

// ExitCode is the library-facing result of a vtable call, the Go
// analogue of the host collective library's ncclResult_t-shaped
// return value (spec.md §6's exit-code table).
type ExitCode int

const (
	// Success reports the call completed (or, for non-blocking calls,
	// progressed) without error.
	Success ExitCode = iota
	// InternalError maps from EINVAL-class errors: a precondition the
	// engine itself violated (protocol error, invalid request state).
	InternalError
	// InvalidArgument maps from EMSGSIZE-class errors: a size or
	// argument the caller supplied was out of bounds.
	InvalidArgument
	// RemoteError maps from the connection-fault errno family:
	// ECONNABORTED, ECONNRESET, ECONNREFUSED, ENOTCONN, EHOSTDOWN,
	// EHOSTUNREACH.
	RemoteError
	// SystemError is the catch-all for any other negative result:
	// resource exhaustion, allocation failure, unclassified errors.
	SystemError
)

func (c ExitCode) String() string {
	switch c {
	case Success:
		return "success"
	case InternalError:
		return "internal-error"
	case InvalidArgument:
		return "invalid-argument"
	case RemoteError:
		return "remote-error"
	case SystemError:
		return "system-error"
	default:
		return "unknown-exit-code"
	}
}

// remoteErrnos lists the connection-fault family spec.md §6 maps to
// RemoteError, independent of whether they originated from a real
// syscall (the loopback fabric never raises them today, but a real
// RDMA provider's CM events do).
var remoteErrnos = []error{
	syscall.ECONNABORTED,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ENOTCONN,
	syscall.EHOSTDOWN,
	syscall.EHOSTUNREACH,
}

// MapError classifies err into the exit code the library vtable
// surface reports, per spec.md §6. nil maps to Success. The engine's
// own sentinel errors are checked first since they are the common
// case in this pure-Go reimplementation (no real errno ever crosses
// the fabric.Domain/Endpoint interface); bare syscall errnos are
// checked afterward so a future real-fabric provider's CM errors
// still classify correctly without changing this function.
func MapError(err error) ExitCode {
	if err == nil {
		return Success
	}
	switch {
	case errors.Is(err, comm.ErrProtocol), errors.Is(err, fabric.ErrClosed):
		return InternalError
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrHandleTooSmall):
		return InvalidArgument
	case errors.Is(err, comm.ErrNotConnected):
		return RemoteError
	case errors.Is(err, idpool.ErrExhausted), errors.Is(err, request.ErrExhausted):
		return SystemError
	}
	for _, errno := range remoteErrnos {
		if errors.Is(err, errno) {
			return RemoteError
		}
	}
	if errors.Is(err, syscall.EINVAL) {
		return InternalError
	}
	if errors.Is(err, syscall.EMSGSIZE) {
		return InvalidArgument
	}
	return SystemError
}
