package rt

import "errors"

// Synchronous errors returned by Runtime methods. Device failures are never
// returned here; they surface as StreamError values.
var (
	ErrInvalidDevice      = errors.New("invalid device")
	ErrInvalidHandle      = errors.New("invalid handle")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidAddress     = errors.New("device address outside a live allocation")
	ErrOutOfMemory        = errors.New("out of device memory")
	ErrBufferTooSmall     = errors.New("buffer too small")
	ErrP2PDisabled        = errors.New("peer-to-peer not enabled between devices")
	ErrKernelLoading      = errors.New("kernel load still in progress")
	ErrIncompatibleDevice = errors.New("incompatible device firmware API")
	ErrTooManyHandles     = errors.New("handle table full")
	ErrClosed             = errors.New("runtime closed")
)
