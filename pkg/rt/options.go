package rt

import (
	"time"

	"github.com/samcharles93/etrt/internal/logger"
)

const (
	// DefaultAlignment is used by MallocDevice when alignment is 0.
	DefaultAlignment = 64

	// DefaultWaitTimeout is the conventional timeout for WaitForEvent and
	// WaitForStream.
	DefaultWaitTimeout = 60 * time.Second

	// DefaultAbortTimeout is the conventional timeout for AbortCommand.
	DefaultAbortTimeout = 1000 * time.Millisecond

	// DefaultDestroyTimeout bounds the drain performed by DestroyStream.
	DefaultDestroyTimeout = 5 * time.Second

	// DefaultHostPoolSize bounds the host staging pool.
	DefaultHostPoolSize = 256 << 20

	// APIMajor is the device firmware API major version this runtime speaks.
	APIMajor = 1

	codeAlignment = 4096
)

// Options configure a Runtime. They are copied by New and never change
// afterwards.
type Options struct {
	// CheckMemcpyDeviceOperations rejects copies whose device ranges are not
	// inside a live allocation.
	CheckMemcpyDeviceOperations bool

	// CheckDeviceAPIVersion rejects devices whose firmware API major
	// version differs from APIMajor.
	CheckDeviceAPIVersion bool

	// Logger receives runtime diagnostics, including failures of user
	// callbacks. Nil logs to stderr.
	Logger logger.Logger

	// HostLock is held while user callbacks run. Nil means no lock.
	HostLock HostLock

	// DestroyTimeout bounds the abort-and-drain of DestroyStream and Close.
	DestroyTimeout time.Duration

	// HostPoolSize bounds the bytes held by the host staging pool.
	HostPoolSize int64
}

// DefaultOptions enables every check.
func DefaultOptions() Options {
	return Options{
		CheckMemcpyDeviceOperations: true,
		CheckDeviceAPIVersion:       true,
	}
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	if o.HostLock == nil {
		o.HostLock = NoHostLock{}
	}
	if o.DestroyTimeout <= 0 {
		o.DestroyTimeout = DefaultDestroyTimeout
	}
	if o.HostPoolSize <= 0 {
		o.HostPoolSize = DefaultHostPoolSize
	}
	return o
}
