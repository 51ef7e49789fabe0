package rt

import "sync"

// HostLock is the execution token of the environment that owns the
// callbacks. The dispatcher acquires it before calling user code and drops
// it before calling back into the runtime from inside a callback.
//
// The token is not tied to a goroutine: a release continuation invoked from
// another goroutine while a callback is running briefly hands the token over.
type HostLock interface {
	Acquire()
	Release()
}

// NoHostLock is the HostLock used when the caller has no execution token.
type NoHostLock struct{}

func (NoHostLock) Acquire() {}
func (NoHostLock) Release() {}

// MutexHostLock is a HostLock backed by a mutex. Callers that share state
// with callbacks can hold it through Acquire/Release as well.
type MutexHostLock struct {
	mu sync.Mutex
}

func (l *MutexHostLock) Acquire() { l.mu.Lock() }
func (l *MutexHostLock) Release() { l.mu.Unlock() }
