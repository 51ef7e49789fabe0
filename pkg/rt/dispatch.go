package rt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/etrt/internal/hostpool"
	"github.com/samcharles93/etrt/internal/logger"
)

// StreamErrorCallback receives stream errors as they are produced. An error
// delivered to the callback is not returned by RetrieveStreamErrors.
type StreamErrorCallback func(ev EventID, err StreamError) error

// KernelAbortedCallback receives the raw abort context of a faulted or
// aborted kernel. The buffer stays valid until release is called; release
// must be called exactly once, possibly after the callback has returned.
// If the callback fails, the runtime calls release itself.
type KernelAbortedCallback func(ev EventID, context []byte, release func()) error

// queuedError is a stream error waiting for one consumer. Polling and
// callback delivery both claim it and only the first claim wins.
type queuedError struct {
	StreamError
	stream  *stream
	claimed atomic.Bool
}

func (q *queuedError) claim() bool {
	return q.claimed.CompareAndSwap(false, true)
}

type dispatchItem struct {
	err     *queuedError
	ev      EventID
	context []byte
	// closed marks a destroyed stream whose remaining errors can no longer
	// be polled.
	closed  *stream
}

// dispatcher runs user callbacks on one goroutine owned by the runtime.
type dispatcher struct {
	log  logger.Logger
	lock HostLock
	pool *hostpool.Pool

	mu            sync.Mutex
	cond          *sync.Cond
	items         []dispatchItem
	stopped       bool
	onStreamError StreamErrorCallback
	onKernelAbort KernelAbortedCallback
	exited        chan struct{}
}

func newDispatcher(log logger.Logger, lock HostLock, pool *hostpool.Pool) *dispatcher {
	d := &dispatcher{
		log:    log,
		lock:   lock,
		pool:   pool,
		exited: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// SetOnStreamErrorsCallback installs cb for stream errors produced from now
// on. Nil clears it.
func (r *Runtime) SetOnStreamErrorsCallback(cb StreamErrorCallback) {
	r.dispatch.mu.Lock()
	r.dispatch.onStreamError = cb
	r.dispatch.mu.Unlock()
}

// SetOnKernelAbortedErrorCallback installs cb for kernel abort contexts. Nil
// clears it; contexts are then released at once.
func (r *Runtime) SetOnKernelAbortedErrorCallback(cb KernelAbortedCallback) {
	r.dispatch.mu.Lock()
	r.dispatch.onKernelAbort = cb
	r.dispatch.mu.Unlock()
}

func (d *dispatcher) push(it dispatchItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		if it.context != nil {
			_ = d.pool.Put(it.context)
		}
		if it.err != nil && it.err.claim() {
			d.dropped(it.err)
		}
		if it.closed != nil {
			d.drain(it.closed)
		}
		return
	}
	d.items = append(d.items, it)
	d.cond.Signal()
}

func (d *dispatcher) streamError(qe *queuedError) {
	d.push(dispatchItem{err: qe, ev: qe.Event})
}

// kernelAborted copies raw into a pool buffer that lives until the
// callback releases it.
func (d *dispatcher) kernelAborted(ev EventID, raw []byte) {
	buf, err := d.pool.Get(len(raw))
	if err != nil {
		d.log.Warn("kernel abort context outside host pool", "event", uint32(ev), "bytes", len(raw), "error", err)
		buf = make([]byte, len(raw))
	}
	copy(buf, raw)
	d.push(dispatchItem{ev: ev, context: buf})
}

// streamClosed queues a marker behind the errors already pushed for s. When
// the dispatcher reaches it, errors left on s are logged as dropped.
func (d *dispatcher) streamClosed(s *stream) {
	d.push(dispatchItem{closed: s})
}

func (d *dispatcher) drain(s *stream) {
	for _, qe := range s.takeErrors() {
		d.dropped(qe)
	}
}

func (d *dispatcher) dropped(qe *queuedError) {
	d.log.Warn("dropping undelivered stream error", "stream", uint32(qe.Stream), "error", qe.StreamError.String())
}

func (d *dispatcher) run() {
	defer close(d.exited)
	for {
		d.mu.Lock()
		for len(d.items) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.items) == 0 {
			d.mu.Unlock()
			return
		}
		it := d.items[0]
		d.items[0] = dispatchItem{}
		d.items = d.items[1:]
		streamCb, abortCb := d.onStreamError, d.onKernelAbort
		d.mu.Unlock()

		switch {
		case it.closed != nil:
			d.drain(it.closed)
		case it.err != nil:
			d.deliverStreamError(streamCb, it.err)
		default:
			d.deliverKernelAbort(abortCb, it.ev, it.context)
		}
	}
}

// stop delivers what is queued and ends the dispatcher goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.exited
}

func (d *dispatcher) deliverStreamError(cb StreamErrorCallback, qe *queuedError) {
	if cb == nil {
		// Nobody can poll the error of a destroyed stream.
		if qe.stream != nil && qe.stream.isClosed() && qe.claim() {
			d.dropped(qe)
		}
		return
	}
	if !qe.claim() {
		return
	}
	d.lock.Acquire()
	err := invokeCallback("stream error", func() error { return cb(qe.Event, qe.StreamError) })
	d.lock.Release()
	if err != nil {
		d.log.Error("stream error callback failed", "event", uint32(qe.Event), "stream_error", qe.StreamError.String(), "error", err)
	}
}

func (d *dispatcher) deliverKernelAbort(cb KernelAbortedCallback, ev EventID, buf []byte) {
	var (
		once       sync.Once
		mu         sync.Mutex
		inCallback bool
	)
	release := func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			if inCallback {
				d.lock.Release()
				defer d.lock.Acquire()
			}
			_ = d.pool.Put(buf)
		})
	}
	if cb == nil {
		release()
		return
	}

	d.lock.Acquire()
	mu.Lock()
	inCallback = true
	mu.Unlock()
	err := invokeCallback("kernel aborted", func() error { return cb(ev, buf, release) })
	mu.Lock()
	inCallback = false
	mu.Unlock()
	d.lock.Release()

	if err != nil {
		d.log.Error("kernel aborted callback failed", "event", uint32(ev), "error", err)
		release()
	}
}

func invokeCallback(name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s callback: %v", name, rec)
		}
	}()
	return fn()
}
