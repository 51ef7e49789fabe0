package rt

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/etrt/pkg/device"
)

// AbortCommand cancels the command of target and returns the event of the
// abort itself, which completes once the target has resolved. A command
// still queued in the runtime never reaches the device; a running one is
// aborted by the device. The call blocks up to timeout waiting for the
// target and returns either way.
func (r *Runtime) AbortCommand(ctx context.Context, target EventID, timeout time.Duration) (EventID, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return NoEvent, ErrClosed
	}
	if !r.issuedLocked(target) {
		r.mu.Unlock()
		return NoEvent, fmt.Errorf("%w: event %d", ErrInvalidHandle, target)
	}
	tev, outstanding := r.events[target]
	aev := r.issueLocked(nil)
	r.mu.Unlock()

	if !outstanding {
		r.retire(aev)
		return aev.id, nil
	}
	if tev.op != nil {
		r.abortOp(tev.op)
	}
	go func() {
		<-tev.done
		r.retire(aev)
	}()
	if !waitDone(ctx, tev.done, timeout) {
		r.log.Debug("abort not acknowledged in time", "event", uint32(target), "timeout", timeout)
	}
	return aev.id, nil
}

// AbortStream aborts every command of a stream without waiting. Each of them
// still completes with one stream error.
func (r *Runtime) AbortStream(id StreamID) error {
	s, err := r.stream(id)
	if err != nil {
		return err
	}
	r.abortStream(s)
	return nil
}

func (r *Runtime) abortOp(o *op) {
	s := o.stream
	s.mu.Lock()
	switch o.state {
	case opQueued:
		for i, q := range s.queue {
			if q == o {
				n := len(s.queue) - 1
				copy(s.queue[i:], s.queue[i+1:])
				s.queue[n] = nil
				s.queue = s.queue[:n]
				break
			}
		}
		o.state = opCancelled
		o.fail(device.HostAbortedCode(o.kind), 0, nil)
		s.cond.Broadcast()
		s.mu.Unlock()
		r.finishOp(o)
	case opDispatching:
		o.abort = true
		s.mu.Unlock()
	case opSubmitted:
		o.abort = true
		s.mu.Unlock()
		r.abortDevice(o)
	default:
		s.mu.Unlock()
	}
}

func (r *Runtime) abortStream(s *stream) {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	var running []*op
	for _, o := range queued {
		o.state = opCancelled
		o.fail(device.HostAbortedCode(o.kind), 0, nil)
	}
	for _, o := range s.outstanding {
		switch o.state {
		case opDispatching:
			o.abort = true
		case opSubmitted:
			o.abort = true
			running = append(running, o)
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, o := range queued {
		r.finishOp(o)
	}
	for _, o := range running {
		r.abortDevice(o)
	}
	if len(queued)+len(running) > 0 {
		r.log.Debug("stream aborted", "stream", uint32(s.id), "queued", len(queued), "running", len(running))
	}
}

// abortDevice asks the device to abort the commands of o it has not yet
// answered.
func (r *Runtime) abortDevice(o *op) {
	dev := int(o.stream.dev.id)
	for _, c := range o.chunks {
		r.mu.Lock()
		_, waiting := r.inflight[c.cmd.Tag]
		r.mu.Unlock()
		if !waiting {
			continue
		}
		if err := r.layer.Abort(dev, c.cmd.Tag); err != nil {
			r.log.Warn("device abort failed", "device", dev, "tag", c.cmd.Tag, "event", uint32(o.ev.id), "error", err)
		}
	}
}
