package rt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/etrt/pkg/device"
)

type opState int

const (
	opQueued opState = iota
	opCancelled
	opDispatching
	opSubmitted
	opDone
)

// op is one command of a stream. It owns one event and is carried to the
// device as one or more chunks.
type op struct {
	ev      *event
	stream  *stream
	kind    device.Kind
	barrier bool
	chunks  []*chunk
	copyFn  CopyFunc
	launch  *launchInfo

	// onDone runs after the last chunk, before the event completes.
	onDone func(ok bool)

	// guarded by stream.mu
	state     opState
	remaining int
	abort     bool
	err       *StreamError
}

type chunk struct {
	cmd   device.Command
	host  []byte
	stage []byte
}

// fail records the terminal error of o. Only the first one counts. Callers
// hold o.stream.mu.
func (o *op) fail(code device.ErrorCode, shires uint64, ctx *device.ErrorContext) {
	if o.err != nil {
		return
	}
	o.err = &StreamError{
		Code:      code,
		Device:    o.stream.dev.id,
		Stream:    o.stream.id,
		Event:     o.ev.id,
		ShireMask: shires,
		Context:   ctx,
	}
}

type stream struct {
	id  StreamID
	dev *deviceState

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []*op
	active      int
	outstanding map[EventID]*op
	errs        []*queuedError
	closed      bool
	stop        bool
	exited      chan struct{}
}

// CreateStream creates a stream on a device.
func (r *Runtime) CreateStream(dev DeviceID) (StreamID, error) {
	d, err := r.device(dev)
	if err != nil {
		return 0, err
	}
	s := &stream{
		dev:         d,
		outstanding: make(map[EventID]*op),
		exited:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	h, err := r.streams.insert(s)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	s.id = StreamID(h)
	r.mu.Unlock()

	go r.pump(s)
	r.log.Debug("stream created", "stream", h, "device", dev)
	return s.id, nil
}

// DestroyStream retires a stream. Commands still queued or running are
// aborted and drained for up to Options.DestroyTimeout. Their errors still
// go to the stream error callback; without one they are logged as dropped,
// including errors of commands that finish after the timeout.
func (r *Runtime) DestroyStream(id StreamID) error {
	r.mu.Lock()
	s, ok := r.streams.remove(uint32(id))
	if ok {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %#x", ErrInvalidHandle, uint32(id))
	}

	if s.busy() {
		r.abortStream(s)
		if !s.wait(context.Background(), r.opts.DestroyTimeout) {
			r.log.Warn("stream destroyed with commands still on the device", "stream", uint32(id), "timeout", r.opts.DestroyTimeout)
		}
	}
	s.stopPump()
	r.dispatch.streamClosed(s)
	r.log.Debug("stream destroyed", "stream", uint32(id))
	return nil
}

func (r *Runtime) stream(id StreamID) (*stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s, ok := r.streams.get(uint32(id))
	if !ok {
		return nil, fmt.Errorf("%w: stream %#x", ErrInvalidHandle, uint32(id))
	}
	return s, nil
}

func (s *stream) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding) > 0
}

// snapshot returns the events not yet complete.
func (s *stream) snapshot() []*event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := make([]*event, 0, len(s.outstanding))
	for _, o := range s.outstanding {
		evs = append(evs, o.ev)
	}
	return evs
}

func (s *stream) wait(ctx context.Context, timeout time.Duration) bool {
	return waitAll(ctx, s.snapshot(), timeout)
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) stopPump() {
	s.mu.Lock()
	s.stop = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.exited
}

// takeErrors claims every error still queued on s.
func (s *stream) takeErrors() []*queuedError {
	s.mu.Lock()
	errs := s.errs
	s.errs = nil
	s.mu.Unlock()

	out := errs[:0]
	for _, qe := range errs {
		if qe.claim() {
			out = append(out, qe)
		}
	}
	return out
}

// enqueue issues the event of o and appends it to the stream queue.
func (r *Runtime) enqueue(s *stream, o *op) (EventID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueueLocked(s, o)
}

func (r *Runtime) enqueueLocked(s *stream, o *op) (EventID, error) {
	if o.copyFn == nil {
		o.copyFn = DefaultCopy
	}
	if r.closed {
		return NoEvent, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NoEvent, fmt.Errorf("%w: stream %#x destroyed", ErrInvalidHandle, uint32(s.id))
	}
	o.ev = r.issueLocked(o)
	o.stream = s
	o.state = opQueued
	o.remaining = len(o.chunks)
	for _, c := range o.chunks {
		c.cmd.Queue = uint32(s.id)
	}
	if len(o.chunks) > 0 {
		o.chunks[0].cmd.Barrier = o.barrier
	}
	s.queue = append(s.queue, o)
	s.outstanding[o.ev.id] = o
	s.cond.Signal()
	return o.ev.id, nil
}

// pump hands the commands of s to the device in submission order. A barrier
// command waits until every earlier command has completed.
func (r *Runtime) pump(s *stream) {
	defer close(s.exited)
	for {
		s.mu.Lock()
		for !s.stop && (len(s.queue) == 0 || (s.queue[0].barrier && s.active > 0)) {
			s.cond.Wait()
		}
		if s.stop {
			s.mu.Unlock()
			return
		}
		o := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		o.state = opDispatching
		s.active++
		s.mu.Unlock()

		r.dispatchOp(o)
	}
}

func (r *Runtime) dispatchOp(o *op) {
	s := o.stream
	for _, c := range o.chunks {
		r.stageIn(o, c)
	}

	s.mu.Lock()
	if o.abort {
		o.fail(device.HostAbortedCode(o.kind), 0, nil)
		s.mu.Unlock()
		for _, c := range o.chunks {
			r.stageOut(o, c, false)
		}
		r.finishOp(o)
		return
	}
	s.mu.Unlock()

	dev := int(s.dev.id)
	for _, c := range o.chunks {
		r.mu.Lock()
		tag := r.nextTagLocked()
		c.cmd.Tag = tag
		r.inflight[tag] = &pending{op: o, chunk: c}
		r.mu.Unlock()

		if err := r.layer.Submit(dev, c.cmd); err != nil {
			r.mu.Lock()
			delete(r.inflight, tag)
			r.mu.Unlock()
			r.log.Warn("device rejected command", "device", dev, "stream", uint32(s.id), "event", uint32(o.ev.id), "kind", o.kind.String(), "error", err)
			r.chunkDone(o, c, device.Response{Device: dev, Tag: tag, Code: device.UnexpectedCode(o.kind)})
		}
	}

	s.mu.Lock()
	abort := o.abort
	if o.state == opDispatching {
		o.state = opSubmitted
	}
	s.mu.Unlock()
	if abort {
		r.abortDevice(o)
	}
}

// chunkDone accounts for one device command of o.
func (r *Runtime) chunkDone(o *op, c *chunk, resp device.Response) {
	r.stageOut(o, c, resp.OK())

	s := o.stream
	s.mu.Lock()
	if !resp.OK() {
		o.fail(resp.Code, resp.ShireMask, resp.Context)
	}
	o.remaining--
	last := o.remaining == 0
	s.mu.Unlock()

	if !resp.OK() && o.kind == device.KindLaunch && r.kernelFault(o, resp, last) {
		return
	}
	if last {
		r.finishOp(o)
	}
}

// finishOp completes the event of o, queues its error and wakes the pump.
func (r *Runtime) finishOp(o *op) {
	s := o.stream
	s.mu.Lock()
	if o.state == opDone {
		s.mu.Unlock()
		return
	}
	if o.state == opDispatching || o.state == opSubmitted {
		s.active--
	}
	o.state = opDone
	delete(s.outstanding, o.ev.id)
	var qe *queuedError
	if o.err != nil {
		qe = &queuedError{StreamError: *o.err, stream: s}
		s.errs = append(pruneClaimed(s.errs), qe)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if o.onDone != nil {
		o.onDone(qe == nil)
	}
	r.retire(o.ev)
	if qe != nil {
		r.log.Debug("stream error", "error", qe.StreamError.String())
		r.dispatch.streamError(qe)
	}
}

func pruneClaimed(errs []*queuedError) []*queuedError {
	out := errs[:0]
	for _, qe := range errs {
		if !qe.claimed.Load() {
			out = append(out, qe)
		}
	}
	for i := len(out); i < len(errs); i++ {
		errs[i] = nil
	}
	return out
}

// RetrieveStreamErrors returns the errors of a stream not yet delivered to
// the stream error callback and removes them.
func (r *Runtime) RetrieveStreamErrors(id StreamID) ([]StreamError, error) {
	s, err := r.stream(id)
	if err != nil {
		return nil, err
	}
	claimed := s.takeErrors()
	out := make([]StreamError, len(claimed))
	for i, qe := range claimed {
		out[i] = qe.StreamError
	}
	return out, nil
}

// StreamInfo describes the state of a stream.
type StreamInfo struct {
	ID          StreamID `json:"id"`
	Device      DeviceID `json:"device"`
	Queued      int      `json:"queued"`
	Active      int      `json:"active"`
	Outstanding int      `json:"outstanding"`
	Errors      int      `json:"errors"`
}

// Stream reports the state of one stream.
func (r *Runtime) Stream(id StreamID) (StreamInfo, error) {
	s, err := r.stream(id)
	if err != nil {
		return StreamInfo{}, err
	}
	return s.info(), nil
}

// Streams lists the live streams.
func (r *Runtime) Streams() []StreamInfo {
	r.mu.Lock()
	var streams []*stream
	r.streams.each(func(_ uint32, s *stream) { streams = append(streams, s) })
	r.mu.Unlock()

	infos := make([]StreamInfo, len(streams))
	for i, s := range streams {
		infos[i] = s.info()
	}
	return infos
}

func (s *stream) info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, qe := range s.errs {
		if !qe.claimed.Load() {
			n++
		}
	}
	return StreamInfo{
		ID:          s.id,
		Device:      s.dev.id,
		Queued:      len(s.queue),
		Active:      s.active,
		Outstanding: len(s.outstanding),
		Errors:      n,
	}
}
