// Package rt is the host runtime for the accelerator. It owns device memory
// allocation, streams of asynchronous commands, the events that report
// their completion and the delivery of asynchronous errors to the caller.
//
// The runtime drives any implementation of device.Layer. Every submitting
// method returns as soon as the command is queued; completion is observed
// with WaitForEvent, WaitForStream, RetrieveStreamErrors or the callbacks.
package rt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/etrt/internal/hostpool"
	"github.com/samcharles93/etrt/internal/logger"
	"github.com/samcharles93/etrt/pkg/device"
)

type deviceState struct {
	id    DeviceID
	props device.Properties
	dma   device.DmaInfo
	api   device.Version
	mem   *allocator
}

type kernel struct {
	dev        *deviceState
	addr       DevicePtr
	size       uint64
	loadEvent  EventID
	loadStream StreamID
}

// pending is a device command the runtime is waiting on.
type pending struct {
	op    *op
	chunk *chunk
}

// Runtime is one session over a device layer. It is safe for concurrent use.
type Runtime struct {
	layer    device.Layer
	opts     Options
	log      logger.Logger
	id       uuid.UUID
	devices  []*deviceState
	pool     *hostpool.Pool
	dispatch *dispatcher

	mu        sync.Mutex
	streams   arena[*stream]
	kernels   arena[*kernel]
	events    map[EventID]*event
	lastEvent EventID
	inflight  map[uint32]*pending
	lastTag   uint32
	closed    bool

	// eventsWrapped is set once lastEvent has wrapped around.
	eventsWrapped bool

	done      chan struct{}
	wg        sync.WaitGroup
	dumps     sync.WaitGroup
	closeOnce sync.Once
}

// New starts a runtime over layer. The layer is not closed by Close.
func New(layer device.Layer, opts Options) (*Runtime, error) {
	if layer == nil {
		return nil, fmt.Errorf("%w: nil device layer", ErrInvalidArgument)
	}
	opts = opts.withDefaults()
	id := uuid.New()
	r := &Runtime{
		layer:    layer,
		opts:     opts,
		log:      opts.Logger.WithGroup("runtime").With("instance", id.String()),
		id:       id,
		pool:     hostpool.New(opts.HostPoolSize),
		events:   make(map[EventID]*event),
		inflight: make(map[uint32]*pending),
		done:     make(chan struct{}),
	}

	n := layer.DeviceCount()
	for i := 0; i < n; i++ {
		props, err := layer.Properties(i)
		if err != nil {
			return nil, fmt.Errorf("device %d properties: %w", i, err)
		}
		info, err := layer.DmaInfo(i)
		if err != nil {
			return nil, fmt.Errorf("device %d dma info: %w", i, err)
		}
		if info.MaxElementSize == 0 || info.MaxElementCount == 0 {
			return nil, fmt.Errorf("%w: device %d reports empty DMA limits", ErrInvalidArgument, i)
		}
		ver, err := layer.APIVersion(i)
		if err != nil {
			return nil, fmt.Errorf("device %d api version: %w", i, err)
		}
		if opts.CheckDeviceAPIVersion && ver.Major != APIMajor {
			return nil, fmt.Errorf("%w: device %d speaks %s, runtime speaks %d.x", ErrIncompatibleDevice, i, ver, APIMajor)
		}
		base, size := props.DRAMRange()
		r.devices = append(r.devices, &deviceState{
			id:    DeviceID(i),
			props: props,
			dma:   info,
			api:   ver,
			mem:   newAllocator(base, size, props.MinAlignment()),
		})
	}

	r.dispatch = newDispatcher(r.log.WithGroup("dispatch"), opts.HostLock, r.pool)
	r.wg.Add(1)
	go r.completions()
	r.log.Info("runtime ready", "devices", n)
	return r, nil
}

// InstanceID identifies this runtime in logs and core dumps.
func (r *Runtime) InstanceID() uuid.UUID { return r.id }

// Devices lists the devices of the layer.
func (r *Runtime) Devices() []DeviceID {
	ids := make([]DeviceID, len(r.devices))
	for i, d := range r.devices {
		ids[i] = d.id
	}
	return ids
}

func (r *Runtime) device(id DeviceID) (*deviceState, error) {
	if id < 0 || int(id) >= len(r.devices) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDevice, id)
	}
	return r.devices[id], nil
}

// DeviceProperties returns the static description of a device.
func (r *Runtime) DeviceProperties(id DeviceID) (device.Properties, error) {
	d, err := r.device(id)
	if err != nil {
		return device.Properties{}, err
	}
	return d.props, nil
}

// DmaInfo returns the transfer limits of a device.
func (r *Runtime) DmaInfo(id DeviceID) (device.DmaInfo, error) {
	d, err := r.device(id)
	if err != nil {
		return device.DmaInfo{}, err
	}
	return d.dma, nil
}

// APIVersion returns the firmware API version a device reported.
func (r *Runtime) APIVersion(id DeviceID) (device.Version, error) {
	d, err := r.device(id)
	if err != nil {
		return device.Version{}, err
	}
	return d.api, nil
}

// IsP2PEnabled reports whether devices a and b can copy to each other.
func (r *Runtime) IsP2PEnabled(a, b DeviceID) bool {
	da, err := r.device(a)
	if err != nil {
		return false
	}
	db, err := r.device(b)
	if err != nil {
		return false
	}
	if a == b {
		return true
	}
	return da.props.P2PWith(int(b)) && db.props.P2PWith(int(a))
}

// MallocDevice allocates size bytes on a device. Alignment 0 means
// DefaultAlignment.
func (r *Runtime) MallocDevice(id DeviceID, size, alignment uint64) (DevicePtr, error) {
	d, err := r.device(id)
	if err != nil {
		return 0, err
	}
	addr, err := d.mem.alloc(size, alignment)
	if err != nil {
		return 0, fmt.Errorf("device %d: %w", id, err)
	}
	return DevicePtr(addr), nil
}

// FreeDevice releases an allocation. Commands still using the memory are
// not tracked.
func (r *Runtime) FreeDevice(id DeviceID, ptr DevicePtr) error {
	d, err := r.device(id)
	if err != nil {
		return err
	}
	if err := d.mem.release(uint64(ptr)); err != nil {
		return fmt.Errorf("device %d: %w", id, err)
	}
	return nil
}

// MemoryStats reports the allocator state of a device.
func (r *Runtime) MemoryStats(id DeviceID) (MemoryStats, error) {
	d, err := r.device(id)
	if err != nil {
		return MemoryStats{}, err
	}
	return d.mem.stats(), nil
}

// HostPoolStats reports the host staging pool.
func (r *Runtime) HostPoolStats() hostpool.Stats {
	return r.pool.Stats()
}

// completions routes device responses to the commands waiting on them.
func (r *Runtime) completions() {
	defer r.wg.Done()
	responses := r.layer.Responses()
	for {
		select {
		case resp, ok := <-responses:
			if !ok {
				return
			}
			r.complete(resp)
		case <-r.done:
			return
		}
	}
}

func (r *Runtime) complete(resp device.Response) {
	r.mu.Lock()
	p, ok := r.inflight[resp.Tag]
	delete(r.inflight, resp.Tag)
	r.mu.Unlock()
	if !ok {
		r.log.Debug("response for unknown tag", "device", resp.Device, "tag", resp.Tag, "code", resp.Code.String())
		return
	}
	r.chunkDone(p.op, p.chunk, resp)
}

func (r *Runtime) nextTagLocked() uint32 {
	for {
		r.lastTag++
		if r.lastTag == 0 {
			continue
		}
		if _, used := r.inflight[r.lastTag]; !used {
			return r.lastTag
		}
	}
}

// Close aborts every stream, waits up to Options.DestroyTimeout for the
// device to acknowledge and releases what is left. Callbacks already queued
// are still delivered.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		var streams []*stream
		r.streams.each(func(_ uint32, s *stream) { streams = append(streams, s) })
		r.mu.Unlock()

		deadline := time.Now().Add(r.opts.DestroyTimeout)
		for _, s := range streams {
			r.abortStream(s)
		}
		for _, s := range streams {
			if !s.wait(context.Background(), time.Until(deadline)) {
				r.log.Warn("closing with commands still on the device", "stream", uint32(s.id))
			}
			s.stopPump()
		}

		close(r.done)
		r.wg.Wait()

		r.mu.Lock()
		left := r.inflight
		r.inflight = make(map[uint32]*pending)
		r.mu.Unlock()
		for _, p := range left {
			r.chunkDone(p.op, p.chunk, device.Response{Code: device.HostAbortedCode(p.op.kind)})
		}

		r.dumps.Wait()
		for _, s := range streams {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			r.dispatch.streamClosed(s)
		}
		r.dispatch.stop()
		r.pool.Close()
		r.log.Info("runtime closed")
	})
	return nil
}
