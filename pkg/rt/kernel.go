package rt

import (
	"fmt"
	"time"

	"github.com/samcharles93/etrt/internal/coredump"
	"github.com/samcharles93/etrt/pkg/device"
)

type launchInfo struct {
	kernel   KernelID
	addr     DevicePtr
	coreDump string
}

// LoadCode copies an executable image into device memory on the stream's
// device. The image is borrowed until Event completes. If the load fails the
// memory is released and the kernel id becomes invalid.
func (r *Runtime) LoadCode(id StreamID, image []byte) (LoadCodeResult, error) {
	if len(image) == 0 {
		return LoadCodeResult{}, fmt.Errorf("%w: empty image", ErrInvalidArgument)
	}
	s, err := r.stream(id)
	if err != nil {
		return LoadCodeResult{}, err
	}
	d := s.dev
	size := uint64(len(image))
	align := max(uint64(codeAlignment), d.props.MinAlignment())
	addr, err := d.mem.alloc(size, align)
	if err != nil {
		return LoadCodeResult{}, fmt.Errorf("load code on device %d: %w", d.id, err)
	}

	k := &kernel{dev: d, addr: DevicePtr(addr), size: size, loadStream: id}
	r.mu.Lock()
	h, err := r.kernels.insert(k)
	r.mu.Unlock()
	if err != nil {
		_ = d.mem.release(addr)
		return LoadCodeResult{}, err
	}
	kid := KernelID(h)

	drop := func() {
		r.mu.Lock()
		r.kernels.remove(h)
		r.mu.Unlock()
		_ = d.mem.release(addr)
	}
	o := &op{kind: device.KindDmaWrite}
	o.chunks = splitTransfer(device.KindDmaWrite, d.dma, size, image, func(off, n uint64) device.DmaEntry {
		return device.DmaEntry{SrcDevice: -1, DstDevice: int(d.id), Dst: addr + off, Size: n}
	})
	o.onDone = func(ok bool) {
		if !ok {
			r.log.Warn("code load failed", "kernel", h, "device", d.id)
			drop()
		}
	}

	r.mu.Lock()
	ev, err := r.enqueueLocked(s, o)
	if err == nil {
		k.loadEvent = ev
	}
	r.mu.Unlock()
	if err != nil {
		drop()
		return LoadCodeResult{}, err
	}
	r.log.Debug("code load queued", "kernel", h, "device", d.id, "address", addr, "bytes", size, "event", uint32(ev))
	return LoadCodeResult{Event: ev, Kernel: kid, LoadAddress: DevicePtr(addr)}, nil
}

// UnloadCode releases the memory of loaded code.
func (r *Runtime) UnloadCode(id KernelID) error {
	r.mu.Lock()
	k, ok := r.kernels.get(uint32(id))
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: kernel %#x", ErrInvalidHandle, uint32(id))
	}
	if _, loading := r.events[k.loadEvent]; loading {
		r.mu.Unlock()
		return fmt.Errorf("%w: kernel %#x", ErrKernelLoading, uint32(id))
	}
	r.kernels.remove(uint32(id))
	r.mu.Unlock()

	if err := k.dev.mem.release(uint64(k.addr)); err != nil {
		return fmt.Errorf("unload kernel %#x: %w", uint32(id), err)
	}
	return nil
}

// KernelLaunch runs loaded code on the stream's device. args is borrowed
// until the event completes. A launch queued behind the load of its kernel
// on the same stream waits for that load; on another stream it fails with
// ErrKernelLoading.
func (r *Runtime) KernelLaunch(id StreamID, kid KernelID, args []byte, opts KernelLaunchOptions) (EventID, error) {
	s, err := r.stream(id)
	if err != nil {
		return NoEvent, err
	}
	r.mu.Lock()
	k, ok := r.kernels.get(uint32(kid))
	var loading bool
	if ok {
		_, loading = r.events[k.loadEvent]
	}
	r.mu.Unlock()
	if !ok {
		return NoEvent, fmt.Errorf("%w: kernel %#x", ErrInvalidHandle, uint32(kid))
	}
	if k.dev != s.dev {
		return NoEvent, fmt.Errorf("%w: kernel loaded on device %d, stream on device %d", ErrInvalidArgument, k.dev.id, s.dev.id)
	}
	if err := opts.Validate(s.dev.props); err != nil {
		return NoEvent, err
	}
	barrier := opts.Barrier
	if loading {
		if k.loadStream != id {
			return NoEvent, fmt.Errorf("%w: kernel %#x", ErrKernelLoading, uint32(kid))
		}
		barrier = true
	}

	o := &op{
		kind:    device.KindLaunch,
		barrier: barrier,
		chunks: []*chunk{{cmd: device.Command{
			Kind:   device.KindLaunch,
			Launch: opts.params(k.addr, args, s.dev.props),
		}}},
		launch: &launchInfo{kernel: kid, addr: k.addr, coreDump: opts.CoreDumpFilePath},
	}
	return r.enqueue(s, o)
}

// kernelFault hands the abort context of a failed launch to the kernel
// aborted channel. When a core dump was requested it is written on its own
// goroutine, which also finishes o when last is set, so the file is in place
// once the event completes. It reports whether it took over finishing o.
func (r *Runtime) kernelFault(o *op, resp device.Response, last bool) bool {
	li := o.launch
	if li == nil || li.coreDump == "" || (resp.Context == nil && len(resp.AbortContext) == 0) {
		r.abortContext(o, resp)
		return false
	}
	r.dumps.Add(1)
	go func() {
		defer r.dumps.Done()
		r.writeCoreDump(o, li, resp)
		r.abortContext(o, resp)
		if last {
			r.finishOp(o)
		}
	}()
	return true
}

func (r *Runtime) abortContext(o *op, resp device.Response) {
	if len(resp.AbortContext) > 0 {
		r.dispatch.kernelAborted(o.ev.id, resp.AbortContext)
	}
}

func (r *Runtime) writeCoreDump(o *op, li *launchInfo, resp device.Response) {
	dump := coredump.Dump{
		Instance:    r.id.String(),
		Time:        time.Now().UTC(),
		Device:      int(o.stream.dev.id),
		Stream:      uint32(o.stream.id),
		Event:       uint32(o.ev.id),
		Kernel:      uint32(li.kernel),
		LoadAddress: uint64(li.addr),
		Code:        resp.Code,
		ShireMask:   resp.ShireMask,
		Context:     resp.Context,
		Raw:         resp.AbortContext,
	}
	if err := coredump.Write(li.coreDump, dump); err != nil {
		r.log.Error("write core dump", "path", li.coreDump, "event", uint32(o.ev.id), "error", err)
		return
	}
	r.log.Info("core dump written", "path", li.coreDump, "event", uint32(o.ev.id))
}
