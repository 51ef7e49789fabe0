package rt

import (
	"fmt"

	"github.com/samcharles93/etrt/pkg/device"
)

// MemcpyHostToDevice copies size bytes of src to dst on the device of the
// stream. src is read when the command is dispatched and must stay valid
// until the event completes.
func (r *Runtime) MemcpyHostToDevice(id StreamID, src []byte, dst DevicePtr, size uint64, barrier bool, copyFn CopyFunc) (EventID, error) {
	if err := hostFits(src, size); err != nil {
		return NoEvent, err
	}
	s, err := r.stream(id)
	if err != nil {
		return NoEvent, err
	}
	if err := r.checkRange(s.dev, dst, size); err != nil {
		return NoEvent, err
	}
	dev := int(s.dev.id)
	o := &op{kind: device.KindDmaWrite, barrier: barrier, copyFn: copyFn}
	o.chunks = splitTransfer(device.KindDmaWrite, s.dev.dma, size, src[:size], func(off, n uint64) device.DmaEntry {
		return device.DmaEntry{SrcDevice: -1, DstDevice: dev, Dst: uint64(dst) + off, Size: n}
	})
	return r.enqueue(s, o)
}

// MemcpyDeviceToHost copies size bytes at src on the device of the stream
// into dst. dst is written when the command completes and must stay valid
// until then.
func (r *Runtime) MemcpyDeviceToHost(id StreamID, src DevicePtr, dst []byte, size uint64, barrier bool, copyFn CopyFunc) (EventID, error) {
	if err := hostFits(dst, size); err != nil {
		return NoEvent, err
	}
	s, err := r.stream(id)
	if err != nil {
		return NoEvent, err
	}
	if err := r.checkRange(s.dev, src, size); err != nil {
		return NoEvent, err
	}
	dev := int(s.dev.id)
	o := &op{kind: device.KindDmaRead, barrier: barrier, copyFn: copyFn}
	o.chunks = splitTransfer(device.KindDmaRead, s.dev.dma, size, dst[:size], func(off, n uint64) device.DmaEntry {
		return device.DmaEntry{SrcDevice: dev, DstDevice: -1, Src: uint64(src) + off, Size: n}
	})
	return r.enqueue(s, o)
}

// MemcpyDeviceToDevice copies from the device of the stream to dstDevice,
// ordered by the source stream.
func (r *Runtime) MemcpyDeviceToDevice(id StreamID, dstDevice DeviceID, src, dst DevicePtr, size uint64, barrier bool) (EventID, error) {
	s, err := r.stream(id)
	if err != nil {
		return NoEvent, err
	}
	peer, err := r.device(dstDevice)
	if err != nil {
		return NoEvent, err
	}
	return r.copyDevices(s, s.dev, peer, src, dst, size, barrier)
}

// MemcpyDeviceToDeviceOnDst copies from srcDevice to the device of the
// stream, ordered by the destination stream.
func (r *Runtime) MemcpyDeviceToDeviceOnDst(srcDevice DeviceID, id StreamID, src, dst DevicePtr, size uint64, barrier bool) (EventID, error) {
	s, err := r.stream(id)
	if err != nil {
		return NoEvent, err
	}
	peer, err := r.device(srcDevice)
	if err != nil {
		return NoEvent, err
	}
	return r.copyDevices(s, peer, s.dev, src, dst, size, barrier)
}

func (r *Runtime) copyDevices(s *stream, from, to *deviceState, src, dst DevicePtr, size uint64, barrier bool) (EventID, error) {
	if size == 0 {
		return NoEvent, fmt.Errorf("%w: size is 0", ErrInvalidArgument)
	}
	if from != to && !r.IsP2PEnabled(from.id, to.id) {
		return NoEvent, fmt.Errorf("%w: %d -> %d", ErrP2PDisabled, from.id, to.id)
	}
	if err := r.checkRange(from, src, size); err != nil {
		return NoEvent, err
	}
	if err := r.checkRange(to, dst, size); err != nil {
		return NoEvent, err
	}
	o := &op{kind: device.KindDmaCopy, barrier: barrier}
	o.chunks = splitTransfer(device.KindDmaCopy, s.dev.dma, size, nil, func(off, n uint64) device.DmaEntry {
		return device.DmaEntry{
			SrcDevice: int(from.id),
			DstDevice: int(to.id),
			Src:       uint64(src) + off,
			Dst:       uint64(dst) + off,
			Size:      n,
		}
	})
	return r.enqueue(s, o)
}

func hostFits(buf []byte, size uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: size is 0", ErrInvalidArgument)
	}
	if uint64(len(buf)) < size {
		return fmt.Errorf("%w: %d bytes for a %d byte transfer", ErrBufferTooSmall, len(buf), size)
	}
	return nil
}

func (r *Runtime) checkRange(d *deviceState, ptr DevicePtr, size uint64) error {
	if !r.opts.CheckMemcpyDeviceOperations {
		return nil
	}
	if !d.mem.contains(uint64(ptr), size) {
		return fmt.Errorf("%w: device %d range %#x+%d", ErrInvalidAddress, d.id, uint64(ptr), size)
	}
	return nil
}

// splitTransfer cuts a transfer into entries of at most MaxElementSize bytes
// and commands of at most MaxElementCount entries. host, when set, is the
// caller buffer and each chunk keeps the part it covers.
func splitTransfer(kind device.Kind, info device.DmaInfo, size uint64, host []byte, entry func(off, n uint64) device.DmaEntry) []*chunk {
	var chunks []*chunk
	for off := uint64(0); off < size; {
		c := &chunk{cmd: device.Command{Kind: kind}}
		start := off
		for uint64(len(c.cmd.Entries)) < info.MaxElementCount && off < size {
			n := min(info.MaxElementSize, size-off)
			c.cmd.Entries = append(c.cmd.Entries, entry(off, n))
			off += n
		}
		if host != nil {
			c.host = host[start:off]
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// stageIn prepares the host side of a chunk at dispatch time: host to
// device data is copied into a staging buffer, device to host transfers get
// the buffer the device will fill.
func (r *Runtime) stageIn(o *op, c *chunk) {
	switch o.kind {
	case device.KindDmaWrite:
		c.stage = r.staging(len(c.host))
		o.copyFn(c.stage, c.host)
	case device.KindDmaRead:
		c.stage = r.staging(len(c.host))
	default:
		return
	}
	var off uint64
	for i := range c.cmd.Entries {
		e := &c.cmd.Entries[i]
		e.Host = c.stage[off : off+e.Size]
		off += e.Size
	}
}

// stageOut copies device to host data into the caller buffer when the chunk
// succeeded and returns the staging buffer.
func (r *Runtime) stageOut(o *op, c *chunk, ok bool) {
	if c.stage == nil {
		return
	}
	if ok && o.kind == device.KindDmaRead {
		o.copyFn(c.host, c.stage)
	}
	_ = r.pool.Put(c.stage)
	c.stage = nil
}

func (r *Runtime) staging(n int) []byte {
	buf, err := r.pool.Get(n)
	if err != nil {
		r.log.Debug("staging outside host pool", "bytes", n, "error", err)
		return make([]byte, n)
	}
	return buf
}
