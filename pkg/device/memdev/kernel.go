package memdev

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/etrt/pkg/device"
)

// KernelFunc is the body of a software kernel. Returning a *Fault reports a
// device exception. A kernel that honors ctx can be aborted while running.
type KernelFunc func(ctx context.Context, call *Call) error

// Call is the view a running kernel has of its launch.
type Call struct {
	Device    int
	Tag       uint32
	Queue     uint32
	Args      []byte
	ShireMask uint64
	FlushL3   bool
	Trace     *device.TraceConfig
	StackBase uint64
	StackSize uint64

	mem *dram
}

// Read copies device memory at addr into dst.
func (c *Call) Read(addr uint64, dst []byte) error {
	src, ok := c.mem.span(addr, uint64(len(dst)))
	if !ok {
		return &Fault{Code: device.KernelLaunchException, Context: device.ErrorContext{Type: 1, Mtval: addr, Mcause: 5}}
	}
	copy(dst, src)
	return nil
}

// Write copies src into device memory at addr.
func (c *Call) Write(addr uint64, src []byte) error {
	dst, ok := c.mem.span(addr, uint64(len(src)))
	if !ok {
		return &Fault{Code: device.KernelLaunchException, Context: device.ErrorContext{Type: 1, Mtval: addr, Mcause: 7}}
	}
	copy(dst, src)
	return nil
}

// Fault is a device exception raised by a kernel.
type Fault struct {
	// Code defaults to KernelLaunchException.
	Code    device.ErrorCode
	Context device.ErrorContext
	// Raw replaces the encoded Context as the abort context when set.
	Raw []byte
}

func (f *Fault) Error() string {
	code := f.Code
	if code == device.CodeNone {
		code = device.KernelLaunchException
	}
	return fmt.Sprintf("kernel fault %s (mcause=%#x mepc=%#x)", code, f.Context.Mcause, f.Context.Mepc)
}

func (l *Layer) kernel(name string) (KernelFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.kernels[name]
	return fn, ok
}

func (l *Layer) launch(u *unit, j *job, resp *device.Response) {
	p := j.cmd.Launch
	if p == nil {
		resp.Code = device.KernelLaunchUnexpectedError
		return
	}
	mask := u.props.ComputeMinionShireMask
	if p.ShireMask == 0 || p.ShireMask&^mask != 0 {
		resp.Code = device.KernelLaunchInvalidArgsInvalidShireMask
		return
	}
	if t := p.Trace; t != nil {
		switch {
		case t.ShireMask&^mask != 0:
			resp.Code = device.TraceConfigBadShireMask
			return
		case t.BufferSize == 0:
			resp.Code = device.TraceConfigInvalidConfig
			return
		}
	}
	code, ok := u.mem.tail(p.CodeAddr)
	if !ok {
		resp.Code = device.KernelLaunchInvalidAddress
		return
	}
	img, err := decodeImage(code)
	if err != nil {
		resp.Code = device.KernelLaunchInvalidAddress
		return
	}
	fn, ok := l.kernel(img.Kernel)
	if !ok {
		l.log.Warn("image names an unregistered kernel", "device", u.id, "kernel", img.Kernel)
		resp.Code = device.KernelLaunchInvalidAddress
		return
	}

	call := &Call{
		Device:    u.id,
		Tag:       j.cmd.Tag,
		Queue:     j.cmd.Queue,
		Args:      p.Args,
		ShireMask: p.ShireMask,
		FlushL3:   p.FlushL3,
		Trace:     p.Trace,
		StackBase: p.StackBase,
		StackSize: p.StackSize,
		mem:       u.mem,
	}
	resp.ShireMask = p.ShireMask
	start := time.Now()
	err = runKernel(j.ctx, fn, call)

	var fault *Fault
	switch {
	case err == nil:
	case errors.As(err, &fault):
		resp.Code = fault.Code
		if resp.Code == device.CodeNone {
			resp.Code = device.KernelLaunchException
		}
		ctx := fault.Context
		resp.Context = &ctx
		resp.AbortContext = fault.Raw
		if resp.AbortContext == nil {
			resp.AbortContext = device.EncodeErrorContext(nil, ctx)
		}
	case j.ctx.Err() != nil:
		resp.Code = device.KernelLaunchHostAborted
		resp.AbortContext = device.EncodeErrorContext(nil, device.ErrorContext{
			Cycle: uint64(time.Since(start).Microseconds()),
			Mepc:  p.CodeAddr,
		})
	default:
		resp.Code = device.KernelLaunchResponseUserError
		l.log.Debug("kernel returned error", "device", u.id, "kernel", img.Kernel, "error", err)
	}
}

// runKernel turns a kernel panic into an exception fault.
func runKernel(ctx context.Context, fn KernelFunc, call *Call) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &Fault{
				Code:    device.KernelLaunchException,
				Context: device.ErrorContext{Type: 2, UserDefinedError: -1},
				Raw:     []byte(fmt.Sprintf("panic in kernel: %v", rec)),
			}
		}
	}()
	return fn(ctx, call)
}
