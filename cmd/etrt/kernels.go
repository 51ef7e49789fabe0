package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/samcharles93/etrt/pkg/device"
	"github.com/samcharles93/etrt/pkg/device/memdev"
)

// Kernels available to images built by the CLI.
const (
	kernelFill  = "fill"
	kernelFault = "fault"
	kernelSpin  = "spin"
)

// fillArgs is the argument block of the fill kernel: address, length, byte.
func fillArgs(addr uint64, n uint64, b byte) []byte {
	args := binary.LittleEndian.AppendUint64(nil, addr)
	args = binary.LittleEndian.AppendUint64(args, n)
	return append(args, b)
}

func registerBuiltinKernels(l *memdev.Layer) {
	l.Register(kernelFill, func(_ context.Context, c *memdev.Call) error {
		if len(c.Args) != 17 {
			return fmt.Errorf("fill: want 17 argument bytes, got %d", len(c.Args))
		}
		addr := binary.LittleEndian.Uint64(c.Args)
		n := binary.LittleEndian.Uint64(c.Args[8:])
		return c.Write(addr, bytes.Repeat(c.Args[16:17], int(n)))
	})
	l.Register(kernelFault, func(_ context.Context, c *memdev.Call) error {
		return &memdev.Fault{
			Code: device.KernelLaunchException,
			Context: device.ErrorContext{
				Type:    1,
				HartID:  uint64(c.Queue % 2048),
				Mcause:  2,
				Mepc:    0x1000,
				Mstatus: 0x1800,
			},
		}
	})
	l.Register(kernelSpin, func(ctx context.Context, _ *memdev.Call) error {
		<-ctx.Done()
		return ctx.Err()
	})
}
