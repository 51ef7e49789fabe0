package rt

import (
	"fmt"
	"strings"

	"github.com/samcharles93/etrt/pkg/device"
)

// DeviceID is the index of a device in the device layer.
type DeviceID int

// StreamID identifies a stream. Destroyed ids are never valid again.
type StreamID uint32

// KernelID identifies loaded code. Unloaded ids are never valid again.
type KernelID uint32

// EventID identifies one submitted command. Ids are issued in increasing
// order starting at 1.
type EventID uint32

// NoEvent is the EventID that no command ever gets.
const NoEvent EventID = 0

// DevicePtr is an address in device memory.
type DevicePtr uint64

// CopyFunc moves host bytes between a caller buffer and a staging buffer.
// len(dst) == len(src) on every call.
type CopyFunc func(dst, src []byte)

// DefaultCopy is the CopyFunc used when none is given.
func DefaultCopy(dst, src []byte) { copy(dst, src) }

// StreamError is an asynchronous device failure of one command.
type StreamError struct {
	Code      device.ErrorCode
	Device    DeviceID
	Stream    StreamID
	Event     EventID
	ShireMask uint64
	Context   *device.ErrorContext
}

func (e StreamError) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on device %d stream %#x event %d", e.Code, e.Device, uint32(e.Stream), e.Event)
	if e.ShireMask != 0 {
		fmt.Fprintf(&b, " shires=%#x", e.ShireMask)
	}
	if c := e.Context; c != nil {
		fmt.Fprintf(&b, " hart=%d mepc=%#x mcause=%#x mtval=%#x", c.HartID, c.Mepc, c.Mcause, c.Mtval)
	}
	return b.String()
}

// LoadCodeResult describes a code load. Kernel and LoadAddress are valid
// once Event has completed successfully.
type LoadCodeResult struct {
	Event       EventID
	Kernel      KernelID
	LoadAddress DevicePtr
}

// UserTrace configures device-side tracing for a launch.
type UserTrace struct {
	Buffer     DevicePtr
	BufferSize uint64
	Threshold  uint64
	ShireMask  uint64
	ThreadMask uint64
	EventMask  uint32
	FilterMask uint32
}

// StackConfig places the kernel stack.
type StackConfig struct {
	BaseAddress DevicePtr
	Size        uint64
}

// KernelLaunchOptions configure one launch. The zero value launches on all
// compute shires without a barrier.
type KernelLaunchOptions struct {
	ShireMask        uint64
	Barrier          bool
	FlushL3          bool
	UserTrace        *UserTrace
	Stack            *StackConfig
	CoreDumpFilePath string
}

// Validate checks o against the properties of the device it will run on.
func (o KernelLaunchOptions) Validate(props device.Properties) error {
	if o.ShireMask&^props.ComputeMinionShireMask != 0 {
		return fmt.Errorf("%w: shire mask %#x outside device mask %#x", ErrInvalidArgument, o.ShireMask, props.ComputeMinionShireMask)
	}
	if t := o.UserTrace; t != nil {
		if t.BufferSize == 0 {
			return fmt.Errorf("%w: user trace buffer size is 0", ErrInvalidArgument)
		}
		if t.Threshold > t.BufferSize {
			return fmt.Errorf("%w: user trace threshold %d exceeds buffer size %d", ErrInvalidArgument, t.Threshold, t.BufferSize)
		}
	}
	if s := o.Stack; s != nil {
		if s.Size == 0 {
			return fmt.Errorf("%w: stack size is 0", ErrInvalidArgument)
		}
		if s.BaseAddress%DefaultAlignment != 0 {
			return fmt.Errorf("%w: stack base %#x not aligned to %d", ErrInvalidArgument, uint64(s.BaseAddress), DefaultAlignment)
		}
	}
	return nil
}

func (o KernelLaunchOptions) params(code DevicePtr, args []byte, props device.Properties) *device.LaunchParams {
	p := &device.LaunchParams{
		CodeAddr:  uint64(code),
		Args:      args,
		ShireMask: o.ShireMask,
		FlushL3:   o.FlushL3,
	}
	if p.ShireMask == 0 {
		p.ShireMask = props.ComputeMinionShireMask
	}
	if t := o.UserTrace; t != nil {
		p.Trace = &device.TraceConfig{
			Buffer:     uint64(t.Buffer),
			BufferSize: t.BufferSize,
			Threshold:  t.Threshold,
			ShireMask:  t.ShireMask,
			ThreadMask: t.ThreadMask,
			EventMask:  t.EventMask,
			FilterMask: t.FilterMask,
		}
	}
	if s := o.Stack; s != nil {
		p.StackBase = uint64(s.BaseAddress)
		p.StackSize = s.Size
	}
	return p
}
