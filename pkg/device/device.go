// Package device defines the contract between the runtime and a device
// layer: how devices are enumerated and described, the commands the runtime
// hands over, and the responses the layer reports back.
package device

import "fmt"

// Layer is the capability set a device implementation must provide. All
// methods must be safe for concurrent use. Submit and Abort never block on
// command execution; results arrive on Responses.
type Layer interface {
	DeviceCount() int
	Properties(dev int) (Properties, error)
	DmaInfo(dev int) (DmaInfo, error)
	APIVersion(dev int) (Version, error)

	// Submit hands a command to the device. The returned error only reports
	// that the command could not be accepted; execution failures are
	// reported through a Response with the command's tag.
	Submit(dev int, cmd Command) error

	// Abort requests cancellation of an accepted command. Aborting a tag
	// that already responded is a no-op.
	Abort(dev int, tag uint32) error

	// Responses delivers exactly one Response per accepted command.
	Responses() <-chan Response
}

// Version is a firmware API version.
type Version struct {
	Major uint16
	Minor uint16
	Patch uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Kind identifies the shape of a command.
type Kind uint8

const (
	KindDmaWrite Kind = iota + 1 // host to device
	KindDmaRead                  // device to host
	KindDmaCopy                  // device to device
	KindLaunch
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindDmaWrite:
		return "dma_write"
	case KindDmaRead:
		return "dma_read"
	case KindDmaCopy:
		return "dma_copy"
	case KindLaunch:
		return "launch"
	case KindAbort:
		return "abort"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DmaEntry is one element of a DMA command. Host is used by writes (source)
// and reads (destination); device-to-device entries name both devices.
type DmaEntry struct {
	Host      []byte
	SrcDevice int
	DstDevice int
	Src       uint64
	Dst       uint64
	Size      uint64
}

// TraceConfig configures user tracing for a launch.
type TraceConfig struct {
	Buffer     uint64
	BufferSize uint64
	Threshold  uint64
	ShireMask  uint64
	ThreadMask uint64
	EventMask  uint32
	FilterMask uint32
}

// LaunchParams describes a kernel launch.
type LaunchParams struct {
	CodeAddr  uint64
	Args      []byte
	ShireMask uint64
	FlushL3   bool
	Trace     *TraceConfig
	StackBase uint64
	StackSize uint64
}

// Command is one unit of work accepted by a device.
type Command struct {
	Tag     uint32
	Kind    Kind
	Queue   uint32
	Barrier bool
	Entries []DmaEntry
	Launch  *LaunchParams
}

// Bytes returns the total payload moved by a DMA command.
func (c Command) Bytes() uint64 {
	var n uint64
	for _, e := range c.Entries {
		n += e.Size
	}
	return n
}

// Response reports the outcome of one command.
type Response struct {
	Device    int
	Tag       uint32
	Code      ErrorCode
	ShireMask uint64
	Context   *ErrorContext

	// AbortContext is the raw fault snapshot of an aborted or faulted
	// kernel. The runtime copies it before the response is released.
	AbortContext []byte
}

// OK reports whether the command succeeded.
func (r Response) OK() bool {
	return !r.Code.Failed()
}
