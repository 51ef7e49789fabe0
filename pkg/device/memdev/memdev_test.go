package memdev

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/etrt/pkg/device"
)

func newTestLayer(t *testing.T, cfg Config) *Layer {
	t.Helper()
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 1 << 20
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func await(t *testing.T, l *Layer, tag uint32) device.Response {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r := <-l.Responses():
			if r.Tag == tag {
				return r
			}
		case <-timeout:
			t.Fatalf("no response for tag %d", tag)
		}
	}
}

func write(t *testing.T, l *Layer, dev int, tag uint32, addr uint64, data []byte) device.Response {
	t.Helper()
	cmd := device.Command{Tag: tag, Kind: device.KindDmaWrite, Entries: []device.DmaEntry{{Host: data, Dst: addr, Size: uint64(len(data))}}}
	if err := l.Submit(dev, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return await(t, l, tag)
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{})
	addr := uint64(DefaultDRAMBase + 4096)
	if r := write(t, l, 0, 1, addr, []byte("hello device")); !r.OK() {
		t.Fatalf("write failed: %s", r.Code)
	}
	out := make([]byte, 12)
	cmd := device.Command{Tag: 2, Kind: device.KindDmaRead, Entries: []device.DmaEntry{{Host: out, Src: addr, Size: 12}}}
	if err := l.Submit(0, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r := await(t, l, 2); !r.OK() {
		t.Fatalf("read failed: %s", r.Code)
	}
	if string(out) != "hello device" {
		t.Fatalf("read %q", out)
	}
}

func TestDmaOutOfRange(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{})
	r := write(t, l, 0, 1, DefaultDRAMBase+(1<<20)-2, []byte("abcd"))
	if r.Code != device.DmaInvalidAddress {
		t.Fatalf("code = %s, want DMA_INVALID_ADDRESS", r.Code)
	}
}

func TestDmaEntryLimits(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{DmaInfo: device.DmaInfo{MaxElementSize: 8, MaxElementCount: 1}})
	if r := write(t, l, 0, 1, DefaultDRAMBase, make([]byte, 16)); r.Code != device.DmaInvalidSize {
		t.Fatalf("oversized entry: code = %s", r.Code)
	}
	cmd := device.Command{Tag: 2, Kind: device.KindDmaWrite, Entries: []device.DmaEntry{
		{Host: make([]byte, 4), Dst: DefaultDRAMBase, Size: 4},
		{Host: make([]byte, 4), Dst: DefaultDRAMBase + 4, Size: 4},
	}}
	if err := l.Submit(0, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r := await(t, l, 2); r.Code != device.DmaInvalidSize {
		t.Fatalf("too many entries: code = %s", r.Code)
	}
}

func TestCopyAcrossDevices(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{Devices: 2})
	write(t, l, 0, 1, DefaultDRAMBase, []byte("p2p!"))
	cmd := device.Command{Tag: 2, Kind: device.KindDmaCopy, Entries: []device.DmaEntry{{SrcDevice: 0, DstDevice: 1, Src: DefaultDRAMBase, Dst: DefaultDRAMBase + 64, Size: 4}}}
	if err := l.Submit(0, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r := await(t, l, 2); !r.OK() {
		t.Fatalf("copy failed: %s", r.Code)
	}
	got := make([]byte, 4)
	if err := l.Peek(1, DefaultDRAMBase+64, got); err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if string(got) != "p2p!" {
		t.Fatalf("copied %q", got)
	}
}

func TestPropertiesAndInfo(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{Devices: 2, DisableP2P: true})
	if l.DeviceCount() != 2 {
		t.Fatalf("DeviceCount = %d", l.DeviceCount())
	}
	p, err := l.Properties(1)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if p.P2PBitmap != 0 || p.ComputeMinionShireMask != DefaultShireMask || p.AvailableShires != 32 {
		t.Fatalf("unexpected properties: %+v", p)
	}
	base, size := p.DRAMRange()
	if base != DefaultDRAMBase || size != 1<<20 {
		t.Fatalf("DRAMRange = %#x,%d", base, size)
	}
	if _, err := l.Properties(2); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
	v, _ := l.APIVersion(0)
	if v != DefaultAPIVersion {
		t.Fatalf("APIVersion = %s", v)
	}
}

func TestFailNext(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{})
	if err := l.FailNext(0, device.KindDmaWrite, device.DmaDriverChanStartFailed); err != nil {
		t.Fatalf("FailNext: %v", err)
	}
	if r := write(t, l, 0, 1, DefaultDRAMBase, []byte{1}); r.Code != device.DmaDriverChanStartFailed {
		t.Fatalf("code = %s", r.Code)
	}
	if r := write(t, l, 0, 2, DefaultDRAMBase, []byte{1}); !r.OK() {
		t.Fatalf("injected failure should apply once, got %s", r.Code)
	}
	s, _ := l.Stats(0)
	if s.Submitted != 2 || s.Completed != 1 || s.Failed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDuplicateTagRejected(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{Workers: 1})
	block := make(chan struct{})
	l.Register("block", func(ctx context.Context, _ *Call) error {
		<-block
		return nil
	})
	img := MustImage("block", nil)
	write(t, l, 0, 1, DefaultDRAMBase, img)
	launch := device.Command{Tag: 2, Kind: device.KindLaunch, Launch: &device.LaunchParams{CodeAddr: DefaultDRAMBase, ShireMask: 1}}
	if err := l.Submit(0, launch); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := l.Submit(0, launch); !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("expected ErrDuplicateTag, got %v", err)
	}
	close(block)
	await(t, l, 2)
}

func launchKernel(t *testing.T, l *Layer, tag uint32, name string, args []byte) device.Response {
	t.Helper()
	addr := uint64(DefaultDRAMBase + 1<<16)
	write(t, l, 0, tag+1000, addr, MustImage(name, nil))
	cmd := device.Command{Tag: tag, Kind: device.KindLaunch, Launch: &device.LaunchParams{CodeAddr: addr, ShireMask: 0x3, Args: args}}
	if err := l.Submit(0, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return await(t, l, tag)
}

func TestLaunchRunsRegisteredKernel(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{})
	l.Register("store", func(_ context.Context, c *Call) error {
		return c.Write(DefaultDRAMBase, c.Args)
	})
	r := launchKernel(t, l, 1, "store", []byte("kernel ran"))
	if !r.OK() {
		t.Fatalf("launch failed: %s", r.Code)
	}
	if r.ShireMask != 0x3 {
		t.Fatalf("ShireMask = %#x", r.ShireMask)
	}
	got := make([]byte, 10)
	_ = l.Peek(0, DefaultDRAMBase, got)
	if string(got) != "kernel ran" {
		t.Fatalf("memory = %q", got)
	}
}

func TestLaunchFaultCarriesContext(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{})
	l.Register("fault", func(context.Context, *Call) error {
		return &Fault{Context: device.ErrorContext{HartID: 9, Mcause: 2}}
	})
	r := launchKernel(t, l, 1, "fault", nil)
	if r.Code != device.KernelLaunchException {
		t.Fatalf("code = %s", r.Code)
	}
	if r.Context == nil || r.Context.HartID != 9 {
		t.Fatalf("context = %+v", r.Context)
	}
	decoded, err := device.DecodeErrorContext(r.AbortContext)
	if err != nil || decoded.Mcause != 2 {
		t.Fatalf("abort context = %+v, %v", decoded, err)
	}
}

func TestLaunchPanicBecomesException(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{})
	l.Register("boom", func(context.Context, *Call) error { panic("bad kernel") })
	r := launchKernel(t, l, 1, "boom", nil)
	if r.Code != device.KernelLaunchException {
		t.Fatalf("code = %s", r.Code)
	}
	if !bytes.Contains(r.AbortContext, []byte("bad kernel")) {
		t.Fatalf("abort context = %q", r.AbortContext)
	}
}

func TestLaunchValidation(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{ShireMask: 0xF})
	l.Register("noop", func(context.Context, *Call) error { return nil })
	write(t, l, 0, 100, DefaultDRAMBase, MustImage("noop", nil))
	write(t, l, 0, 101, DefaultDRAMBase+4096, MustImage("missing", nil))

	tests := []struct {
		name   string
		params device.LaunchParams
		want   device.ErrorCode
	}{
		{"zero mask", device.LaunchParams{CodeAddr: DefaultDRAMBase}, device.KernelLaunchInvalidArgsInvalidShireMask},
		{"mask outside device", device.LaunchParams{CodeAddr: DefaultDRAMBase, ShireMask: 0x10}, device.KernelLaunchInvalidArgsInvalidShireMask},
		{"not an image", device.LaunchParams{CodeAddr: DefaultDRAMBase + 8192, ShireMask: 1}, device.KernelLaunchInvalidAddress},
		{"unregistered", device.LaunchParams{CodeAddr: DefaultDRAMBase + 4096, ShireMask: 1}, device.KernelLaunchInvalidAddress},
		{"trace mask", device.LaunchParams{CodeAddr: DefaultDRAMBase, ShireMask: 1, Trace: &device.TraceConfig{BufferSize: 64, ShireMask: 0x100}}, device.TraceConfigBadShireMask},
		{"trace size", device.LaunchParams{CodeAddr: DefaultDRAMBase, ShireMask: 1, Trace: &device.TraceConfig{}}, device.TraceConfigInvalidConfig},
		{"ok", device.LaunchParams{CodeAddr: DefaultDRAMBase, ShireMask: 0xF}, device.CodeNone},
	}
	for i, tc := range tests {
		params := tc.params
		tag := uint32(i + 1)
		if err := l.Submit(0, device.Command{Tag: tag, Kind: device.KindLaunch, Launch: &params}); err != nil {
			t.Fatalf("%s: Submit: %v", tc.name, err)
		}
		if r := await(t, l, tag); r.Code != tc.want {
			t.Errorf("%s: code = %s, want %s", tc.name, r.Code, tc.want)
		}
	}
}

func TestAbortQueuedCommand(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{Workers: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	l.Register("hold", func(context.Context, *Call) error {
		close(started)
		<-release
		return nil
	})
	write(t, l, 0, 100, DefaultDRAMBase, MustImage("hold", nil))
	if err := l.Submit(0, device.Command{Tag: 1, Kind: device.KindLaunch, Launch: &device.LaunchParams{CodeAddr: DefaultDRAMBase, ShireMask: 1}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if err := l.Submit(0, device.Command{Tag: 2, Kind: device.KindDmaWrite, Entries: []device.DmaEntry{{Host: []byte{1}, Dst: DefaultDRAMBase + 4096, Size: 1}}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := l.Abort(0, 2); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if r := await(t, l, 2); r.Code != device.DmaHostAborted {
		t.Fatalf("code = %s", r.Code)
	}
	close(release)
	if r := await(t, l, 1); !r.OK() {
		t.Fatalf("running kernel: %s", r.Code)
	}
	if err := l.Abort(0, 99); err != nil {
		t.Fatalf("abort of unknown tag: %v", err)
	}
}

func TestAbortRunningKernel(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{})
	started := make(chan struct{})
	l.Register("spin", func(ctx context.Context, _ *Call) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	write(t, l, 0, 100, DefaultDRAMBase, MustImage("spin", nil))
	if err := l.Submit(0, device.Command{Tag: 1, Kind: device.KindLaunch, Launch: &device.LaunchParams{CodeAddr: DefaultDRAMBase, ShireMask: 1}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if err := l.Abort(0, 1); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	r := await(t, l, 1)
	if r.Code != device.KernelLaunchHostAborted {
		t.Fatalf("code = %s", r.Code)
	}
	if len(r.AbortContext) != device.ErrorContextSize {
		t.Fatalf("abort context length = %d", len(r.AbortContext))
	}
}

func TestStartOrderFollowsSubmission(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, Config{Workers: 4})
	var mu sync.Mutex
	var order []uint32
	l.SetHooks(Hooks{OnStart: func(_ int, cmd device.Command) {
		mu.Lock()
		order = append(order, cmd.Tag)
		mu.Unlock()
	}})
	const n = 32
	for i := uint32(1); i <= n; i++ {
		cmd := device.Command{Tag: i, Kind: device.KindDmaWrite, Entries: []device.DmaEntry{{Host: []byte{byte(i)}, Dst: DefaultDRAMBase + uint64(i), Size: 1}}}
		if err := l.Submit(0, cmd); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	for seen := 0; seen < n; seen++ {
		select {
		case <-l.Responses():
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, tag := range order {
		if tag != uint32(i+1) {
			t.Fatalf("start order %v", order)
		}
	}
}

func TestSubmitAfterClose(t *testing.T) {
	t.Parallel()
	l, err := New(Config{MemorySize: 1 << 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Submit(0, device.Command{Tag: 1, Kind: device.KindDmaWrite}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestImageRoundTrip(t *testing.T) {
	t.Parallel()
	raw := MustImage("k", []byte{1, 2, 3})
	img, err := decodeImage(append(raw, 0xFF, 0xFF))
	if err != nil {
		t.Fatalf("decodeImage: %v", err)
	}
	if img.Kernel != "k" || !bytes.Equal(img.Text, []byte{1, 2, 3}) {
		t.Fatalf("image = %+v", img)
	}
	if _, err := decodeImage(make([]byte, 16)); err == nil {
		t.Fatal("expected error for zeroed memory")
	}
	if _, err := EncodeImage("", nil); err == nil {
		t.Fatal("expected error for empty name")
	}
}
