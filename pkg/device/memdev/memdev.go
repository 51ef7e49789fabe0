// Package memdev is an in-process software device layer. Device memory is an
// anonymous mapping, commands are executed by worker goroutines in the order
// they were accepted, and kernels are Go functions registered by name. It
// backs the runtime's tests, the CLI self test and the diagnostics server.
package memdev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/etrt/internal/logger"
	"github.com/samcharles93/etrt/pkg/device"
)

const (
	DefaultMemorySize = 1 << 30
	DefaultDRAMBase   = 0x80_0000_0000
	DefaultShireMask  = 0xFFFF_FFFF
	DefaultWorkers    = 2
)

// DefaultDmaInfo mirrors the limits of the PCIe device DMA engine.
var DefaultDmaInfo = device.DmaInfo{MaxElementSize: 64 << 20, MaxElementCount: 4}

// DefaultAPIVersion is the firmware API version reported by default.
var DefaultAPIVersion = device.Version{Major: 1, Minor: 4, Patch: 0}

var (
	ErrClosed        = errors.New("software device closed")
	ErrInvalidDevice = errors.New("invalid device index")
	ErrDuplicateTag  = errors.New("command tag already in flight")
)

// Config describes the devices a Layer exposes.
type Config struct {
	Devices        int
	MemorySize     uint64
	DRAMBase       uint64
	DmaInfo        device.DmaInfo
	Workers        int
	Latency        time.Duration
	ShireMask      uint64
	DisableP2P     bool
	APIVersion     device.Version
	ResponseBuffer int
	Logger         logger.Logger
}

func (c Config) withDefaults() Config {
	if c.Devices <= 0 {
		c.Devices = 1
	}
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.DRAMBase == 0 {
		c.DRAMBase = DefaultDRAMBase
	}
	if c.DmaInfo.MaxElementSize == 0 {
		c.DmaInfo.MaxElementSize = DefaultDmaInfo.MaxElementSize
	}
	if c.DmaInfo.MaxElementCount == 0 {
		c.DmaInfo.MaxElementCount = DefaultDmaInfo.MaxElementCount
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ShireMask == 0 {
		c.ShireMask = DefaultShireMask
	}
	if c.APIVersion == (device.Version{}) {
		c.APIVersion = DefaultAPIVersion
	}
	if c.ResponseBuffer <= 0 {
		c.ResponseBuffer = 1024
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c
}

// Hooks observe command execution. They run on device worker goroutines;
// OnStart runs while the device queue is locked, so start order matches the
// order observed by the hook. Hooks must not call back into the Layer.
type Hooks struct {
	OnStart  func(dev int, cmd device.Command)
	OnFinish func(dev int, resp device.Response)
}

// Stats counts commands per device.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Aborted   uint64
}

type job struct {
	cmd     device.Command
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

type unit struct {
	id    int
	props device.Properties
	mem   *dram

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	jobs   map[uint32]*job
	fail   map[device.Kind][]device.ErrorCode
	closed bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	aborted   atomic.Uint64
}

// Layer implements device.Layer in memory.
type Layer struct {
	cfg       Config
	log       logger.Logger
	units     []*unit
	responses chan device.Response
	done      chan struct{}

	mu      sync.RWMutex
	kernels map[string]KernelFunc
	hooks   Hooks

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ device.Layer = (*Layer)(nil)

// New creates the devices described by cfg and starts their workers.
func New(cfg Config) (*Layer, error) {
	cfg = cfg.withDefaults()
	l := &Layer{
		cfg:       cfg,
		log:       cfg.Logger.WithGroup("memdev"),
		responses: make(chan device.Response, cfg.ResponseBuffer),
		done:      make(chan struct{}),
		kernels:   make(map[string]KernelFunc),
	}
	for i := 0; i < cfg.Devices; i++ {
		mem, err := newDRAM(cfg.DRAMBase, cfg.MemorySize)
		if err != nil {
			for _, u := range l.units {
				_ = u.mem.close()
			}
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		u := &unit{
			id:    i,
			props: l.properties(i),
			mem:   mem,
			jobs:  make(map[uint32]*job),
			fail:  make(map[device.Kind][]device.ErrorCode),
		}
		u.cond = sync.NewCond(&u.mu)
		l.units = append(l.units, u)
	}
	for _, u := range l.units {
		for w := 0; w < cfg.Workers; w++ {
			l.wg.Add(1)
			go l.worker(u)
		}
	}
	l.log.Debug("software devices ready", "devices", cfg.Devices, "memory_size", cfg.MemorySize, "workers", cfg.Workers)
	return l, nil
}

func (l *Layer) properties(id int) device.Properties {
	var p2p uint64
	if !l.cfg.DisableP2P {
		for peer := 0; peer < l.cfg.Devices && peer < 64; peer++ {
			p2p |= 1 << uint(peer)
		}
	}
	shires := uint32(0)
	for m := l.cfg.ShireMask; m != 0; m &= m - 1 {
		shires++
	}
	return device.Properties{
		Frequency:              1000,
		AvailableShires:        shires,
		MemoryBandwidth:        25600,
		MemorySize:             l.cfg.MemorySize,
		L3Size:                 64 << 20,
		L2ShireSize:            4 << 20,
		L2ScratchpadSize:       2 << 20,
		CacheLineSize:          64,
		L2CacheBanks:           4,
		ComputeMinionShireMask: l.cfg.ShireMask,
		DeviceArch:             device.ArchETSOC1,
		FormFactor:             device.FormFactorPCIE,
		TDP:                    25,
		P2PBitmap:              p2p,

		LocalDRAMBaseAddress:        l.cfg.DRAMBase,
		OnPkgDRAMBaseAddress:        l.cfg.DRAMBase,
		LocalDRAMSize:               l.cfg.MemorySize,
		MinimumAddressAlignmentBits: 6,
		NumChiplets:                 1,
	}
}

func (l *Layer) unit(dev int) (*unit, error) {
	if dev < 0 || dev >= len(l.units) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDevice, dev)
	}
	return l.units[dev], nil
}

func (l *Layer) DeviceCount() int { return len(l.units) }

func (l *Layer) Properties(dev int) (device.Properties, error) {
	u, err := l.unit(dev)
	if err != nil {
		return device.Properties{}, err
	}
	return u.props, nil
}

func (l *Layer) DmaInfo(dev int) (device.DmaInfo, error) {
	if _, err := l.unit(dev); err != nil {
		return device.DmaInfo{}, err
	}
	return l.cfg.DmaInfo, nil
}

func (l *Layer) APIVersion(dev int) (device.Version, error) {
	if _, err := l.unit(dev); err != nil {
		return device.Version{}, err
	}
	return l.cfg.APIVersion, nil
}

func (l *Layer) Responses() <-chan device.Response { return l.responses }

// Register makes fn runnable by images built with EncodeImage(name, ...).
func (l *Layer) Register(name string, fn KernelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kernels[name] = fn
}

// SetHooks replaces the execution hooks.
func (l *Layer) SetHooks(h Hooks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = h
}

func (l *Layer) currentHooks() Hooks {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hooks
}

// FailNext makes the next command of the given kind on dev fail with code
// without executing it.
func (l *Layer) FailNext(dev int, kind device.Kind, code device.ErrorCode) error {
	u, err := l.unit(dev)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fail[kind] = append(u.fail[kind], code)
	return nil
}

// Stats returns the command counters of dev.
func (l *Layer) Stats(dev int) (Stats, error) {
	u, err := l.unit(dev)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Submitted: u.submitted.Load(),
		Completed: u.completed.Load(),
		Failed:    u.failed.Load(),
		Aborted:   u.aborted.Load(),
	}, nil
}

// Peek copies device memory into dst. It bypasses the command queue and is
// meant for tests and diagnostics.
func (l *Layer) Peek(dev int, addr uint64, dst []byte) error {
	u, err := l.unit(dev)
	if err != nil {
		return err
	}
	src, ok := u.mem.span(addr, uint64(len(dst)))
	if !ok {
		return fmt.Errorf("device %d: address range %#x+%d out of bounds", dev, addr, len(dst))
	}
	copy(dst, src)
	return nil
}

func (l *Layer) Submit(dev int, cmd device.Command) error {
	u, err := l.unit(dev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cmd: cmd, ctx: ctx, cancel: cancel}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		cancel()
		return ErrClosed
	}
	if _, dup := u.jobs[cmd.Tag]; dup {
		cancel()
		return fmt.Errorf("%w: %d", ErrDuplicateTag, cmd.Tag)
	}
	u.jobs[cmd.Tag] = j
	u.queue = append(u.queue, j)
	u.submitted.Add(1)
	u.cond.Signal()
	return nil
}

func (l *Layer) Abort(dev int, tag uint32) error {
	u, err := l.unit(dev)
	if err != nil {
		return err
	}
	u.mu.Lock()
	j, ok := u.jobs[tag]
	if !ok {
		u.mu.Unlock()
		return nil
	}
	if j.started {
		u.mu.Unlock()
		j.cancel()
		return nil
	}
	for i, q := range u.queue {
		if q == j {
			u.queue = append(u.queue[:i], u.queue[i+1:]...)
			break
		}
	}
	delete(u.jobs, tag)
	u.mu.Unlock()

	j.cancel()
	u.aborted.Add(1)
	l.respond(device.Response{Device: dev, Tag: tag, Code: device.HostAbortedCode(j.cmd.Kind)})
	return nil
}

// Close stops the workers and releases device memory. Commands still queued
// get no response.
func (l *Layer) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		for _, u := range l.units {
			u.mu.Lock()
			u.closed = true
			for _, j := range u.jobs {
				j.cancel()
			}
			u.cond.Broadcast()
			u.mu.Unlock()
		}
		l.wg.Wait()
		for _, u := range l.units {
			err = errors.Join(err, u.mem.close())
		}
	})
	return err
}

func (l *Layer) respond(resp device.Response) {
	select {
	case l.responses <- resp:
	case <-l.done:
	}
}

// next blocks until a job is queued on u and marks it started.
func (l *Layer) next(u *unit) (*job, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for len(u.queue) == 0 && !u.closed {
		u.cond.Wait()
	}
	if u.closed {
		return nil, false
	}
	j := u.queue[0]
	u.queue = u.queue[1:]
	j.started = true
	if h := l.currentHooks(); h.OnStart != nil {
		h.OnStart(u.id, j.cmd)
	}
	return j, true
}

func (l *Layer) worker(u *unit) {
	defer l.wg.Done()
	for {
		j, ok := l.next(u)
		if !ok {
			return
		}
		resp := l.execute(u, j)

		u.mu.Lock()
		delete(u.jobs, j.cmd.Tag)
		u.mu.Unlock()
		j.cancel()

		switch {
		case resp.OK():
			u.completed.Add(1)
		case resp.Code == device.HostAbortedCode(j.cmd.Kind):
			u.aborted.Add(1)
		default:
			u.failed.Add(1)
		}
		if h := l.currentHooks(); h.OnFinish != nil {
			h.OnFinish(u.id, resp)
		}
		l.respond(resp)
	}
}

func (u *unit) takeFailure(kind device.Kind) (device.ErrorCode, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	codes := u.fail[kind]
	if len(codes) == 0 {
		return device.CodeNone, false
	}
	u.fail[kind] = codes[1:]
	return codes[0], true
}

func (l *Layer) execute(u *unit, j *job) device.Response {
	resp := device.Response{Device: u.id, Tag: j.cmd.Tag}
	if code, ok := u.takeFailure(j.cmd.Kind); ok {
		resp.Code = code
		return resp
	}
	if l.cfg.Latency > 0 {
		t := time.NewTimer(l.cfg.Latency)
		select {
		case <-t.C:
		case <-j.ctx.Done():
			t.Stop()
		}
	}
	if j.ctx.Err() != nil {
		resp.Code = device.HostAbortedCode(j.cmd.Kind)
		return resp
	}

	switch j.cmd.Kind {
	case device.KindDmaWrite, device.KindDmaRead, device.KindDmaCopy:
		resp.Code = l.dma(u, j.cmd)
	case device.KindLaunch:
		l.launch(u, j, &resp)
	default:
		resp.Code = device.ErrorTypeUnsupportedCommand
	}
	if !resp.OK() {
		l.log.Debug("command failed", "device", u.id, "tag", j.cmd.Tag, "kind", j.cmd.Kind.String(), "code", resp.Code.String())
	}
	return resp
}

func (l *Layer) dma(u *unit, cmd device.Command) device.ErrorCode {
	info := l.cfg.DmaInfo
	if len(cmd.Entries) == 0 || uint64(len(cmd.Entries)) > info.MaxElementCount {
		return device.DmaInvalidSize
	}
	for _, e := range cmd.Entries {
		if e.Size == 0 || e.Size > info.MaxElementSize {
			return device.DmaInvalidSize
		}
		switch cmd.Kind {
		case device.KindDmaWrite:
			if uint64(len(e.Host)) < e.Size {
				return device.DmaInvalidSize
			}
			dst, ok := u.mem.span(e.Dst, e.Size)
			if !ok {
				return device.DmaInvalidAddress
			}
			copy(dst, e.Host[:e.Size])
		case device.KindDmaRead:
			if uint64(len(e.Host)) < e.Size {
				return device.DmaInvalidSize
			}
			src, ok := u.mem.span(e.Src, e.Size)
			if !ok {
				return device.DmaInvalidAddress
			}
			copy(e.Host[:e.Size], src)
		case device.KindDmaCopy:
			su, err1 := l.unit(e.SrcDevice)
			du, err2 := l.unit(e.DstDevice)
			if err1 != nil || err2 != nil {
				return device.DmaInvalidAddress
			}
			if su != du && (l.cfg.DisableP2P || (su != u && du != u)) {
				return device.DmaInvalidAddress
			}
			src, ok1 := su.mem.span(e.Src, e.Size)
			dst, ok2 := du.mem.span(e.Dst, e.Size)
			if !ok1 || !ok2 {
				return device.DmaInvalidAddress
			}
			copy(dst, src)
		}
	}
	return device.CodeNone
}
