package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/etrt/internal/coredump"
	"github.com/samcharles93/etrt/pkg/device"
	"github.com/samcharles93/etrt/pkg/device/memdev"
	"github.com/samcharles93/etrt/pkg/rt"
)

const selftestTimeout = 10 * time.Second

type check struct {
	name string
	run  func(ctx context.Context, t *tester) error
}

// tester runs checks on one stream of device 0.
type tester struct {
	s       *session
	stream  rt.StreamID
	coreDir string
}

func selftestCmd() *cli.Command {
	var coreDir string

	return &cli.Command{
		Name:  "selftest",
		Usage: "Exercise the runtime against software devices",
		Flags: append(runtimeFlags(),
			&cli.StringFlag{
				Name:        "core-dir",
				Usage:       "directory for the core dump written by the fault check (default: a temp dir)",
				Destination: &coreDir,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if coreDir == "" {
				dir, err := os.MkdirTemp("", "etrt-selftest-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				coreDir = dir
			}
			if failed := runSelftest(ctx, s, coreDir, os.Stdout); failed > 0 {
				return fmt.Errorf("selftest: %d check(s) failed", failed)
			}
			return nil
		},
	}
}

func selftestChecks() []check {
	return []check{
		{"malloc/free", checkMalloc},
		{"copy round trip", checkRoundTrip},
		{"load/launch/unload", checkLaunch},
		{"barrier ordering", checkBarrier},
		{"stream error callback", checkErrorCallback},
		{"kernel fault", checkFault},
		{"abort stream", checkAbortStream},
		{"abort command", checkAbortCommand},
		{"peer copy", checkPeerCopy},
	}
}

// runSelftest runs every check on a fresh stream and reports to w. It
// returns the number of failed checks.
func runSelftest(ctx context.Context, s *session, coreDir string, w io.Writer) int {
	failed := 0
	for _, c := range selftestChecks() {
		start := time.Now()
		err := runCheck(ctx, s, coreDir, c)
		status := "ok"
		if err != nil {
			status = "FAIL"
			failed++
		}
		_, _ = fmt.Fprintf(w, "%-24s %-4s %8s", c.name, status, time.Since(start).Round(time.Microsecond))
		if err != nil {
			_, _ = fmt.Fprintf(w, "  %v", err)
		}
		_, _ = fmt.Fprintln(w)
		s.log.Debug("selftest check finished", "check", c.name, "error", err)
	}
	return failed
}

func runCheck(ctx context.Context, s *session, coreDir string, c check) error {
	stream, err := s.rt.CreateStream(0)
	if err != nil {
		return err
	}
	defer s.rt.DestroyStream(stream)
	s.rt.SetOnStreamErrorsCallback(nil)
	s.rt.SetOnKernelAbortedErrorCallback(nil)
	return c.run(ctx, &tester{s: s, stream: stream, coreDir: coreDir})
}

func (t *tester) wait(ctx context.Context, ev rt.EventID) error {
	if !t.s.rt.WaitForEvent(ctx, ev, selftestTimeout) {
		return fmt.Errorf("event %d did not complete", ev)
	}
	return nil
}

func (t *tester) noErrors() error {
	errs, err := t.s.rt.RetrieveStreamErrors(t.stream)
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("unexpected stream error: %s", errs[0])
	}
	return nil
}

func (t *tester) load(ctx context.Context, name string) (rt.KernelID, error) {
	res, err := t.s.rt.LoadCode(t.stream, memdev.MustImage(name, make([]byte, 4096)))
	if err != nil {
		return 0, err
	}
	if err := t.wait(ctx, res.Event); err != nil {
		return 0, err
	}
	return res.Kernel, t.noErrors()
}

func checkMalloc(_ context.Context, t *tester) error {
	r := t.s.rt
	ptr, err := r.MallocDevice(0, 1024, 64)
	if err != nil {
		return err
	}
	if ptr%64 != 0 {
		return fmt.Errorf("address %#x not aligned", uint64(ptr))
	}
	if err := r.FreeDevice(0, ptr); err != nil {
		return err
	}
	if err := r.FreeDevice(0, ptr); !errors.Is(err, rt.ErrInvalidHandle) {
		return fmt.Errorf("double free returned %v", err)
	}
	return nil
}

func checkRoundTrip(ctx context.Context, t *tester) error {
	r := t.s.rt
	info, err := r.DmaInfo(0)
	if err != nil {
		return err
	}
	size := min(info.MaxCommandBytes()+4096, 8<<20)
	ptr, err := r.MallocDevice(0, size, 0)
	if err != nil {
		return err
	}
	defer r.FreeDevice(0, ptr)

	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i*31 + 7)
	}
	dst := make([]byte, size)
	if _, err := r.MemcpyHostToDevice(t.stream, src, ptr, size, false, nil); err != nil {
		return err
	}
	ev, err := r.MemcpyDeviceToHost(t.stream, ptr, dst, size, true, nil)
	if err != nil {
		return err
	}
	if err := t.wait(ctx, ev); err != nil {
		return err
	}
	if !bytes.Equal(src, dst) {
		return errors.New("data differs after round trip")
	}
	if _, err := r.MemcpyHostToDevice(t.stream, src[:8], ptr, 16, false, nil); !errors.Is(err, rt.ErrBufferTooSmall) {
		return fmt.Errorf("short buffer returned %v", err)
	}
	return t.noErrors()
}

func checkLaunch(ctx context.Context, t *tester) error {
	r := t.s.rt
	before, err := r.MemoryStats(0)
	if err != nil {
		return err
	}
	k, err := t.load(ctx, kernelFill)
	if err != nil {
		return err
	}
	out, err := r.MallocDevice(0, 256, 0)
	if err != nil {
		return err
	}
	if _, err := r.KernelLaunch(t.stream, k, fillArgs(uint64(out), 256, 0x5A), rt.KernelLaunchOptions{}); err != nil {
		return err
	}
	got := make([]byte, 256)
	ev, err := r.MemcpyDeviceToHost(t.stream, out, got, 256, true, nil)
	if err != nil {
		return err
	}
	if err := t.wait(ctx, ev); err != nil {
		return err
	}
	if err := t.noErrors(); err != nil {
		return err
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x5A}, 256)) {
		return errors.New("kernel output not visible to the host")
	}
	if err := r.UnloadCode(k); err != nil {
		return err
	}
	if err := r.FreeDevice(0, out); err != nil {
		return err
	}
	after, err := r.MemoryStats(0)
	if err != nil {
		return err
	}
	if after.Allocations != before.Allocations || after.Used != before.Used {
		return fmt.Errorf("residual allocation: %d bytes", after.Used-before.Used)
	}
	return nil
}

func checkBarrier(ctx context.Context, t *tester) error {
	r := t.s.rt
	var mu sync.Mutex
	var order []device.Kind
	t.s.layer.SetHooks(memdev.Hooks{OnStart: func(_ int, cmd device.Command) {
		mu.Lock()
		order = append(order, cmd.Kind)
		mu.Unlock()
	}})
	defer t.s.layer.SetHooks(memdev.Hooks{})

	k, err := t.load(ctx, kernelFill)
	if err != nil {
		return err
	}
	defer r.UnloadCode(k)
	buf, err := r.MallocDevice(0, 64, 0)
	if err != nil {
		return err
	}
	defer r.FreeDevice(0, buf)

	mu.Lock()
	order = order[:0]
	mu.Unlock()
	if _, err := r.KernelLaunch(t.stream, k, fillArgs(uint64(buf), 64, 1), rt.KernelLaunchOptions{}); err != nil {
		return err
	}
	got := make([]byte, 64)
	ev, err := r.MemcpyDeviceToHost(t.stream, buf, got, 64, true, nil)
	if err != nil {
		return err
	}
	if err := t.wait(ctx, ev); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != device.KindLaunch || order[1] != device.KindDmaRead {
		return fmt.Errorf("device start order %v", order)
	}
	if got[63] != 1 {
		return errors.New("barrier copy ran before the kernel")
	}
	return nil
}

func checkErrorCallback(ctx context.Context, t *tester) error {
	r := t.s.rt
	got := make(chan rt.StreamError, 1)
	r.SetOnStreamErrorsCallback(func(_ rt.EventID, se rt.StreamError) error {
		got <- se
		return nil
	})
	if err := t.s.layer.FailNext(0, device.KindDmaWrite, device.DmaInvalidSize); err != nil {
		return err
	}
	ptr, err := r.MallocDevice(0, 64, 0)
	if err != nil {
		return err
	}
	defer r.FreeDevice(0, ptr)
	ev, err := r.MemcpyHostToDevice(t.stream, make([]byte, 64), ptr, 64, false, nil)
	if err != nil {
		return err
	}
	if err := t.wait(ctx, ev); err != nil {
		return err
	}
	select {
	case se := <-got:
		if se.Code != device.DmaInvalidSize || se.Event != ev {
			return fmt.Errorf("callback got %s", se)
		}
	case <-time.After(selftestTimeout):
		return errors.New("callback not invoked")
	}
	return t.noErrors()
}

func checkFault(ctx context.Context, t *tester) error {
	r := t.s.rt
	contexts := make(chan int, 1)
	r.SetOnKernelAbortedErrorCallback(func(_ rt.EventID, raw []byte, release func()) error {
		contexts <- len(raw)
		go release()
		return nil
	})
	k, err := t.load(ctx, kernelFault)
	if err != nil {
		return err
	}
	defer r.UnloadCode(k)

	path := filepath.Join(t.coreDir, "fault.core.json.lz4")
	ev, err := r.KernelLaunch(t.stream, k, nil, rt.KernelLaunchOptions{CoreDumpFilePath: path})
	if err != nil {
		return err
	}
	if err := t.wait(ctx, ev); err != nil {
		return err
	}
	errs, err := r.RetrieveStreamErrors(t.stream)
	if err != nil {
		return err
	}
	if len(errs) != 1 || errs[0].Code != device.KernelLaunchException || errs[0].Context == nil {
		return fmt.Errorf("stream errors %v", errs)
	}
	select {
	case n := <-contexts:
		if n != device.ErrorContextSize {
			return fmt.Errorf("abort context of %d bytes", n)
		}
	case <-time.After(selftestTimeout):
		return errors.New("kernel aborted callback not invoked")
	}
	dump, err := coredump.Read(path)
	if err != nil {
		return err
	}
	if dump.Event != uint32(ev) || dump.Code != device.KernelLaunchException {
		return fmt.Errorf("core dump for event %d code %s", dump.Event, dump.Code)
	}
	return nil
}

func checkAbortStream(ctx context.Context, t *tester) error {
	r := t.s.rt
	k, err := t.load(ctx, kernelSpin)
	if err != nil {
		return err
	}
	defer r.UnloadCode(k)
	buf, err := r.MallocDevice(0, 64, 0)
	if err != nil {
		return err
	}
	defer r.FreeDevice(0, buf)

	evs := make(map[rt.EventID]bool)
	for i := 0; i < 3; i++ {
		ev, err := r.KernelLaunch(t.stream, k, nil, rt.KernelLaunchOptions{})
		if err != nil {
			return err
		}
		evs[ev] = true
	}
	ev, err := r.MemcpyHostToDevice(t.stream, make([]byte, 64), buf, 64, true, nil)
	if err != nil {
		return err
	}
	evs[ev] = true

	if err := r.AbortStream(t.stream); err != nil {
		return err
	}
	if !r.WaitForStream(ctx, t.stream, selftestTimeout) {
		return errors.New("stream did not drain after abort")
	}
	errs, err := r.RetrieveStreamErrors(t.stream)
	if err != nil {
		return err
	}
	for _, e := range errs {
		if !evs[e.Event] {
			return fmt.Errorf("duplicate or foreign error %s", e)
		}
		evs[e.Event] = false
	}
	if len(errs) != len(evs) {
		return fmt.Errorf("%d errors for %d commands", len(errs), len(evs))
	}
	return nil
}

func checkAbortCommand(ctx context.Context, t *tester) error {
	r := t.s.rt
	k, err := t.load(ctx, kernelSpin)
	if err != nil {
		return err
	}
	defer r.UnloadCode(k)
	ev, err := r.KernelLaunch(t.stream, k, nil, rt.KernelLaunchOptions{})
	if err != nil {
		return err
	}
	abortEv, err := r.AbortCommand(ctx, ev, rt.DefaultAbortTimeout)
	if err != nil {
		return err
	}
	if err := t.wait(ctx, abortEv); err != nil {
		return err
	}
	errs, err := r.RetrieveStreamErrors(t.stream)
	if err != nil {
		return err
	}
	if len(errs) != 1 || errs[0].Code != device.KernelLaunchHostAborted {
		return fmt.Errorf("stream errors %v", errs)
	}
	if _, err := r.AbortCommand(ctx, abortEv+1000, time.Millisecond); !errors.Is(err, rt.ErrInvalidHandle) {
		return fmt.Errorf("abort of unknown event returned %v", err)
	}
	return nil
}

func checkPeerCopy(ctx context.Context, t *tester) error {
	r := t.s.rt
	if len(r.Devices()) < 2 {
		return nil
	}
	src, err := r.MallocDevice(0, 128, 0)
	if err != nil {
		return err
	}
	defer r.FreeDevice(0, src)
	dst, err := r.MallocDevice(1, 128, 0)
	if err != nil {
		return err
	}
	defer r.FreeDevice(1, dst)

	_, err = r.MemcpyDeviceToDevice(t.stream, 1, src, dst, 128, false)
	if !r.IsP2PEnabled(0, 1) {
		if !errors.Is(err, rt.ErrP2PDisabled) {
			return fmt.Errorf("copy without p2p returned %v", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !r.WaitForStream(ctx, t.stream, selftestTimeout) {
		return errors.New("peer copy did not complete")
	}
	return t.noErrors()
}
